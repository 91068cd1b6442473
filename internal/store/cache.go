/*
SPDX-FileCopyrightText: Copyright (c) 2026 MeshRank Project. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// KeyedCache is a generic thread-safe LRU cache with per-entry TTL
// expiration. It serves as the base caching primitive for the device,
// observer, overlay and static-file caches.
type KeyedCache[V any] struct {
	cache  *expirable.LRU[string, V]
	logger *slog.Logger
}

// NewKeyedCache creates a new keyed cache with the specified max size and TTL.
func NewKeyedCache[V any](maxSize int, ttl time.Duration, logger *slog.Logger) *KeyedCache[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyedCache[V]{
		cache:  expirable.NewLRU[string, V](maxSize, nil, ttl),
		logger: logger,
	}
}

// Get retrieves a single value by key. Returns the value and true on hit.
func (c *KeyedCache[V]) Get(key string) (V, bool) {
	return c.cache.Get(key)
}

// Set stores a value under the given key.
func (c *KeyedCache[V]) Set(key string, value V) {
	c.cache.Add(key, value)
}

// Remove evicts a key. Admin mutations use this to force a bypass read.
func (c *KeyedCache[V]) Remove(key string) {
	c.cache.Remove(key)
}

// Purge drops every entry.
func (c *KeyedCache[V]) Purge() {
	c.cache.Purge()
}

// Size returns the number of entries in the cache.
func (c *KeyedCache[V]) Size() int {
	return c.cache.Len()
}

// ---------------------------------------------------------------------------
// SnapshotCache -- single-value cache for whole device/observer snapshots.
// Uses a KeyedCache with a single sentinel key so every cache in the store
// shares the same underlying implementation.
// ---------------------------------------------------------------------------

const snapshotCacheKey = "_snapshot"

// SnapshotCache caches one snapshot value with TTL expiration.
type SnapshotCache[V any] struct {
	cache *KeyedCache[V]
}

// NewSnapshotCache creates a new single-value cache with the specified TTL.
func NewSnapshotCache[V any](ttl time.Duration, logger *slog.Logger) *SnapshotCache[V] {
	return &SnapshotCache[V]{
		cache: NewKeyedCache[V](1, ttl, logger),
	}
}

// Get returns the cached snapshot if still valid.
func (c *SnapshotCache[V]) Get() (V, bool) {
	return c.cache.Get(snapshotCacheKey)
}

// Set stores a snapshot with the configured TTL.
func (c *SnapshotCache[V]) Set(value V) {
	c.cache.Set(snapshotCacheKey, value)
}

// Invalidate drops the snapshot so the next read bypasses the cache.
func (c *SnapshotCache[V]) Invalidate() {
	c.cache.Remove(snapshotCacheKey)
}
