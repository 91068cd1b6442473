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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"go.meshrank.net/meshrank/utils/geo"
)

// DeviceOverlay carries the admin-only fields kept in devices.json that the
// ingest-written DB rows do not have. Pointer fields distinguish "absent"
// from an explicit false/zero.
type DeviceOverlay struct {
	Name           *string    `json:"name,omitempty"`
	HiddenOnMap    *bool      `json:"hiddenOnMap,omitempty"`
	GPSImplausible *bool      `json:"gpsImplausible,omitempty"`
	GPSFlagged     *bool      `json:"gpsFlagged,omitempty"`
	GPSEstimated   *bool      `json:"gpsEstimated,omitempty"`
	GPS            *geo.Point `json:"gps,omitempty"`
	VerifiedAdvert *bool      `json:"verifiedAdvert,omitempty"`
	NameValid      *bool      `json:"nameValid,omitempty"`
	Role           string     `json:"role,omitempty"`
	Meta           struct {
		Backfilled bool `json:"backfilled,omitempty"`
	} `json:"meta,omitempty"`
}

// ObserverOverlay carries admin overrides for one observer.
type ObserverOverlay struct {
	GPS             *geo.Point `json:"gps,omitempty"`
	BestRepeaterPub string     `json:"bestRepeaterPub,omitempty"`
}

// overlayEntry is a cached parse of one overlay file, keyed by mtime so a
// rewritten file invalidates the cache without a TTL race.
type overlayEntry[V any] struct {
	modTime time.Time
	value   map[string]V
}

// readOverlay parses a JSON overlay file through the given cache. A missing
// file yields an empty map; a malformed file yields an error and the caller
// keeps its previous state.
func readOverlay[V any](path string, cache *SnapshotCache[overlayEntry[V]]) (map[string]V, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]V{}, nil
		}
		return nil, fmt.Errorf("failed to stat overlay %s: %w", path, err)
	}

	if entry, ok := cache.Get(); ok && entry.modTime.Equal(info.ModTime()) {
		return entry.value, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read overlay %s: %w", path, err)
	}
	value := map[string]V{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to parse overlay %s: %w", path, err)
	}

	cache.Set(overlayEntry[V]{modTime: info.ModTime(), value: value})
	return value, nil
}

// WriteJSONAtomic writes v as indented JSON to path using the write-to-tmp
// then rename discipline, so a crash mid-write leaves the previous file
// intact.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
