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

// Package share manages the 5-digit share codes that make message routes
// linkable. Codes live in the route_share table with a 24 h TTL; lookups
// are rate limited per client IP.
package share

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/store"
)

const (
	CodeTTL = 24 * time.Hour

	codeSpace        = 100000 // 00000..99999
	collisionRetries = 20
	sweepBatch       = 1000

	rateWindow   = time.Minute
	rateLimit    = 30
	missLimit    = 12
	rateMapLimit = 10000
)

// Lookup failure modes, mapped to HTTP statuses by the handlers.
var (
	ErrNotFound    = errors.New("share code not found")
	ErrExpired     = errors.New("share code expired")
	ErrRateLimited = errors.New("rate limited")
)

// ipState tracks one client's lookups inside the current window.
type ipState struct {
	windowStart time.Time
	requests    int
	misses      int
}

// Store is the share-code store. Safe for concurrent use.
type Store struct {
	store  *store.Store
	logger *slog.Logger

	mu  sync.Mutex
	ips map[string]*ipState

	now func() time.Time
}

// New creates the share store.
func New(s *store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:  s,
		logger: logger,
		ips:    map[string]*ipState{},
		now:    time.Now,
	}
}

// EnsureCode resolves id (messageHash or frameHash) to its canonical
// message and returns a share code: the existing unexpired one if present,
// else a freshly inserted 5-digit code.
func (s *Store) EnsureCode(ctx context.Context, id string) (string, error) {
	row, err := s.store.FindMessage(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	hash := strings.ToUpper(row.MessageHash)
	now := s.now()

	var (
		code      string
		expiresAt string
	)
	err = s.store.DB().QueryRowContext(ctx,
		`SELECT share_code, COALESCE(expires_at,'') FROM route_share
		 WHERE message_id = ? ORDER BY created_at DESC LIMIT 1`, hash).Scan(&code, &expiresAt)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339, expiresAt); perr == nil && t.After(now) {
			return code, nil
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up share code: %w", err)
	}

	created := now.UTC().Format(time.RFC3339)
	expires := now.Add(CodeTTL).UTC().Format(time.RFC3339)
	for attempt := 0; attempt < collisionRetries; attempt++ {
		candidate, err := randomCode()
		if err != nil {
			return "", err
		}
		_, err = s.store.DB().ExecContext(ctx,
			`INSERT INTO route_share (share_code, message_id, created_at, expires_at)
			 VALUES (?, ?, ?, ?)`, candidate, hash, created, expires)
		if err == nil {
			return candidate, nil
		}
		// Primary-key collision: try another code.
	}
	return "", fmt.Errorf("failed to allocate share code after %d attempts", collisionRetries)
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeSpace))
	if err != nil {
		return "", fmt.Errorf("failed to draw share code: %w", err)
	}
	return fmt.Sprintf("%05d", n.Int64()), nil
}

// Resolve returns the message behind a code, enforcing the per-IP limits.
// Expired codes are deleted and reported as ErrExpired; each hit also
// sweeps a bounded batch of expired rows.
func (s *Store) Resolve(ctx context.Context, code, ip string) (*model.MessageRow, error) {
	if err := s.admit(ip); err != nil {
		return nil, err
	}

	var (
		messageID string
		expiresAt string
	)
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT COALESCE(message_id,''), COALESCE(expires_at,'') FROM route_share
		 WHERE share_code = ?`, code).Scan(&messageID, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.recordMiss(ip)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve share code: %w", err)
	}

	if t, perr := time.Parse(time.RFC3339, expiresAt); perr != nil || !t.After(s.now()) {
		if _, err := s.store.DB().ExecContext(ctx,
			`DELETE FROM route_share WHERE share_code = ?`, code); err != nil {
			s.logger.Warn("expired share delete failed", slog.String("error", err.Error()))
		}
		s.recordMiss(ip)
		return nil, ErrExpired
	}

	s.sweep(ctx)

	row, err := s.store.FindMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.recordMiss(ip)
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row, nil
}

// admit applies the 30/min window and the miss ceiling for one IP.
func (s *Store) admit(ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	state, ok := s.ips[ip]
	if !ok || now.Sub(state.windowStart) >= rateWindow {
		// New window. Bound the map so hostile IP churn cannot grow it
		// without limit.
		if !ok && len(s.ips) >= rateMapLimit {
			s.ips = map[string]*ipState{}
		}
		state = &ipState{windowStart: now}
		s.ips[ip] = state
	}
	if state.requests >= rateLimit || state.misses >= missLimit {
		return ErrRateLimited
	}
	state.requests++
	return nil
}

func (s *Store) recordMiss(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.ips[ip]; ok {
		state.misses++
	}
}

// sweep deletes a bounded batch of expired rows. Best effort.
func (s *Store) sweep(ctx context.Context) {
	nowISO := s.now().UTC().Format(time.RFC3339)
	_, err := s.store.DB().ExecContext(ctx,
		`DELETE FROM route_share WHERE share_code IN (
			SELECT share_code FROM route_share WHERE expires_at <= ? LIMIT ?
		)`, nowISO, sweepBatch)
	if err != nil {
		s.logger.Warn("share sweep failed", slog.String("error", err.Error()))
	}
}
