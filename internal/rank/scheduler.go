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

package rank

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.meshrank.net/meshrank/internal/channels"
	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/store"
)

// Boot and refresh timing. Requests are accepted before any of these fire;
// handlers serve whatever payload is available.
const (
	dbWarmupDelay      = 2 * time.Second
	messagesBuildDelay = 3 * time.Second
	messagesBuildRetry = 15 * time.Second
	hydrateDelay       = 30 * time.Second
	warmupWindow       = 15 * time.Minute
	refreshLoopTick    = 60 * time.Second
	refreshTTL         = 15 * time.Minute
	scoringDelay       = 30 * time.Second
	scoringInterval    = 5 * time.Minute
)

// flight is a TTL cache with an in-flight guard: concurrent refreshes of
// the same payload share one build, and callers inside the TTL get the
// cached value.
type flight[T any] struct {
	mu        sync.Mutex
	value     T
	has       bool
	updatedAt time.Time
	waiters   []chan flightResult[T]
	running   bool
}

type flightResult[T any] struct {
	value T
	err   error
}

// current returns the cached value without triggering a build.
func (f *flight[T]) current() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.has
}

// seed installs a hydrated value unless a fresh build already landed.
func (f *flight[T]) seed(value T, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.has {
		return
	}
	f.value = value
	f.has = true
	f.updatedAt = updatedAt
}

// refresh returns the cached value inside the TTL (unless force), joins an
// in-flight build if one is running, and otherwise builds.
func (f *flight[T]) refresh(ctx context.Context, force bool, build func() (T, error)) (T, error) {
	f.mu.Lock()
	if !force && f.has && time.Since(f.updatedAt) < refreshTTL {
		value := f.value
		f.mu.Unlock()
		return value, nil
	}
	if f.running {
		ch := make(chan flightResult[T], 1)
		f.waiters = append(f.waiters, ch)
		f.mu.Unlock()
		select {
		case res := <-ch:
			return res.value, res.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	f.running = true
	f.mu.Unlock()

	value, err := build()

	f.mu.Lock()
	f.running = false
	if err == nil {
		f.value = value
		f.has = true
		f.updatedAt = time.Now()
	}
	waiters := f.waiters
	f.waiters = nil
	f.mu.Unlock()

	for _, ch := range waiters {
		ch <- flightResult[T]{value: value, err: err}
	}
	return value, err
}

// Scheduler owns the boot timeline and the periodic refresh loops.
type Scheduler struct {
	engine   *Engine
	channels *channels.Cache
	store    *store.Store
	logger   *slog.Logger

	bootAt time.Time

	repeaters flight[*model.RankPayload]
	observers flight[*model.ObserverRankPayload]
	mesh      flight[*model.MeshScorePayload]
}

// NewScheduler wires the scheduler. channelCache may be nil in tests.
func NewScheduler(engine *Engine, channelCache *channels.Cache, s *store.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		channels: channelCache,
		store:    s,
		logger:   logger,
		bootAt:   time.Now(),
	}
}

// Warm reports whether the boot warmup window has elapsed. Scheduled
// refreshes before that are skipped; forced ones are not.
func (s *Scheduler) Warm() bool {
	return time.Since(s.bootAt) >= warmupWindow
}

// Run drives the boot timeline and loops until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	go s.runDelayed(ctx, dbWarmupDelay, s.warmupDB)
	go s.runMessagesBuild(ctx)
	go s.runDelayed(ctx, hydrateDelay, s.Hydrate)
	go s.runScoringLoop(ctx)

	ticker := time.NewTicker(refreshLoopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Warm() {
				continue
			}
			if _, err := s.RefreshRepeaterRank(ctx, false); err != nil {
				s.logger.Warn("rank refresh failed", slog.String("error", err.Error()))
			}
			if _, err := s.RefreshMeshScore(ctx, false); err != nil {
				s.logger.Warn("mesh score refresh failed", slog.String("error", err.Error()))
			}
			if _, err := s.RefreshObserverRank(ctx, false); err != nil {
				s.logger.Warn("observer rank refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Scheduler) runDelayed(ctx context.Context, delay time.Duration, fn func(context.Context)) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
		fn(ctx)
	}
}

func (s *Scheduler) warmupDB(ctx context.Context) {
	if _, err := s.store.ReadDevices(ctx); err != nil {
		s.logger.Warn("device warmup failed", slog.String("error", err.Error()))
	}
	if _, err := s.store.ReadObservers(ctx); err != nil {
		s.logger.Warn("observer warmup failed", slog.String("error", err.Error()))
	}
}

// runMessagesBuild builds the channel cache at +3 s and retries every 15 s
// until it succeeds.
func (s *Scheduler) runMessagesBuild(ctx context.Context) {
	if s.channels == nil {
		return
	}
	delay := messagesBuildDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := s.channels.Build(ctx); err != nil {
			s.logger.Warn("channel cache build failed, retrying",
				slog.String("error", err.Error()))
			delay = messagesBuildRetry
			continue
		}
		return
	}
}

// Hydrate loads the persisted singleton payloads so a restart never serves
// empty responses when earlier runs persisted data.
func (s *Scheduler) Hydrate(ctx context.Context) {
	hydrate(ctx, s, store.TableRepeaterRankCache, &s.repeaters)
	hydrate(ctx, s, store.TableObserverRankCache, &s.observers)
	hydrate(ctx, s, store.TableMeshScoreCache, &s.mesh)
}

func hydrate[T any](ctx context.Context, s *Scheduler, table string, f *flight[*T]) {
	updatedAt, payload, err := s.store.LoadCachePayload(ctx, table)
	if err != nil {
		if err != store.ErrNotFound {
			s.logger.Warn("cache hydration failed",
				slog.String("table", table),
				slog.String("error", err.Error()))
		}
		return
	}
	value := new(T)
	if err := json.Unmarshal([]byte(payload), value); err != nil {
		s.logger.Warn("persisted cache malformed",
			slog.String("table", table),
			slog.String("error", err.Error()))
		return
	}
	at := time.Now()
	if t := parseISO(updatedAt); !t.IsZero() {
		at = t
	}
	f.seed(value, at)
	s.logger.Info("cache hydrated", slog.String("table", table))
}

// RepeaterRank returns the current payload without triggering a build.
func (s *Scheduler) RepeaterRank() (*model.RankPayload, bool) { return s.repeaters.current() }

// ObserverRank returns the current payload without triggering a build.
func (s *Scheduler) ObserverRank() (*model.ObserverRankPayload, bool) { return s.observers.current() }

// MeshScore returns the current payload without triggering a build.
func (s *Scheduler) MeshScore() (*model.MeshScorePayload, bool) { return s.mesh.current() }

// RefreshRepeaterRank rebuilds (or returns the fresh cached) rank payload.
// force bypasses the TTL. Concurrent callers share one build.
func (s *Scheduler) RefreshRepeaterRank(ctx context.Context, force bool) (*model.RankPayload, error) {
	return s.repeaters.refresh(ctx, force, func() (*model.RankPayload, error) {
		payload, err := s.engine.BuildRepeaterRank(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.engine.PersistRepeaterRank(ctx, payload); err != nil {
			s.logger.Warn("rank persist failed", slog.String("error", err.Error()))
		}
		return payload, nil
	})
}

// RefreshObserverRank rebuilds the observer rank payload.
func (s *Scheduler) RefreshObserverRank(ctx context.Context, force bool) (*model.ObserverRankPayload, error) {
	return s.observers.refresh(ctx, force, func() (*model.ObserverRankPayload, error) {
		payload, err := s.engine.BuildObserverRank(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.engine.PersistObserverRank(ctx, payload); err != nil {
			s.logger.Warn("observer rank persist failed", slog.String("error", err.Error()))
		}
		return payload, nil
	})
}

// RefreshMeshScore rebuilds the mesh score payload.
func (s *Scheduler) RefreshMeshScore(ctx context.Context, force bool) (*model.MeshScorePayload, error) {
	return s.mesh.refresh(ctx, force, func() (*model.MeshScorePayload, error) {
		payload, err := s.engine.BuildMeshScore(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.engine.PersistMeshScore(ctx, payload); err != nil {
			s.logger.Warn("mesh score persist failed", slog.String("error", err.Error()))
		}
		return payload, nil
	})
}

// runScoringLoop updates stored repeater scores every 5 minutes, starting
// 30 s after boot, and sweeps visibility for repeaters silent beyond the
// active window.
func (s *Scheduler) runScoringLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(scoringDelay):
	}
	s.scoreOnce(ctx)

	ticker := time.NewTicker(scoringInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scoreOnce(ctx)
		}
	}
}

func (s *Scheduler) scoreOnce(ctx context.Context) {
	payload, ok := s.repeaters.current()
	if !ok || payload == nil {
		return
	}
	if err := s.store.UpdateRepeaterScores(ctx, payload.Items); err != nil {
		s.logger.Warn("score write failed", slog.String("error", err.Error()))
	}
	cutoff := time.Now().Add(-ActiveWindow).UnixMilli()
	if n, err := s.store.SweepRepeaterVisibility(ctx, cutoff); err != nil {
		s.logger.Warn("visibility sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("repeaters hidden by sweep", slog.Int64("count", n))
	}
}
