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

// Package geoscore infers which physical repeaters a message most likely
// traversed. Hop tokens are a single hash byte, so several repeaters can
// share one token; a Viterbi-style pass over the GPS-valid candidates
// picks the chain with the least implied travel, anchored at the
// observer's home position when one is known.
package geoscore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/utils"
	"go.meshrank.net/meshrank/utils/geo"
)

const (
	queueCapacity = 4096
	batchSize     = 20
	tickInterval  = time.Second

	maxCandidates = 5

	// Transition scale: the log-likelihood of a hop falls by 1 for every
	// defaultDistanceScaleKm of distance between the two inferred peers.
	// GEOSCORE_DISTANCE_SCALE_KM overrides it for dense or sparse meshes.
	defaultDistanceScaleKm = 30.0

	// Hops further apart than this are counted as teleports and drag the
	// route confidence down.
	teleportThresholdKm = 150.0

	homeRebuildRows    = 5000
	homeRebuildRetries = 5
)

// HomeSourceObservers marks a home taken from the observer registry;
// HomeSourceUniqueToken marks one derived from a path token that maps to a
// single GPS-valid repeater.
const (
	HomeSourceObservers   = "observers_json"
	HomeSourceUniqueToken = "unique_token"
)

// InferredHop is one resolved hop of a message route.
type InferredHop struct {
	Token      string     `json:"token"`
	Pub        string     `json:"pub,omitempty"`
	Name       string     `json:"name,omitempty"`
	GPS        *geo.Point `json:"gps,omitempty"`
	Confidence float64    `json:"confidence"`
}

// Route is one persisted inference result.
type Route struct {
	MsgKey        string        `json:"msgKey"`
	TSMs          int64         `json:"tsMs"`
	ObserverID    string        `json:"observerId"`
	Hops          []InferredHop `json:"hops"`
	Confidence    float64       `json:"confidence"`
	Unresolved    bool          `json:"unresolved"`
	MaxTeleportKm float64       `json:"maxTeleportKm"`
	UpdatedAt     string        `json:"updatedAt"`
}

// Status is the telemetry payload for /api/geoscore/status.
type Status struct {
	QueueDepth int   `json:"queueDepth"`
	Processed  int64 `json:"processed"`
	Dropped    int64 `json:"dropped"`
	Skipped    int64 `json:"skipped"`
	Routes     int64 `json:"routes"`
	Unresolved int64 `json:"unresolved"`
	Homes      int64 `json:"homes"`
}

// ObserverHome is one row of the observer-home table.
type ObserverHome struct {
	ObserverID string    `json:"observerId"`
	GPS        geo.Point `json:"gps"`
	Source     string    `json:"source"`
	UpdatedAt  string    `json:"updatedAt"`
}

// Queue consumes observer updates from the SSE broadcaster and runs the
// inference in the background. Implements stream.ObserverDeltaSink.
type Queue struct {
	store  *store.Store
	logger *slog.Logger

	updates chan store.ObserverUpdate

	// distanceScale is the km-per-unit transition penalty of the Viterbi
	// pass, resolved once at construction.
	distanceScale float64

	processed atomic.Int64
	dropped   atomic.Int64
	skipped   atomic.Int64

	now func() time.Time
}

// New creates the inference queue.
func New(s *store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:         s,
		logger:        logger,
		updates:       make(chan store.ObserverUpdate, queueCapacity),
		distanceScale: utils.GetEnvFloat("GEOSCORE_DISTANCE_SCALE_KM", defaultDistanceScaleKm),
		now:           time.Now,
	}
}

// Enqueue accepts one observer update. Never blocks; a full queue drops
// the update.
func (q *Queue) Enqueue(u store.ObserverUpdate) {
	select {
	case q.updates <- u:
	default:
		q.dropped.Add(1)
	}
}

// Run rebuilds the observer-home table once, then drains the queue in
// batches until the context ends. The boot rebuild retries with backoff
// while the database is still warming up.
func (q *Queue) Run(ctx context.Context) {
	for attempt := 0; attempt < homeRebuildRetries; attempt++ {
		n, err := q.RebuildHomes(ctx)
		if err == nil {
			q.logger.Info("observer homes rebuilt", slog.Int("count", n))
			break
		}
		q.logger.Warn("observer home rebuild failed", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-time.After(utils.CalculateBackoff(attempt, 30*time.Second, 2*time.Second)):
		}
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainBatch(ctx)
		}
	}
}

func (q *Queue) drainBatch(ctx context.Context) {
	for i := 0; i < batchSize; i++ {
		select {
		case u := <-q.updates:
			if err := q.infer(ctx, u); err != nil {
				q.logger.Warn("route inference failed",
					slog.String("observer", u.ObserverID),
					slog.String("message", u.MessageHash),
					slog.String("error", err.Error()))
			}
		default:
			return
		}
	}
}

// infer runs the Viterbi pass for one observed path and upserts the
// result.
func (q *Queue) infer(ctx context.Context, u store.ObserverUpdate) error {
	tokens := normalizeTokens(u.Path)
	if len(tokens) == 0 {
		q.skipped.Add(1)
		return nil
	}

	snap, err := q.store.ReadDevices(ctx)
	if err != nil {
		return err
	}
	home := q.observerHome(ctx, u.ObserverID)

	route := q.solve(u, tokens, snap, home)
	data, err := json.Marshal(route.Hops)
	if err != nil {
		return fmt.Errorf("failed to encode inferred route: %w", err)
	}
	unresolved := 0
	if route.Unresolved {
		unresolved = 1
	}
	_, err = q.store.DB().ExecContext(ctx,
		`INSERT INTO geoscore_routes (msg_key, ts_ms, observer_id, inferred_json,
			route_confidence, unresolved, max_teleport_km, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (msg_key) DO UPDATE SET
			ts_ms = excluded.ts_ms,
			observer_id = excluded.observer_id,
			inferred_json = excluded.inferred_json,
			route_confidence = excluded.route_confidence,
			unresolved = excluded.unresolved,
			max_teleport_km = excluded.max_teleport_km,
			updated_at = excluded.updated_at`,
		route.MsgKey, route.TSMs, route.ObserverID, string(data),
		route.Confidence, unresolved, route.MaxTeleportKm, route.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist inferred route: %w", err)
	}
	q.processed.Add(1)
	return nil
}

// candidate is one GPS-valid repeater that could be behind a hop token.
type candidate struct {
	pub  string
	name string
	gps  geo.Point
}

func candidatesFor(snap *store.DeviceSnapshot, token string) []candidate {
	devices := snap.ByHash[token]
	var out []candidate
	for _, d := range devices {
		if !d.IsRepeater || !d.ValidGPS() {
			continue
		}
		out = append(out, candidate{pub: strings.ToUpper(d.Pub), name: d.Name, gps: *d.GPS})
	}
	// Stable candidate order keeps repeated inferences deterministic.
	sort.Slice(out, func(i, j int) bool { return out[i].pub < out[j].pub })
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}

// solve runs the Viterbi pass. Candidate priors are uniform; the
// transition prior penalizes distance. Tokens with no candidate leave an
// unresolved hop and break the distance chain.
func (q *Queue) solve(u store.ObserverUpdate, tokens []string, snap *store.DeviceSnapshot, home *geo.Point) Route {
	route := Route{
		MsgKey:     strings.ToUpper(u.MessageHash),
		TSMs:       u.TSMs,
		ObserverID: u.ObserverID,
		UpdatedAt:  q.now().UTC().Format(time.RFC3339),
	}

	type stage struct {
		cands []candidate
		// best accumulated log-likelihood per candidate, and the index of
		// the predecessor it came from.
		score []float64
		prev  []int
	}
	stages := make([]stage, len(tokens))
	lastResolved := -1
	for i, token := range tokens {
		cands := candidatesFor(snap, token)
		if len(cands) == 0 {
			route.Unresolved = true
			stages[i] = stage{}
			continue
		}
		st := stage{
			cands: cands,
			score: make([]float64, len(cands)),
			prev:  make([]int, len(cands)),
		}
		prior := -math.Log(float64(len(cands)))
		for j, c := range cands {
			st.prev[j] = -1
			if lastResolved < 0 {
				// First resolved hop: anchor on the observer home when we
				// have one, otherwise the uniform prior alone.
				st.score[j] = prior
				if home != nil {
					st.score[j] -= geo.HaversineKm(*home, c.gps) / q.distanceScale
				}
				continue
			}
			best := math.Inf(-1)
			bestPrev := -1
			for k, p := range stages[lastResolved].cands {
				s := stages[lastResolved].score[k] - geo.HaversineKm(p.gps, c.gps)/q.distanceScale
				if s > best {
					best = s
					bestPrev = k
				}
			}
			st.score[j] = best + prior
			st.prev[j] = bestPrev
		}
		stages[i] = st
		lastResolved = i
	}

	// Backtrack from the best final candidate through the resolved stages.
	chosen := make([]int, len(tokens))
	for i := range chosen {
		chosen[i] = -1
	}
	if lastResolved >= 0 {
		best := 0
		for j := range stages[lastResolved].score {
			if stages[lastResolved].score[j] > stages[lastResolved].score[best] {
				best = j
			}
		}
		for i := lastResolved; i >= 0; {
			chosen[i] = best
			prev := stages[i].prev[best]
			// Walk back to the previous resolved stage.
			j := i - 1
			for j >= 0 && len(stages[j].cands) == 0 {
				j--
			}
			i = j
			best = prev
		}
	}

	var prevPoint *geo.Point
	confidence := 1.0
	for i, token := range tokens {
		hop := InferredHop{Token: token}
		if chosen[i] >= 0 {
			c := stages[i].cands[chosen[i]]
			hop.Pub = c.pub
			hop.Name = c.name
			gps := c.gps
			hop.GPS = &gps
			hop.Confidence = hopConfidence(stages[i].score, chosen[i])
			if prevPoint != nil {
				if km := geo.HaversineKm(*prevPoint, gps); km > route.MaxTeleportKm {
					route.MaxTeleportKm = km
				}
			}
			prevPoint = hop.GPS
		}
		if hop.Confidence > 0 {
			confidence *= hop.Confidence
		} else {
			confidence *= 0.1
		}
		route.Hops = append(route.Hops, hop)
	}
	if route.MaxTeleportKm > teleportThresholdKm {
		confidence *= teleportThresholdKm / route.MaxTeleportKm
	}
	route.MaxTeleportKm = math.Round(route.MaxTeleportKm*10) / 10
	route.Confidence = math.Round(confidence*1000) / 1000
	return route
}

// hopConfidence normalizes one stage's log scores into the chosen
// candidate's posterior weight.
func hopConfidence(scores []float64, chosen int) float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float64
	for _, s := range scores {
		sum += math.Exp(s - maxScore)
	}
	if sum == 0 {
		return 0
	}
	w := math.Exp(scores[chosen]-maxScore) / sum
	return math.Round(w*1000) / 1000
}

func normalizeTokens(path []string) []string {
	var out []string
	for _, token := range path {
		token = meshcore.NormalizePathHash(token)
		if token == "" || token == "??" {
			continue
		}
		out = append(out, token)
	}
	return out
}

// observerHome returns the stored home position, nil when unknown.
func (q *Queue) observerHome(ctx context.Context, observerID string) *geo.Point {
	if observerID == "" {
		return nil
	}
	var lat, lon float64
	err := q.store.DB().QueryRowContext(ctx,
		`SELECT gps_lat, gps_lon FROM geoscore_observer_home WHERE observer_id = ?`,
		observerID).Scan(&lat, &lon)
	if err != nil {
		return nil
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if !p.Valid() {
		return nil
	}
	return &p
}

// RebuildHomes repopulates the observer-home table. Observers with their
// own registered coordinates win; for the rest, the most recent path
// token that maps to exactly one GPS-valid repeater places them near that
// repeater. Returns the number of homes written.
func (q *Queue) RebuildHomes(ctx context.Context) (int, error) {
	obsSnap, err := q.store.ReadObservers(ctx)
	if err != nil {
		return 0, err
	}
	devSnap, err := q.store.ReadDevices(ctx)
	if err != nil {
		return 0, err
	}

	now := q.now().UTC().Format(time.RFC3339)
	written := 0
	placed := map[string]bool{}
	for id, obs := range obsSnap.ByID {
		if obs.GPS == nil || !obs.GPS.Valid() {
			continue
		}
		if err := q.upsertHome(ctx, id, *obs.GPS, HomeSourceObservers, now); err != nil {
			return written, err
		}
		placed[id] = true
		written++
	}

	// Fallback placement from recent paths, newest rows first so the most
	// recent unique token wins.
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT observer_id, COALESCE(path_text,'') FROM message_observers
		 ORDER BY rowid DESC LIMIT ?`, homeRebuildRows)
	if err != nil {
		return written, fmt.Errorf("failed to scan recent paths: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var observerID, pathText string
		if err := rows.Scan(&observerID, &pathText); err != nil {
			return written, err
		}
		if observerID == "" || placed[observerID] {
			continue
		}
		for _, token := range normalizeTokens(meshcore.ParsePathText(pathText)) {
			cands := candidatesFor(devSnap, token)
			if len(cands) != 1 {
				continue
			}
			if err := q.upsertHome(ctx, observerID, cands[0].gps, HomeSourceUniqueToken, now); err != nil {
				return written, err
			}
			placed[observerID] = true
			written++
			break
		}
	}
	return written, rows.Err()
}

func (q *Queue) upsertHome(ctx context.Context, observerID string, p geo.Point, source, now string) error {
	_, err := q.store.DB().ExecContext(ctx,
		`INSERT INTO geoscore_observer_home (observer_id, gps_lat, gps_lon, source, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (observer_id) DO UPDATE SET
			gps_lat = excluded.gps_lat,
			gps_lon = excluded.gps_lon,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		observerID, p.Lat, p.Lon, source, now)
	if err != nil {
		return fmt.Errorf("failed to upsert observer home: %w", err)
	}
	return nil
}

// Status reports queue and table telemetry.
func (q *Queue) Status(ctx context.Context) (*Status, error) {
	st := &Status{
		QueueDepth: len(q.updates),
		Processed:  q.processed.Load(),
		Dropped:    q.dropped.Load(),
		Skipped:    q.skipped.Load(),
	}
	db := q.store.DB()
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM geoscore_routes`).Scan(&st.Routes); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM geoscore_routes WHERE unresolved = 1`).Scan(&st.Unresolved); err != nil {
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM geoscore_observer_home`).Scan(&st.Homes); err != nil {
		return nil, err
	}
	return st, nil
}

// Diagnostics returns the most recent inferred routes.
func (q *Queue) Diagnostics(ctx context.Context, limit int) ([]Route, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT msg_key, COALESCE(ts_ms,0), COALESCE(observer_id,''), COALESCE(inferred_json,''),
			COALESCE(route_confidence,0), COALESCE(unresolved,0), COALESCE(max_teleport_km,0),
			COALESCE(updated_at,'')
		 FROM geoscore_routes ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read inferred routes: %w", err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var (
			r          Route
			inferred   string
			unresolved int
		)
		if err := rows.Scan(&r.MsgKey, &r.TSMs, &r.ObserverID, &inferred,
			&r.Confidence, &unresolved, &r.MaxTeleportKm, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Unresolved = unresolved != 0
		if inferred != "" {
			if err := json.Unmarshal([]byte(inferred), &r.Hops); err != nil {
				r.Hops = nil
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Homes lists the observer-home table.
func (q *Queue) Homes(ctx context.Context) ([]ObserverHome, error) {
	rows, err := q.store.DB().QueryContext(ctx,
		`SELECT observer_id, gps_lat, gps_lon, COALESCE(source,''), COALESCE(updated_at,'')
		 FROM geoscore_observer_home ORDER BY observer_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read observer homes: %w", err)
	}
	defer rows.Close()

	var out []ObserverHome
	for rows.Next() {
		var h ObserverHome
		if err := rows.Scan(&h.ObserverID, &h.GPS.Lat, &h.GPS.Lon, &h.Source, &h.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
