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

package geoscore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/utils/geo"
	"go.meshrank.net/meshrank/utils/sqlite"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client, err := sqlite.NewClient(context.Background(), sqlite.Config{
		Path:        filepath.Join(dir, "test.db"),
		CacheKB:     2048,
		BusyTimeout: time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	s := store.New(client, store.Config{DataDir: dir}, logger)
	return New(s, logger), s
}

// seedRepeater inserts a GPS-valid repeater. The pub's first two hex
// characters are its hop token.
func seedRepeater(t *testing.T, s *store.Store, pub, name string, lat, lon float64) {
	t.Helper()
	_, err := s.DB().Exec(
		`INSERT INTO devices (pub, name, is_repeater, gps_lat, gps_lon, raw_json)
		 VALUES (?, ?, 1, ?, ?, '{"role":"repeater"}')`, pub, name, lat, lon)
	if err != nil {
		t.Fatalf("seed repeater: %v", err)
	}
	s.InvalidateDevices()
}

func pub(prefix string) string {
	return strings.ToUpper(prefix) + strings.Repeat("0", 64-len(prefix))
}

func TestDistanceScaleEnvOverride(t *testing.T) {
	q, _ := newTestQueue(t)
	if q.distanceScale != defaultDistanceScaleKm {
		t.Errorf("default distanceScale = %v, want %v", q.distanceScale, defaultDistanceScaleKm)
	}

	t.Setenv("GEOSCORE_DISTANCE_SCALE_KM", "12.5")
	tuned, _ := newTestQueue(t)
	if tuned.distanceScale != 12.5 {
		t.Errorf("distanceScale = %v, want 12.5", tuned.distanceScale)
	}
}

func TestInferPicksNearbyChain(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()

	// Token A1 is ambiguous: one candidate sits next to the B2 repeater,
	// the other is 400 km away. The chain with less travel must win.
	seedRepeater(t, s, pub("A1"), "Near", -33.85, 151.20)
	seedRepeater(t, s, pub("A1FF"), "Far", -37.80, 144.95)
	seedRepeater(t, s, pub("B2"), "Relay", -33.80, 151.10)

	err := q.infer(ctx, store.ObserverUpdate{
		RowID:       1,
		MessageHash: "abcd1234",
		ObserverID:  "obs-1",
		TSMs:        1700000000000,
		Path:        []string{"A1", "B2"},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}

	routes, err := q.Diagnostics(ctx, 10)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("routes = %d", len(routes))
	}
	r := routes[0]
	if r.MsgKey != "ABCD1234" || r.Unresolved {
		t.Errorf("route = %+v", r)
	}
	if len(r.Hops) != 2 {
		t.Fatalf("hops = %d", len(r.Hops))
	}
	if r.Hops[0].Name != "Near" {
		t.Errorf("hop 0 resolved to %q, want the nearby candidate", r.Hops[0].Name)
	}
	if r.Hops[1].Pub != pub("B2") {
		t.Errorf("hop 1 = %+v", r.Hops[1])
	}
	if r.MaxTeleportKm <= 0 || r.MaxTeleportKm > 20 {
		t.Errorf("maxTeleportKm = %v", r.MaxTeleportKm)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		t.Errorf("confidence = %v", r.Confidence)
	}
}

func TestInferUnresolvedToken(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedRepeater(t, s, pub("C3"), "Known", -33.85, 151.20)

	err := q.infer(ctx, store.ObserverUpdate{
		MessageHash: "feed0001",
		ObserverID:  "obs-1",
		Path:        []string{"C3", "ZZ", "EE"},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	routes, err := q.Diagnostics(ctx, 10)
	if err != nil || len(routes) != 1 {
		t.Fatalf("routes = %v, %v", routes, err)
	}
	r := routes[0]
	if !r.Unresolved {
		t.Error("route with an uncovered token must be unresolved")
	}
	// ZZ is not a hex token and is dropped in normalization; EE has no
	// candidate and stays as a bare hop.
	if len(r.Hops) != 2 || r.Hops[1].Token != "EE" || r.Hops[1].Pub != "" {
		t.Errorf("hops = %+v", r.Hops)
	}
}

func TestInferEmptyPathSkipped(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	if err := q.infer(context.Background(), store.ObserverUpdate{MessageHash: "dead"}); err != nil {
		t.Fatalf("infer: %v", err)
	}
	if q.skipped.Load() != 1 {
		t.Errorf("skipped = %d", q.skipped.Load())
	}
}

func TestInferUpsertsLatest(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedRepeater(t, s, pub("D4"), "Solo", -33.85, 151.20)

	for i := 0; i < 2; i++ {
		err := q.infer(ctx, store.ObserverUpdate{
			MessageHash: "cafe0002",
			ObserverID:  "obs-1",
			TSMs:        int64(1700000000000 + i),
			Path:        []string{"D4"},
		})
		if err != nil {
			t.Fatalf("infer %d: %v", i, err)
		}
	}
	routes, err := q.Diagnostics(ctx, 10)
	if err != nil {
		t.Fatalf("Diagnostics: %v", err)
	}
	if len(routes) != 1 || routes[0].TSMs != 1700000000001 {
		t.Errorf("routes = %+v, want one upserted row", routes)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(t)
	for i := 0; i < queueCapacity+3; i++ {
		q.Enqueue(store.ObserverUpdate{RowID: int64(i)})
	}
	if got := q.dropped.Load(); got != 3 {
		t.Errorf("dropped = %d", got)
	}
}

func TestRebuildHomes(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()

	// obs-gps has registered coordinates; obs-path must be placed from its
	// unique token; obs-ambiguous has only an ambiguous token.
	if _, err := s.DB().Exec(
		`INSERT INTO observers (observer_id, gps_lat, gps_lon) VALUES ('obs-gps', -33.9, 151.2)`); err != nil {
		t.Fatalf("seed observer: %v", err)
	}
	s.InvalidateObservers()
	seedRepeater(t, s, pub("E5"), "Unique", -34.0, 151.0)
	seedRepeater(t, s, pub("F6"), "Twin A", -34.1, 151.1)
	seedRepeater(t, s, pub("F6FF"), "Twin B", -34.2, 151.2)

	exec := func(query string, args ...any) {
		t.Helper()
		if _, err := s.DB().Exec(query, args...); err != nil {
			t.Fatalf("exec: %v", err)
		}
	}
	exec(`INSERT INTO message_observers (message_hash, observer_id, path_text) VALUES ('M1', 'obs-path', 'E5')`)
	exec(`INSERT INTO message_observers (message_hash, observer_id, path_text) VALUES ('M2', 'obs-ambiguous', 'F6')`)

	n, err := q.RebuildHomes(ctx)
	if err != nil {
		t.Fatalf("RebuildHomes: %v", err)
	}
	if n != 2 {
		t.Errorf("homes written = %d", n)
	}

	homes, err := q.Homes(ctx)
	if err != nil {
		t.Fatalf("Homes: %v", err)
	}
	bySource := map[string]string{}
	for _, h := range homes {
		bySource[h.ObserverID] = h.Source
	}
	if bySource["obs-gps"] != HomeSourceObservers {
		t.Errorf("obs-gps source = %q", bySource["obs-gps"])
	}
	if bySource["obs-path"] != HomeSourceUniqueToken {
		t.Errorf("obs-path source = %q", bySource["obs-path"])
	}
	if _, ok := bySource["obs-ambiguous"]; ok {
		t.Error("ambiguous token must not place a home")
	}
}

func TestHomeAnchorsFirstHop(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()

	// Single-hop path with two candidates; only the observer home breaks
	// the tie.
	seedRepeater(t, s, pub("A7"), "South", -34.0, 151.0)
	seedRepeater(t, s, pub("A7FF"), "North", -27.5, 153.0)
	home := geo.Point{Lat: -27.4, Lon: 153.1}
	if err := q.upsertHome(ctx, "obs-north", home, HomeSourceObservers, "2026-08-25T00:00:00Z"); err != nil {
		t.Fatalf("upsertHome: %v", err)
	}

	err := q.infer(ctx, store.ObserverUpdate{
		MessageHash: "beef0003",
		ObserverID:  "obs-north",
		Path:        []string{"A7"},
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	routes, err := q.Diagnostics(ctx, 10)
	if err != nil || len(routes) != 1 {
		t.Fatalf("routes = %v, %v", routes, err)
	}
	if routes[0].Hops[0].Name != "North" {
		t.Errorf("hop resolved to %q, want the candidate near the observer", routes[0].Hops[0].Name)
	}
}

func TestStatusCounts(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedRepeater(t, s, pub("B8"), "Only", -34.0, 151.0)

	if err := q.infer(ctx, store.ObserverUpdate{
		MessageHash: "f00d0004", ObserverID: "obs-1", Path: []string{"B8"},
	}); err != nil {
		t.Fatalf("infer: %v", err)
	}
	st, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Processed != 1 || st.Routes != 1 || st.Unresolved != 0 {
		t.Errorf("status = %+v", st)
	}
}
