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
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/ndjson"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/utils/geo"
	"go.meshrank.net/meshrank/utils/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, string) {
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
	e := NewEngine(s, nil, nil,
		filepath.Join(dir, "decoded.ndjson"),
		filepath.Join(dir, "observer.ndjson"),
		filepath.Join(dir, "rf.ndjson"),
		logger)
	return e, s, dir
}

func pubKey(prefix byte) string {
	out := fmt.Sprintf("%c%c", prefix, prefix)
	for len(out) < 64 {
		out += "0"
	}
	return out
}

func TestTrimmedMean(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		samples []float64
		want    float64
	}{
		{"empty", nil, 0},
		{"single", []float64{-90}, -90},
		{"outlier trimmed", append([]float64{-200}, repeatF(-80, 9)...), -80},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := trimmedMean(tc.samples, 0.10); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("trimmedMean = %v, want %v", got, tc.want)
			}
		})
	}
}

func repeatF(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestCollectAdvertStats(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	lines := []ndjson.Line{
		{Pub: "aa01", TS: "2026-08-25T11:00:00Z", RSSI: -80, SNR: 8, MessageHash: "M1", Path: []string{"b2"}},
		{Pub: "AA01", TS: "2026-08-25T10:00:00Z", RSSI: -70, SNR: 10, MessageHash: "M1"},
		{Pub: "AA01", TS: "2026-08-21T10:00:00Z", RSSI: -60, MessageHash: "OLD"}, // outside 72h
		{Pub: "AA01", TS: "2026-08-23T10:00:00Z", RSSI: -95, MessageHash: "M2"},  // in window, not in 24h
		{TS: "2026-08-25T11:30:00Z", RSSI: -50},                                  // no pub
	}

	stats := collectAdvertStats(lines, now)
	st := stats["AA01"]
	if st == nil {
		t.Fatal("no stats for AA01")
	}
	if st.Total != 3 || st.Total24h != 2 {
		t.Errorf("total=%d total24h=%d", st.Total, st.Total24h)
	}
	if len(st.UniqueMessages) != 2 {
		t.Errorf("unique=%d", len(st.UniqueMessages))
	}
	if st.BestRssi != -70 {
		t.Errorf("bestRssi=%v", st.BestRssi)
	}
	n := st.Neighbors["B2"]
	if n == nil || n.Count != 1 || n.Max != -80 {
		t.Errorf("neighbour stat = %+v", n)
	}
}

func TestRepeatEvidence(t *testing.T) {
	t.Parallel()
	paths := [][]string{
		{"AA", "BB", "CC"},
		{"AA", "BB", "DD"},
		{"EE", "BB", "CC"},
		{"FF", "BB", "CC"},
		{"AA", "BB", "CC"},
		{"GG", "HH"},
	}
	ev := collectRepeatEvidence(paths)

	// BB sits in the middle five times.
	middle := evidenceFor(ev, "BB", false)
	if !middle.IsTrueRepeater || middle.Middle != 5 {
		t.Errorf("middle evidence = %+v", middle)
	}

	// HH only ever terminates paths.
	terminal := evidenceFor(ev, "HH", false)
	if terminal.IsTrueRepeater {
		t.Errorf("terminal node passed: %+v", terminal)
	}

	// Backfilled devices bypass the test entirely.
	backfilled := evidenceFor(ev, "ZZ", true)
	if !backfilled.IsTrueRepeater || backfilled.Reason != "backfilled" {
		t.Errorf("backfilled = %+v", backfilled)
	}
}

func TestEvidenceDirectional(t *testing.T) {
	t.Parallel()
	// Two distinct upstream and two distinct downstream partners, but only
	// two middle appearances.
	paths := [][]string{
		{"AA", "XX", "BB"},
		{"CC", "XX", "DD"},
	}
	ev := collectRepeatEvidence(paths)
	got := evidenceFor(ev, "XX", false)
	if !got.IsTrueRepeater || got.Upstream != 2 || got.Downstream != 2 {
		t.Errorf("directional evidence = %+v", got)
	}
}

func TestQualityClassification(t *testing.T) {
	t.Parallel()
	base := func() *model.Device {
		return &model.Device{
			Pub: pubKey('a'), Name: "Good", NameValid: true, VerifiedAdvert: true,
			LastAdvertHeardMs: 1, GPS: &geo.Point{Lat: 52, Lon: 5},
		}
	}

	cases := []struct {
		name   string
		mutate func(*model.Device)
		stats  *repeaterStats
		want   string
	}{
		{"valid", func(*model.Device) {}, newRepeaterStats("x"), model.QualityValid},
		{"unverified phantom", func(d *model.Device) { d.VerifiedAdvert = false }, nil, model.QualityPhantom},
		{"never heard phantom", func(d *model.Device) { d.LastAdvertHeardMs = 0 }, nil, model.QualityPhantom},
		{"ghost phantom", func(d *model.Device) {
			d.GPS = nil
			d.NameValid = false
		}, nil, model.QualityPhantom},
		{"missing gps low", func(d *model.Device) { d.GPS = nil }, &repeaterStats{Total: 5}, model.QualityLowQuality},
		{"flagged low", func(d *model.Device) { d.GPSFlagged = true }, nil, model.QualityLowQuality},
		{"hidden low", func(d *model.Device) { d.HiddenOnMap = true }, nil, model.QualityLowQuality},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := base()
			tc.mutate(d)
			got, reasons := qualityOf(d, tc.stats)
			if got != tc.want {
				t.Errorf("quality = %s (%v), want %s", got, reasons, tc.want)
			}
			if got != model.QualityValid && len(reasons) == 0 {
				t.Error("non-valid classification must carry reasons")
			}
		})
	}
}

func TestScoreStaleIsZero(t *testing.T) {
	t.Parallel()
	st := newRepeaterStats("x")
	st.Total = 100
	st.RssiSamples = []float64{-60}
	if got := scoreOf(st, 5, true); got != 0 {
		t.Errorf("stale score = %v", got)
	}
	if got := scoreOf(st, 5, false); got <= 0 || got > 100 {
		t.Errorf("live score out of range: %v", got)
	}
}

func TestScoreWeights(t *testing.T) {
	t.Parallel()
	// Saturate every component: score must be exactly 100.
	st := newRepeaterStats("x")
	st.Total = 50
	st.RssiSamples = repeatF(-50, 10)
	st.SnrSamples = repeatF(10, 10)
	st.BestRssi = -50
	st.BestSnr = 10
	for i := 0; i < 10; i++ {
		st.UniqueMessages[fmt.Sprintf("m%d", i)] = struct{}{}
	}
	if got := scoreOf(st, 5, false); math.Abs(got-100) > 1e-9 {
		t.Errorf("saturated score = %v", got)
	}
}

func TestDedupByName(t *testing.T) {
	t.Parallel()
	devices := &store.DeviceSnapshot{ByPub: map[string]*model.Device{
		"P1": {Pub: "P1", LastAdvertIngestMs: 100},
		"P2": {Pub: "P2", LastAdvertIngestMs: 200},
		"P3": {Pub: "P3"},
	}}
	items := []model.RankItem{
		{Pub: "P1", Name: "Hilltop", Score: 90},
		{Pub: "P2", Name: "HILLTOP", Score: 50}, // newer ingest wins despite lower score
		{Pub: "P3", Name: "Other"},
	}
	out := dedupByName(items, devices)
	if len(out) != 2 {
		t.Fatalf("deduped to %d", len(out))
	}
	if out[0].Pub != "P2" {
		t.Errorf("kept %s, want newer ingest", out[0].Pub)
	}
}

func writeNDJSON(t *testing.T, path string, lines ...string) {
	t.Helper()
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildRepeaterRankEndToEnd(t *testing.T) {
	t.Parallel()
	e, s, dir := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.now = func() time.Time { return now }

	goodPub := pubKey('a')
	ghostPub := pubKey('b')
	raw := func(verified bool) string {
		return fmt.Sprintf(`{"verifiedAdvert":%t,"nameValid":true,"role":"repeater"}`, verified)
	}
	seed := func(pub, name string, verified bool, lat float64) {
		var latArg, lonArg any
		if lat != 0 {
			latArg, lonArg = lat, 5.0
		}
		_, err := s.DB().Exec(
			`INSERT INTO devices (pub, name, is_repeater, last_advert_heard_ms, gps_lat, gps_lon, raw_json)
			 VALUES (?, ?, 1, ?, ?, ?, ?)`,
			pub, name, now.UnixMilli(), latArg, lonArg, raw(verified))
		if err != nil {
			t.Fatalf("seed device: %v", err)
		}
	}
	seed(goodPub, "Hilltop", true, 52.0)
	seed(ghostPub, "Ghost", false, 0)

	// Path evidence: the good repeater's hash appears mid-path five times.
	hash := goodPub[:2]
	for i := 0; i < 5; i++ {
		_, err := s.DB().Exec(
			`INSERT INTO message_observers (message_hash, observer_id, path_text, ts_ms)
			 VALUES (?, ?, ?, ?)`,
			fmt.Sprintf("MSG%d", i), "obs-1",
			fmt.Sprintf("1%d|%s|F%d", i, hash, i), now.UnixMilli())
		if err != nil {
			t.Fatalf("seed path: %v", err)
		}
	}

	ts := now.Add(-time.Hour).Format(time.RFC3339)
	writeNDJSON(t, filepath.Join(dir, "decoded.ndjson"),
		fmt.Sprintf(`{"pub":"%s","ts":"%s","rssi":-75,"snr":9,"messageHash":"ADV1"}`, goodPub, ts),
		fmt.Sprintf(`{"pub":"%s","ts":"%s","rssi":-80,"snr":7,"messageHash":"ADV2"}`, goodPub, ts),
	)

	payload, err := e.BuildRepeaterRank(ctx)
	if err != nil {
		t.Fatalf("BuildRepeaterRank: %v", err)
	}
	if payload.Count != 1 || len(payload.Items) != 1 {
		t.Fatalf("items = %d", payload.Count)
	}
	item := payload.Items[0]
	if item.Pub != goodPub || item.Score <= 0 || !item.IsLive {
		t.Errorf("item = %+v", item)
	}
	if item.Color != model.ScoreColor(item.Score, false) {
		t.Errorf("color mismatch: %s", item.Color)
	}

	foundGhost := false
	for _, ex := range payload.Excluded {
		if ex.Pub == ghostPub {
			foundGhost = true
			if ex.Quality != model.QualityPhantom {
				t.Errorf("ghost quality = %s", ex.Quality)
			}
			// The classification itself must appear in the reasons list.
			hasPhantom := false
			for _, r := range ex.Reasons {
				if r == model.QualityPhantom {
					hasPhantom = true
				}
			}
			if !hasPhantom {
				t.Errorf("ghost reasons = %v, want %q included", ex.Reasons, model.QualityPhantom)
			}
		}
	}
	if !foundGhost {
		t.Error("phantom repeater not excluded")
	}

	// Persist and reload through the singleton row.
	if err := e.PersistRepeaterRank(ctx, payload); err != nil {
		t.Fatalf("persist: %v", err)
	}
	_, raw2, err := s.LoadCachePayload(ctx, store.TableRepeaterRankCache)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var reloaded model.RankPayload
	if err := json.Unmarshal([]byte(raw2), &reloaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if reloaded.Count != payload.Count {
		t.Error("persisted payload mismatch")
	}
}
