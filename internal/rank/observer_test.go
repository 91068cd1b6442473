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
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func seedObserver(t *testing.T, e *Engine, id, firstSeen, lastSeen string) {
	t.Helper()
	_, err := e.store.DB().Exec(
		`INSERT INTO observers (observer_id, first_seen, last_seen, count) VALUES (?, ?, ?, 10)`,
		id, firstSeen, lastSeen)
	if err != nil {
		t.Fatalf("seed observer: %v", err)
	}
}

func TestBuildObserverRank(t *testing.T) {
	t.Parallel()
	e, s, dir := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.now = func() time.Time { return now }

	repeaterPub := pubKey('c')
	_, err := s.DB().Exec(
		`INSERT INTO devices (pub, name, is_repeater, gps_lat, gps_lon, last_advert_heard_ms, raw_json)
		 VALUES (?, 'Tower', 1, 52.0, 5.0, ?, '{"verifiedAdvert":true,"nameValid":true}')`,
		repeaterPub, now.UnixMilli())
	if err != nil {
		t.Fatalf("seed repeater: %v", err)
	}

	old := now.Add(-96 * time.Hour).Format(time.RFC3339)
	recent := now.Add(-time.Hour).Format(time.RFC3339)
	seedObserver(t, e, "obs-live", old, recent)
	seedObserver(t, e, "obs-dead", old, now.Add(-30*time.Hour).Format(time.RFC3339))

	// obs-live heard the repeater zero-hop; packets land inside 24h.
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, fmt.Sprintf(
			`{"observerId":"obs-live","ts":"%s","rssi":-60,"pub":"%s"}`,
			recent, repeaterPub))
	}
	writeNDJSON(t, filepath.Join(dir, "observer.ndjson"), lines...)

	payload, err := e.BuildObserverRank(ctx)
	if err != nil {
		t.Fatalf("BuildObserverRank: %v", err)
	}
	if payload.Count != 2 {
		t.Fatalf("count = %d", payload.Count)
	}

	// Online observer sorts first.
	live := payload.Items[0]
	if live.ID != "obs-live" || live.Offline {
		t.Fatalf("head item = %+v", live)
	}
	if live.PacketsToday != 100 {
		t.Errorf("packetsToday = %d", live.PacketsToday)
	}
	if live.BestRepeaterPub != repeaterPub {
		t.Errorf("bestRepeaterPub = %q", live.BestRepeaterPub)
	}
	// No own GPS: falls back to the best repeater's position.
	if live.GPS == nil || !live.GPSFromRepeater {
		t.Errorf("gps fallback missing: %+v", live)
	}
	if len(live.CoverageRepeaters) != 1 || live.NearestRepeaterName != "Tower" {
		t.Errorf("coverage = %+v", live)
	}
	if live.UptimeHours < 95 || live.Score <= 0 {
		t.Errorf("uptime/score = %v/%d", live.UptimeHours, live.Score)
	}

	dead := payload.Items[1]
	if dead.ID != "obs-dead" || !dead.Offline {
		t.Errorf("tail item = %+v", dead)
	}
}

func TestObserverScoreFormula(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e.now = func() time.Time { return now }

	// 48h uptime and 2000 packets saturate both components.
	seedObserver(t, e, "obs-full",
		now.Add(-48*time.Hour).Format(time.RFC3339),
		now.Format(time.RFC3339))

	payload, err := e.BuildObserverRank(ctx)
	if err != nil {
		t.Fatalf("BuildObserverRank: %v", err)
	}
	item := payload.Items[0]
	// Zero packets: only the uptime component contributes.
	if item.Score != 60 {
		t.Errorf("score = %d, want 60 for full uptime and no traffic", item.Score)
	}
}
