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

	"go.meshrank.net/meshrank/internal/meshcore"
)

// hashDecoder decodes every payload to a GroupText whose message hash is
// the payload itself.
type hashDecoder struct{}

func (hashDecoder) DecodeGroupText(payloadHex string, _ []meshcore.ChannelKey) (*meshcore.GroupText, bool) {
	if payloadHex == "" {
		return nil, false
	}
	return &meshcore.GroupText{MessageHash: payloadHex, ChannelName: "#public"}, true
}

func TestBuildMeshScore(t *testing.T) {
	t.Parallel()
	e, s, dir := newTestEngine(t)
	e.decoder = hashDecoder{}
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	// A repeater active today, so activeRatio is 1.
	_, err := s.DB().Exec(
		`INSERT INTO devices (pub, name, is_repeater, last_advert_heard_ms, raw_json)
		 VALUES (?, 'Tower', 1, ?, '{"role":"repeater"}')`,
		pubKey('d'), now.UnixMilli())
	if err != nil {
		t.Fatalf("seed repeater: %v", err)
	}

	// Today: three frames of two unique messages. Yesterday: one message.
	var lines []string
	today := now.Format("2006-01-02")
	for _, payload := range []string{"m1", "m1", "m2"} {
		lines = append(lines, fmt.Sprintf(`{"payloadHex":"%s","ts":"%sT10:00:00Z"}`, payload, today))
	}
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	lines = append(lines, fmt.Sprintf(`{"payloadHex":"y1","ts":"%sT10:00:00Z"}`, yesterday))
	writeNDJSON(t, filepath.Join(dir, "rf.ndjson"), lines...)

	payload, err := e.BuildMeshScore(ctx)
	if err != nil {
		t.Fatalf("BuildMeshScore: %v", err)
	}
	if len(payload.Days) != 2 {
		t.Fatalf("days = %d", len(payload.Days))
	}
	if payload.Days[0].Day != yesterday || payload.Days[1].Day != today {
		t.Errorf("series order: %+v", payload.Days)
	}
	if payload.Days[1].Messages != 2 {
		t.Errorf("today unique = %d", payload.Days[1].Messages)
	}
	if got := payload.Days[1].AvgRepeats; got != 1.5 {
		t.Errorf("avgRepeats = %v", got)
	}
	if payload.Today == 0 || payload.Delta != payload.Today-payload.Yesterday {
		t.Errorf("today/yesterday wrong: %+v", payload)
	}

	// Rebuild merges with the persisted series instead of duplicating.
	again, err := e.BuildMeshScore(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(again.Days) != 2 {
		t.Errorf("merged days = %d", len(again.Days))
	}
}
