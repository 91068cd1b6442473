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
	"math"
	"sort"
	"time"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/ndjson"
	"go.meshrank.net/meshrank/internal/store"
)

const (
	meshScoreTailLines = 5000
	meshMessagesFull   = 200 // messages/day for a full message score
	meshAvgRepeatsFull = 5
	meshNodeCountFull  = 200
)

// dayAgg is one UTC day's raw aggregate before scoring.
type dayAgg struct {
	unique map[string]struct{}
	total  int
}

// BuildMeshScore computes the daily mesh score series from the rolling RF
// tail, merges it with the persisted days, and derives today/yesterday.
func (e *Engine) BuildMeshScore(ctx context.Context) (*model.MeshScorePayload, error) {
	now := e.now()

	lines, err := ndjson.ReadLastLines(e.rfPath, meshScoreTailLines)
	if err != nil {
		return nil, err
	}

	// Group decoded channel messages by UTC day.
	days := map[string]*dayAgg{}
	for i := range lines {
		gt, ok := e.decoder.DecodeGroupText(lines[i].Payload(), e.keys)
		if !ok || gt == nil {
			continue
		}
		ts := lines[i].Time()
		if ts.IsZero() {
			ts = parseISO(gt.TS)
		}
		if ts.IsZero() {
			continue
		}
		day := ts.UTC().Format("2006-01-02")
		agg, found := days[day]
		if !found {
			agg = &dayAgg{unique: map[string]struct{}{}}
			days[day] = agg
		}
		agg.total++
		if gt.MessageHash != "" {
			agg.unique[gt.MessageHash] = struct{}{}
		}
	}

	activeRatio, nodeScore := e.networkFactors(ctx, now)

	// Score and upsert each observed day.
	for day, agg := range days {
		unique := len(agg.unique)
		if unique == 0 {
			unique = agg.total
		}
		avgRepeats := 0.0
		if unique > 0 {
			avgRepeats = float64(agg.total) / float64(unique)
		}
		messageScore := model.Clamp01(float64(agg.total) / meshMessagesFull)
		repeatScore := model.Clamp01(avgRepeats / meshAvgRepeatsFull)
		score := int(math.Round(100 * (0.35*activeRatio + 0.30*messageScore +
			0.20*repeatScore + 0.15*nodeScore)))

		if err := e.store.UpsertMeshScoreDay(ctx, model.MeshScoreDay{
			Day:        day,
			Score:      score,
			Messages:   unique,
			AvgRepeats: math.Round(avgRepeats*100) / 100,
		}); err != nil {
			return nil, err
		}
	}

	series, err := e.store.ReadMeshScoreDays(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Day < series[j].Day })

	payload := &model.MeshScorePayload{
		UpdatedAt: now.UTC().Format(time.RFC3339),
		Days:      series,
	}
	today := now.UTC().Format("2006-01-02")
	yesterday := now.UTC().AddDate(0, 0, -1).Format("2006-01-02")
	for _, d := range series {
		switch d.Day {
		case today:
			payload.Today = d.Score
		case yesterday:
			payload.Yesterday = d.Score
		}
	}
	payload.Delta = payload.Today - payload.Yesterday
	return payload, nil
}

// networkFactors derives the node-population inputs of the daily score:
// the share of repeaters heard in the last 24 h and the total node count
// normalised to the full-score population.
func (e *Engine) networkFactors(ctx context.Context, now time.Time) (activeRatio, nodeScore float64) {
	devices, err := e.store.ReadDevices(ctx)
	if err != nil {
		return 0, 0
	}

	dayCutoffMs := now.Add(-24 * time.Hour).UnixMilli()
	repeaters := 0
	active := 0
	population := 0
	for _, d := range devices.ByPub {
		switch d.Role {
		case model.RoleRepeater, model.RoleRoomServer, model.RoleChat, model.RoleCompanion:
			population++
		default:
			if d.IsRepeater {
				population++
			}
		}
		if d.IsRepeater {
			repeaters++
			if d.LastAdvertHeardMs >= dayCutoffMs {
				active++
			}
		}
	}
	if repeaters > 0 {
		activeRatio = float64(active) / float64(repeaters)
	}
	nodeScore = model.Clamp01(float64(population) / meshNodeCountFull)
	return activeRatio, nodeScore
}

// PersistMeshScore writes the payload to its singleton cache row.
func (e *Engine) PersistMeshScore(ctx context.Context, payload *model.MeshScorePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.store.SaveCachePayload(ctx, store.TableMeshScoreCache, payload.UpdatedAt, string(data))
}
