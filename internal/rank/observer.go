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
	"math"
	"sort"
	"time"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/ndjson"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/utils/geo"
)

const (
	observerTailLines    = 50000
	observerCoverageKm   = 300
	observerOfflineHours = 24
	observerUptimeFull   = 48   // hours of uptime for a full uptime score
	observerTrafficFull  = 2000 // packets/day for a full traffic score
)

// observerActivity is the per-observer aggregate for the rank pass.
type observerActivity struct {
	PacketsToday int
	BestRssi     float64
	BestRepeater string // pub of the strongest zero-hop repeater advert
}

// observerActivityFromPackets aggregates rf_packets in one query. Returns
// false when the table is absent or empty, signalling the NDJSON fallback.
func (e *Engine) observerActivityFromPackets(ctx context.Context, now time.Time) (map[string]*observerActivity, bool) {
	var count int64
	if err := e.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rf_packets WHERE ts_ms >= ?`,
		now.Add(-24*time.Hour).UnixMilli()).Scan(&count); err != nil || count == 0 {
		return nil, false
	}

	rows, err := e.store.DB().QueryContext(ctx,
		`SELECT observer_id, COUNT(*) FROM rf_packets
		 WHERE ts_ms >= ? GROUP BY observer_id`,
		now.Add(-24*time.Hour).UnixMilli())
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	out := map[string]*observerActivity{}
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, false
		}
		out[id] = &observerActivity{PacketsToday: n, BestRssi: math.Inf(-1)}
	}
	if rows.Err() != nil {
		return nil, false
	}
	return out, len(out) > 0
}

// observerActivityFromNDJSON tails observer.ndjson and aggregates packets
// per observer, tracking the strongest zero-hop repeater advert.
func (e *Engine) observerActivityFromNDJSON(devices *store.DeviceSnapshot, now time.Time) map[string]*observerActivity {
	lines, err := ndjson.ReadLastLines(e.observerPath, observerTailLines)
	if err != nil {
		e.logger.Warn("observer log unreadable for rank", slog.String("error", err.Error()))
		return map[string]*observerActivity{}
	}

	cutoff := now.Add(-24 * time.Hour)
	out := map[string]*observerActivity{}
	for i := range lines {
		line := &lines[i]
		id := line.Observer()
		if id == "" {
			continue
		}
		ts := line.Time()
		if ts.IsZero() || ts.Before(cutoff) {
			continue
		}
		act, ok := out[id]
		if !ok {
			act = &observerActivity{BestRssi: math.Inf(-1)}
			out[id] = act
		}
		act.PacketsToday++

		// Zero-hop advert from a GPS-valid repeater: candidate for the
		// observer's best repeater.
		if line.Pub != "" && len(line.Path) == 0 && line.RSSI != 0 && line.RSSI > act.BestRssi {
			if d, found := devices.ByPub[line.Pub]; found && d.IsRepeater && d.ValidGPS() {
				act.BestRssi = line.RSSI
				act.BestRepeater = d.Pub
			}
		}
	}
	return out
}

// BuildObserverRank computes the observer rank payload.
func (e *Engine) BuildObserverRank(ctx context.Context) (*model.ObserverRankPayload, error) {
	now := e.now()
	observers, err := e.store.ReadObservers(ctx)
	if err != nil {
		return nil, err
	}
	devices, err := e.store.ReadDevices(ctx)
	if err != nil {
		return nil, err
	}

	activity, ok := e.observerActivityFromPackets(ctx, now)
	if !ok {
		activity = e.observerActivityFromNDJSON(devices, now)
	}

	// GPS-valid repeaters, for coverage and nearest lookups.
	type placedRepeater struct {
		pub  string
		name string
		gps  geo.Point
	}
	var repeaters []placedRepeater
	for _, d := range devices.ByPub {
		if d.IsRepeater && d.ValidGPS() {
			repeaters = append(repeaters, placedRepeater{pub: d.Pub, name: d.Name, gps: *d.GPS})
		}
	}

	items := make([]model.ObserverRankItem, 0, len(observers.ByID))
	for _, o := range observers.ByID {
		item := model.ObserverRankItem{ID: o.ID, BestRepeaterPub: o.BestRepeaterPub}

		if act, found := activity[o.ID]; found {
			item.PacketsToday = act.PacketsToday
			if item.BestRepeaterPub == "" {
				item.BestRepeaterPub = act.BestRepeater
			}
		}

		// Uptime from firstSeen; offline from lastSeen age.
		ageHours := math.Inf(1)
		if t := parseISO(o.LastSeen); !t.IsZero() {
			ageHours = now.Sub(t).Hours()
		}
		item.Offline = ageHours > observerOfflineHours
		if t := parseISO(o.FirstSeen); !t.IsZero() {
			item.UptimeHours = math.Round(now.Sub(t).Hours()*10) / 10
		}

		// Own GPS, else the best repeater's.
		if o.GPS != nil && o.GPS.Valid() {
			gps := *o.GPS
			item.GPS = &gps
		} else if item.BestRepeaterPub != "" {
			if d, found := devices.ByPub[item.BestRepeaterPub]; found && d.ValidGPS() {
				gps := *d.GPS
				item.GPS = &gps
				item.GPSFromRepeater = true
			}
		}

		if item.GPS != nil {
			nearestKm := math.Inf(1)
			for _, r := range repeaters {
				km := geo.HaversineKm(*item.GPS, r.gps)
				if km <= observerCoverageKm {
					item.CoverageRepeaters = append(item.CoverageRepeaters, r.pub)
					if km < nearestKm {
						nearestKm = km
						item.NearestRepeaterName = r.name
						item.NearestRepeaterKm = roundKm(km)
					}
				}
			}
			sort.Strings(item.CoverageRepeaters)
		}

		uptimeScore := model.Clamp01(item.UptimeHours / observerUptimeFull)
		trafficScore := model.Clamp01(float64(item.PacketsToday) / observerTrafficFull)
		item.Score = int(math.Round(100 * (0.6*uptimeScore + 0.4*trafficScore)))

		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Offline != items[j].Offline {
			return !items[i].Offline
		}
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if items[i].PacketsToday != items[j].PacketsToday {
			return items[i].PacketsToday > items[j].PacketsToday
		}
		return items[i].ID < items[j].ID
	})

	return &model.ObserverRankPayload{
		UpdatedAt: now.UTC().Format(time.RFC3339),
		Count:     len(items),
		Items:     items,
	}, nil
}

// PersistObserverRank writes the payload to its singleton cache row.
func (e *Engine) PersistObserverRank(ctx context.Context, payload *model.ObserverRankPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.store.SaveCachePayload(ctx, store.TableObserverRankCache, payload.UpdatedAt, string(data))
}

func parseISO(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
