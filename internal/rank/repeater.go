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

// Package rank houses the repeater rank, observer rank and mesh score
// engines plus their refresh scheduler. Each engine builds a complete
// payload per refresh, persists it to its singleton cache row, and
// publishes it in memory for the HTTP handlers.
package rank

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/ndjson"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/utils/geo"
)

const (
	neighborMaxDistanceKm = 200
	neighborClusterKm     = 60
	neighborGreenRssiDbm  = -75
	advertTailLines       = 200000
	historyMinInterval    = 10 * time.Minute
)

// Engine computes all rank/score payloads. One instance per process; the
// scheduler serialises refreshes.
type Engine struct {
	store   *store.Store
	decoder meshcore.Decoder
	keys    []meshcore.ChannelKey
	logger  *slog.Logger

	decodedPath  string
	observerPath string
	rfPath       string

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine wires the engine over the storage façade and the NDJSON paths.
func NewEngine(s *store.Store, decoder meshcore.Decoder, keys []meshcore.ChannelKey,
	decodedPath, observerPath, rfPath string, logger *slog.Logger) *Engine {
	if decoder == nil {
		decoder = meshcore.NopDecoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:        s,
		decoder:      decoder,
		keys:         keys,
		logger:       logger,
		decodedPath:  decodedPath,
		observerPath: observerPath,
		rfPath:       rfPath,
		now:          time.Now,
	}
}

// advertLines reads the advert feed: decoded.ndjson when present, the raw
// observer log otherwise.
func (e *Engine) advertLines() []ndjson.Line {
	lines, err := ndjson.ReadLastLines(e.decodedPath, advertTailLines)
	if err != nil {
		e.logger.Warn("decoded log unreadable", slog.String("error", err.Error()))
	}
	if len(lines) > 0 {
		return lines
	}
	lines, err = ndjson.ReadLastLines(e.observerPath, advertTailLines)
	if err != nil {
		e.logger.Warn("observer log unreadable", slog.String("error", err.Error()))
	}
	return lines
}

// neighborOverrides loads the admin neighbour pins from site_settings,
// keyed "targetPub:HASH" → pub. Missing or malformed settings yield none.
func (e *Engine) neighborOverrides(ctx context.Context) map[string]string {
	var raw string
	err := e.store.DB().QueryRowContext(ctx,
		`SELECT COALESCE(value,'') FROM site_settings WHERE key = 'neighbor_overrides'`).Scan(&raw)
	if err != nil || raw == "" {
		return nil
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		e.logger.Warn("neighbor overrides malformed", slog.String("error", err.Error()))
		return nil
	}
	return out
}

// qualityOf classifies one repeater per the phantom/low-quality rules.
func qualityOf(d *model.Device, stats *repeaterStats) (string, []string) {
	var reasons []string

	activity := 0
	if stats != nil {
		activity = stats.Total
	}

	// Phantom: the advert was never verified, or the node shows no
	// identity and no activity at all.
	if !d.VerifiedAdvert {
		reasons = append(reasons, "unverified_advert")
	}
	if d.LastAdvertHeardMs == 0 {
		reasons = append(reasons, "never_heard")
	}
	if !d.ValidGPS() && !d.NameValid && activity == 0 {
		reasons = append(reasons, "name_invalid_no_gps_no_activity")
	}
	if len(reasons) > 0 {
		return model.QualityPhantom, reasons
	}

	if !d.NameValid {
		reasons = append(reasons, "name_invalid")
	}
	if d.GPS == nil {
		reasons = append(reasons, "missing_gps")
	}
	if d.HiddenOnMap {
		reasons = append(reasons, "hidden_on_map")
	}
	if d.GPSImplausible {
		reasons = append(reasons, "gps_implausible")
	}
	if d.GPSFlagged {
		reasons = append(reasons, "gps_flagged")
	}
	if d.GPS != nil && !d.GPS.Valid() {
		reasons = append(reasons, "gps_invalid")
	}
	if len(reasons) > 0 {
		return model.QualityLowQuality, reasons
	}
	return model.QualityValid, nil
}

// scoreOf evaluates the weighted score formula. Stale repeaters score 0.
func scoreOf(stats *repeaterStats, zeroHopNeighbors int, stale bool) float64 {
	if stale || stats == nil {
		return 0
	}

	rssiBase := stats.AvgRssi()
	if len(stats.RssiSamples) == 0 {
		if !math.IsInf(stats.BestRssi, -1) {
			rssiBase = stats.BestRssi
		} else {
			rssiBase = -120
		}
	}
	snrBase := stats.AvgSnr()
	if len(stats.SnrSamples) == 0 {
		if !math.IsInf(stats.BestSnr, -1) {
			snrBase = stats.BestSnr
		} else {
			snrBase = -20
		}
	}
	bestRssi := stats.BestRssi
	if math.IsInf(bestRssi, -1) {
		bestRssi = -120
	}
	bestSnr := stats.BestSnr
	if math.IsInf(bestSnr, -1) {
		bestSnr = -20
	}

	rssiScore := model.Clamp01((rssiBase + 120) / 70)
	snrScore := model.Clamp01((snrBase + 20) / 30)
	bestRssiScore := model.Clamp01((bestRssi + 120) / 70)
	bestSnrScore := model.Clamp01((bestSnr + 20) / 30)
	throughputScore := model.Clamp01(float64(stats.Total) / 50)
	repeatScore := model.Clamp01(stats.AvgRepeats() / 5)
	neighborScore := model.Clamp01(float64(zeroHopNeighbors) / 5)

	return 100 * (0.30*rssiScore + 0.10*snrScore + 0.10*bestRssiScore +
		0.05*bestSnrScore + 0.25*throughputScore + 0.10*repeatScore + 0.10*neighborScore)
}

// resolveNeighbors picks a concrete peer for every zero-hop hash token.
func resolveNeighbors(target *model.Device, stats *repeaterStats,
	all map[string]*repeaterStats, devices *store.DeviceSnapshot,
	overrides map[string]string) []model.NeighborDetail {

	if stats == nil || len(stats.Neighbors) == 0 {
		return nil
	}

	tokens := make([]string, 0, len(stats.Neighbors))
	for token := range stats.Neighbors {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	details := make([]model.NeighborDetail, 0, len(tokens))
	for _, token := range tokens {
		ns := stats.Neighbors[token]
		detail := model.NeighborDetail{Hash: token}
		if ns.Count > 0 {
			detail.RssiAvg = ns.Sum / float64(ns.Count)
			detail.RssiMax = ns.Max
		}
		detail.IsGreen = detail.RssiAvg >= neighborGreenRssiDbm ||
			(ns.Count > 0 && detail.RssiMax >= neighborGreenRssiDbm)

		if pub, ok := overrides[target.Pub+":"+token]; ok {
			detail.Pub = pub
			detail.Override = true
			if d, found := devices.ByPub[pub]; found {
				detail.Name = d.Name
				detail.Mutual = isMutual(pub, target.HashByte(), all)
			}
		} else {
			chosen, options := chooseNeighbor(target, token, all, devices)
			detail.Options = options
			if chosen != nil {
				detail.Pub = chosen.Pub
				detail.Name = chosen.Name
				detail.Mutual = isMutual(chosen.Pub, target.HashByte(), all)
			}
		}

		if detail.Mutual {
			detail.Relation = model.RelationReciprocal
		} else {
			detail.Relation = model.RelationHandoff
		}
		details = append(details, detail)
	}
	return details
}

// isMutual reports whether the candidate's own zero-hop set contains the
// target's hash token.
func isMutual(candidatePub, targetHash string, all map[string]*repeaterStats) bool {
	cs, ok := all[strings.ToUpper(candidatePub)]
	if !ok {
		return false
	}
	_, mutual := cs.Neighbors[targetHash]
	return mutual
}

// chooseNeighbor runs the distance/mutual/cluster-density selection for one
// hash token and returns the winner plus the considered options.
func chooseNeighbor(target *model.Device, token string,
	all map[string]*repeaterStats, devices *store.DeviceSnapshot) (*model.Device, []model.NeighborOption) {

	candidates := devices.ByHash[token]
	if len(candidates) == 0 {
		return nil, nil
	}

	targetHash := target.HashByte()
	type scored struct {
		device     *model.Device
		distanceKm float64
		mutual     bool
	}

	var pool []scored
	var options []model.NeighborOption
	for _, cand := range candidates {
		if cand.Pub == target.Pub {
			continue
		}
		distance := math.Inf(1)
		if target.ValidGPS() && cand.ValidGPS() {
			distance = geo.HaversineKm(*target.GPS, *cand.GPS)
			if distance > neighborMaxDistanceKm {
				continue
			}
		}
		mutual := isMutual(cand.Pub, targetHash, all)
		pool = append(pool, scored{device: cand, distanceKm: distance, mutual: mutual})
		options = append(options, model.NeighborOption{
			Pub:        cand.Pub,
			Name:       cand.Name,
			DistanceKm: roundKm(distance),
			Mutual:     mutual,
		})
	}
	if len(pool) == 0 {
		return nil, options
	}

	// Mutual candidates, when any exist, displace the rest of the pool.
	mutualOnly := pool[:0:0]
	for _, c := range pool {
		if c.mutual {
			mutualOnly = append(mutualOnly, c)
		}
	}
	if len(mutualOnly) > 0 {
		pool = mutualOnly
	}

	// Positions of every valid repeater, for cluster density.
	var positions []geo.Point
	for _, d := range devices.ByPub {
		if d.IsRepeater && d.ValidGPS() {
			positions = append(positions, *d.GPS)
		}
	}

	best := pool[0]
	bestDensity := candidateDensity(best.device, positions)
	for _, c := range pool[1:] {
		density := candidateDensity(c.device, positions)
		if density > bestDensity ||
			(density == bestDensity && c.distanceKm < best.distanceKm) {
			best = c
			bestDensity = density
		}
	}
	return best.device, options
}

func candidateDensity(d *model.Device, positions []geo.Point) int {
	if !d.ValidGPS() {
		return -1
	}
	return geo.ClusterDensity(*d.GPS, positions, neighborClusterKm)
}

func roundKm(km float64) float64 {
	if math.IsInf(km, 0) || math.IsNaN(km) {
		return 0
	}
	return math.Round(km*10) / 10
}

// BuildRepeaterRank computes the full rank payload: window statistics,
// quality classification, repeat evidence, neighbour resolution, score,
// and name deduplication.
func (e *Engine) BuildRepeaterRank(ctx context.Context) (*model.RankPayload, error) {
	now := e.now()
	devices, err := e.store.ReadDevices(ctx)
	if err != nil {
		return nil, err
	}

	stats := collectAdvertStats(e.advertLines(), now)
	windowPaths, err := e.store.RepeatWindowPaths(ctx, now.Add(-ActiveWindow).UnixMilli())
	if err != nil {
		return nil, err
	}
	evidence := collectRepeatEvidence(windowPaths)
	overrides := e.neighborOverrides(ctx)

	var (
		items    []model.RankItem
		excluded []model.ExcludedRepeater
	)
	for _, d := range devices.ByPub {
		if !d.IsRepeater {
			continue
		}
		st := stats[strings.ToUpper(d.Pub)]
		quality, reasons := qualityOf(d, st)
		ev := evidenceFor(evidence, d.HashByte(), d.Backfilled)

		// The quality classification leads the reasons list so consumers can
		// filter on "phantom"/"low_quality" without parsing the detail codes.
		var exclusionReasons []string
		if quality != model.QualityValid {
			exclusionReasons = append(exclusionReasons, quality)
		}
		exclusionReasons = append(exclusionReasons, reasons...)
		if d.IsCompanion() {
			exclusionReasons = append(exclusionReasons, "companion_device")
		}
		if !ev.IsTrueRepeater {
			exclusionReasons = append(exclusionReasons, "no_repeat_evidence")
		}

		if quality != model.QualityValid || d.IsCompanion() || !ev.IsTrueRepeater {
			excluded = append(excluded, model.ExcludedRepeater{
				Pub:      d.Pub,
				HashByte: d.HashByte(),
				Name:     d.Name,
				Quality:  quality,
				Reasons:  exclusionReasons,
			})
			continue
		}

		ageHours := math.Inf(1)
		if d.LastAdvertHeardMs > 0 {
			ageHours = now.Sub(time.UnixMilli(d.LastAdvertHeardMs)).Hours()
		}
		stale := ageHours >= ActiveWindow.Hours()

		item := model.RankItem{
			Pub:                d.Pub,
			HashByte:           d.HashByte(),
			Name:               d.Name,
			LastSeen:           d.LastSeen,
			LastAdvertAgeHours: math.Round(ageHours*10) / 10,
			IsLive:             !stale,
			Quality:            quality,
			RepeatEvidence:     ev,
		}
		if d.ValidGPS() {
			gps := *d.GPS
			item.GPS = &gps
		}
		if st != nil {
			item.Total24h = st.Total24h
			item.AvgRssi = st.AvgRssi()
			item.AvgSnr = st.AvgSnr()
			if !math.IsInf(st.BestRssi, -1) {
				item.BestRssi = st.BestRssi
			}
			if !math.IsInf(st.BestSnr, -1) {
				item.BestSnr = st.BestSnr
			}
			item.ClockDriftMinutes = st.ClockDriftMin
			item.ZeroHopNeighborDetails = resolveNeighbors(d, st, stats, devices, overrides)
		}
		item.Score = math.Round(scoreOf(st, len(item.ZeroHopNeighborDetails), stale)*10) / 10
		item.Color = model.ScoreColor(item.Score, stale)

		items = append(items, item)
	}

	items = dedupByName(items, devices)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Pub < items[j].Pub
	})
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].Pub < excluded[j].Pub })

	return &model.RankPayload{
		UpdatedAt: now.UTC().Format(time.RFC3339),
		Count:     len(items),
		Items:     items,
		Excluded:  excluded,
	}, nil
}

// dedupByName keeps one entry per normalised name: the one with the newer
// advert ingest, tiebroken by total24h then score.
func dedupByName(items []model.RankItem, devices *store.DeviceSnapshot) []model.RankItem {
	type keyed struct {
		item   model.RankItem
		ingest int64
	}
	byName := map[string]keyed{}
	var order []string

	for _, item := range items {
		name := strings.ToLower(strings.TrimSpace(item.Name))
		if name == "" {
			// Unnamed repeaters never collide.
			name = "\x00" + item.Pub
		}
		ingest := int64(0)
		if d, ok := devices.ByPub[item.Pub]; ok {
			ingest = d.LastAdvertIngestMs
		}
		cur, exists := byName[name]
		if !exists {
			byName[name] = keyed{item: item, ingest: ingest}
			order = append(order, name)
			continue
		}
		replace := false
		switch {
		case ingest != cur.ingest:
			replace = ingest > cur.ingest
		case item.Total24h != cur.item.Total24h:
			replace = item.Total24h > cur.item.Total24h
		default:
			replace = item.Score > cur.item.Score
		}
		if replace {
			byName[name] = keyed{item: item, ingest: ingest}
		}
	}

	out := make([]model.RankItem, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name].item)
	}
	return out
}

// PersistRepeaterRank writes the payload to its singleton cache row and a
// rate-limited summary to the history table.
func (e *Engine) PersistRepeaterRank(ctx context.Context, payload *model.RankPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := e.store.SaveCachePayload(ctx, store.TableRepeaterRankCache, payload.UpdatedAt, string(data)); err != nil {
		return err
	}

	active := 0
	total24h := 0
	for _, item := range payload.Items {
		if item.IsLive {
			active++
		}
		total24h += item.Total24h
	}
	return e.store.InsertRankHistory(ctx, store.RankHistoryRow{
		RecordedAt: payload.UpdatedAt,
		Total:      payload.Count,
		Active:     active,
		Total24h:   total24h,
	}, historyMinInterval)
}
