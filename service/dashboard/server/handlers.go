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

package server

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/ndjson"
	"go.meshrank.net/meshrank/utils"
)

// handleHealth reports liveness plus the ingest and cache counters the
// dashboard header shows.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{
		"ok":         true,
		"version":    utils.Version(),
		"uptimeSec":  int64(time.Since(s.bootAt).Seconds()),
		"goroutines": runtime.NumGoroutine(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			body["rssBytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			body["cpuPercent"] = cpu
		}
	}

	if ingest, err := s.store.ReadIngestMetrics(ctx); err == nil && len(ingest) > 0 {
		body["ingest"] = ingest
	}
	if s.broadcast != nil {
		current, peak := s.broadcast.VisitorStats()
		body["visitors"] = current
		body["visitorsPeak"] = peak
	}
	if s.channels != nil {
		body["messagesCacheBuilt"] = s.channels.Built()
	}
	if s.scheduler != nil {
		if payload, ok := s.scheduler.RepeaterRank(); ok {
			body["rankUpdatedAt"] = payload.UpdatedAt
		}
	}
	s.writeJSON(w, body)
}

// handleDashboard is the composite first-paint payload: session user,
// channel summaries, message history, 5-minute stats, mesh score and the
// ROTM digest in one response.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]any{"ok": true}

	if s.auth != nil {
		if user, err := s.auth.UserFromRequest(r); err == nil {
			body["user"] = user
		}
	}

	state := s.channelState(ctx)
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		body["channels"] = state.Channels
		body["messages"] = state.Messages
	} else {
		body["channels"] = state.Channels
		views, err := s.channels.History(ctx, channel,
			queryInt(r, "limit", 0), r.URL.Query().Get("before"))
		if err != nil {
			s.writeError(w, err)
			return
		}
		body["messages"] = emptyIfNil(views)
	}

	if stats, err := s.store.ReadStats5m(ctx, 24); err == nil {
		body["stats"] = stats
	}
	if payload, ok := s.scheduler.MeshScore(); ok {
		body["meshscore"] = payload
	}
	body["rotm"] = s.rotmDigest()
	s.writeJSON(w, body)
}

// channelState returns the cache state, or an empty shell while the cache
// is still cold. Handlers never wait on a build.
func (s *Server) channelState(ctx context.Context) *model.ChannelState {
	if s.channels == nil || !s.channels.Built() {
		return &model.ChannelState{Channels: []model.ChannelSummary{}, Messages: []model.MessageView{}}
	}
	state, err := s.channels.State(ctx)
	if err != nil || state == nil {
		return &model.ChannelState{Channels: []model.ChannelSummary{}, Messages: []model.MessageView{}}
	}
	if s.metrics != nil {
		s.metrics.MessagesCached.Set(float64(len(state.Messages)))
	}
	return state
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		state := s.channelState(r.Context())
		s.writeJSON(w, map[string]any{"ok": true, "messages": state.Messages})
		return
	}
	views, err := s.channels.History(r.Context(), channel,
		queryInt(r, "limit", 0), r.URL.Query().Get("before"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "messages": emptyIfNil(views)})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	state := s.channelState(r.Context())
	s.writeJSON(w, map[string]any{"ok": true, "channels": state.Channels})
}

// rotmDigest summarizes the current "Repeater of the Moment": the
// top-scoring live valid repeater from the rank cache. Nil while the rank
// cache is cold.
func (s *Server) rotmDigest() map[string]any {
	payload, ok := s.scheduler.RepeaterRank()
	if !ok || len(payload.Items) == 0 {
		return nil
	}
	for _, item := range payload.Items {
		if !item.IsLive {
			continue
		}
		return map[string]any{
			"pub":      item.Pub,
			"hashByte": item.HashByte,
			"name":     item.Name,
			"score":    item.Score,
			"color":    item.Color,
			"asOf":     payload.UpdatedAt,
		}
	}
	return nil
}

// rankSlice applies the _limit/_skip paging parameters.
func rankSlice(items []model.RankItem, skip, limit int) []model.RankItem {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return []model.RankItem{}
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// handleRepeaterRank serves the cached rank. refresh=1 forces a rebuild
// in the background; the response is never held for it. A cold cache
// returns an empty payload and schedules a build.
func (s *Server) handleRepeaterRank(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		go s.backgroundRefresh("repeater", func(ctx context.Context) error {
			_, err := s.scheduler.RefreshRepeaterRank(ctx, true)
			return err
		})
	}

	payload, ok := s.scheduler.RepeaterRank()
	if !ok {
		go s.backgroundRefresh("repeater", func(ctx context.Context) error {
			_, err := s.scheduler.RefreshRepeaterRank(ctx, false)
			return err
		})
		s.writeJSON(w, map[string]any{"ok": true, "updatedAt": "", "count": 0,
			"items": []model.RankItem{}})
		return
	}

	items := rankSlice(payload.Items, queryInt(r, "_skip", 0), queryInt(r, "_limit", 0))
	s.writeJSON(w, map[string]any{
		"ok":        true,
		"updatedAt": payload.UpdatedAt,
		"count":     payload.Count,
		"items":     items,
	})
}

func (s *Server) handleRepeaterRankSummary(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.scheduler.RepeaterRank()
	if !ok {
		s.writeJSON(w, map[string]any{"ok": true, "total": 0, "active": 0, "total24h": 0})
		return
	}
	active, total24h := 0, 0
	for _, item := range payload.Items {
		if item.IsLive {
			active++
		}
		total24h += item.Total24h
	}
	s.writeJSON(w, map[string]any{
		"ok":        true,
		"updatedAt": payload.UpdatedAt,
		"total":     payload.Count,
		"active":    active,
		"total24h":  total24h,
	})
}

func (s *Server) handleRepeaterRankExcluded(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.scheduler.RepeaterRank()
	if !ok {
		s.writeJSON(w, map[string]any{"ok": true, "excluded": []model.ExcludedRepeater{}})
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "updatedAt": payload.UpdatedAt,
		"excluded": emptyIfNil(payload.Excluded)})
}

func (s *Server) handleRepeaterRankHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ReadRankHistory(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "history": emptyIfNil(rows)})
}

// handleObserverRank serves the observer rank. wait=1 blocks on a forced
// rebuild (bounded by the handler timeout); refresh=1 rebuilds in the
// background.
func (s *Server) handleObserverRank(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("wait") == "1" {
		payload, err := s.scheduler.RefreshObserverRank(r.Context(), true)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeObserverRank(w, r, payload)
		return
	}
	if query.Get("refresh") == "1" {
		go s.backgroundRefresh("observer", func(ctx context.Context) error {
			_, err := s.scheduler.RefreshObserverRank(ctx, true)
			return err
		})
	}

	payload, ok := s.scheduler.ObserverRank()
	if !ok {
		go s.backgroundRefresh("observer", func(ctx context.Context) error {
			_, err := s.scheduler.RefreshObserverRank(ctx, false)
			return err
		})
		s.writeJSON(w, map[string]any{"ok": true, "updatedAt": "", "count": 0,
			"items": []model.ObserverRankItem{}})
		return
	}
	s.writeObserverRank(w, r, payload)
}

func (s *Server) writeObserverRank(w http.ResponseWriter, r *http.Request, payload *model.ObserverRankPayload) {
	items := payload.Items
	if limit := queryInt(r, "_limit", 0); limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	s.writeJSON(w, map[string]any{
		"ok":        true,
		"updatedAt": payload.UpdatedAt,
		"count":     payload.Count,
		"items":     items,
	})
}

// handleNodeRank lists companion nodes by recency. Companions are not
// scored like repeaters; the dashboard shows them as an activity list.
func (s *Server) handleNodeRank(w http.ResponseWriter, r *http.Request) {
	snap, err := s.store.ReadDevices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	type nodeItem struct {
		Pub               string `json:"pub"`
		HashByte          string `json:"hashByte"`
		Name              string `json:"name"`
		LastAdvertHeardMs int64  `json:"lastAdvertHeardMs"`
		IsLive            bool   `json:"isLive"`
	}
	cutoff := time.Now().Add(-72 * time.Hour).UnixMilli()
	items := []nodeItem{}
	for _, d := range snap.ByPub {
		if !d.IsCompanion() {
			continue
		}
		items = append(items, nodeItem{
			Pub:               d.Pub,
			HashByte:          d.HashByte(),
			Name:              d.Name,
			LastAdvertHeardMs: d.LastAdvertHeardMs,
			IsLive:            d.LastAdvertHeardMs >= cutoff,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].LastAdvertHeardMs != items[j].LastAdvertHeardMs {
			return items[i].LastAdvertHeardMs > items[j].LastAdvertHeardMs
		}
		return items[i].Pub < items[j].Pub
	})
	s.writeJSON(w, map[string]any{"ok": true, "count": len(items), "items": items})
}

func (s *Server) handleMeshScore(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.scheduler.MeshScore()
	if !ok {
		go s.backgroundRefresh("meshscore", func(ctx context.Context) error {
			_, err := s.scheduler.RefreshMeshScore(ctx, false)
			return err
		})
		s.writeJSON(w, map[string]any{"ok": true, "days": []model.MeshScoreDay{},
			"today": 0, "yesterday": 0, "delta": 0})
		return
	}
	s.writeJSON(w, map[string]any{
		"ok":        true,
		"updatedAt": payload.UpdatedAt,
		"days":      payload.Days,
		"today":     payload.Today,
		"yesterday": payload.Yesterday,
		"delta":     payload.Delta,
	})
}

// handleMeshLive is the map heat payload: every ranked repeater with a
// position, plus placed observers.
func (s *Server) handleMeshLive(w http.ResponseWriter, r *http.Request) {
	type livePoint struct {
		Pub    string  `json:"pub,omitempty"`
		ID     string  `json:"id,omitempty"`
		Name   string  `json:"name,omitempty"`
		Lat    float64 `json:"lat"`
		Lon    float64 `json:"lon"`
		Score  float64 `json:"score"`
		Color  string  `json:"color,omitempty"`
		IsLive bool    `json:"isLive"`
		Kind   string  `json:"kind"`
	}
	points := []livePoint{}

	if payload, ok := s.scheduler.RepeaterRank(); ok {
		for _, item := range payload.Items {
			if item.GPS == nil {
				continue
			}
			points = append(points, livePoint{
				Pub: item.Pub, Name: item.Name,
				Lat: item.GPS.Lat, Lon: item.GPS.Lon,
				Score: item.Score, Color: item.Color,
				IsLive: item.IsLive, Kind: "repeater",
			})
		}
	}
	if payload, ok := s.scheduler.ObserverRank(); ok {
		for _, item := range payload.Items {
			if item.GPS == nil {
				continue
			}
			points = append(points, livePoint{
				ID: item.ID, Lat: item.GPS.Lat, Lon: item.GPS.Lon,
				Score: float64(item.Score), IsLive: !item.Offline, Kind: "observer",
			})
		}
	}
	s.writeJSON(w, map[string]any{"ok": true, "count": len(points), "points": points})
}

// handleRFLatest returns the newest decoded frames from the rf file.
func (s *Server) handleRFLatest(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	lines, err := ndjson.ReadLastLines(s.config.RFPath, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type frame struct {
		TS          string   `json:"ts"`
		FrameHash   string   `json:"frameHash,omitempty"`
		MessageHash string   `json:"messageHash,omitempty"`
		ObserverID  string   `json:"observerId,omitempty"`
		RSSI        float64  `json:"rssi,omitempty"`
		SNR         float64  `json:"snr,omitempty"`
		Path        []string `json:"path,omitempty"`
	}
	frames := make([]frame, 0, len(lines))
	for _, l := range lines {
		frames = append(frames, frame{
			TS: l.TS, FrameHash: l.FrameHash, MessageHash: l.MessageHash,
			ObserverID: l.Observer(), RSSI: l.RSSI, SNR: l.SNR, Path: l.Path,
		})
	}
	s.writeJSON(w, map[string]any{"ok": true, "count": len(frames), "frames": frames})
}

// backgroundRefresh runs one detached rebuild with its own deadline and
// records the outcome.
func (s *Server) backgroundRefresh(kind string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		s.logger.Warn("background rank refresh failed",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.RankRebuilds.WithLabelValues(kind, outcome).Inc()
		s.metrics.RankBuildTime.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// emptyIfNil keeps JSON arrays well-typed for empty results.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
