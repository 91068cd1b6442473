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
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/share"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/utils/geo"
)

var (
	pubPattern  = regexp.MustCompile(`^[0-9A-Fa-f]{64}$`)
	codePattern = regexp.MustCompile(`^[0-9]{5}$`)
)

// handleShareCreate allocates (or reuses) a share code for a message.
func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.writeError(w, badRequestf("missing message id"))
		return
	}
	code, err := s.shares.EnsureCode(r.Context(), id)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ShareLookups.WithLabelValues("miss").Inc()
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{
		"ok":        true,
		"code":      code,
		"url":       fmt.Sprintf("%s/s/%s", strings.TrimSuffix(s.config.PublicBaseURL, "/"), code),
		"expiresAt": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
	})
}

// handleShareResolve returns the message and filtered route behind a
// code.
func (s *Server) handleShareResolve(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !codePattern.MatchString(code) {
		s.writeError(w, badRequestf("malformed share code"))
		return
	}
	row, err := s.shares.Resolve(r.Context(), code, clientIP(r))
	if err != nil {
		if s.metrics != nil {
			s.metrics.ShareLookups.WithLabelValues(shareOutcome(err)).Inc()
		}
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ShareLookups.WithLabelValues("hit").Inc()
	}
	view, err := s.channels.View(r.Context(), row)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "code": code, "message": view})
}

func shareOutcome(err error) string {
	switch {
	case errors.Is(err, share.ErrExpired):
		return "expired"
	case errors.Is(err, share.ErrRateLimited):
		return "rate_limited"
	default:
		return "miss"
	}
}

// admin wraps a handler with the isAdmin session gate.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.RequireAdmin(r); err != nil {
			s.writeError(w, err)
			return
		}
		next(w, r)
	}
}

// invalidateRank pushes a background rank rebuild after an admin edit.
// The edit response never waits on it.
func (s *Server) invalidateRank() {
	go s.backgroundRefresh("repeater", func(ctx context.Context) error {
		_, err := s.scheduler.RefreshRepeaterRank(ctx, true)
		return err
	})
}

func (s *Server) handleRepeaterHide(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Pub    string `json:"pub"`
			Hidden bool   `json:"hidden"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if !pubPattern.MatchString(body.Pub) {
			s.writeError(w, badRequestf("malformed pub"))
			return
		}
		hidden := body.Hidden
		err := s.store.UpdateDeviceOverlay(strings.ToUpper(body.Pub), func(ov *store.DeviceOverlay) {
			ov.HiddenOnMap = &hidden
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateRank()
		s.writeJSON(w, map[string]any{"ok": true, "pub": strings.ToUpper(body.Pub), "hidden": hidden})
	})(w, r)
}

func (s *Server) handleRepeaterFlag(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Pub     string `json:"pub"`
			Flagged bool   `json:"flagged"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		if !pubPattern.MatchString(body.Pub) {
			s.writeError(w, badRequestf("malformed pub"))
			return
		}
		flagged := body.Flagged
		err := s.store.UpdateDeviceOverlay(strings.ToUpper(body.Pub), func(ov *store.DeviceOverlay) {
			ov.GPSImplausible = &flagged
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateRank()
		s.writeJSON(w, map[string]any{"ok": true, "pub": strings.ToUpper(body.Pub), "flagged": flagged})
	})(w, r)
}

func (s *Server) handleRepeaterLocation(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Pub string  `json:"pub"`
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		point := geo.Point{Lat: body.Lat, Lon: body.Lon}
		if !pubPattern.MatchString(body.Pub) || !point.Valid() {
			s.writeError(w, badRequestf("malformed pub or coordinates"))
			return
		}
		err := s.store.UpdateDeviceOverlay(strings.ToUpper(body.Pub), func(ov *store.DeviceOverlay) {
			gps := point
			ov.GPS = &gps
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.invalidateRank()
		s.writeJSON(w, map[string]any{"ok": true, "pub": strings.ToUpper(body.Pub), "gps": point})
	})(w, r)
}

func (s *Server) handleObserverLocation(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ID  string  `json:"id"`
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		point := geo.Point{Lat: body.Lat, Lon: body.Lon}
		if body.ID == "" || !point.Valid() {
			s.writeError(w, badRequestf("malformed observer id or coordinates"))
			return
		}
		err := s.store.UpdateObserverOverlay(body.ID, func(ov *store.ObserverOverlay) {
			gps := point
			ov.GPS = &gps
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "id": body.ID, "gps": point})
	})(w, r)
}

// handleChannelDirectory lists the catalogue grouped for the picker, with
// 24 h message counts and blocked channels removed.
func (s *Server) handleChannelDirectory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rows, err := s.store.DB().QueryContext(ctx,
		`SELECT c.channel_name, COALESCE(c.emoji,''), COALESCE(c.grp,''), c.allow_popular
		 FROM channels_catalog c
		 LEFT JOIN channel_blocks b ON b.channel_name = c.channel_name
		 WHERE b.channel_name IS NULL
		 ORDER BY c.grp, c.channel_name`)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer rows.Close()

	type entry struct {
		Name         string `json:"name"`
		Emoji        string `json:"emoji,omitempty"`
		AllowPopular bool   `json:"allowPopular"`
		Count24h     int64  `json:"count24h"`
	}
	groups := map[string][]entry{}
	var order []string
	for rows.Next() {
		var (
			e            entry
			grp          string
			allowPopular int
		)
		if err := rows.Scan(&e.Name, &e.Emoji, &grp, &allowPopular); err != nil {
			s.writeError(w, err)
			return
		}
		e.AllowPopular = allowPopular != 0
		e.Count24h = s.channelCount24h(ctx, e.Name)
		if _, ok := groups[grp]; !ok {
			order = append(order, grp)
		}
		groups[grp] = append(groups[grp], e)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, err)
		return
	}

	type group struct {
		Group    string  `json:"group"`
		Channels []entry `json:"channels"`
	}
	out := make([]group, 0, len(order))
	for _, name := range order {
		out = append(out, group{Group: name, Channels: groups[name]})
	}
	s.writeJSON(w, map[string]any{"ok": true, "groups": out})
}

func (s *Server) channelCount24h(ctx context.Context, channel string) int64 {
	since := time.Now().Add(-24 * time.Hour).UTC().Format(time.RFC3339)
	var count int64
	_ = s.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_name = ? AND ts >= ?`,
		model.NormalizeChannel(channel), since).Scan(&count)
	return count
}

// handleChannelCreateSecret registers a channel secret so the decoder can
// decrypt it. Admin only.
func (s *Server) handleChannelCreateSecret(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name   string `json:"name"`
			Secret string `json:"secret"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		name := model.NormalizeChannel(body.Name)
		if name == "" || body.Secret == "" {
			s.writeError(w, badRequestf("channel name and secret required"))
			return
		}
		now := time.Now().UTC().Format(time.RFC3339)
		_, err := s.store.DB().ExecContext(r.Context(),
			`INSERT INTO channels_catalog (channel_name, code, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (channel_name) DO UPDATE SET code = excluded.code`,
			name, body.Secret, now)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name})
	})(w, r)
}

func (s *Server) handleChannelDeleteSecret(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		name := model.NormalizeChannel(r.URL.Query().Get("name"))
		if name == "" {
			s.writeError(w, badRequestf("channel name required"))
			return
		}
		if model.IsFixedChannel(name) {
			s.writeError(w, badRequestf("fixed channel cannot be removed"))
			return
		}
		_, err := s.store.DB().ExecContext(r.Context(),
			`DELETE FROM channels_catalog WHERE channel_name = ?`, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name})
	})(w, r)
}

func (s *Server) handleChannelBlock(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name   string `json:"name"`
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		name := model.NormalizeChannel(body.Name)
		if name == "" || model.IsFixedChannel(name) {
			s.writeError(w, badRequestf("channel cannot be blocked"))
			return
		}
		_, err := s.store.DB().ExecContext(r.Context(),
			`INSERT INTO channel_blocks (channel_name, blocked_at, reason) VALUES (?, ?, ?)
			 ON CONFLICT (channel_name) DO UPDATE SET reason = excluded.reason`,
			name, time.Now().UTC().Format(time.RFC3339), body.Reason)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name})
	})(w, r)
}

func (s *Server) handleChannelUnblock(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		name := model.NormalizeChannel(body.Name)
		_, err := s.store.DB().ExecContext(r.Context(),
			`DELETE FROM channel_blocks WHERE channel_name = ?`, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name})
	})(w, r)
}

func (s *Server) handleChannelCatalogCreate(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name         string `json:"name"`
			Emoji        string `json:"emoji"`
			Group        string `json:"group"`
			AllowPopular bool   `json:"allowPopular"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		name := model.NormalizeChannel(body.Name)
		if name == "" {
			s.writeError(w, badRequestf("channel name required"))
			return
		}
		allowPopular := 0
		if body.AllowPopular {
			allowPopular = 1
		}
		_, err := s.store.DB().ExecContext(r.Context(),
			`INSERT INTO channels_catalog (channel_name, emoji, grp, allow_popular, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			name, body.Emoji, body.Group, allowPopular, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				s.writeError(w, badRequestf("channel already exists"))
				return
			}
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name})
	})(w, r)
}

func (s *Server) handleChannelCatalogUpdate(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name         string `json:"name"`
			Emoji        string `json:"emoji"`
			AllowPopular bool   `json:"allowPopular"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		name := model.NormalizeChannel(body.Name)
		allowPopular := 0
		if body.AllowPopular {
			allowPopular = 1
		}
		res, err := s.store.DB().ExecContext(r.Context(),
			`UPDATE channels_catalog SET emoji = ?, allow_popular = ? WHERE channel_name = ?`,
			body.Emoji, allowPopular, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.writeError(w, store.ErrNotFound)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name})
	})(w, r)
}

func (s *Server) handleChannelCatalogMove(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name  string `json:"name"`
			Group string `json:"group"`
		}
		if err := decodeBody(r, &body); err != nil {
			s.writeError(w, err)
			return
		}
		name := model.NormalizeChannel(body.Name)
		res, err := s.store.DB().ExecContext(r.Context(),
			`UPDATE channels_catalog SET grp = ? WHERE channel_name = ?`, body.Group, name)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.writeError(w, store.ErrNotFound)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "name": name, "group": body.Group})
	})(w, r)
}

func (s *Server) handleGeoscoreStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.geo.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.GeoscoreDepth.Set(float64(status.QueueDepth))
	}
	s.writeJSON(w, map[string]any{"ok": true, "status": status})
}

func (s *Server) handleGeoscoreDiagnostics(w http.ResponseWriter, r *http.Request) {
	routes, err := s.geo.Diagnostics(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "routes": emptyIfNil(routes)})
}

func (s *Server) handleGeoscoreObservers(w http.ResponseWriter, r *http.Request) {
	homes, err := s.geo.Homes(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "observers": emptyIfNil(homes)})
}

func (s *Server) handleGeoscoreRebuildHomes(w http.ResponseWriter, r *http.Request) {
	s.admin(func(w http.ResponseWriter, r *http.Request) {
		n, err := s.geo.RebuildHomes(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, map[string]any{"ok": true, "homes": n})
	})(w, r)
}
