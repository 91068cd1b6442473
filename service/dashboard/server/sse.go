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
	"crypto/subtle"
	"net/http"

	"go.meshrank.net/meshrank/internal/auth"
	"go.meshrank.net/meshrank/internal/stream"
)

// Sources builds the periodic SSE payload callbacks the broadcaster
// invokes per client tick. A failed counters build emits an error event
// body; the next tick retries.
func (s *Server) Sources() stream.Sources {
	return stream.Sources{
		Counters: func(ctx context.Context) any {
			state := s.channelState(ctx)
			body := map[string]any{
				"channels": state.Channels,
				"rotm":     s.rotmDigest(),
			}
			if stats, err := s.store.ReadStats5m(ctx, 1); err == nil && len(stats) > 0 {
				body["stats"] = stats[0]
			} else if err != nil {
				return map[string]any{"error": "counters unavailable"}
			}
			if s.broadcast != nil {
				current, peak := s.broadcast.VisitorStats()
				body["visitors"] = current
				body["visitorsPeak"] = peak
			}
			return body
		},
		Ranks: func(ctx context.Context) any {
			body := map[string]any{}
			if payload, ok := s.scheduler.RepeaterRank(); ok {
				active := 0
				for _, item := range payload.Items {
					if item.IsLive {
						active++
					}
				}
				body["repeaters"] = map[string]any{
					"updatedAt": payload.UpdatedAt, "total": payload.Count, "active": active,
				}
			}
			if payload, ok := s.scheduler.ObserverRank(); ok {
				online := 0
				for _, item := range payload.Items {
					if !item.Offline {
						online++
					}
				}
				body["observers"] = map[string]any{
					"updatedAt": payload.UpdatedAt, "total": payload.Count, "online": online,
				}
			}
			if payload, ok := s.scheduler.MeshScore(); ok {
				body["meshscore"] = map[string]any{
					"today": payload.Today, "delta": payload.Delta,
				}
			}
			if len(body) == 0 {
				return nil
			}
			return body
		},
		Health: func(ctx context.Context) any {
			ingest, err := s.store.ReadIngestMetrics(ctx)
			if err != nil {
				return nil
			}
			return map[string]any{"ingest": ingest}
		},
	}
}

// handleMessageStream is the public SSE feed. No timeout applies.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, false)
}

// handleBotStream requires either the static bot token or an admin
// session.
func (s *Server) handleBotStream(w http.ResponseWriter, r *http.Request) {
	if !s.botAuthorized(r) {
		s.writeError(w, auth.ErrUnauthorized)
		return
	}
	s.serveStream(w, r, true)
}

func (s *Server) botAuthorized(r *http.Request) bool {
	if s.config.BotToken != "" {
		token := r.Header.Get("Authorization")
		if token == "" {
			token = r.URL.Query().Get("token")
		} else {
			token = trimBearer(token)
		}
		if token != "" &&
			subtle.ConstantTimeCompare([]byte(token), []byte(s.config.BotToken)) == 1 {
			return true
		}
	}
	if s.auth != nil {
		if _, err := s.auth.RequireAdmin(r); err == nil {
			return true
		}
	}
	return false
}

func trimBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

// serveStream subscribes the connection and pumps frames until the client
// goes away.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, bot bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, badRequestf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := s.broadcast.Subscribe(r.Context(), bot)
	defer client.Close()
	if s.metrics != nil {
		current, peak := s.broadcast.VisitorStats()
		s.metrics.SSEClients.Set(float64(current))
		s.metrics.SSEPeakClients.Set(float64(peak))
		defer func() {
			current, _ := s.broadcast.VisitorStats()
			s.metrics.SSEClients.Set(float64(current))
		}()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-client.Events:
			if !open {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
