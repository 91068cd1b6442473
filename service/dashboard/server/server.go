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

// Package server is the dashboard HTTP surface: a flat route table over
// the caches and engines, plus the two SSE endpoints. Handlers never
// block on a cold cache; they return an empty well-typed body and let the
// scheduler fill it in the background.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.meshrank.net/meshrank/internal/auth"
	"go.meshrank.net/meshrank/internal/channels"
	"go.meshrank.net/meshrank/internal/geoscore"
	"go.meshrank.net/meshrank/internal/metrics"
	"go.meshrank.net/meshrank/internal/rank"
	"go.meshrank.net/meshrank/internal/share"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/internal/stream"
)

const (
	defaultTimeout   = 30 * time.Second
	dashboardTimeout = 120 * time.Second
)

// Config holds the server's wiring-independent settings.
type Config struct {
	// PublicBaseURL prefixes generated share links, e.g.
	// "https://meshrank.net".
	PublicBaseURL string

	// StaticDir is the bundled front-end directory. Empty disables static
	// serving; the HTML shell is always available.
	StaticDir string

	// BotToken authorizes /api/bot-stream without a session.
	BotToken string

	// RFPath is the decoded rf NDJSON file for /api/rf-latest.
	RFPath string
}

// Server owns the route table and the component handles.
type Server struct {
	config    Config
	logger    *slog.Logger
	store     *store.Store
	channels  *channels.Cache
	scheduler *rank.Scheduler
	engine    *rank.Engine
	broadcast *stream.Broadcaster
	shares    *share.Store
	geo       *geoscore.Queue
	auth      *auth.Service
	metrics   *metrics.Registry

	static *staticCache
	mux    *http.ServeMux

	bootAt time.Time
}

// Deps bundles the component handles New needs.
type Deps struct {
	Store     *store.Store
	Channels  *channels.Cache
	Scheduler *rank.Scheduler
	Engine    *rank.Engine
	Broadcast *stream.Broadcaster
	Shares    *share.Store
	Geoscore  *geoscore.Queue
	Auth      *auth.Service
	Metrics   *metrics.Registry
}

// New builds the server and its route table.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    config,
		logger:    logger,
		store:     deps.Store,
		channels:  deps.Channels,
		scheduler: deps.Scheduler,
		engine:    deps.Engine,
		broadcast: deps.Broadcast,
		shares:    deps.Shares,
		geo:       deps.Geoscore,
		auth:      deps.Auth,
		metrics:   deps.Metrics,
		static:    newStaticCache(config.StaticDir),
		bootAt:    time.Now(),
	}
	s.mux = s.buildRoutes()
	return s
}

// SetBroadcaster attaches the SSE broadcaster after construction. The
// broadcaster's sources come from this server, so the two are wired in
// two steps at startup.
func (s *Server) SetBroadcaster(b *stream.Broadcaster) {
	s.broadcast = b
}

// buildRoutes registers every endpoint. SSE endpoints skip the timeout
// wrapper; /api/dashboard gets the long one.
func (s *Server) buildRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(pattern string, timeout time.Duration, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, s.withTimeout(timeout, h)))
	}
	sse := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.instrument(pattern, h))
	}

	handle("GET /api/health", defaultTimeout, s.handleHealth)
	handle("GET /api/dashboard", dashboardTimeout, s.handleDashboard)
	handle("GET /api/messages", defaultTimeout, s.handleMessages)
	handle("GET /api/channels", defaultTimeout, s.handleChannels)
	handle("POST /api/channels", defaultTimeout, s.handleChannelCreateSecret)
	handle("DELETE /api/channels", defaultTimeout, s.handleChannelDeleteSecret)
	handle("GET /api/channel-directory", defaultTimeout, s.handleChannelDirectory)

	handle("GET /api/repeater-rank", defaultTimeout, s.handleRepeaterRank)
	handle("GET /api/repeater-rank-summary", defaultTimeout, s.handleRepeaterRankSummary)
	handle("GET /api/repeater-rank-excluded", defaultTimeout, s.handleRepeaterRankExcluded)
	handle("GET /api/repeater-rank-history", defaultTimeout, s.handleRepeaterRankHistory)
	handle("GET /api/observer-rank", defaultTimeout, s.handleObserverRank)
	handle("GET /api/node-rank", defaultTimeout, s.handleNodeRank)
	handle("GET /api/meshscore", defaultTimeout, s.handleMeshScore)
	handle("GET /api/mesh-live", defaultTimeout, s.handleMeshLive)
	handle("GET /api/rf-latest", defaultTimeout, s.handleRFLatest)

	sse("GET /api/message-stream", s.handleMessageStream)
	sse("GET /api/bot-stream", s.handleBotStream)

	handle("POST /api/routes/{id}/share", defaultTimeout, s.handleShareCreate)
	handle("GET /api/share/{code}", defaultTimeout, s.handleShareResolve)

	handle("POST /api/repeater-hide", defaultTimeout, s.handleRepeaterHide)
	handle("POST /api/repeater-flag", defaultTimeout, s.handleRepeaterFlag)
	handle("POST /api/repeater-location", defaultTimeout, s.handleRepeaterLocation)
	handle("POST /api/observer-location", defaultTimeout, s.handleObserverLocation)
	handle("POST /api/channels/block", defaultTimeout, s.handleChannelBlock)
	handle("POST /api/channels/unblock", defaultTimeout, s.handleChannelUnblock)
	handle("POST /api/channels/create", defaultTimeout, s.handleChannelCatalogCreate)
	handle("POST /api/channels/update", defaultTimeout, s.handleChannelCatalogUpdate)
	handle("POST /api/channels/move", defaultTimeout, s.handleChannelCatalogMove)

	handle("POST /api/auth/register", defaultTimeout, s.handleRegister)
	handle("POST /api/auth/login", defaultTimeout, s.handleLogin)
	handle("POST /api/auth/logout", defaultTimeout, s.handleLogout)
	handle("POST /api/auth/google-id-token", defaultTimeout, s.handleGoogleIDToken)
	handle("GET /api/auth/oauth/google", defaultTimeout, s.handleOAuthGoogle)
	handle("GET /api/auth/oauth/google/callback", defaultTimeout, s.handleOAuthGoogleCallback)
	handle("GET /api/auth/me", defaultTimeout, s.handleAuthMe)

	handle("GET /api/geoscore/status", defaultTimeout, s.handleGeoscoreStatus)
	handle("GET /api/geoscore/diagnostics", defaultTimeout, s.handleGeoscoreDiagnostics)
	handle("GET /api/geoscore/observers", defaultTimeout, s.handleGeoscoreObservers)
	handle("POST /api/geoscore/rebuild-homes", defaultTimeout, s.handleGeoscoreRebuildHomes)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	handle("GET /s/{code}", defaultTimeout, s.handleShell)
	handle("GET /msg/{id}", defaultTimeout, s.handleShell)
	handle("GET /static/", defaultTimeout, s.handleStatic)
	handle("GET /", defaultTimeout, s.handleRoot)

	return mux
}

// ServeHTTP applies the no-store policy and dispatches.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	s.mux.ServeHTTP(w, r)
}

// instrument records request counts and latency per route.
func (s *Server) instrument(pattern string, next http.Handler) http.Handler {
	route := pattern
	if i := strings.IndexByte(pattern, ' '); i >= 0 {
		route = pattern[i+1:]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		tw := &trackingWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(tw, r)
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		s.metrics.HTTPRequests.WithLabelValues(route, statusClass(tw.status)).Inc()
	})
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// trackingWriter remembers the status code for metrics.
type trackingWriter struct {
	http.ResponseWriter
	status int
}

func (w *trackingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// withTimeout enforces a hard deadline: if the handler has not written
// headers when it fires, the client gets a 504 and later writes from the
// handler are discarded.
func (s *Server) withTimeout(timeout time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		gw := &guardedWriter{inner: w}
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("handler panicked",
						slog.String("path", r.URL.Path),
						slog.Any("panic", rec))
					gw.writeJSONOnce(http.StatusInternalServerError,
						map[string]any{"ok": false, "error": "internal error"})
				}
			}()
			next(gw, r.WithContext(ctx))
		}()

		select {
		case <-done:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				gw.writeJSONOnce(http.StatusGatewayTimeout,
					map[string]any{"ok": false, "error": "timeout"})
			}
			<-done
		}
	}
}

// guardedWriter serializes writes between the handler goroutine and the
// timeout path; after the timeout response, handler writes are dropped.
type guardedWriter struct {
	mu       sync.Mutex
	inner    http.ResponseWriter
	wrote    bool
	timedOut bool
}

func (g *guardedWriter) Header() http.Header {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.Header()
}

func (g *guardedWriter) WriteHeader(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timedOut {
		return
	}
	g.wrote = true
	g.inner.WriteHeader(code)
}

func (g *guardedWriter) Write(b []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timedOut {
		return len(b), nil
	}
	g.wrote = true
	return g.inner.Write(b)
}

// writeJSONOnce emits the timeout/panic body unless the handler already
// started its response.
func (g *guardedWriter) writeJSONOnce(code int, body any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wrote || g.timedOut {
		g.timedOut = true
		return
	}
	g.timedOut = true
	g.inner.Header().Set("Content-Type", "application/json")
	g.inner.WriteHeader(code)
	data, _ := json.Marshal(body)
	g.inner.Write(data)
}

// writeJSON emits a 200 JSON body.
func (s *Server) writeJSON(w http.ResponseWriter, body any) {
	s.writeJSONStatus(w, http.StatusOK, body)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

// writeError maps component errors onto the HTTP taxonomy with the
// {ok:false, error} shape.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	message := "internal error"
	switch {
	case errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, auth.ErrInvalidCredentials) ||
		errors.Is(err, auth.ErrGoogleTokenInvalid):
		code, message = http.StatusUnauthorized, err.Error()
	case errors.Is(err, auth.ErrForbidden):
		code, message = http.StatusForbidden, err.Error()
	case errors.Is(err, share.ErrRateLimited):
		code, message = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, share.ErrExpired):
		code, message = http.StatusGone, err.Error()
	case errors.Is(err, share.ErrNotFound) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, errNotFoundRoute):
		code, message = http.StatusNotFound, "not found"
	case errors.Is(err, auth.ErrBadUsername) || errors.Is(err, auth.ErrBadPassword) ||
		errors.Is(err, auth.ErrUsernameTaken) || errors.Is(err, auth.ErrGoogleNotConfigured) ||
		errors.Is(err, errBadRequest):
		code, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		code, message = http.StatusGatewayTimeout, "timeout"
	default:
		s.logger.Error("handler error", slog.String("error", err.Error()))
	}
	s.writeJSONStatus(w, code, map[string]any{"ok": false, "error": message})
}

var (
	errBadRequest    = errors.New("bad request")
	errNotFoundRoute = errors.New("route not found")
)

func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// decodeBody reads a small JSON request body.
func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return badRequestf("invalid JSON body: %v", err)
	}
	return nil
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// clientIP extracts the peer address, honouring X-Forwarded-For from the
// front proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
