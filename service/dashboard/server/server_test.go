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
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.meshrank.net/meshrank/internal/auth"
	"go.meshrank.net/meshrank/internal/channels"
	"go.meshrank.net/meshrank/internal/geoscore"
	"go.meshrank.net/meshrank/internal/metrics"
	"go.meshrank.net/meshrank/internal/rank"
	"go.meshrank.net/meshrank/internal/share"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/internal/stream"
	"go.meshrank.net/meshrank/utils/sqlite"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
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
	engine := rank.NewEngine(s, nil, nil,
		filepath.Join(dir, "decoded.ndjson"),
		filepath.Join(dir, "observers.ndjson"),
		filepath.Join(dir, "rf.ndjson"), logger)
	channelCache := channels.New(s, nil, nil, nil, nil, filepath.Join(dir, "rf.ndjson"), logger)
	scheduler := rank.NewScheduler(engine, channelCache, s, logger)
	authSvc := auth.NewService(s, auth.Config{JWTSecret: []byte("test-secret")}, logger)

	staticDir := filepath.Join(dir, "static")
	if err := os.MkdirAll(staticDir, 0o755); err != nil {
		t.Fatalf("mkdir static: %v", err)
	}

	srv := New(Config{
		PublicBaseURL: "https://mesh.test",
		StaticDir:     staticDir,
		BotToken:      "bot-secret",
		RFPath:        filepath.Join(dir, "rf.ndjson"),
	}, Deps{
		Store:     s,
		Channels:  channelCache,
		Scheduler: scheduler,
		Engine:    engine,
		Broadcast: stream.NewBroadcaster(s, stream.Sources{}, logger),
		Shares:    share.New(s, logger),
		Geoscore:  geoscore.New(s, logger),
		Auth:      authSvc,
		Metrics:   metrics.New(),
	}, logger)
	return srv, s
}

func doJSON(t *testing.T, srv *Server, method, target, body string, cookies ...*http.Cookie) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.RemoteAddr = "198.51.100.7:4242"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	decoded := map[string]any{}
	if ct := rec.Header().Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, target, err, rec.Body.String())
		}
	}
	return rec, decoded
}

// registerUser opens a session and optionally promotes it to admin.
func registerUser(t *testing.T, srv *Server, s *store.Store, username string, admin bool) *http.Cookie {
	t.Helper()
	rec, _ := doJSON(t, srv, http.MethodPost, "/api/auth/register",
		`{"username":"`+username+`","password":"hunter2hunter2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	var session *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.CookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("register set no session cookie")
	}
	if admin {
		if _, err := s.DB().Exec(`UPDATE users SET is_admin = 1 WHERE username = ?`, username); err != nil {
			t.Fatalf("promote admin: %v", err)
		}
	}
	return session
}

func TestHealthAndNoStore(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", rec.Header().Get("Cache-Control"))
	}
	if body["ok"] != true {
		t.Errorf("body.ok = %v", body["ok"])
	}
	if _, present := body["uptimeSec"]; !present {
		t.Error("body missing uptimeSec")
	}
}

func TestUnknownAPIRouteIsJSON404(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/api/does-not-exist", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body["ok"] != false {
		t.Errorf("body = %v, want ok:false", body)
	}
}

func TestColdRepeaterRankReturnsEmptyPayload(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/api/repeater-rank", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["count"] != float64(0) {
		t.Errorf("count = %v, want 0", body["count"])
	}
	items, ok := body["items"].([]any)
	if !ok || len(items) != 0 {
		t.Errorf("items = %v, want empty array", body["items"])
	}
}

func TestShareCreateAndResolve(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t)
	_, err := s.DB().Exec(
		`INSERT INTO messages (message_hash, frame_hash, channel_name, sender, body, ts)
		 VALUES ('CAFE0001', 'FR77', '#public', 'tester', 'hello mesh', ?)`,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}

	rec, body := doJSON(t, srv, http.MethodPost, "/api/routes/CAFE0001/share", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	code, _ := body["code"].(string)
	if len(code) != 5 {
		t.Fatalf("code = %q, want 5 digits", code)
	}
	if url, _ := body["url"].(string); url != "https://mesh.test/s/"+code {
		t.Errorf("url = %q", url)
	}

	rec, body = doJSON(t, srv, http.MethodGet, "/api/share/"+code, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d %s", rec.Code, rec.Body.String())
	}
	message, ok := body["message"].(map[string]any)
	if !ok || message["body"] != "hello mesh" {
		t.Errorf("message = %v", body["message"])
	}

	// Malformed and unknown codes map onto 400 / 404.
	if rec, _ = doJSON(t, srv, http.MethodGet, "/api/share/abcde", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed code = %d, want 400", rec.Code)
	}
	unknown := "00000"
	if unknown == code {
		unknown = "00001"
	}
	if rec, _ = doJSON(t, srv, http.MethodGet, "/api/share/"+unknown, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown code = %d, want 404", rec.Code)
	}
}

func TestAdminGate(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t)

	// No session: 401.
	rec, _ := doJSON(t, srv, http.MethodPost, "/api/geoscore/rebuild-homes", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d, want 401", rec.Code)
	}

	// Plain user: 403.
	user := registerUser(t, srv, s, "plainuser", false)
	rec, _ = doJSON(t, srv, http.MethodPost, "/api/geoscore/rebuild-homes", "", user)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("plain user = %d, want 403", rec.Code)
	}

	// Admin: allowed.
	adminCookie := registerUser(t, srv, s, "adminuser", true)
	rec, body := doJSON(t, srv, http.MethodPost, "/api/geoscore/rebuild-homes", "", adminCookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin = %d %s", rec.Code, rec.Body.String())
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestAdminEditValidation(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t)
	adminCookie := registerUser(t, srv, s, "editor", true)

	rec, _ := doJSON(t, srv, http.MethodPost, "/api/repeater-hide",
		`{"pub":"not-a-pub","hidden":true}`, adminCookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad pub = %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/observer-location",
		`{"id":"obs-1","lat":123.0,"lon":0.0}`, adminCookie)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad coordinates = %d, want 400", rec.Code)
	}
}

func TestWithTimeoutWrites504(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	slow := srv.withTimeout(50*time.Millisecond, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		time.Sleep(20 * time.Millisecond)
		// This write must be discarded.
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	slow(rec, httptest.NewRequest(http.MethodGet, "/api/slow", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["ok"] != false {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestWithTimeoutFastHandlerUntouched(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	fast := srv.withTimeout(time.Second, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rec := httptest.NewRecorder()
	fast(rec, httptest.NewRequest(http.MethodGet, "/api/fast", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestShellAndStatic(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	asset := filepath.Join(srv.config.StaticDir, "app.js")
	if err := os.WriteFile(asset, []byte("console.log('mesh')"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}

	for _, target := range []string{"/", "/s/12345", "/msg/CAFE0001"} {
		rec, _ := doJSON(t, srv, http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", target, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s content-type = %q", target, ct)
		}
	}

	rec, _ := doJSON(t, srv, http.MethodGet, "/static/app.js", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "console.log") {
		t.Errorf("static asset = %d %q", rec.Code, rec.Body.String())
	}

	// Traversal out of the bundle directory is a 404, not a file read.
	rec, _ = doJSON(t, srv, http.MethodGet, "/static/../test.db", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("traversal = %d, want 404", rec.Code)
	}
}

func TestBotStreamGate(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec, _ := doJSON(t, srv, http.MethodGet, "/api/bot-stream", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous = %d, want 401", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/bot-stream?token=bot-secret", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}
}

func TestAuthMeRoundTrip(t *testing.T) {
	t.Parallel()
	srv, s := newTestServer(t)

	rec, _ := doJSON(t, srv, http.MethodGet, "/api/auth/me", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me = %d, want 401", rec.Code)
	}

	cookie := registerUser(t, srv, s, "whoami", false)
	rec, body := doJSON(t, srv, http.MethodGet, "/api/auth/me", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("me = %d %s", rec.Code, rec.Body.String())
	}
	user, ok := body["user"].(map[string]any)
	if !ok || user["username"] != "whoami" {
		t.Errorf("user = %v", body["user"])
	}

	// Logout revokes the session.
	rec, _ = doJSON(t, srv, http.MethodPost, "/api/auth/logout", "", cookie)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout = %d", rec.Code)
	}
	rec, _ = doJSON(t, srv, http.MethodGet, "/api/auth/me", "", cookie)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("me after logout = %d, want 401", rec.Code)
	}
}

func TestDashboardColdCaches(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/api/dashboard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard = %d", rec.Code)
	}
	if channelsList, ok := body["channels"].([]any); !ok || len(channelsList) != 0 {
		t.Errorf("channels = %v, want empty array", body["channels"])
	}
	if messages, ok := body["messages"].([]any); !ok || len(messages) != 0 {
		t.Errorf("messages = %v, want empty array", body["messages"])
	}
}
