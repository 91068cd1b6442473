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

package sqlite

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	client, err := NewClient(context.Background(), Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		CacheKB:     2048,
		BusyTimeout: time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClientCreatesSchema(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)

	for _, table := range []string{
		"devices", "observers", "messages", "message_observers",
		"route_share", "users", "sessions", "geoscore_routes",
		"channels_catalog", "channel_blocks",
	} {
		var name string
		err := client.DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestSchemaIsIdempotent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	config := Config{Path: filepath.Join(dir, "test.db"), CacheKB: 2048, BusyTimeout: time.Second}

	first, err := NewClient(context.Background(), config, logger)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := first.DB().Exec(
		`INSERT INTO messages (message_hash, channel_name) VALUES ('AA11', '#public')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first.Close()

	// Re-opening an existing file must not fail or lose data.
	second, err := NewClient(context.Background(), config, logger)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	var count int
	if err := second.DB().QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil || count != 1 {
		t.Errorf("count = %d, %v; want 1 row", count, err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestTimedStmt(t *testing.T) {
	t.Parallel()
	client := newTestClient(t)
	ctx := context.Background()

	insert, err := client.Prepare(ctx,
		`INSERT INTO messages (message_hash, channel_name, body) VALUES (?, ?, ?)`)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	defer insert.Close()
	if _, err := insert.ExecContext(ctx, "BB22", "#public", "hi"); err != nil {
		t.Fatalf("ExecContext: %v", err)
	}

	query, err := client.Prepare(ctx, `SELECT body FROM messages WHERE message_hash = ?`)
	if err != nil {
		t.Fatalf("Prepare query: %v", err)
	}
	defer query.Close()
	var body string
	if err := query.QueryRowContext(ctx, "BB22").Scan(&body); err != nil || body != "hi" {
		t.Errorf("body = %q, %v; want hi", body, err)
	}
}

func TestSummarizeQuery(t *testing.T) {
	t.Parallel()
	got := summarizeQuery(`SELECT message_hash,
		body FROM messages WHERE ts > ? ORDER BY ts DESC`)
	want := "SELECT message_hash, body FROM messages WHERE ts >"
	if got != want {
		t.Errorf("summarizeQuery = %q, want %q", got, want)
	}
}
