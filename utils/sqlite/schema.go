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
	"fmt"
	"log/slog"
)

// Tables shared with the ingest writer. CREATE TABLE IF NOT EXISTS keeps the
// service safe to start against an empty file; addColumnIfMissing upgrades
// files created by older writers.
var createTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		pub TEXT PRIMARY KEY,
		name TEXT,
		is_repeater INTEGER DEFAULT 0,
		is_observer INTEGER DEFAULT 0,
		last_seen TEXT,
		observer_last_seen TEXT,
		last_advert_heard_ms INTEGER,
		gps_lat REAL,
		gps_lon REAL,
		raw_json TEXT,
		hidden_on_map INTEGER DEFAULT 0,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_repeater_advert ON devices(is_repeater, last_advert_heard_ms)`,

	`CREATE TABLE IF NOT EXISTS observers (
		observer_id TEXT PRIMARY KEY,
		first_seen TEXT,
		last_seen TEXT,
		count INTEGER DEFAULT 0,
		gps_lat REAL,
		gps_lon REAL,
		best_repeater_pub TEXT,
		raw_json TEXT,
		updated_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS current_repeaters (
		pub TEXT PRIMARY KEY,
		name TEXT,
		gps_lat REAL,
		gps_lon REAL,
		last_advert_heard_ms INTEGER,
		hidden_on_map INTEGER DEFAULT 0,
		gps_implausible INTEGER DEFAULT 0,
		visible INTEGER DEFAULT 1,
		is_observer INTEGER DEFAULT 0,
		best_rssi REAL,
		best_snr REAL,
		avg_rssi REAL,
		avg_snr REAL,
		total24h INTEGER DEFAULT 0,
		score REAL DEFAULT 0,
		color TEXT,
		quality TEXT,
		is_live INTEGER DEFAULT 0,
		stale INTEGER DEFAULT 0,
		last_seen TEXT,
		updated_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		message_hash TEXT PRIMARY KEY,
		frame_hash TEXT,
		channel_name TEXT,
		channel_hash TEXT,
		sender TEXT,
		sender_pub TEXT,
		body TEXT,
		ts TEXT,
		path_json TEXT,
		path_text TEXT,
		path_length INTEGER DEFAULT 0,
		repeats INTEGER DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel_name, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, channel_name, ts)`,

	`CREATE TABLE IF NOT EXISTS message_observers (
		message_hash TEXT NOT NULL,
		observer_id TEXT NOT NULL,
		observer_name TEXT,
		ts TEXT,
		ts_ms INTEGER,
		path_json TEXT,
		path_text TEXT,
		path_length INTEGER DEFAULT 0,
		PRIMARY KEY (message_hash, observer_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_observers_hash ON message_observers(message_hash)`,

	`CREATE TABLE IF NOT EXISTS repeater_rank_cache (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		updated_at TEXT,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS observer_rank_cache (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		updated_at TEXT,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS meshscore_cache (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		updated_at TEXT,
		payload TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS meshscore_daily (
		day TEXT PRIMARY KEY,
		score REAL,
		messages INTEGER,
		avg_repeats REAL,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS repeater_rank_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at TEXT,
		total INTEGER,
		active INTEGER,
		total24h INTEGER,
		cached_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS route_share (
		share_code TEXT PRIMARY KEY,
		message_id TEXT,
		created_at TEXT,
		expires_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_route_share_expires ON route_share(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_route_share_message ON route_share(message_id)`,

	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE,
		email TEXT,
		password_hash TEXT,
		google_sub TEXT,
		is_admin INTEGER DEFAULT 0,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id INTEGER,
		created_at TEXT,
		expires_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS user_channels (
		user_id INTEGER NOT NULL,
		channel_name TEXT NOT NULL,
		added_at TEXT,
		PRIMARY KEY (user_id, channel_name)
	)`,
	`CREATE TABLE IF NOT EXISTS user_nodes (
		user_id INTEGER NOT NULL,
		pub TEXT NOT NULL,
		added_at TEXT,
		PRIMARY KEY (user_id, pub)
	)`,
	`CREATE TABLE IF NOT EXISTS channels_catalog (
		channel_name TEXT PRIMARY KEY,
		emoji TEXT,
		grp TEXT,
		code TEXT,
		allow_popular INTEGER DEFAULT 0,
		created_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS channel_blocks (
		channel_name TEXT PRIMARY KEY,
		blocked_at TEXT,
		reason TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_profiles (
		pub TEXT PRIMARY KEY,
		bio TEXT,
		links_json TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS node_claims (
		pub TEXT PRIMARY KEY,
		user_id INTEGER,
		claimed_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS site_settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS stats_5m (
		bucket TEXT PRIMARY KEY,
		messages INTEGER DEFAULT 0,
		packets INTEGER DEFAULT 0,
		observers INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ingest_metrics (
		key TEXT PRIMARY KEY,
		value INTEGER DEFAULT 0,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS rejected_adverts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pub TEXT,
		reason TEXT,
		recorded_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS geoscore_routes (
		msg_key TEXT PRIMARY KEY,
		ts_ms INTEGER,
		observer_id TEXT,
		inferred_json TEXT,
		route_confidence REAL,
		unresolved INTEGER DEFAULT 0,
		max_teleport_km REAL,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS geoscore_observer_home (
		observer_id TEXT PRIMARY KEY,
		gps_lat REAL,
		gps_lon REAL,
		source TEXT,
		updated_at TEXT
	)`,
}

// Columns added after the initial schema shipped. Each entry is applied
// with addColumnIfMissing so reopening an old file is safe.
var lateColumns = []struct {
	table  string
	column string
	defn   string
}{
	{"devices", "observer_last_seen", "TEXT"},
	{"devices", "hidden_on_map", "INTEGER DEFAULT 0"},
	{"current_repeaters", "gps_implausible", "INTEGER DEFAULT 0"},
	{"current_repeaters", "visible", "INTEGER DEFAULT 1"},
	{"current_repeaters", "stale", "INTEGER DEFAULT 0"},
	{"messages", "channel_hash", "TEXT"},
	{"messages", "sender_pub", "TEXT"},
	{"message_observers", "ts_ms", "INTEGER"},
	{"message_observers", "path_length", "INTEGER DEFAULT 0"},
	{"users", "google_sub", "TEXT"},
	{"channels_catalog", "allow_popular", "INTEGER DEFAULT 0"},
	{"geoscore_routes", "max_teleport_km", "REAL"},
}

// ensureSchema creates missing tables and columns.
func (c *Client) ensureSchema(ctx context.Context) error {
	for _, stmt := range createTableStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, lc := range lateColumns {
		if err := c.addColumnIfMissing(ctx, lc.table, lc.column, lc.defn); err != nil {
			return err
		}
	}
	return nil
}

// addColumnIfMissing adds a column to a table if it is not already present.
func (c *Client) addColumnIfMissing(ctx context.Context, table, column, defn string) error {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}

	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, defn)
	if _, err := c.db.ExecContext(ctx, alter); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	c.logger.Info("added missing column",
		slog.String("table", table),
		slog.String("column", column),
	)
	return nil
}
