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

// Package sqlite wraps the shared SQLite database used by the ingest
// writers and this read-side service. The file is single-writer
// multi-reader under WAL; this package owns connection setup, PRAGMAs,
// idempotent schema creation and the timed statement wrapper used when
// SQL debugging is enabled.
package sqlite

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"go.meshrank.net/meshrank/utils"
)

// Config holds SQLite connection configuration.
type Config struct {
	Path        string
	CacheKB     int
	BusyTimeout time.Duration
	DebugSQL    bool
}

// FlagPointers holds pointers to flag values for database configuration.
type FlagPointers struct {
	path     *string
	cacheKB  *int
	debugSQL *bool
}

// RegisterFlags registers database-related command-line flags.
// Returns a FlagPointers that should be converted to Config after
// flag.Parse() is called.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		path: flag.String("db-path",
			utils.GetEnvOrConfig("MESHRANK_DB_PATH", "db_path", "meshrank.db"),
			"Path to the shared SQLite database file"),
		cacheKB: flag.Int("db-cache-kb",
			utils.GetEnvInt("MESHRANK_DB_CACHE_KB", 65536),
			"SQLite page cache size in KiB"),
		debugSQL: flag.Bool("debug-sql",
			utils.GetEnvBool("DEBUG_SQL", false),
			"Log statement timings"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		Path:        *f.path,
		CacheKB:     *f.cacheKB,
		BusyTimeout: 5 * time.Second,
		DebugSQL:    *f.debugSQL,
	}
}

// Client handles SQLite database operations.
type Client struct {
	db     *sql.DB
	logger *slog.Logger
	config Config
}

// NewClient opens (or creates) the SQLite file, applies the connection
// PRAGMAs and brings the schema up to date. Missing tables are created and
// missing columns are added idempotently, so the service can open database
// files written by older ingest versions.
func NewClient(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// The shared file is written by the ingest process; this service only
	// needs one writer connection for its own cache rows.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA cache_size = -%d", config.CacheKB),
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &Client{
		db:     db,
		logger: logger,
		config: config,
	}

	if err := client.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logger.Info("sqlite client initialized",
		slog.String("path", config.Path),
		slog.Int("cache_kb", config.CacheKB),
	)

	return client, nil
}

// Close closes the database handle.
func (c *Client) Close() error {
	c.logger.Info("closing sqlite client")
	return c.db.Close()
}

// DB returns the underlying sql.DB for direct access.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping verifies the database connection is still alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// TimedStmt is a prepared statement that records elapsed time per call when
// SQL debugging is enabled.
type TimedStmt struct {
	stmt   *sql.Stmt
	query  string
	client *Client
}

// Prepare prepares a statement. The returned TimedStmt logs per-call timing
// at debug level when the debug-sql flag is set.
func (c *Client) Prepare(ctx context.Context, query string) (*TimedStmt, error) {
	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	return &TimedStmt{stmt: stmt, query: query, client: c}, nil
}

// QueryContext runs the statement returning rows.
func (s *TimedStmt) QueryContext(ctx context.Context, args ...any) (*sql.Rows, error) {
	defer s.observe(time.Now())
	return s.stmt.QueryContext(ctx, args...)
}

// QueryRowContext runs the statement returning at most one row.
func (s *TimedStmt) QueryRowContext(ctx context.Context, args ...any) *sql.Row {
	defer s.observe(time.Now())
	return s.stmt.QueryRowContext(ctx, args...)
}

// ExecContext runs the statement without returning rows.
func (s *TimedStmt) ExecContext(ctx context.Context, args ...any) (sql.Result, error) {
	defer s.observe(time.Now())
	return s.stmt.ExecContext(ctx, args...)
}

// Close closes the prepared statement.
func (s *TimedStmt) Close() error {
	return s.stmt.Close()
}

func (s *TimedStmt) observe(start time.Time) {
	if !s.client.config.DebugSQL {
		return
	}
	elapsed := time.Since(start)
	s.client.logger.Debug("sql statement",
		slog.String("query", summarizeQuery(s.query)),
		slog.Duration("elapsed", elapsed),
	)
}

// summarizeQuery collapses a SQL string to its first clause for logging.
func summarizeQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) > 8 {
		fields = fields[:8]
	}
	return strings.Join(fields, " ")
}
