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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/model"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

const messageColumns = `rowid, message_hash, COALESCE(frame_hash,''), COALESCE(channel_name,''),
	COALESCE(channel_hash,''), COALESCE(sender,''), COALESCE(sender_pub,''), COALESCE(body,''),
	COALESCE(ts,''), COALESCE(path_json,''), COALESCE(path_text,''),
	COALESCE(path_length,0), COALESCE(repeats,0)`

func scanMessageRow(scanner interface{ Scan(...any) error }) (*model.MessageRow, error) {
	var row model.MessageRow
	err := scanner.Scan(&row.RowID, &row.MessageHash, &row.FrameHash, &row.ChannelName,
		&row.ChannelHash, &row.Sender, &row.SenderPub, &row.Body,
		&row.TS, &row.PathJSON, &row.PathText, &row.PathLength, &row.Repeats)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// FindMessage resolves a message by messageHash or frameHash.
func (s *Store) FindMessage(ctx context.Context, key string) (*model.MessageRow, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.DB().QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE UPPER(message_hash) = ? OR UPPER(frame_hash) = ? LIMIT 1`, key, key)
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message %s: %w", key, err)
	}
	return m, nil
}

// ReadMessages returns up to limit rows, newest first. channel filters by
// normalised channel name when non-empty; before filters on ts < before.
func (s *Store) ReadMessages(ctx context.Context, channel string, limit int, before string) ([]*model.MessageRow, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		where []string
		args  []any
	)
	if channel != "" {
		where = append(where, "LOWER(channel_name) = ?")
		args = append(args, model.NormalizeChannel(channel))
	}
	if before != "" {
		where = append(where, "ts < ?")
		args = append(args, before)
	}
	query := `SELECT ` + messageColumns + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()

	var out []*model.MessageRow
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReadMessagesAfterRowID returns rows with rowid > lastRowID, oldest first.
// The channel cache poller uses this as its incremental feed.
func (s *Store) ReadMessagesAfterRowID(ctx context.Context, lastRowID int64, limit int) ([]*model.MessageRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB().QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`,
		lastRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to poll messages: %w", err)
	}
	defer rows.Close()

	var out []*model.MessageRow
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessageChannels returns the distinct channel names present in the
// messages table.
func (s *Store) ListMessageChannels(ctx context.Context) ([]string, error) {
	rows, err := s.DB().QueryContext(ctx,
		`SELECT DISTINCT channel_name FROM messages WHERE channel_name IS NOT NULL AND channel_name != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CountMessages returns the number of rows in messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// MaxMessagesRowID returns the largest rowid in messages (0 when empty).
func (s *Store) MaxMessagesRowID(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.DB().QueryRowContext(ctx, `SELECT MAX(rowid) FROM messages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read max message rowid: %w", err)
	}
	return n.Int64, nil
}

// MaxMessageObserverRowID returns the largest rowid in message_observers.
func (s *Store) MaxMessageObserverRowID(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	err := s.DB().QueryRowContext(ctx, `SELECT MAX(rowid) FROM message_observers`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to read max observer rowid: %w", err)
	}
	return n.Int64, nil
}

func inPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ReadMessageObserverAgg returns, for each requested message hash, the set
// of observer ids, the union of hop codes across observer paths, and the
// maximum recorded path length. Hashes are matched case-insensitively and
// keyed upper-case in the result.
func (s *Store) ReadMessageObserverAgg(ctx context.Context, hashes []string) (map[string]*model.ObserverAgg, error) {
	out := map[string]*model.ObserverAgg{}
	if len(hashes) == 0 {
		return out, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = strings.ToUpper(h)
	}
	rows, err := s.DB().QueryContext(ctx,
		`SELECT UPPER(message_hash), observer_id, COALESCE(path_text,''), COALESCE(path_json,''), COALESCE(path_length,0)
		 FROM message_observers WHERE UPPER(message_hash) IN (`+inPlaceholders(len(hashes))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read observer aggregates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash, observerID   string
			pathText, pathJSON string
			pathLength         int
		)
		if err := rows.Scan(&hash, &observerID, &pathText, &pathJSON, &pathLength); err != nil {
			return nil, fmt.Errorf("failed to scan observer aggregate: %w", err)
		}
		agg, ok := out[hash]
		if !ok {
			agg = &model.ObserverAgg{}
			out[hash] = agg
		}
		if !containsString(agg.ObserverIDs, observerID) {
			agg.ObserverIDs = append(agg.ObserverIDs, observerID)
		}
		path := meshcore.ParsePathText(pathText)
		if path == nil {
			path = meshcore.ParsePathJSON(pathJSON)
		}
		for _, token := range path {
			if !containsString(agg.HopCodes, token) {
				agg.HopCodes = append(agg.HopCodes, token)
			}
		}
		if pathLength > agg.MaxPathLength {
			agg.MaxPathLength = pathLength
		}
		if len(path) > agg.MaxPathLength {
			agg.MaxPathLength = len(path)
		}
	}
	return out, rows.Err()
}

// ReadMessageObserverPaths returns each observer's own recorded path per
// message hash.
func (s *Store) ReadMessageObserverPaths(ctx context.Context, hashes []string) (map[string][]model.ObserverPath, error) {
	out := map[string][]model.ObserverPath{}
	if len(hashes) == 0 {
		return out, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = strings.ToUpper(h)
	}
	rows, err := s.DB().QueryContext(ctx,
		`SELECT UPPER(message_hash), observer_id, COALESCE(path_text,''), COALESCE(path_json,''), COALESCE(ts_ms,0)
		 FROM message_observers WHERE UPPER(message_hash) IN (`+inPlaceholders(len(hashes))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read observer paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash, observerID   string
			pathText, pathJSON string
			tsMs               int64
		)
		if err := rows.Scan(&hash, &observerID, &pathText, &pathJSON, &tsMs); err != nil {
			return nil, fmt.Errorf("failed to scan observer path: %w", err)
		}
		path := meshcore.ParsePathText(pathText)
		if path == nil {
			path = meshcore.ParsePathJSON(pathJSON)
		}
		out[hash] = append(out[hash], model.ObserverPath{
			ObserverID: observerID,
			Path:       path,
			TSMs:       tsMs,
		})
	}
	return out, rows.Err()
}

// ObserverUpdate is one new message_observers row seen by the SSE poller.
type ObserverUpdate struct {
	RowID       int64
	MessageHash string
	ObserverID  string
	TSMs        int64
	Path        []string
	PathLength  int
}

// ReadMessageObserverUpdatesSince returns rows with rowid > lastRowID,
// oldest first, plus the new high-water rowid.
func (s *Store) ReadMessageObserverUpdatesSince(ctx context.Context, lastRowID int64, limit int) ([]ObserverUpdate, int64, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.DB().QueryContext(ctx,
		`SELECT rowid, UPPER(message_hash), observer_id, COALESCE(ts_ms,0),
		        COALESCE(path_text,''), COALESCE(path_json,''), COALESCE(path_length,0)
		 FROM message_observers WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`,
		lastRowID, limit)
	if err != nil {
		return nil, lastRowID, fmt.Errorf("failed to poll message observers: %w", err)
	}
	defer rows.Close()

	var out []ObserverUpdate
	high := lastRowID
	for rows.Next() {
		var (
			u                  ObserverUpdate
			pathText, pathJSON string
		)
		if err := rows.Scan(&u.RowID, &u.MessageHash, &u.ObserverID, &u.TSMs,
			&pathText, &pathJSON, &u.PathLength); err != nil {
			return nil, lastRowID, fmt.Errorf("failed to scan observer update: %w", err)
		}
		u.Path = meshcore.ParsePathText(pathText)
		if u.Path == nil {
			u.Path = meshcore.ParsePathJSON(pathJSON)
		}
		if len(u.Path) > u.PathLength {
			u.PathLength = len(u.Path)
		}
		if u.RowID > high {
			high = u.RowID
		}
		out = append(out, u)
	}
	return out, high, rows.Err()
}

// RepeatWindowPaths returns the observer paths recorded in the last
// windowHours, used by the repeat-evidence pass of the rank engine.
func (s *Store) RepeatWindowPaths(ctx context.Context, sinceMs int64) ([][]string, error) {
	rows, err := s.DB().QueryContext(ctx,
		`SELECT COALESCE(path_text,''), COALESCE(path_json,'')
		 FROM message_observers WHERE ts_ms >= ?`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("failed to read repeat window paths: %w", err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var pathText, pathJSON string
		if err := rows.Scan(&pathText, &pathJSON); err != nil {
			return nil, fmt.Errorf("failed to scan repeat window path: %w", err)
		}
		path := meshcore.ParsePathText(pathText)
		if path == nil {
			path = meshcore.ParsePathJSON(pathJSON)
		}
		if len(path) > 0 {
			out = append(out, path)
		}
	}
	return out, rows.Err()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
