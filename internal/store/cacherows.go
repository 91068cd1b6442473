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
	"time"

	"go.meshrank.net/meshrank/internal/model"
)

// Singleton cache tables. Each holds exactly one row (id=1); hydrated at
// startup so a restart never serves an empty payload when a persisted one
// exists.
const (
	TableRepeaterRankCache = "repeater_rank_cache"
	TableObserverRankCache = "observer_rank_cache"
	TableMeshScoreCache    = "meshscore_cache"
)

// LoadCachePayload reads the singleton cache row for the given table.
// Returns ErrNotFound when no payload was ever persisted.
func (s *Store) LoadCachePayload(ctx context.Context, table string) (updatedAt, payload string, err error) {
	row := s.DB().QueryRowContext(ctx,
		`SELECT COALESCE(updated_at,''), COALESCE(payload,'') FROM `+table+` WHERE id = 1`)
	err = row.Scan(&updatedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load %s: %w", table, err)
	}
	return updatedAt, payload, nil
}

// SaveCachePayload upserts the singleton cache row.
func (s *Store) SaveCachePayload(ctx context.Context, table, updatedAt, payload string) error {
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO `+table+` (id, updated_at, payload) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at, payload = excluded.payload`,
		updatedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", table, err)
	}
	return nil
}

// RankHistoryRow is one persisted rank summary sample.
type RankHistoryRow struct {
	RecordedAt string `json:"recordedAt"`
	Total      int    `json:"total"`
	Active     int    `json:"active"`
	Total24h   int    `json:"total24h"`
}

// InsertRankHistory appends a rank summary sample unless the newest sample
// is younger than minInterval.
func (s *Store) InsertRankHistory(ctx context.Context, row RankHistoryRow, minInterval time.Duration) error {
	var last string
	err := s.DB().QueryRowContext(ctx,
		`SELECT recorded_at FROM repeater_rank_history ORDER BY id DESC LIMIT 1`).Scan(&last)
	if err == nil && last != "" {
		if t, perr := time.Parse(time.RFC3339, last); perr == nil {
			if time.Since(t) < minInterval {
				return nil
			}
		}
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read rank history head: %w", err)
	}

	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO repeater_rank_history (recorded_at, total, active, total24h, cached_at)
		 VALUES (?, ?, ?, ?, ?)`,
		row.RecordedAt, row.Total, row.Active, row.Total24h, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert rank history: %w", err)
	}
	return nil
}

// ReadRankHistory returns the most recent history samples, newest first.
func (s *Store) ReadRankHistory(ctx context.Context, limit int) ([]RankHistoryRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 288
	}
	rows, err := s.DB().QueryContext(ctx,
		`SELECT COALESCE(recorded_at,''), total, active, total24h
		 FROM repeater_rank_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read rank history: %w", err)
	}
	defer rows.Close()

	var out []RankHistoryRow
	for rows.Next() {
		var r RankHistoryRow
		if err := rows.Scan(&r.RecordedAt, &r.Total, &r.Active, &r.Total24h); err != nil {
			return nil, fmt.Errorf("failed to scan rank history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertMeshScoreDay writes one day of the mesh score series.
func (s *Store) UpsertMeshScoreDay(ctx context.Context, day model.MeshScoreDay) error {
	_, err := s.DB().ExecContext(ctx,
		`INSERT INTO meshscore_daily (day, score, messages, avg_repeats, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   score = excluded.score, messages = excluded.messages,
		   avg_repeats = excluded.avg_repeats, updated_at = excluded.updated_at`,
		day.Day, day.Score, day.Messages, day.AvgRepeats,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert meshscore day: %w", err)
	}
	return nil
}

// ReadMeshScoreDays returns the persisted daily series ascending by date.
func (s *Store) ReadMeshScoreDays(ctx context.Context) ([]model.MeshScoreDay, error) {
	rows, err := s.DB().QueryContext(ctx,
		`SELECT day, COALESCE(score,0), COALESCE(messages,0), COALESCE(avg_repeats,0)
		 FROM meshscore_daily ORDER BY day ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read meshscore days: %w", err)
	}
	defer rows.Close()

	var out []model.MeshScoreDay
	for rows.Next() {
		var d model.MeshScoreDay
		if err := rows.Scan(&d.Day, &d.Score, &d.Messages, &d.AvgRepeats); err != nil {
			return nil, fmt.Errorf("failed to scan meshscore day: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateRepeaterScores writes the scoring task's computed score and colour
// into current_repeaters. Runs in one small transaction.
func (s *Store) UpdateRepeaterScores(ctx context.Context, items []model.RankItem) error {
	tx, err := s.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin score update: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, it := range items {
		var lat, lon any
		if it.GPS != nil {
			lat, lon = it.GPS.Lat, it.GPS.Lon
		}
		stale := 0
		if !it.IsLive {
			stale = 1
		}
		live := 0
		if it.IsLive {
			live = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO current_repeaters
			   (pub, name, gps_lat, gps_lon, best_rssi, best_snr, avg_rssi, avg_snr,
			    total24h, score, color, quality, is_live, stale, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(pub) DO UPDATE SET
			   name = excluded.name, gps_lat = excluded.gps_lat, gps_lon = excluded.gps_lon,
			   best_rssi = excluded.best_rssi, best_snr = excluded.best_snr,
			   avg_rssi = excluded.avg_rssi, avg_snr = excluded.avg_snr,
			   total24h = excluded.total24h, score = excluded.score, color = excluded.color,
			   quality = excluded.quality, is_live = excluded.is_live, stale = excluded.stale,
			   updated_at = excluded.updated_at`,
			it.Pub, it.Name, lat, lon, it.BestRssi, it.BestSnr, it.AvgRssi, it.AvgSnr,
			it.Total24h, it.Score, it.Color, it.Quality, live, stale, now)
		if err != nil {
			return fmt.Errorf("failed to upsert repeater score: %w", err)
		}
	}
	return tx.Commit()
}

// SweepRepeaterVisibility marks repeaters not heard within the active
// window as invisible, retaining the rows for history.
func (s *Store) SweepRepeaterVisibility(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.DB().ExecContext(ctx,
		`UPDATE current_repeaters SET visible = 0
		 WHERE COALESCE(last_advert_heard_ms, 0) < ? AND visible != 0`, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep visibility: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReadIngestMetrics returns the ingest counters written by the ingest
// process, keyed by metric name.
func (s *Store) ReadIngestMetrics(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB().QueryContext(ctx, `SELECT key, COALESCE(value,0) FROM ingest_metrics`)
	if err != nil {
		return nil, fmt.Errorf("failed to read ingest metrics: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			key string
			val int64
		)
		if err := rows.Scan(&key, &val); err != nil {
			return nil, fmt.Errorf("failed to scan ingest metric: %w", err)
		}
		out[key] = val
	}
	return out, rows.Err()
}

// ReadStats5m returns the most recent 5-minute stat buckets, newest first.
func (s *Store) ReadStats5m(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := s.DB().QueryContext(ctx,
		`SELECT bucket, COALESCE(messages,0), COALESCE(packets,0), COALESCE(observers,0)
		 FROM stats_5m ORDER BY bucket DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats buckets: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			bucket                       string
			messages, packets, observers int64
		)
		if err := rows.Scan(&bucket, &messages, &packets, &observers); err != nil {
			return nil, fmt.Errorf("failed to scan stats bucket: %w", err)
		}
		out = append(out, map[string]any{
			"bucket":    bucket,
			"messages":  messages,
			"packets":   packets,
			"observers": observers,
		})
	}
	return out, rows.Err()
}
