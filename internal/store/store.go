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

// Package store is the read-through storage façade over the shared SQLite
// file and the JSON overlay files. Device and observer reads merge DB rows
// with overlay fields, are cached for a short TTL, and are bypassed after
// admin mutations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/utils"
	"go.meshrank.net/meshrank/utils/geo"
	"go.meshrank.net/meshrank/utils/sqlite"
)

const defaultSnapshotTTL = 30 * time.Second

// Config holds storage façade configuration.
type Config struct {
	DataDir     string
	SnapshotTTL time.Duration
}

// FlagPointers holds pointers to flag values for store configuration.
type FlagPointers struct {
	dataDir *string
}

// RegisterFlags registers store-related command-line flags.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		dataDir: flag.String("data-dir",
			utils.GetEnv("MESHRANK_DATA_DIR", "data"),
			"Directory holding the NDJSON logs and JSON overlay files"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		DataDir:     *f.dataDir,
		SnapshotTTL: defaultSnapshotTTL,
	}
}

// DeviceSnapshot is an immutable published view of all devices.
type DeviceSnapshot struct {
	ByPub     map[string]*model.Device
	ByHash    map[string][]*model.Device
	UpdatedAt time.Time
}

// ObserverSnapshot is an immutable published view of all observers.
type ObserverSnapshot struct {
	ByID      map[string]*model.Observer
	UpdatedAt time.Time
}

// Store is the storage façade. One instance is shared by every component;
// all methods are safe for concurrent use.
type Store struct {
	client *sqlite.Client
	config Config
	logger *slog.Logger

	devices         *SnapshotCache[*DeviceSnapshot]
	observers       *SnapshotCache[*ObserverSnapshot]
	deviceOverlays  *SnapshotCache[overlayEntry[DeviceOverlay]]
	observerOverlay *SnapshotCache[overlayEntry[ObserverOverlay]]
}

// New creates the façade on top of an open SQLite client.
func New(client *sqlite.Client, config Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if config.SnapshotTTL == 0 {
		config.SnapshotTTL = defaultSnapshotTTL
	}
	return &Store{
		client:          client,
		config:          config,
		logger:          logger,
		devices:         NewSnapshotCache[*DeviceSnapshot](config.SnapshotTTL, logger),
		observers:       NewSnapshotCache[*ObserverSnapshot](config.SnapshotTTL, logger),
		deviceOverlays:  NewSnapshotCache[overlayEntry[DeviceOverlay]](time.Hour, logger),
		observerOverlay: NewSnapshotCache[overlayEntry[ObserverOverlay]](time.Hour, logger),
	}
}

// DB returns the underlying database handle for row-level helpers.
func (s *Store) DB() *sql.DB {
	return s.client.DB()
}

// DataPath resolves a file name inside the data directory.
func (s *Store) DataPath(name string) string {
	return filepath.Join(s.config.DataDir, name)
}

// DevicesOverlayPath returns the devices.json path.
func (s *Store) DevicesOverlayPath() string { return s.DataPath("devices.json") }

// ObserversOverlayPath returns the observers.json path.
func (s *Store) ObserversOverlayPath() string { return s.DataPath("observers.json") }

// InvalidateDevices drops the device snapshot so the next read bypasses the
// TTL cache. Called after admin mutations.
func (s *Store) InvalidateDevices() {
	s.devices.Invalidate()
	s.deviceOverlays.Invalidate()
}

// InvalidateObservers drops the observer snapshot.
func (s *Store) InvalidateObservers() {
	s.observers.Invalidate()
	s.observerOverlay.Invalidate()
}

// rawDeviceJSON is the subset of the ingest raw_json blob this service reads.
type rawDeviceJSON struct {
	VerifiedAdvert     bool   `json:"verifiedAdvert"`
	NameValid          bool   `json:"nameValid"`
	Role               string `json:"role"`
	GPSFlagged         bool   `json:"gpsFlagged"`
	GPSEstimated       bool   `json:"gpsEstimated"`
	LastAdvertIngestMs int64  `json:"lastAdvertIngestMs"`
	Meta               struct {
		Backfilled bool `json:"backfilled"`
	} `json:"meta"`
}

// ReadDevices returns the merged device snapshot. DB errors fall back to
// the overlay alone so the read side stays available while ingest is down.
func (s *Store) ReadDevices(ctx context.Context) (*DeviceSnapshot, error) {
	if snap, ok := s.devices.Get(); ok {
		return snap, nil
	}

	overlays, err := readOverlay(s.DevicesOverlayPath(), s.deviceOverlays)
	if err != nil {
		s.logger.Warn("device overlay unreadable", slog.String("error", err.Error()))
		overlays = map[string]DeviceOverlay{}
	}

	byPub := map[string]*model.Device{}
	rows, err := s.DB().QueryContext(ctx, `
		SELECT pub, COALESCE(name,''), is_repeater, is_observer,
		       COALESCE(last_seen,''), COALESCE(last_advert_heard_ms,0),
		       gps_lat, gps_lon, COALESCE(raw_json,''), hidden_on_map
		FROM devices`)
	if err != nil {
		s.logger.Warn("device read failed, serving overlay fallback",
			slog.String("error", err.Error()))
	} else {
		defer rows.Close()
		for rows.Next() {
			var (
				d          model.Device
				isRepeater int
				isObserver int
				lat, lon   sql.NullFloat64
				rawJSON    string
				hidden     int
			)
			if err := rows.Scan(&d.Pub, &d.Name, &isRepeater, &isObserver,
				&d.LastSeen, &d.LastAdvertHeardMs, &lat, &lon, &rawJSON, &hidden); err != nil {
				return nil, fmt.Errorf("failed to scan device: %w", err)
			}
			d.IsRepeater = isRepeater != 0
			d.IsObserver = isObserver != 0
			d.HiddenOnMap = hidden != 0
			if lat.Valid && lon.Valid {
				d.GPS = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
			}
			if rawJSON != "" {
				var raw rawDeviceJSON
				if err := json.Unmarshal([]byte(rawJSON), &raw); err == nil {
					d.VerifiedAdvert = raw.VerifiedAdvert
					d.NameValid = raw.NameValid
					d.Role = raw.Role
					d.GPSFlagged = raw.GPSFlagged
					d.GPSEstimated = raw.GPSEstimated
					d.LastAdvertIngestMs = raw.LastAdvertIngestMs
					d.Backfilled = raw.Meta.Backfilled
				}
			}
			byPub[d.Pub] = &d
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate devices: %w", err)
		}
	}

	// Overlay wins over DB rows; pubs only in the overlay become records.
	for pub, ov := range overlays {
		d, ok := byPub[pub]
		if !ok {
			d = &model.Device{Pub: pub}
			byPub[pub] = d
		}
		applyDeviceOverlay(d, ov)
	}

	byHash := map[string][]*model.Device{}
	for _, d := range byPub {
		byHash[d.HashByte()] = append(byHash[d.HashByte()], d)
	}

	snap := &DeviceSnapshot{ByPub: byPub, ByHash: byHash, UpdatedAt: time.Now()}
	s.devices.Set(snap)
	return snap, nil
}

func applyDeviceOverlay(d *model.Device, ov DeviceOverlay) {
	if ov.Name != nil {
		d.Name = *ov.Name
	}
	if ov.HiddenOnMap != nil {
		d.HiddenOnMap = *ov.HiddenOnMap
	}
	if ov.GPSImplausible != nil {
		d.GPSImplausible = *ov.GPSImplausible
	}
	if ov.GPSFlagged != nil {
		d.GPSFlagged = *ov.GPSFlagged
	}
	if ov.GPSEstimated != nil {
		d.GPSEstimated = *ov.GPSEstimated
	}
	if ov.GPS != nil {
		gps := *ov.GPS
		d.GPS = &gps
	}
	if ov.VerifiedAdvert != nil {
		d.VerifiedAdvert = *ov.VerifiedAdvert
	}
	if ov.NameValid != nil {
		d.NameValid = *ov.NameValid
	}
	if ov.Role != "" {
		d.Role = ov.Role
	}
	if ov.Meta.Backfilled {
		d.Backfilled = true
	}
}

// ReadObservers returns the merged observer snapshot.
func (s *Store) ReadObservers(ctx context.Context) (*ObserverSnapshot, error) {
	if snap, ok := s.observers.Get(); ok {
		return snap, nil
	}

	overlays, err := readOverlay(s.ObserversOverlayPath(), s.observerOverlay)
	if err != nil {
		s.logger.Warn("observer overlay unreadable", slog.String("error", err.Error()))
		overlays = map[string]ObserverOverlay{}
	}

	byID := map[string]*model.Observer{}
	rows, err := s.DB().QueryContext(ctx, `
		SELECT observer_id, COALESCE(first_seen,''), COALESCE(last_seen,''),
		       COALESCE(count,0), gps_lat, gps_lon, COALESCE(best_repeater_pub,'')
		FROM observers`)
	if err != nil {
		s.logger.Warn("observer read failed, serving overlay fallback",
			slog.String("error", err.Error()))
	} else {
		defer rows.Close()
		for rows.Next() {
			var (
				o        model.Observer
				lat, lon sql.NullFloat64
			)
			if err := rows.Scan(&o.ID, &o.FirstSeen, &o.LastSeen, &o.Count,
				&lat, &lon, &o.BestRepeaterPub); err != nil {
				return nil, fmt.Errorf("failed to scan observer: %w", err)
			}
			if lat.Valid && lon.Valid {
				o.GPS = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
			}
			byID[o.ID] = &o
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate observers: %w", err)
		}
	}

	for id, ov := range overlays {
		o, ok := byID[id]
		if !ok {
			o = &model.Observer{ID: id}
			byID[id] = o
		}
		if ov.GPS != nil {
			gps := *ov.GPS
			o.GPS = &gps
		}
		if ov.BestRepeaterPub != "" {
			o.BestRepeaterPub = ov.BestRepeaterPub
		}
	}

	snap := &ObserverSnapshot{ByID: byID, UpdatedAt: time.Now()}
	s.observers.Set(snap)
	return snap, nil
}

// UpdateDeviceOverlay mutates one device's overlay record and writes
// devices.json atomically. The device snapshot is invalidated so the next
// read sees the change.
func (s *Store) UpdateDeviceOverlay(pub string, mutate func(*DeviceOverlay)) error {
	overlays, err := readOverlay(s.DevicesOverlayPath(), s.deviceOverlays)
	if err != nil {
		return err
	}
	// Copy before mutating; the cached map may be shared with readers.
	next := make(map[string]DeviceOverlay, len(overlays)+1)
	for k, v := range overlays {
		next[k] = v
	}
	ov := next[pub]
	mutate(&ov)
	next[pub] = ov

	if err := WriteJSONAtomic(s.DevicesOverlayPath(), next); err != nil {
		return err
	}
	s.InvalidateDevices()
	return nil
}

// UpdateObserverOverlay mutates one observer's overlay record and writes
// observers.json atomically.
func (s *Store) UpdateObserverOverlay(id string, mutate func(*ObserverOverlay)) error {
	overlays, err := readOverlay(s.ObserversOverlayPath(), s.observerOverlay)
	if err != nil {
		return err
	}
	next := make(map[string]ObserverOverlay, len(overlays)+1)
	for k, v := range overlays {
		next[k] = v
	}
	ov := next[id]
	mutate(&ov)
	next[id] = ov

	if err := WriteJSONAtomic(s.ObserversOverlayPath(), next); err != nil {
		return err
	}
	s.InvalidateObservers()
	return nil
}
