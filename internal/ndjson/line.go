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

// Package ndjson reads the append-only JSON-line files written by the
// ingest process (observer.ndjson, rf.ndjson, decoded.ndjson). Readers are
// restartable: each keeps a byte offset and consumes only appended bytes on
// the next tick.
package ndjson

import (
	"encoding/json"
	"strings"
	"time"
)

// Line is the union of fields this service reads from any of the NDJSON
// files. Unknown fields are ignored; malformed lines are skipped.
type Line struct {
	TS          string   `json:"ts,omitempty"`
	ArchivedAt  string   `json:"archivedAt,omitempty"`
	PayloadHex  string   `json:"payloadHex,omitempty"`
	Hex         string   `json:"hex,omitempty"`
	FrameHash   string   `json:"frameHash,omitempty"`
	MessageHash string   `json:"messageHash,omitempty"`
	Hash        string   `json:"hash,omitempty"`
	RSSI        float64  `json:"rssi,omitempty"`
	SNR         float64  `json:"snr,omitempty"`
	ObserverID  string   `json:"observerId,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Path        []string `json:"path,omitempty"`

	// Decoded advert fields (decoded.ndjson only).
	PayloadType string `json:"payloadType,omitempty"`
	Pub         string `json:"pub,omitempty"`
	Name        string `json:"name,omitempty"`
	// AdvertTimestamp is canonicalised to seconds by AdvertTimestampSec;
	// the ingest side historically wrote either seconds or milliseconds.
	AdvertTimestamp float64 `json:"advertTimestamp,omitempty"`
}

// Observer returns the observer id carried by the line, either from the
// observerId field or from a "observers/<id>/…" MQTT topic.
func (l *Line) Observer() string {
	if l.ObserverID != "" {
		return l.ObserverID
	}
	if strings.HasPrefix(l.Topic, "observers/") {
		rest := l.Topic[len("observers/"):]
		if idx := strings.IndexByte(rest, '/'); idx > 0 {
			return rest[:idx]
		}
		return rest
	}
	return ""
}

// Payload returns the raw payload hex from whichever field is set.
func (l *Line) Payload() string {
	if l.PayloadHex != "" {
		return l.PayloadHex
	}
	return l.Hex
}

// Time parses the line timestamp (ts, falling back to archivedAt).
// Returns the zero time when neither parses.
func (l *Line) Time() time.Time {
	for _, raw := range []string{l.TS, l.ArchivedAt} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// msThreshold distinguishes second from millisecond advert timestamps by
// magnitude. Anything above ~Nov 2286 in seconds is treated as ms.
const msThreshold = 1e12

// AdvertTimestampSec returns the advert's own clock reading canonicalised
// to Unix seconds. The ingest interface is documented as seconds; values
// above the millisecond threshold are divided down.
func (l *Line) AdvertTimestampSec() float64 {
	if l.AdvertTimestamp >= msThreshold {
		return l.AdvertTimestamp / 1000
	}
	return l.AdvertTimestamp
}

// DecodeLines parses a block of NDJSON bytes. Malformed lines are skipped
// silently per the ingest contract.
func DecodeLines(data []byte) []Line {
	var out []Line
	for _, raw := range strings.Split(string(data), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var line Line
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		out = append(out, line)
	}
	return out
}
