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

// Package model defines the entities shared between the storage façade,
// the rank engines and the HTTP surface. Values published through caches
// are never mutated after publication; engines build fresh copies.
package model

import (
	"strings"

	"go.meshrank.net/meshrank/utils/geo"
)

// Device roles as reported by the external decoder.
const (
	RoleCompanion  = "companion"
	RoleRepeater   = "repeater"
	RoleRoomServer = "room"
	RoleChat       = "chat"
)

// Device is a mesh node identified by its 64-hex public key.
type Device struct {
	Pub                string     `json:"pub"`
	Name               string     `json:"name"`
	IsRepeater         bool       `json:"isRepeater"`
	IsObserver         bool       `json:"isObserver"`
	GPS                *geo.Point `json:"gps,omitempty"`
	HiddenOnMap        bool       `json:"hiddenOnMap,omitempty"`
	GPSImplausible     bool       `json:"gpsImplausible,omitempty"`
	GPSFlagged         bool       `json:"gpsFlagged,omitempty"`
	GPSEstimated       bool       `json:"gpsEstimated,omitempty"`
	LastSeen           string     `json:"lastSeen,omitempty"`
	LastAdvertHeardMs  int64      `json:"lastAdvertHeardMs,omitempty"`
	LastAdvertIngestMs int64      `json:"lastAdvertIngestMs,omitempty"`
	VerifiedAdvert     bool       `json:"verifiedAdvert,omitempty"`
	NameValid          bool       `json:"nameValid,omitempty"`
	Role               string     `json:"role,omitempty"`
	Backfilled         bool       `json:"backfilled,omitempty"`
}

// HashByte returns the node's hop token: the first two hex characters of
// its public key, upper-cased. Returns "??" for malformed keys.
func (d *Device) HashByte() string {
	return HashByteOf(d.Pub)
}

// HashByteOf returns the hop token for an arbitrary public key.
func HashByteOf(pub string) string {
	if len(pub) < 2 {
		return "??"
	}
	token := strings.ToUpper(pub[:2])
	if !isHex(token) {
		return "??"
	}
	return token
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'F':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return len(s) > 0
}

// ValidGPS reports whether the device has a usable fix after admin flags.
func (d *Device) ValidGPS() bool {
	return d.GPS != nil && d.GPS.Valid() && !d.GPSImplausible && !d.GPSFlagged
}

// ExcludeFromRoutes reports whether the device should be filtered from
// displayed message paths. Room servers and chat nodes relay messages at
// the application layer and would otherwise show up as phantom hops.
func (d *Device) ExcludeFromRoutes() bool {
	return d.Role == RoleRoomServer || d.Role == RoleChat
}

// IsCompanion reports whether the device is a companion radio.
func (d *Device) IsCompanion() bool {
	return d.Role == RoleCompanion
}

// Observer is an RF observer station feeding the mesh logs.
type Observer struct {
	ID              string     `json:"id"`
	FirstSeen       string     `json:"firstSeen,omitempty"`
	LastSeen        string     `json:"lastSeen,omitempty"`
	Count           int64      `json:"count,omitempty"`
	GPS             *geo.Point `json:"gps,omitempty"`
	BestRepeaterPub string     `json:"bestRepeaterPub,omitempty"`
}

// MessageRow mirrors one row of the messages table.
type MessageRow struct {
	RowID       int64
	MessageHash string
	FrameHash   string
	ChannelName string
	ChannelHash string
	Sender      string
	SenderPub   string
	Body        string
	TS          string
	PathJSON    string
	PathText    string
	PathLength  int
	Repeats     int
}

// ObserverAgg is the aggregated message_observers view for one message.
type ObserverAgg struct {
	ObserverIDs   []string
	HopCodes      []string
	MaxPathLength int
}

// ObserverPath is one observer's recorded path for a message.
type ObserverPath struct {
	ObserverID string   `json:"observerId"`
	Path       []string `json:"path"`
	TSMs       int64    `json:"tsMs,omitempty"`
}

// PathPoint is one resolved hop in a displayed route. GPS is nil when the
// node's position is implausible, flagged, or (0,0); the name is kept.
type PathPoint struct {
	Hash string     `json:"hash"`
	Name string     `json:"name"`
	GPS  *geo.Point `json:"gps"`
}

// MessageView is the presentation record served for one message.
type MessageView struct {
	ID            string         `json:"id"`
	FrameHash     string         `json:"frameHash,omitempty"`
	MessageHash   string         `json:"messageHash"`
	ChannelName   string         `json:"channelName"`
	Sender        string         `json:"sender"`
	Body          string         `json:"body"`
	TS            string         `json:"ts"`
	Repeats       int            `json:"repeats"`
	Path          []string       `json:"path"`
	PathNames     []string       `json:"pathNames"`
	PathPoints    []PathPoint    `json:"pathPoints"`
	PathLength    int            `json:"pathLength"`
	ObserverHits  []string       `json:"observerHits"`
	ObserverCount int            `json:"observerCount"`
	ObserverPaths []ObserverPath `json:"observerPaths,omitempty"`
}

// ChannelSummary is the latest-per-channel digest.
type ChannelSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	Time    string `json:"time"`
}

// ChannelState is the channel message cache payload.
type ChannelState struct {
	Channels []ChannelSummary `json:"channels"`
	Messages []MessageView    `json:"messages"`
}

// Repeater quality classifications.
const (
	QualityValid      = "valid"
	QualityLowQuality = "low_quality"
	QualityPhantom    = "phantom"
)

// Score colours.
const (
	ColorRed    = "#ff3b30"
	ColorGreen  = "#34c759"
	ColorYellow = "#ffcc00"
	ColorOrange = "#ff9500"
)

// NeighborRelation values for zero-hop neighbour details.
const (
	RelationReciprocal = "reciprocal"
	RelationHandoff    = "handoff"
)

// NeighborOption is one candidate peer considered for a hop token.
type NeighborOption struct {
	Pub        string  `json:"pub"`
	Name       string  `json:"name"`
	DistanceKm float64 `json:"distanceKm"`
	Mutual     bool    `json:"mutual"`
}

// NeighborDetail is the chosen peer for one zero-hop hash token.
type NeighborDetail struct {
	Hash     string           `json:"hash"`
	Pub      string           `json:"pub"`
	Name     string           `json:"name"`
	RssiAvg  float64          `json:"rssiAvg"`
	RssiMax  float64          `json:"rssiMax"`
	IsGreen  bool             `json:"isGreen"`
	Mutual   bool             `json:"mutual"`
	Relation string           `json:"relation"`
	Override bool             `json:"override,omitempty"`
	Options  []NeighborOption `json:"options,omitempty"`
}

// RepeatEvidence summarises path-based proof that a node actually repeats.
type RepeatEvidence struct {
	Middle         int    `json:"middle"`
	Upstream       int    `json:"upstream"`
	Downstream     int    `json:"downstream"`
	IsTrueRepeater bool   `json:"isTrueRepeater"`
	Reason         string `json:"reason,omitempty"`
}

// RankItem is one ranked repeater.
type RankItem struct {
	Pub                    string           `json:"pub"`
	HashByte               string           `json:"hashByte"`
	Name                   string           `json:"name"`
	GPS                    *geo.Point       `json:"gps,omitempty"`
	LastSeen               string           `json:"lastSeen,omitempty"`
	LastAdvertAgeHours     float64          `json:"lastAdvertAgeHours"`
	IsLive                 bool             `json:"isLive"`
	Quality                string           `json:"quality"`
	QualityReason          []string         `json:"qualityReason,omitempty"`
	Score                  float64          `json:"score"`
	Color                  string           `json:"color"`
	Total24h               int              `json:"total24h"`
	AvgRssi                float64          `json:"avgRssi"`
	AvgSnr                 float64          `json:"avgSnr"`
	BestRssi               float64          `json:"bestRssi"`
	BestSnr                float64          `json:"bestSnr"`
	ClockDriftMinutes      *float64         `json:"clockDriftMinutes,omitempty"`
	ZeroHopNeighborDetails []NeighborDetail `json:"zeroHopNeighborDetails,omitempty"`
	RepeatEvidence         RepeatEvidence   `json:"repeatEvidence"`
}

// ExcludedRepeater records a filtered-out repeater and why, for the admin
// exclusion view.
type ExcludedRepeater struct {
	Pub      string   `json:"pub"`
	HashByte string   `json:"hashByte"`
	Name     string   `json:"name"`
	Quality  string   `json:"quality"`
	Reasons  []string `json:"reasons"`
}

// RankPayload is the persisted repeater rank singleton.
type RankPayload struct {
	UpdatedAt string             `json:"updatedAt"`
	Count     int                `json:"count"`
	Items     []RankItem         `json:"items"`
	Excluded  []ExcludedRepeater `json:"excluded"`
}

// ObserverRankItem is one ranked observer.
type ObserverRankItem struct {
	ID                  string     `json:"id"`
	GPS                 *geo.Point `json:"gps,omitempty"`
	GPSFromRepeater     bool       `json:"gpsFromRepeater,omitempty"`
	PacketsToday        int        `json:"packetsToday"`
	UptimeHours         float64    `json:"uptimeHours"`
	BestRepeaterPub     string     `json:"bestRepeaterPub,omitempty"`
	CoverageRepeaters   []string   `json:"coverageRepeaters,omitempty"`
	NearestRepeaterName string     `json:"nearestRepeaterName,omitempty"`
	NearestRepeaterKm   float64    `json:"nearestRepeaterKm,omitempty"`
	Score               int        `json:"score"`
	Offline             bool       `json:"offline"`
}

// ObserverRankPayload is the persisted observer rank singleton.
type ObserverRankPayload struct {
	UpdatedAt string             `json:"updatedAt"`
	Count     int                `json:"count"`
	Items     []ObserverRankItem `json:"items"`
}

// MeshScoreDay is one day of the mesh score series.
type MeshScoreDay struct {
	Day        string  `json:"day"`
	Score      int     `json:"score"`
	Messages   int     `json:"messages"`
	AvgRepeats float64 `json:"avgRepeats"`
}

// MeshScorePayload is the persisted daily mesh score series.
type MeshScorePayload struct {
	UpdatedAt string         `json:"updatedAt"`
	Days      []MeshScoreDay `json:"days"`
	Today     int            `json:"today"`
	Yesterday int            `json:"yesterday"`
	Delta     int            `json:"delta"`
}

// NormalizeChannel lower-cases a channel name and guarantees the leading #.
func NormalizeChannel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return name
	}
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// FixedChannels cannot be removed from a user's channel list.
var FixedChannels = []string{"#public", "#meshranksuggestions"}

// IsFixedChannel reports whether the channel is part of the fixed set.
func IsFixedChannel(name string) bool {
	name = NormalizeChannel(name)
	for _, c := range FixedChannels {
		if c == name {
			return true
		}
	}
	return false
}

// ScoreColor maps a score and staleness to the UI colour.
func ScoreColor(score float64, stale bool) string {
	switch {
	case stale:
		return ColorRed
	case score >= 70:
		return ColorGreen
	case score >= 45:
		return ColorYellow
	default:
		return ColorOrange
	}
}

// Clamp01 clamps v into [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
