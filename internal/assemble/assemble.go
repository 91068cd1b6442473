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

// Package assemble maps raw message rows and observer aggregates into the
// presentation records served by the API. All functions are pure; callers
// supply the node index and the observer-hits fallback.
package assemble

import (
	"strings"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/model"
)

// NodeIndex picks one device per hop token. When several devices share a
// hash byte, repeaters win, then the most recently heard advert.
func NodeIndex(byHash map[string][]*model.Device) map[string]*model.Device {
	out := make(map[string]*model.Device, len(byHash))
	for hash, devices := range byHash {
		if hash == meshcore.PathHashSentinel {
			continue
		}
		var best *model.Device
		for _, d := range devices {
			if best == nil {
				best = d
				continue
			}
			if d.IsRepeater != best.IsRepeater {
				if d.IsRepeater {
					best = d
				}
				continue
			}
			if d.LastAdvertHeardMs > best.LastAdvertHeardMs {
				best = d
			}
		}
		if best != nil {
			out[hash] = best
		}
	}
	return out
}

// rowPath resolves the hop list for a message: the aggregated hop-code
// union when present, else the row's pipe text, else its JSON array.
func rowPath(row *model.MessageRow, agg *model.ObserverAgg) []string {
	if agg != nil && len(agg.HopCodes) > 0 {
		return agg.HopCodes
	}
	if path := meshcore.ParsePathText(row.PathText); len(path) > 0 {
		return path
	}
	return meshcore.ParsePathJSON(row.PathJSON)
}

// Message builds the presentation record for one message row.
//
// agg, paths and fallbackHits may each be empty. nodes is the hop-token
// index from NodeIndex; nodes excluded from routes (room servers, chat
// nodes) and nodes hidden on the map are dropped from the displayed path.
func Message(row *model.MessageRow, agg *model.ObserverAgg, paths []model.ObserverPath,
	fallbackHits []string, nodes map[string]*model.Device) model.MessageView {

	path := rowPath(row, agg)

	displayed := make([]string, 0, len(path))
	names := make([]string, 0, len(path))
	points := make([]model.PathPoint, 0, len(path))
	for _, token := range path {
		token = meshcore.NormalizePathHash(token)
		d := nodes[token]
		if d != nil && (d.ExcludeFromRoutes() || d.HiddenOnMap) {
			continue
		}
		point := model.PathPoint{Hash: token}
		if d != nil {
			point.Name = d.Name
			if d.ValidGPS() {
				gps := *d.GPS
				point.GPS = &gps
			}
		}
		if point.Name == "" {
			point.Name = token
		}
		displayed = append(displayed, token)
		names = append(names, point.Name)
		points = append(points, point)
	}

	observers := mergeObservers(agg, fallbackHits)

	pathLength := row.PathLength
	if agg != nil && agg.MaxPathLength > pathLength {
		pathLength = agg.MaxPathLength
	}
	if len(path) > pathLength {
		pathLength = len(path)
	}

	repeats := row.Repeats
	if pathLength > repeats {
		repeats = pathLength
	}
	if len(observers) > repeats {
		repeats = len(observers)
	}

	return model.MessageView{
		ID:            row.MessageHash,
		FrameHash:     row.FrameHash,
		MessageHash:   strings.ToUpper(row.MessageHash),
		ChannelName:   model.NormalizeChannel(row.ChannelName),
		Sender:        row.Sender,
		Body:          row.Body,
		TS:            row.TS,
		Repeats:       repeats,
		Path:          displayed,
		PathNames:     names,
		PathPoints:    points,
		PathLength:    pathLength,
		ObserverHits:  observers,
		ObserverCount: len(observers),
		ObserverPaths: paths,
	}
}

// mergeObservers unions the aggregated observer ids with the fallback hits
// from the NDJSON index, preserving first-seen order.
func mergeObservers(agg *model.ObserverAgg, fallback []string) []string {
	var out []string
	seen := map[string]struct{}{}
	add := func(id string) {
		if id == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if agg != nil {
		for _, id := range agg.ObserverIDs {
			add(id)
		}
	}
	for _, id := range fallback {
		add(id)
	}
	return out
}
