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

package rank

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/ndjson"
)

// ActiveWindow is how long a repeater stays in the ranked set after its
// last heard advert.
const ActiveWindow = 72 * time.Hour

// neighborStat accumulates RSSI samples for one zero-hop neighbour token.
type neighborStat struct {
	Sum   float64
	Count int
	Max   float64
}

// repeaterStats is the per-repeater aggregate over the active window.
type repeaterStats struct {
	Pub             string
	Total           int
	Total24h        int
	UniqueMessages  map[string]struct{}
	RssiSamples     []float64
	SnrSamples      []float64
	BestRssi        float64
	BestSnr         float64
	Neighbors       map[string]*neighborStat
	LastTS          time.Time
	ClockDriftMin   *float64
	seenDriftSample bool
}

func newRepeaterStats(pub string) *repeaterStats {
	return &repeaterStats{
		Pub:            pub,
		UniqueMessages: map[string]struct{}{},
		BestRssi:       math.Inf(-1),
		BestSnr:        math.Inf(-1),
		Neighbors:      map[string]*neighborStat{},
	}
}

// AvgRssi returns the 10%-trimmed mean of the RSSI samples.
func (r *repeaterStats) AvgRssi() float64 { return trimmedMean(r.RssiSamples, 0.10) }

// AvgSnr returns the 10%-trimmed mean of the SNR samples.
func (r *repeaterStats) AvgSnr() float64 { return trimmedMean(r.SnrSamples, 0.10) }

// AvgRepeats is total adverts over unique messages (0 when empty).
func (r *repeaterStats) AvgRepeats() float64 {
	if len(r.UniqueMessages) == 0 {
		return 0
	}
	return float64(r.Total) / float64(len(r.UniqueMessages))
}

// trimmedMean drops fraction of samples from each end before averaging.
// Returns 0 for an empty slice.
func trimmedMean(samples []float64, fraction float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	drop := int(float64(len(sorted)) * fraction)
	trimmed := sorted[drop : len(sorted)-drop]
	if len(trimmed) == 0 {
		trimmed = sorted
	}
	sum := 0.0
	for _, v := range trimmed {
		sum += v
	}
	return sum / float64(len(trimmed))
}

// collectAdvertStats folds advert lines into per-repeater aggregates.
// Lines outside the window, or without a pub, are skipped. now anchors the
// window and the 24 h traffic counter.
func collectAdvertStats(lines []ndjson.Line, now time.Time) map[string]*repeaterStats {
	cutoff := now.Add(-ActiveWindow)
	dayCutoff := now.Add(-24 * time.Hour)

	out := map[string]*repeaterStats{}
	for i := range lines {
		line := &lines[i]
		if line.Pub == "" {
			continue
		}
		ts := line.Time()
		if ts.IsZero() || ts.Before(cutoff) {
			continue
		}

		pub := strings.ToUpper(line.Pub)
		stats, ok := out[pub]
		if !ok {
			stats = newRepeaterStats(pub)
			out[pub] = stats
		}

		stats.Total++
		if ts.After(dayCutoff) {
			stats.Total24h++
		}
		if key := messageKey(line); key != "" {
			stats.UniqueMessages[key] = struct{}{}
		}
		if line.RSSI != 0 {
			stats.RssiSamples = append(stats.RssiSamples, line.RSSI)
			if line.RSSI > stats.BestRssi {
				stats.BestRssi = line.RSSI
			}
		}
		if line.SNR != 0 {
			stats.SnrSamples = append(stats.SnrSamples, line.SNR)
			if line.SNR > stats.BestSnr {
				stats.BestSnr = line.SNR
			}
		}
		if ts.After(stats.LastTS) {
			stats.LastTS = ts
		}

		// A single-hop advert names the zero-hop neighbour that relayed it.
		if len(line.Path) == 1 {
			token := meshcore.NormalizePathHash(line.Path[0])
			if token != meshcore.PathHashSentinel {
				n, ok := stats.Neighbors[token]
				if !ok {
					n = &neighborStat{Max: math.Inf(-1)}
					stats.Neighbors[token] = n
				}
				if line.RSSI != 0 {
					n.Sum += line.RSSI
					n.Count++
					if line.RSSI > n.Max {
						n.Max = line.RSSI
					}
				}
			}
		}

		// Clock drift: the advert's own clock against the observed time.
		if line.AdvertTimestamp > 0 && !stats.seenDriftSample {
			driftMin := (line.AdvertTimestampSec() - float64(ts.Unix())) / 60
			stats.ClockDriftMin = &driftMin
			stats.seenDriftSample = true
		}
	}
	return out
}

func messageKey(line *ndjson.Line) string {
	for _, k := range []string{line.MessageHash, line.FrameHash, line.Hash} {
		if k != "" {
			return strings.ToUpper(k)
		}
	}
	return ""
}
