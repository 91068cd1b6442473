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

// Package hits maintains the observer-hits index: an incrementally built
// mapping from message/frame hash to the set of observer stations that
// heard the frame, fed by tailing observer.ndjson.
package hits

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/ndjson"
)

const (
	// tickInterval is how often the background tailer consumes new lines.
	tickInterval = 2 * time.Second
	// readCooldown throttles on-demand catch-up reads between ticks.
	readCooldown = 30 * time.Second
)

// hitsMap is the published index. Snapshots are immutable after publish;
// updates copy, extend and swap.
type hitsMap map[string]map[string]struct{}

// Index is the observer-hits index. Readers never block on the tailer:
// lookups load an immutable snapshot through an atomic pointer.
type Index struct {
	tail    *ndjson.TailReader
	decoder meshcore.Decoder
	keys    []meshcore.ChannelKey
	logger  *slog.Logger

	snapshot atomic.Pointer[hitsMap]

	mu       sync.Mutex // serialises updates, not reads
	lastRead time.Time
}

// New creates the index over the given observer.ndjson path. decoder may be
// nil; meshcore.NopDecoder is substituted.
func New(path string, decoder meshcore.Decoder, keys []meshcore.ChannelKey, logger *slog.Logger) *Index {
	if decoder == nil {
		decoder = meshcore.NopDecoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	idx := &Index{
		tail:    ndjson.NewTailReader(path),
		decoder: decoder,
		keys:    keys,
		logger:  logger,
	}
	empty := hitsMap{}
	idx.snapshot.Store(&empty)
	return idx
}

// Run ticks the tailer until the context is cancelled. IO errors abort the
// tick and retry on the next one.
func (i *Index) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.refresh(true); err != nil {
				i.logger.Warn("observer hits tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Hits returns the observer ids recorded for the given hash key. The key is
// matched case-insensitively.
func (i *Index) Hits(key string) []string {
	snap := *i.snapshot.Load()
	set, ok := snap[strings.ToUpper(key)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Count returns the number of distinct observers for the key.
func (i *Index) Count(key string) int {
	snap := *i.snapshot.Load()
	return len(snap[strings.ToUpper(key)])
}

// Size returns the number of indexed hash keys.
func (i *Index) Size() int {
	return len(*i.snapshot.Load())
}

// Sync catches the index up with the file on demand. Calls within the
// cooldown window are no-ops; the background tick covers the gap.
func (i *Index) Sync() error {
	return i.refresh(false)
}

func (i *Index) refresh(force bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !force && time.Since(i.lastRead) < readCooldown {
		return nil
	}

	lines, err := i.tail.ReadNew()
	if err != nil {
		return err
	}
	i.lastRead = time.Now()
	if len(lines) == 0 {
		return nil
	}

	// Copy-on-write: readers keep the old snapshot until the swap.
	old := *i.snapshot.Load()
	next := make(hitsMap, len(old)+len(lines))
	for k, set := range old {
		next[k] = set
	}

	added := 0
	cloned := map[string]struct{}{}
	for idx := range lines {
		line := &lines[idx]
		observer := line.Observer()
		if observer == "" {
			continue
		}
		for _, key := range i.lineKeys(line) {
			set, ok := next[key]
			if !ok {
				set = map[string]struct{}{}
				cloned[key] = struct{}{}
			} else if _, fresh := cloned[key]; !fresh {
				// Shared with the published snapshot; clone before insert.
				clone := make(map[string]struct{}, len(set)+1)
				for id := range set {
					clone[id] = struct{}{}
				}
				set = clone
				cloned[key] = struct{}{}
			}
			if _, dup := set[observer]; !dup {
				set[observer] = struct{}{}
				added++
			}
			next[key] = set
		}
	}

	i.snapshot.Store(&next)
	if added > 0 {
		i.logger.Debug("observer hits extended",
			slog.Int("added", added),
			slog.Int("keys", len(next)),
		)
	}
	return nil
}

// lineKeys collects every hash the line can be looked up by: frameHash,
// hash, messageHash, and the decoder-produced messageHash when the payload
// decodes as a GroupText.
func (i *Index) lineKeys(line *ndjson.Line) []string {
	var keys []string
	add := func(k string) {
		if k == "" {
			return
		}
		k = strings.ToUpper(k)
		for _, existing := range keys {
			if existing == k {
				return
			}
		}
		keys = append(keys, k)
	}
	add(line.FrameHash)
	add(line.Hash)
	add(line.MessageHash)
	if payload := line.Payload(); payload != "" {
		if gt, ok := i.decoder.DecodeGroupText(payload, i.keys); ok && gt != nil {
			add(gt.MessageHash)
		}
	}
	return keys
}
