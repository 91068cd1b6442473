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

// Package channels owns the channel message cache: a one-shot build from
// the messages table (or rf.ndjson when the DB is still empty), kept live
// by a short-interval DB poller and a file watcher on the RF log.
package channels

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.meshrank.net/meshrank/internal/assemble"
	"go.meshrank.net/meshrank/internal/hits"
	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/ndjson"
	"go.meshrank.net/meshrank/internal/store"
)

const (
	// hashtagsLimit applies to the #hashtags channel; every other channel
	// keeps defaultLimit messages in the cache.
	hashtagsLimit = 30
	defaultLimit  = 10

	pollInterval     = 250 * time.Millisecond
	fallbackTailSize = 6000
	snippetMax       = 48

	botChannel    = "#test"
	botDedup      = 5 * time.Minute
	botWarmUp     = 10 * time.Second
	botQuietDelay = 5 * time.Second
)

// ShareEnsurer creates (or reuses) a share code for a message. The share
// store implements it; the bot reply carries the code.
type ShareEnsurer interface {
	EnsureCode(ctx context.Context, messageID string) (string, error)
}

// BotReply is the event emitted when the #test echo bot answers.
type BotReply struct {
	ChannelName string `json:"channelName"`
	TriggerHash string `json:"triggerHash"`
	ShareCode   string `json:"shareCode,omitempty"`
	TS          string `json:"ts"`
}

// Cache is the channel message cache. Safe for concurrent use.
type Cache struct {
	store   *store.Store
	hitsIdx *hits.Index
	decoder meshcore.Decoder
	keys    []meshcore.ChannelKey
	shares  ShareEnsurer
	logger  *slog.Logger
	rfPath  string

	OnMessage func(model.MessageView)
	OnBot     func(BotReply)

	mu        sync.RWMutex
	built     bool
	messages  []model.MessageView
	dedup     map[string]struct{}
	lastRowID int64
	startedAt time.Time

	botMu      sync.Mutex
	botSeen    map[string]time.Time
	botTimer   *time.Timer
	botPending *model.MessageView
}

// New creates the cache. decoder may be nil (DB mode needs none); shares
// may be nil, in which case bot replies carry no code.
func New(s *store.Store, idx *hits.Index, decoder meshcore.Decoder, keys []meshcore.ChannelKey,
	shares ShareEnsurer, rfPath string, logger *slog.Logger) *Cache {
	if decoder == nil {
		decoder = meshcore.NopDecoder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:   s,
		hitsIdx: idx,
		decoder: decoder,
		keys:    keys,
		shares:  shares,
		logger:  logger,
		rfPath:  rfPath,
		dedup:   map[string]struct{}{},
		botSeen: map[string]time.Time{},
	}
}

func channelLimit(name string) int {
	if model.NormalizeChannel(name) == "#hashtags" {
		return hashtagsLimit
	}
	return defaultLimit
}

func dedupKey(channel, hash string) string {
	return strings.ToUpper(model.NormalizeChannel(channel)) + "|" + strings.ToUpper(hash)
}

// Built reports whether the one-shot build has completed.
func (c *Cache) Built() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.built
}

// Build runs the one-shot construction: DB mode when the messages table has
// rows, NDJSON fallback otherwise. Idempotent; the scheduler retries on
// error.
func (c *Cache) Build(ctx context.Context) error {
	c.mu.Lock()
	if c.built {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	count, err := c.store.CountMessages(ctx)
	if err != nil {
		return err
	}

	var views []model.MessageView
	if count > 0 {
		views, err = c.buildFromDB(ctx)
	} else {
		views, err = c.buildFromNDJSON(ctx)
	}
	if err != nil {
		return err
	}

	lastRowID, err := c.store.MaxMessagesRowID(ctx)
	if err != nil {
		return err
	}

	sort.SliceStable(views, func(i, j int) bool { return views[i].TS < views[j].TS })

	c.mu.Lock()
	c.messages = views
	c.dedup = map[string]struct{}{}
	for _, v := range views {
		c.dedup[dedupKey(v.ChannelName, v.MessageHash)] = struct{}{}
	}
	c.lastRowID = lastRowID
	c.built = true
	c.startedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("channel cache built",
		slog.Int("messages", len(views)),
		slog.Int64("last_rowid", lastRowID),
		slog.Bool("db_mode", count > 0),
	)
	return nil
}

// buildFromDB selects the last N rows per channel and maps them through the
// assembler with one batched observer lookup.
func (c *Cache) buildFromDB(ctx context.Context) ([]model.MessageView, error) {
	names, err := c.store.ListMessageChannels(ctx)
	if err != nil {
		return nil, err
	}

	var rows []*model.MessageRow
	for _, name := range names {
		chRows, err := c.store.ReadMessages(ctx, name, channelLimit(name), "")
		if err != nil {
			return nil, err
		}
		rows = append(rows, chRows...)
	}
	return c.mapRows(ctx, rows)
}

// History reads one channel's stored history and maps it through the
// assembler. before is an exclusive ts cursor for paging; empty reads the
// newest rows. Results are ascending by ts.
func (c *Cache) History(ctx context.Context, channel string, limit int, before string) ([]model.MessageView, error) {
	if limit <= 0 || limit > 200 {
		limit = channelLimit(channel)
	}
	rows, err := c.store.ReadMessages(ctx, model.NormalizeChannel(channel), limit, before)
	if err != nil {
		return nil, err
	}
	views, err := c.mapRows(ctx, rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(views, func(i, j int) bool { return views[i].TS < views[j].TS })
	return views, nil
}

// View maps a single stored row through the assembler.
func (c *Cache) View(ctx context.Context, row *model.MessageRow) (*model.MessageView, error) {
	views, err := c.mapRows(ctx, []*model.MessageRow{row})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, store.ErrNotFound
	}
	return &views[0], nil
}

// mapRows assembles presentation records for a batch of rows.
func (c *Cache) mapRows(ctx context.Context, rows []*model.MessageRow) ([]model.MessageView, error) {
	hashes := make([]string, 0, len(rows))
	for _, r := range rows {
		hashes = append(hashes, r.MessageHash)
	}
	aggs, err := c.store.ReadMessageObserverAgg(ctx, hashes)
	if err != nil {
		return nil, err
	}
	paths, err := c.store.ReadMessageObserverPaths(ctx, hashes)
	if err != nil {
		return nil, err
	}
	nodes := c.nodeIndex(ctx)

	views := make([]model.MessageView, 0, len(rows))
	for _, r := range rows {
		key := strings.ToUpper(r.MessageHash)
		views = append(views, assemble.Message(r, aggs[key], paths[key], c.fallbackHits(r), nodes))
	}
	return views, nil
}

func (c *Cache) nodeIndex(ctx context.Context) map[string]*model.Device {
	snap, err := c.store.ReadDevices(ctx)
	if err != nil || snap == nil {
		return nil
	}
	return assemble.NodeIndex(snap.ByHash)
}

func (c *Cache) fallbackHits(r *model.MessageRow) []string {
	if c.hitsIdx == nil {
		return nil
	}
	out := c.hitsIdx.Hits(r.MessageHash)
	if r.FrameHash != "" {
		for _, id := range c.hitsIdx.Hits(r.FrameHash) {
			found := false
			for _, have := range out {
				if have == id {
					found = true
					break
				}
			}
			if !found {
				out = append(out, id)
			}
		}
	}
	return out
}

// buildFromNDJSON is the cold-start path for an empty DB: decode the tail
// of rf.ndjson through the injected decoder and group per channel.
func (c *Cache) buildFromNDJSON(ctx context.Context) ([]model.MessageView, error) {
	lines, err := ndjson.ReadLastLines(c.rfPath, fallbackTailSize)
	if err != nil {
		return nil, err
	}
	nodes := c.nodeIndex(ctx)

	perChannel := map[string][]model.MessageView{}
	seen := map[string]struct{}{}
	for i := range lines {
		gt, ok := c.decoder.DecodeGroupText(lines[i].Payload(), c.keys)
		if !ok || gt == nil {
			continue
		}
		row := groupTextRow(gt, &lines[i])
		key := dedupKey(row.ChannelName, row.MessageHash)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		v := assemble.Message(row, nil, nil, c.fallbackHits(row), nodes)
		perChannel[v.ChannelName] = append(perChannel[v.ChannelName], v)
	}

	var views []model.MessageView
	for name, list := range perChannel {
		limit := channelLimit(name)
		if len(list) > limit {
			list = list[len(list)-limit:]
		}
		views = append(views, list...)
	}
	return views, nil
}

func groupTextRow(gt *meshcore.GroupText, line *ndjson.Line) *model.MessageRow {
	ts := gt.TS
	if ts == "" {
		ts = line.TS
	}
	return &model.MessageRow{
		MessageHash: strings.ToUpper(gt.MessageHash),
		FrameHash:   strings.ToUpper(gt.FrameHash),
		ChannelName: gt.ChannelName,
		Sender:      gt.Sender,
		Body:        gt.Body,
		TS:          ts,
		PathText:    strings.Join(gt.Path, "|"),
		PathLength:  len(gt.Path),
	}
}

// RunPoller polls the messages table for appended rows every 250 ms.
func (c *Cache) RunPoller(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Built() {
				continue
			}
			if err := c.pollOnce(ctx); err != nil {
				c.logger.Warn("message poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Cache) pollOnce(ctx context.Context) error {
	c.mu.RLock()
	last := c.lastRowID
	c.mu.RUnlock()

	rows, err := c.store.ReadMessagesAfterRowID(ctx, last, 100)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	views, err := c.mapRows(ctx, rows)
	if err != nil {
		return err
	}
	high := last
	for _, r := range rows {
		if r.RowID > high {
			high = r.RowID
		}
	}

	c.mu.Lock()
	c.lastRowID = high
	c.mu.Unlock()

	for i := range views {
		c.append(views[i])
	}
	return nil
}

// RunWatcher follows rf.ndjson through fsnotify, decoding appended frames
// as they land. New messages dedup against the cache before append.
func (c *Cache) RunWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("rf watcher unavailable", slog.String("error", err.Error()))
		return
	}
	defer watcher.Close()

	// Watch the directory; the log file may be rotated and recreated.
	if err := watcher.Add(filepath.Dir(c.rfPath)); err != nil {
		c.logger.Warn("rf watch failed", slog.String("error", err.Error()))
		return
	}

	tail := ndjson.NewTailReader(c.rfPath)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != c.rfPath || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !c.Built() {
				continue
			}
			c.consumeRF(ctx, tail)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("rf watcher error", slog.String("error", err.Error()))
		}
	}
}

func (c *Cache) consumeRF(ctx context.Context, tail *ndjson.TailReader) {
	lines, err := tail.ReadNew()
	if err != nil {
		c.logger.Warn("rf tail failed", slog.String("error", err.Error()))
		return
	}
	if len(lines) == 0 {
		return
	}
	nodes := c.nodeIndex(ctx)
	for i := range lines {
		gt, ok := c.decoder.DecodeGroupText(lines[i].Payload(), c.keys)
		if !ok || gt == nil {
			continue
		}
		row := groupTextRow(gt, &lines[i])
		c.append(assemble.Message(row, nil, nil, c.fallbackHits(row), nodes))
	}
}

// append inserts one message, keeping ascending ts order and per-channel
// caps, then notifies subscribers and the bot trigger.
func (c *Cache) append(v model.MessageView) {
	key := dedupKey(v.ChannelName, v.MessageHash)

	c.mu.Lock()
	if _, dup := c.dedup[key]; dup {
		c.mu.Unlock()
		return
	}
	c.dedup[key] = struct{}{}

	// Appends are almost always in order; fall back to a sort when not.
	c.messages = append(c.messages, v)
	if n := len(c.messages); n > 1 && c.messages[n-1].TS < c.messages[n-2].TS {
		sort.SliceStable(c.messages, func(i, j int) bool {
			return c.messages[i].TS < c.messages[j].TS
		})
	}
	c.trimChannelLocked(v.ChannelName)
	c.mu.Unlock()

	if c.OnMessage != nil {
		c.OnMessage(v)
	}
	c.maybeTriggerBot(v)
}

// trimChannelLocked drops the oldest messages of a channel above its cap.
// Caller holds c.mu.
func (c *Cache) trimChannelLocked(channel string) {
	limit := channelLimit(channel)
	count := 0
	for _, m := range c.messages {
		if m.ChannelName == channel {
			count++
		}
	}
	if count <= limit {
		return
	}
	drop := count - limit
	kept := c.messages[:0]
	for _, m := range c.messages {
		if drop > 0 && m.ChannelName == channel {
			drop--
			delete(c.dedup, dedupKey(m.ChannelName, m.MessageHash))
			continue
		}
		kept = append(kept, m)
	}
	c.messages = kept
}

// State returns the current cache contents, building on first use.
// Messages are ascending by ts; channel summaries are newest first.
func (c *Cache) State(ctx context.Context) (*model.ChannelState, error) {
	if !c.Built() {
		if err := c.Build(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	messages := make([]model.MessageView, len(c.messages))
	copy(messages, c.messages)
	c.mu.RUnlock()

	latest := map[string]*model.MessageView{}
	for i := range messages {
		m := &messages[i]
		if cur, ok := latest[m.ChannelName]; !ok || m.TS > cur.TS {
			latest[m.ChannelName] = m
		}
	}
	summaries := make([]model.ChannelSummary, 0, len(latest))
	for name, m := range latest {
		summaries = append(summaries, model.ChannelSummary{
			ID:      name,
			Name:    name,
			Snippet: snippet(m.Body),
			Time:    clockTime(m.TS),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return latest[summaries[i].Name].TS > latest[summaries[j].Name].TS
	})

	return &model.ChannelState{Channels: summaries, Messages: messages}, nil
}

// snippet truncates a body to the summary length on a rune boundary.
func snippet(body string) string {
	runes := []rune(strings.TrimSpace(body))
	if len(runes) <= snippetMax {
		return string(runes)
	}
	return string(runes[:snippetMax])
}

// clockTime renders an ISO timestamp as HH:MM; unparseable input yields "".
func clockTime(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("15:04")
		}
	}
	return ""
}

// maybeTriggerBot schedules a #test echo reply. Triggers dedup on the
// message hash for 5 minutes; emission waits for the 10 s warm-up after
// build and debounces 5 s of quiet.
func (c *Cache) maybeTriggerBot(v model.MessageView) {
	if c.OnBot == nil {
		return
	}
	if model.NormalizeChannel(v.ChannelName) != botChannel {
		return
	}
	if !strings.Contains(strings.ToLower(v.Body), "test") {
		return
	}

	c.botMu.Lock()
	defer c.botMu.Unlock()

	if at, ok := c.botSeen[v.MessageHash]; ok && time.Since(at) < botDedup {
		return
	}

	delay := botQuietDelay
	c.mu.RLock()
	if warm := time.Until(c.startedAt.Add(botWarmUp)); warm > delay {
		delay = warm
	}
	c.mu.RUnlock()

	trigger := v
	c.botPending = &trigger
	if c.botTimer != nil {
		// Another trigger inside the quiet window restarts the clock.
		c.botTimer.Stop()
	}
	c.botTimer = time.AfterFunc(delay, c.emitBot)
}

func (c *Cache) emitBot() {
	c.botMu.Lock()
	trigger := c.botPending
	c.botPending = nil
	c.botTimer = nil
	if trigger != nil {
		c.botSeen[trigger.MessageHash] = time.Now()
	}
	c.botMu.Unlock()
	if trigger == nil {
		return
	}

	reply := BotReply{
		ChannelName: botChannel,
		TriggerHash: trigger.MessageHash,
		TS:          time.Now().UTC().Format(time.RFC3339),
	}
	if c.shares != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		code, err := c.shares.EnsureCode(ctx, trigger.MessageHash)
		if err != nil {
			c.logger.Warn("bot share link failed", slog.String("error", err.Error()))
		} else {
			reply.ShareCode = code
		}
	}
	if c.OnBot != nil {
		c.OnBot(reply)
	}
}
