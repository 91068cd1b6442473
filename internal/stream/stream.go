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

// Package stream implements the SSE fan-out. Every connection gets its own
// event channel, timers and poll cursor; a slow client drops its own
// events and never back-pressures the rest.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.meshrank.net/meshrank/internal/channels"
	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/internal/store"
)

// Per-client timer cadence.
const (
	countersInterval = 10 * time.Second
	ranksInterval    = 30 * time.Second
	healthInterval   = 12 * time.Second
	pingInterval     = 15 * time.Second
	packetInterval   = 1 * time.Second
	packetPollLimit  = 200

	clientBuffer = 64
)

// Event is one SSE frame: `event: Name` with a JSON-encoded Data payload.
type Event struct {
	Name string
	Data any
}

// Encode renders the wire form of the event.
func (e Event) Encode() []byte {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	out := make([]byte, 0, len(e.Name)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, e.Name...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// Sources supplies the periodic payloads. Fields may be nil; their timers
// then emit nothing.
type Sources struct {
	Counters func(ctx context.Context) any
	Ranks    func(ctx context.Context) any
	Health   func(ctx context.Context) any
}

// PacketDelta is the aggregated update for one message within a packet
// event.
type PacketDelta struct {
	MessageHash  string   `json:"messageHash"`
	FrameHash    string   `json:"frameHash,omitempty"`
	ObserverHits []string `json:"observerHits"`
	PathLength   int      `json:"pathLength"`
	Repeats      int      `json:"repeats"`
}

// PacketEvent is the payload of one packet tick: every message that gained
// observer coverage since the client's cursor, delivered in a single frame.
type PacketEvent struct {
	Updates []PacketDelta `json:"updates"`
}

// ObserverDeltaSink receives every packet delta exactly once per process
// (not per client); the geoscore queue implements it.
type ObserverDeltaSink interface {
	Enqueue(update store.ObserverUpdate)
}

// Client is one SSE subscriber.
type Client struct {
	Events chan []byte
	bot    bool
	done   chan struct{}
	once   sync.Once
}

// Close tears the client down. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster owns the client set and the shared observer-update cursor.
type Broadcaster struct {
	store   *store.Store
	sources Sources
	logger  *slog.Logger

	deltaSink ObserverDeltaSink

	mu      sync.Mutex
	clients map[*Client]struct{}

	visitors atomic.Int64
	peak     atomic.Int64

	// sharedRowID feeds the process-wide delta sink; each client keeps its
	// own cursor for its packet events.
	sharedRowID atomic.Int64
}

// NewBroadcaster creates the fan-out hub.
func NewBroadcaster(s *store.Store, sources Sources, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		store:   s,
		sources: sources,
		logger:  logger,
		clients: map[*Client]struct{}{},
	}
}

// SetDeltaSink registers the queue fed by observer updates.
func (b *Broadcaster) SetDeltaSink(sink ObserverDeltaSink) { b.deltaSink = sink }

// VisitorStats returns the current and peak concurrent subscriber counts.
// The peak is monotone non-decreasing.
func (b *Broadcaster) VisitorStats() (current, peak int64) {
	return b.visitors.Load(), b.peak.Load()
}

// Subscribe registers a client and starts its timer loop. bot clients only
// receive bot replies and pings.
func (b *Broadcaster) Subscribe(ctx context.Context, bot bool) *Client {
	client := &Client{
		Events: make(chan []byte, clientBuffer),
		bot:    bot,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	n := b.visitors.Add(1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	go b.serveClient(ctx, client)
	return client
}

// unsubscribe removes the client and closes its channel.
func (b *Broadcaster) unsubscribe(client *Client) {
	b.mu.Lock()
	_, present := b.clients[client]
	delete(b.clients, client)
	b.mu.Unlock()
	if present {
		b.visitors.Add(-1)
		close(client.Events)
	}
}

// send delivers non-blockingly; a full buffer drops the event.
func (c *Client) send(data []byte) {
	select {
	case <-c.done:
	case c.Events <- data:
	default:
	}
}

// serveClient runs the per-connection timers until the client or context
// is done.
func (b *Broadcaster) serveClient(ctx context.Context, client *Client) {
	defer b.unsubscribe(client)

	// The ready event carries the observer-update high-water mark so the
	// client's first packet tick has a cursor.
	lastRowID, err := b.store.MaxMessageObserverRowID(ctx)
	if err != nil {
		b.logger.Warn("ready rowid read failed", slog.String("error", err.Error()))
	}
	client.send(Event{Name: "ready", Data: map[string]any{"lastRowId": lastRowID}}.Encode())

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	if client.bot {
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case <-ping.C:
				client.send(Event{Name: "ping", Data: map[string]any{"t": time.Now().Unix()}}.Encode())
			}
		}
	}

	counters := time.NewTicker(countersInterval)
	defer counters.Stop()
	ranks := time.NewTicker(ranksInterval)
	defer ranks.Stop()
	health := time.NewTicker(healthInterval)
	defer health.Stop()
	packets := time.NewTicker(packetInterval)
	defer packets.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.done:
			return
		case <-ping.C:
			client.send(Event{Name: "ping", Data: map[string]any{"t": time.Now().Unix()}}.Encode())
		case <-counters.C:
			b.emitSource(ctx, client, "counters", b.sources.Counters)
		case <-ranks.C:
			b.emitSource(ctx, client, "ranks", b.sources.Ranks)
		case <-health.C:
			b.emitSource(ctx, client, "health", b.sources.Health)
		case <-packets.C:
			lastRowID = b.emitPackets(ctx, client, lastRowID)
		}
	}
}

func (b *Broadcaster) emitSource(ctx context.Context, client *Client, name string, source func(context.Context) any) {
	if source == nil {
		return
	}
	payload := source(ctx)
	if payload == nil {
		return
	}
	client.send(Event{Name: name, Data: payload}.Encode())
}

// emitPackets polls message_observers past the client's cursor and emits a
// single packet event whose updates cover every new message.
func (b *Broadcaster) emitPackets(ctx context.Context, client *Client, lastRowID int64) int64 {
	updates, high, err := b.store.ReadMessageObserverUpdatesSince(ctx, lastRowID, packetPollLimit)
	if err != nil {
		b.logger.Warn("packet poll failed", slog.String("error", err.Error()))
		return lastRowID
	}
	if len(updates) == 0 {
		return high
	}

	b.feedDeltaSink(updates, high)

	deltas := map[string]*PacketDelta{}
	var order []string
	for _, u := range updates {
		d, ok := deltas[u.MessageHash]
		if !ok {
			d = &PacketDelta{MessageHash: u.MessageHash}
			deltas[u.MessageHash] = d
			order = append(order, u.MessageHash)
		}
		dup := false
		for _, id := range d.ObserverHits {
			if id == u.ObserverID {
				dup = true
				break
			}
		}
		if !dup {
			d.ObserverHits = append(d.ObserverHits, u.ObserverID)
		}
		if u.PathLength > d.PathLength {
			d.PathLength = u.PathLength
		}
	}

	event := PacketEvent{Updates: make([]PacketDelta, 0, len(order))}
	for _, hash := range order {
		d := deltas[hash]
		d.Repeats = d.PathLength
		if len(d.ObserverHits) > d.Repeats {
			d.Repeats = len(d.ObserverHits)
		}
		if row, err := b.store.FindMessage(ctx, hash); err == nil {
			d.FrameHash = row.FrameHash
			if row.Repeats > d.Repeats {
				d.Repeats = row.Repeats
			}
		}
		event.Updates = append(event.Updates, *d)
	}
	client.send(Event{Name: "packet", Data: event}.Encode())
	return high
}

// feedDeltaSink forwards updates past the shared high-water mark to the
// geoscore queue exactly once regardless of client count.
func (b *Broadcaster) feedDeltaSink(updates []store.ObserverUpdate, high int64) {
	if b.deltaSink == nil {
		return
	}
	for {
		shared := b.sharedRowID.Load()
		if high <= shared {
			return
		}
		if b.sharedRowID.CompareAndSwap(shared, high) {
			for _, u := range updates {
				if u.RowID > shared {
					b.deltaSink.Enqueue(u)
				}
			}
			return
		}
	}
}

// BroadcastMessage fans a new channel message out to every non-bot client.
func (b *Broadcaster) BroadcastMessage(v model.MessageView) {
	data := Event{Name: "message", Data: v}.Encode()
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		if !client.bot {
			client.send(data)
		}
	}
}

// BroadcastBot fans a bot reply out to the bot-stream subscribers.
func (b *Broadcaster) BroadcastBot(reply channels.BotReply) {
	data := Event{Name: "reply", Data: reply}.Encode()
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		if client.bot {
			client.send(data)
		}
	}
}
