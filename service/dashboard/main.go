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

// The dashboard service is the read side of MeshRank: it serves the
// analytics API, the SSE feeds and the bundled front-end over the SQLite
// database and NDJSON logs the ingest side writes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"go.meshrank.net/meshrank/internal/auth"
	"go.meshrank.net/meshrank/internal/channels"
	"go.meshrank.net/meshrank/internal/geoscore"
	"go.meshrank.net/meshrank/internal/hits"
	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/metrics"
	"go.meshrank.net/meshrank/internal/rank"
	"go.meshrank.net/meshrank/internal/share"
	"go.meshrank.net/meshrank/internal/store"
	"go.meshrank.net/meshrank/internal/stream"
	"go.meshrank.net/meshrank/service/dashboard/server"
	"go.meshrank.net/meshrank/utils"
	"go.meshrank.net/meshrank/utils/logging"
	"go.meshrank.net/meshrank/utils/sqlite"
)

const serviceName = "dashboard"

// countingSink counts observer updates on their way into the geoscore
// queue.
type countingSink struct {
	next    stream.ObserverDeltaSink
	counter prometheus.Counter
}

func (c *countingSink) Enqueue(update store.ObserverUpdate) {
	c.counter.Inc()
	c.next.Enqueue(update)
}

var (
	port = flag.Int("port",
		utils.GetEnvInt("PORT", 5199), "HTTP listen port")
	publicBaseURL = flag.String("public-base-url",
		utils.GetEnv("MESHRANK_PUBLIC_BASE_URL", "http://localhost:5199"),
		"Base URL prefixed to generated share links")
	staticDir = flag.String("static-dir",
		utils.GetEnv("MESHRANK_STATIC_DIR", "static"),
		"Bundled front-end directory (empty disables static serving)")
	botToken = flag.String("bot-token",
		utils.GetEnv("MESHRANK_BOT_TOKEN", ""),
		"Static token authorizing /api/bot-stream")
	keysPath = flag.String("channel-keys",
		utils.GetEnv("MESHRANK_CHANNEL_KEYS", "meshcore_keys.json"),
		"Channel secrets file for the payload decoder")
	jwtSecret = flag.String("jwt-secret",
		utils.GetEnv("MESHRANK_JWT_SECRET", ""),
		"HMAC secret for session tokens (empty generates an ephemeral one)")
	secureCookies = flag.Bool("secure-cookies",
		utils.GetEnvBool("MESHRANK_SECURE_COOKIES", false),
		"Set the Secure attribute on session cookies")

	loggingFlags = logging.RegisterFlags()
	sqliteFlags  = sqlite.RegisterFlags()
	storeFlags   = store.RegisterFlags()
)

func main() {
	flag.Parse()

	logger := logging.InitLogger(serviceName, loggingFlags.ToConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := sqlite.NewClient(ctx, sqliteFlags.ToConfig(), logger)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer client.Close()

	storeConfig := storeFlags.ToConfig()
	s := store.New(client, storeConfig, logger)

	keys, err := meshcore.LoadChannelKeys(*keysPath)
	if err != nil {
		logger.Warn("channel keys unavailable, secret channels stay encrypted",
			"error", err.Error())
	}
	decoder := meshcore.NopDecoder{}

	rfPath := filepath.Join(storeConfig.DataDir, "rf.ndjson")
	decodedPath := filepath.Join(storeConfig.DataDir, "decoded.ndjson")
	observerPath := filepath.Join(storeConfig.DataDir, "observer.ndjson")

	hitsIdx := hits.New(observerPath, decoder, keys, logger)
	shares := share.New(s, logger)
	channelCache := channels.New(s, hitsIdx, decoder, keys, shares, rfPath, logger)
	engine := rank.NewEngine(s, decoder, keys, decodedPath, observerPath, rfPath, logger)
	scheduler := rank.NewScheduler(engine, channelCache, s, logger)
	geoQueue := geoscore.New(s, logger)
	registry := metrics.New()

	authSvc := auth.NewService(s, auth.Config{
		JWTSecret:          []byte(*jwtSecret),
		GoogleClientID:     utils.GetEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: utils.GetEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  utils.GetEnv("GOOGLE_REDIRECT_URI", ""),
		SecureCookies:      *secureCookies,
	}, logger)

	srv := server.New(server.Config{
		PublicBaseURL: *publicBaseURL,
		StaticDir:     *staticDir,
		BotToken:      *botToken,
		RFPath:        rfPath,
	}, server.Deps{
		Store:     s,
		Channels:  channelCache,
		Scheduler: scheduler,
		Engine:    engine,
		Shares:    shares,
		Geoscore:  geoQueue,
		Auth:      authSvc,
		Metrics:   registry,
	}, logger)

	broadcaster := stream.NewBroadcaster(s, srv.Sources(), logger)
	broadcaster.SetDeltaSink(&countingSink{next: geoQueue, counter: registry.ObserverUpdates})
	srv.SetBroadcaster(broadcaster)
	channelCache.OnMessage = broadcaster.BroadcastMessage
	channelCache.OnBot = broadcaster.BroadcastBot

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		scheduler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		hitsIdx.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		channelCache.RunPoller(groupCtx)
		return nil
	})
	group.Go(func() error {
		channelCache.RunWatcher(groupCtx)
		return nil
	})
	group.Go(func() error {
		geoQueue.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		logger.Info("dashboard listening", "port", *port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("Service failed: %v", err)
	}
	logger.Info("dashboard stopped")
}
