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

// Package metrics registers the process's prometheus instruments. One
// Registry instance is created in main and threaded to the components
// that record into it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the service's instruments on a private prometheus
// registry so tests can run several instances side by side.
type Registry struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	SSEClients      prometheus.Gauge
	SSEPeakClients  prometheus.Gauge
	MessagesCached  prometheus.Gauge
	RankRebuilds    *prometheus.CounterVec
	RankBuildTime   *prometheus.HistogramVec
	ShareLookups    *prometheus.CounterVec
	GeoscoreDepth   prometheus.Gauge
	ObserverUpdates prometheus.Counter
}

// New creates and registers every instrument.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Registry{
		registry: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrank_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshrank_http_request_seconds",
			Help:    "HTTP handler latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshrank_sse_clients",
			Help: "Currently connected SSE clients.",
		}),
		SSEPeakClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshrank_sse_clients_peak",
			Help: "Peak concurrent SSE clients since boot.",
		}),
		MessagesCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshrank_messages_cached",
			Help: "Messages held in the channel cache.",
		}),
		RankRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrank_rank_rebuilds_total",
			Help: "Rank cache rebuilds by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RankBuildTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshrank_rank_build_seconds",
			Help:    "Rank rebuild duration by kind.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),
		ShareLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrank_share_lookups_total",
			Help: "Share-code lookups by result (hit, miss, expired, rate_limited).",
		}, []string{"result"}),
		GeoscoreDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshrank_geoscore_queue_depth",
			Help: "Pending observer updates in the geoscore queue.",
		}),
		ObserverUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrank_observer_updates_total",
			Help: "Observer update rows consumed from the stream poll.",
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.SSEClients, m.SSEPeakClients,
		m.MessagesCached,
		m.RankRebuilds, m.RankBuildTime,
		m.ShareLookups,
		m.GeoscoreDepth, m.ObserverUpdates,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}
