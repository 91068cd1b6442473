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

package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryServesRecordedSamples(t *testing.T) {
	t.Parallel()
	m := New()
	m.HTTPRequests.WithLabelValues("/api/health", "2xx").Inc()
	m.SSEClients.Set(3)
	m.RankRebuilds.WithLabelValues("repeater", "ok").Add(2)
	m.ShareLookups.WithLabelValues("hit").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`meshrank_http_requests_total{route="/api/health",status="2xx"} 1`,
		`meshrank_sse_clients 3`,
		`meshrank_rank_rebuilds_total{kind="repeater",outcome="ok"} 2`,
		`meshrank_share_lookups_total{result="hit"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing sample %q", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	t.Parallel()
	a := New()
	b := New()
	a.SSEClients.Set(5)

	families, err := b.Gatherer().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "meshrank_sse_clients" {
			for _, metric := range f.GetMetric() {
				if metric.GetGauge().GetValue() != 0 {
					t.Error("registries share state")
				}
			}
		}
	}
}
