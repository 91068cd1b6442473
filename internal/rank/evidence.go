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
	"fmt"

	"go.meshrank.net/meshrank/internal/meshcore"
	"go.meshrank.net/meshrank/internal/model"
)

// Evidence thresholds: a node proves it repeats by appearing between other
// hops often enough, or by relaying for at least two distinct partners in
// each direction.
const (
	evidenceMiddleMin    = 5
	evidenceDirectionMin = 2
)

// tokenEvidence accumulates path positions for one hop token.
type tokenEvidence struct {
	Middle     int
	Upstream   map[string]struct{}
	Downstream map[string]struct{}
}

// collectRepeatEvidence walks message paths and counts, per token, middle
// appearances plus distinct upstream and downstream partners.
func collectRepeatEvidence(paths [][]string) map[string]*tokenEvidence {
	out := map[string]*tokenEvidence{}
	get := func(token string) *tokenEvidence {
		ev, ok := out[token]
		if !ok {
			ev = &tokenEvidence{
				Upstream:   map[string]struct{}{},
				Downstream: map[string]struct{}{},
			}
			out[token] = ev
		}
		return ev
	}

	for _, path := range paths {
		for i, raw := range path {
			token := meshcore.NormalizePathHash(raw)
			if token == meshcore.PathHashSentinel {
				continue
			}
			ev := get(token)
			if i > 0 && i < len(path)-1 {
				ev.Middle++
			}
			if i > 0 {
				if up := meshcore.NormalizePathHash(path[i-1]); up != meshcore.PathHashSentinel {
					ev.Upstream[up] = struct{}{}
				}
			}
			if i < len(path)-1 {
				if down := meshcore.NormalizePathHash(path[i+1]); down != meshcore.PathHashSentinel {
					ev.Downstream[down] = struct{}{}
				}
			}
		}
	}
	return out
}

// evidenceFor resolves the evidence verdict for one device. Backfilled
// devices bypass the test.
func evidenceFor(ev map[string]*tokenEvidence, hashByte string, backfilled bool) model.RepeatEvidence {
	var result model.RepeatEvidence
	if te, ok := ev[hashByte]; ok {
		result.Middle = te.Middle
		result.Upstream = len(te.Upstream)
		result.Downstream = len(te.Downstream)
	}
	switch {
	case backfilled:
		result.IsTrueRepeater = true
		result.Reason = "backfilled"
	case result.Middle >= evidenceMiddleMin:
		result.IsTrueRepeater = true
		result.Reason = fmt.Sprintf("middle=%d", result.Middle)
	case result.Upstream >= evidenceDirectionMin && result.Downstream >= evidenceDirectionMin:
		result.IsTrueRepeater = true
		result.Reason = fmt.Sprintf("up=%d down=%d", result.Upstream, result.Downstream)
	default:
		result.Reason = "insufficient path evidence"
	}
	return result
}
