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

package geo

import (
	"math"
	"testing"
)

func TestPointValid(t *testing.T) {
	tests := []struct {
		name  string
		point Point
		valid bool
	}{
		{"london", Point{51.5, -0.1}, true},
		{"null island", Point{0, 0}, false},
		{"lat out of range", Point{90.5, 10}, false},
		{"lon out of range", Point{10, 181}, false},
		{"nan lat", Point{math.NaN(), 10}, false},
		{"inf lon", Point{10, math.Inf(1)}, false},
		{"zero lat only", Point{0, 12.5}, true},
		{"boundary", Point{90, 180}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.point.Valid(); got != tt.valid {
				t.Errorf("Valid(%+v) = %v, want %v", tt.point, got, tt.valid)
			}
		})
	}
}

func TestHaversineKm(t *testing.T) {
	london := Point{51.5074, -0.1278}
	paris := Point{48.8566, 2.3522}

	// Identity within floating tolerance.
	if d := HaversineKm(london, london); d > 1e-9 {
		t.Errorf("HaversineKm(a,a) = %v, want 0", d)
	}

	// Symmetry.
	ab := HaversineKm(london, paris)
	ba := HaversineKm(paris, london)
	if math.Abs(ab-ba) > 1e-9 {
		t.Errorf("HaversineKm not symmetric: %v vs %v", ab, ba)
	}

	// London to Paris is roughly 344 km.
	if ab < 330 || ab > 360 {
		t.Errorf("HaversineKm(london,paris) = %v, want ~344", ab)
	}
}

func TestClusterDensity(t *testing.T) {
	center := Point{51.5, -0.1}
	points := []Point{
		{51.51, -0.11}, // ~1.3 km
		{51.9, -0.5},   // ~52 km
		{48.85, 2.35},  // Paris, far
		{0, 0},         // invalid, skipped
	}

	if got := ClusterDensity(center, points, 60); got != 2 {
		t.Errorf("ClusterDensity(60km) = %d, want 2", got)
	}
	if got := ClusterDensity(center, points, 5); got != 1 {
		t.Errorf("ClusterDensity(5km) = %d, want 1", got)
	}
}
