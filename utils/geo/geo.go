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

// Package geo provides the geodesic helpers shared by the rank engines and
// the route inference queue. All distances are great-circle kilometres.
package geo

import "math"

// earthRadiusKm is the mean Earth radius used for haversine distances.
const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point is a usable GPS fix. A fix is valid iff
// both components are finite, not exactly (0,0), and within the WGS84
// ranges |lat| <= 90 and |lon| <= 180.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return false
	}
	if math.IsInf(p.Lat, 0) || math.IsInf(p.Lon, 0) {
		return false
	}
	if p.Lat == 0 && p.Lon == 0 {
		return false
	}
	return math.Abs(p.Lat) <= 90 && math.Abs(p.Lon) <= 180
}

// HaversineKm returns the great-circle distance between a and b in km.
func HaversineKm(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return earthRadiusKm * c
}

// ClusterDensity counts how many of the given points lie within radiusKm of
// the center. The center itself is not part of the count. Used by the
// zero-hop neighbour resolver to prefer candidates sitting inside a dense
// local cluster over isolated outliers.
func ClusterDensity(center Point, points []Point, radiusKm float64) int {
	n := 0
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		if HaversineKm(center, p) <= radiusKm {
			n++
		}
	}
	return n
}
