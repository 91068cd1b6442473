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

package assemble

import (
	"reflect"
	"testing"

	"go.meshrank.net/meshrank/internal/model"
	"go.meshrank.net/meshrank/utils/geo"
)

func device(pub, name string, repeater bool) *model.Device {
	return &model.Device{Pub: pub, Name: name, IsRepeater: repeater}
}

func TestNodeIndexPrefersRepeaters(t *testing.T) {
	t.Parallel()
	companion := device("AB01", "Pocket", false)
	repeater := device("AB02", "Hilltop", true)
	older := device("AB03", "Old Hilltop", true)
	older.LastAdvertHeardMs = 100
	repeater.LastAdvertHeardMs = 200

	idx := NodeIndex(map[string][]*model.Device{
		"AB": {companion, older, repeater},
		"??": {device("xx", "junk", false)},
	})
	if got := idx["AB"]; got != repeater {
		t.Errorf("picked %v, want the freshest repeater", got)
	}
	if _, ok := idx["??"]; ok {
		t.Error("sentinel token must not be indexed")
	}
}

func TestMessagePathSourcePriority(t *testing.T) {
	t.Parallel()
	row := &model.MessageRow{
		MessageHash: "abcd",
		ChannelName: "Public",
		PathText:    "a1|b2",
		PathJSON:    `["c3"]`,
	}

	// Aggregated hop codes win over both row fields.
	v := Message(row, &model.ObserverAgg{HopCodes: []string{"D4"}}, nil, nil, nil)
	if !reflect.DeepEqual(v.Path, []string{"D4"}) {
		t.Errorf("path = %v, want aggregate", v.Path)
	}

	// No aggregate: pipe text next.
	v = Message(row, nil, nil, nil, nil)
	if !reflect.DeepEqual(v.Path, []string{"A1", "B2"}) {
		t.Errorf("path = %v, want path_text", v.Path)
	}

	// No pipe text: JSON array.
	row.PathText = ""
	v = Message(row, nil, nil, nil, nil)
	if !reflect.DeepEqual(v.Path, []string{"C3"}) {
		t.Errorf("path = %v, want path_json", v.Path)
	}

	if v.MessageHash != "ABCD" || v.ChannelName != "#public" {
		t.Errorf("normalisation wrong: %q %q", v.MessageHash, v.ChannelName)
	}
}

func TestMessagePathFiltering(t *testing.T) {
	t.Parallel()
	room := device("AA01", "Lobby", false)
	room.Role = model.RoleRoomServer
	hidden := device("BB01", "Secret", true)
	hidden.HiddenOnMap = true
	flagged := device("CC01", "Bad Fix", true)
	flagged.GPS = &geo.Point{Lat: 52, Lon: 5}
	flagged.GPSFlagged = true
	good := device("DD01", "Tower", true)
	good.GPS = &geo.Point{Lat: 51.9, Lon: 4.8}

	nodes := map[string]*model.Device{"AA": room, "BB": hidden, "CC": flagged, "DD": good}
	row := &model.MessageRow{MessageHash: "M", PathText: "AA|BB|CC|DD|EE"}

	v := Message(row, nil, nil, nil, nodes)

	// Room server and hidden node dropped; flagged keeps name, loses gps;
	// unknown token kept with the token as name.
	if !reflect.DeepEqual(v.Path, []string{"CC", "DD", "EE"}) {
		t.Fatalf("path = %v", v.Path)
	}
	if v.PathPoints[0].Name != "Bad Fix" || v.PathPoints[0].GPS != nil {
		t.Errorf("flagged node point = %+v", v.PathPoints[0])
	}
	if v.PathPoints[1].GPS == nil {
		t.Error("valid node lost its gps")
	}
	if v.PathPoints[2].Name != "EE" {
		t.Errorf("unknown node name = %q", v.PathPoints[2].Name)
	}

	// pathLength counts the raw path, not the filtered one.
	if v.PathLength != 5 {
		t.Errorf("pathLength = %d, want 5", v.PathLength)
	}
}

func TestMessageRepeatsInvariant(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		rowReps   int
		hops      []string
		observers []string
		fallback  []string
		want      int
	}{
		{"row dominates", 9, []string{"AA"}, []string{"o1"}, nil, 9},
		{"path dominates", 1, []string{"AA", "BB", "CC"}, nil, nil, 3},
		{"observers dominate", 0, nil, []string{"o1", "o2"}, []string{"o2", "o3"}, 3},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			row := &model.MessageRow{MessageHash: "M", Repeats: tc.rowReps}
			agg := &model.ObserverAgg{HopCodes: tc.hops, ObserverIDs: tc.observers}
			v := Message(row, agg, nil, tc.fallback, nil)
			if v.Repeats != tc.want {
				t.Errorf("repeats = %d, want %d", v.Repeats, tc.want)
			}
			if v.Repeats < v.PathLength || v.Repeats < v.ObserverCount {
				t.Errorf("repeats %d below max(pathLength %d, observers %d)",
					v.Repeats, v.PathLength, v.ObserverCount)
			}
		})
	}
}

func TestMessageObserverUnion(t *testing.T) {
	t.Parallel()
	row := &model.MessageRow{MessageHash: "M"}
	agg := &model.ObserverAgg{ObserverIDs: []string{"o1", "o2"}}
	v := Message(row, agg, nil, []string{"o2", "o3", ""}, nil)
	if !reflect.DeepEqual(v.ObserverHits, []string{"o1", "o2", "o3"}) {
		t.Errorf("observerHits = %v", v.ObserverHits)
	}
	if v.ObserverCount != 3 {
		t.Errorf("observerCount = %d", v.ObserverCount)
	}
}
