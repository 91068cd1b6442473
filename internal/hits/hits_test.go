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

package hits

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"go.meshrank.net/meshrank/internal/meshcore"
)

type fakeDecoder struct {
	byPayload map[string]string // payloadHex -> messageHash
}

func (d fakeDecoder) DecodeGroupText(payloadHex string, _ []meshcore.ChannelKey) (*meshcore.GroupText, bool) {
	hash, ok := d.byPayload[payloadHex]
	if !ok {
		return nil, false
	}
	return &meshcore.GroupText{MessageHash: hash}, true
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func sortedHits(idx *Index, key string) []string {
	out := idx.Hits(key)
	sort.Strings(out)
	return out
}

func TestIndexKeysFromAllHashFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeLines(t, path,
		`{"frameHash":"f1f1","observerId":"obs-a"}`,
		`{"hash":"ABCD","topic":"observers/obs-b/rf"}`,
		`{"messageHash":"beef","observerId":"obs-c"}`,
	)

	idx := New(path, nil, nil, nil)
	if err := idx.refresh(true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	cases := []struct {
		key  string
		want []string
	}{
		{"F1F1", []string{"obs-a"}},
		{"f1f1", []string{"obs-a"}}, // case-insensitive lookup
		{"ABCD", []string{"obs-b"}}, // observer from MQTT topic
		{"BEEF", []string{"obs-c"}},
		{"0000", nil},
	}
	for _, tc := range cases {
		if got := sortedHits(idx, tc.key); !equalStrings(got, tc.want) {
			t.Errorf("Hits(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestIndexDecoderKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeLines(t, path, `{"payloadHex":"00aa","frameHash":"1234","observerId":"obs-a"}`)

	dec := fakeDecoder{byPayload: map[string]string{"00aa": "cafe"}}
	idx := New(path, dec, nil, nil)
	if err := idx.refresh(true); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// Both the raw frame hash and the decoded message hash resolve.
	if got := sortedHits(idx, "1234"); !equalStrings(got, []string{"obs-a"}) {
		t.Errorf("frame hash lookup = %v", got)
	}
	if got := sortedHits(idx, "CAFE"); !equalStrings(got, []string{"obs-a"}) {
		t.Errorf("decoded hash lookup = %v", got)
	}
}

func TestIndexExtendsAcrossReads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeLines(t, path, `{"frameHash":"AAAA","observerId":"obs-1"}`)

	idx := New(path, nil, nil, nil)
	if err := idx.refresh(true); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	before := idx.snapshot.Load()

	writeLines(t, path,
		`{"frameHash":"AAAA","observerId":"obs-2"}`,
		`{"frameHash":"AAAA","observerId":"obs-2"}`, // duplicate observer
		`{"frameHash":"BBBB","observerId":"obs-1"}`,
	)
	if err := idx.refresh(true); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if got := sortedHits(idx, "AAAA"); !equalStrings(got, []string{"obs-1", "obs-2"}) {
		t.Errorf("AAAA = %v", got)
	}
	if idx.Count("BBBB") != 1 {
		t.Errorf("BBBB count = %d", idx.Count("BBBB"))
	}
	// The pre-update snapshot must be untouched by the extension.
	if len((*before)["AAAA"]) != 1 {
		t.Error("published snapshot mutated in place")
	}
}

func TestIndexResolvesFromObserverLogOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rfPath := filepath.Join(dir, "rf.ndjson")
	observerPath := filepath.Join(dir, "observer.ndjson")

	// The rf log records frames without observer attribution; only the
	// observer log carries the station that heard each frame.
	writeLines(t, rfPath, `{"frameHash":"ABC0","payloadHex":"00aa"}`)
	writeLines(t, observerPath, `{"frameHash":"ABC0","observerId":"OBS1"}`)

	overRF := New(rfPath, nil, nil, nil)
	if err := overRF.refresh(true); err != nil {
		t.Fatalf("refresh rf: %v", err)
	}
	if got := overRF.Hits("ABC0"); len(got) != 0 {
		t.Errorf("rf-fed index = %v, want empty", got)
	}

	overObserver := New(observerPath, nil, nil, nil)
	if err := overObserver.refresh(true); err != nil {
		t.Fatalf("refresh observer: %v", err)
	}
	if got := sortedHits(overObserver, "ABC0"); !equalStrings(got, []string{"OBS1"}) {
		t.Errorf("observer-fed index = %v, want [OBS1]", got)
	}
}

func TestIndexSkipsMalformedAndObserverless(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "observer.ndjson")
	writeLines(t, path,
		`not json at all`,
		`{"frameHash":"AAAA"}`, // no observer id anywhere
		`{"frameHash":"BBBB","observerId":"obs-1"}`,
	)

	idx := New(path, nil, nil, nil)
	if err := idx.refresh(true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if idx.Size() != 1 {
		t.Errorf("size = %d, want 1", idx.Size())
	}
}

func TestIndexMissingFile(t *testing.T) {
	t.Parallel()
	idx := New(filepath.Join(t.TempDir(), "never-written.ndjson"), nil, nil, nil)
	if err := idx.refresh(true); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if idx.Size() != 0 {
		t.Errorf("size = %d", idx.Size())
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
