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

// Package meshcore holds the contract with the external mesh protocol
// decoder and the small helpers for hop tokens and channel keys. The
// decoder itself (frame parsing, channel-secret cryptography) lives in the
// ingest stack; this service only consumes its interface.
package meshcore

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PathHashSentinel is returned for tokens that cannot be normalised.
const PathHashSentinel = "??"

// NormalizePathHash canonicalises a hop token to exactly two upper-case
// hex characters. Idempotent. Returns the sentinel "??" for anything else.
func NormalizePathHash(token string) string {
	token = strings.TrimSpace(token)
	if len(token) != 2 {
		return PathHashSentinel
	}
	upper := strings.ToUpper(token)
	for _, r := range upper {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return PathHashSentinel
		}
	}
	return upper
}

// ParsePathText splits a pipe-separated hop list ("AB|CD|EF") into
// normalised tokens. Empty segments are dropped.
func ParsePathText(pathText string) []string {
	if pathText == "" {
		return nil
	}
	parts := strings.Split(pathText, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, NormalizePathHash(p))
	}
	return out
}

// ParsePathJSON decodes a JSON array of hop tokens. Malformed input yields
// nil rather than an error; callers fall back to other path sources.
func ParsePathJSON(pathJSON string) []string {
	if pathJSON == "" {
		return nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(pathJSON), &raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		out = append(out, NormalizePathHash(p))
	}
	return out
}

// ChannelKey is one channel secret from meshcore_keys.json.
type ChannelKey struct {
	Name      string `json:"name"`
	HashByte  string `json:"hashByte"`
	SecretHex string `json:"secretHex"`
}

// keysFile mirrors the meshcore_keys.json layout.
type keysFile struct {
	Channels []ChannelKey `json:"channels"`
}

// LoadChannelKeys reads meshcore_keys.json. Keys with a malformed secret
// (not 32 hex chars) are skipped.
func LoadChannelKeys(path string) ([]ChannelKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read channel keys: %w", err)
	}
	var kf keysFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse channel keys: %w", err)
	}
	out := make([]ChannelKey, 0, len(kf.Channels))
	for _, k := range kf.Channels {
		if len(k.SecretHex) != 32 {
			continue
		}
		k.HashByte = NormalizePathHash(k.HashByte)
		out = append(out, k)
	}
	return out, nil
}

// GroupText is a decoded channel message as produced by the decoder.
type GroupText struct {
	MessageHash string
	FrameHash   string
	ChannelName string
	Sender      string
	Body        string
	TS          string
	Path        []string
}

// Decoder decodes raw frame payloads into GroupText messages. The concrete
// implementation belongs to the ingest stack; tests inject fakes. Decode
// returns false when the payload is not a GroupText for any known channel.
type Decoder interface {
	DecodeGroupText(payloadHex string, keys []ChannelKey) (*GroupText, bool)
}

// NopDecoder decodes nothing. Used when the service runs without the
// decoder library; DB mode does not need one.
type NopDecoder struct{}

// DecodeGroupText always reports no decode.
func (NopDecoder) DecodeGroupText(string, []ChannelKey) (*GroupText, bool) {
	return nil, false
}
