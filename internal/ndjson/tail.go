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

package ndjson

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// DefaultMaxUnread caps how many unread bytes a tailer will catch up on in
// one read. When the backlog exceeds this, the tailer skips to the last
// DefaultMaxUnread bytes and drops the partial first line.
const DefaultMaxUnread = 2 << 20 // 2 MiB

// TailReader reads appended NDJSON lines from a saved byte offset.
// Not safe for concurrent use; each owning component runs one reader.
type TailReader struct {
	path      string
	offset    int64
	maxUnread int64
}

// NewTailReader creates a tailer starting at offset 0.
func NewTailReader(path string) *TailReader {
	return &TailReader{path: path, maxUnread: DefaultMaxUnread}
}

// SetMaxUnread overrides the unread-byte clamp. Zero disables clamping.
func (t *TailReader) SetMaxUnread(n int64) { t.maxUnread = n }

// Offset returns the current byte offset (the previous EOF).
func (t *TailReader) Offset() int64 { return t.offset }

// ReadNew returns the lines appended since the last call.
//
// Truncation below the saved offset resets the offset to 0 (or to
// size-maxUnread on huge files) and re-reads; the caller's dedup keys
// prevent duplicates after the re-read. A missing file yields no lines and
// no error.
func (t *TailReader) ReadNew() ([]Line, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", t.path, err)
	}
	size := info.Size()

	dropPartial := false
	if size < t.offset {
		// File was truncated or rotated under us.
		t.offset = 0
	}
	if t.maxUnread > 0 && size-t.offset > t.maxUnread {
		t.offset = size - t.maxUnread
		dropPartial = true
	}
	if size == t.offset {
		return nil, nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", t.path, err)
	}
	data := make([]byte, size-t.offset)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.path, err)
	}

	// Only consume up to the last complete line; a write may be in flight.
	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL < 0 {
		return nil, nil
	}
	consumed := data[:lastNL+1]
	t.offset += int64(lastNL + 1)

	if dropPartial {
		if firstNL := bytes.IndexByte(consumed, '\n'); firstNL >= 0 {
			consumed = consumed[firstNL+1:]
		} else {
			consumed = nil
		}
	}

	return DecodeLines(consumed), nil
}

// ReadLastLines returns up to n trailing lines of the file at path.
// It reads at most a bounded window from the end, so huge logs stay cheap.
func ReadLastLines(path string, n int) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	// Assume lines average well under 512 bytes; floor at 4 MiB.
	window := int64(n) * 512
	if window < 4<<20 {
		window = 4 << 20
	}
	start := int64(0)
	if info.Size() > window {
		start = info.Size() - window
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek %s: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if start > 0 {
		// Drop the partial first line.
		if firstNL := bytes.IndexByte(data, '\n'); firstNL >= 0 {
			data = data[firstNL+1:]
		}
	}

	lines := DecodeLines(data)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
