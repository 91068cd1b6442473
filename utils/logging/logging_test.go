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

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"fatal", slog.LevelError},
		{"  INFO  ", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestServiceHandlerFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("dashboard", slog.LevelInfo, &buf))

	logger.Info("cache built", slog.Int("messages", 12))

	line := buf.String()
	if !strings.Contains(line, " dashboard [INFO] ") {
		t.Errorf("line missing service and level: %q", line)
	}
	if !strings.Contains(line, "cache built messages=12") {
		t.Errorf("line missing message and attrs: %q", line)
	}
}

func TestServiceHandlerObserverField(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("dashboard", slog.LevelInfo, &buf))

	logger.Warn("tail stalled", slog.String("observer", "obs-ab12"), slog.String("file", "rf.ndjson"))

	line := buf.String()
	if !strings.Contains(line, "observer=obs-ab12 tail stalled") {
		t.Errorf("observer not promoted before message: %q", line)
	}
	if !strings.Contains(line, "file=rf.ndjson") {
		t.Errorf("remaining attrs dropped: %q", line)
	}
}

func TestServiceHandlerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewServiceHandler("dashboard", slog.LevelWarn, &buf))

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info leaked through warn filter: %q", buf.String())
	}
	logger.Error("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Errorf("error suppressed: %q", buf.String())
	}
}

func TestServiceHandlerWithAttrsAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := slog.New(NewServiceHandler("dashboard", slog.LevelInfo, &buf))

	base.With(slog.String("component", "rank")).
		WithGroup("build").Info("done", slog.Int("rows", 3))

	line := buf.String()
	if !strings.Contains(line, "build.component=rank") {
		t.Errorf("pre-set attr missing group prefix: %q", line)
	}
	if !strings.Contains(line, "rows=3") {
		t.Errorf("record attr missing: %q", line)
	}
}
