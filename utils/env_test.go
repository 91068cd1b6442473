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

package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("MESHRANK_TEST_STR", "set")
	if got := GetEnv("MESHRANK_TEST_STR", "fallback"); got != "set" {
		t.Errorf("GetEnv = %q, want set", got)
	}
	if got := GetEnv("MESHRANK_TEST_STR_MISSING", "fallback"); got != "fallback" {
		t.Errorf("GetEnv missing = %q, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"valid", "42", 42},
		{"invalid", "not-a-number", 7},
		{"empty", "", 7},
		{"negative", "-3", -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("MESHRANK_TEST_INT", tt.value)
			} else {
				os.Unsetenv("MESHRANK_TEST_INT")
			}
			if got := GetEnvInt("MESHRANK_TEST_INT", 7); got != tt.want {
				t.Errorf("GetEnvInt(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"1", true},
		{"false", false},
		{"0", false},
		{"yes", true}, // unparseable, falls back to the default
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("MESHRANK_TEST_BOOL", tt.value)
			if got := GetEnvBool("MESHRANK_TEST_BOOL", true); got != tt.want {
				t.Errorf("GetEnvBool(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("MESHRANK_TEST_FLOAT", "2.5")
	if got := GetEnvFloat("MESHRANK_TEST_FLOAT", 1.0); got != 2.5 {
		t.Errorf("GetEnvFloat = %v, want 2.5", got)
	}
	t.Setenv("MESHRANK_TEST_FLOAT", "nope")
	if got := GetEnvFloat("MESHRANK_TEST_FLOAT", 1.0); got != 1.0 {
		t.Errorf("GetEnvFloat invalid = %v, want 1.0", got)
	}
}

func TestGetEnvOrConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("db_path: /from/config\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MESHRANK_CONFIG_FILE", configPath)

	// Env beats config.
	t.Setenv("MESHRANK_TEST_DB", "/from/env")
	if got := GetEnvOrConfig("MESHRANK_TEST_DB", "db_path", "/default"); got != "/from/env" {
		t.Errorf("env priority = %q", got)
	}

	// Config beats default.
	os.Unsetenv("MESHRANK_TEST_DB")
	if got := GetEnvOrConfig("MESHRANK_TEST_DB", "db_path", "/default"); got != "/from/config" {
		t.Errorf("config fallback = %q", got)
	}

	// Unknown key falls through to the default.
	if got := GetEnvOrConfig("MESHRANK_TEST_DB", "missing_key", "/default"); got != "/default" {
		t.Errorf("default fallback = %q", got)
	}
}
