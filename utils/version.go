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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// versionInfo mirrors the version.yaml layout shipped next to the binary.
type versionInfo struct {
	Major    string `yaml:"major"`
	Minor    string `yaml:"minor"`
	Revision string `yaml:"revision"`
	Hash     string `yaml:"hash"`
}

func (v versionInfo) String() string {
	version := fmt.Sprintf("%s.%s.%s", v.Major, v.Minor, v.Revision)
	if v.Hash != "" {
		version += fmt.Sprintf(".%s", v.Hash)
	}
	return version
}

var versionOnce = sync.OnceValue(loadVersion)

// Version reports the build version: MESHRANK_VERSION if set, otherwise
// version.yaml next to the executable, otherwise "dev".
func Version() string {
	return versionOnce()
}

func loadVersion() string {
	if v := os.Getenv("MESHRANK_VERSION"); v != "" {
		return v
	}
	exe, err := os.Executable()
	if err != nil {
		return "dev"
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(exe), "version.yaml"))
	if err != nil {
		return "dev"
	}
	var info versionInfo
	if err := yaml.Unmarshal(data, &info); err != nil || info.Major == "" {
		return "dev"
	}
	return info.String()
}
