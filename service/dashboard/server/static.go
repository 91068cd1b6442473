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

package server

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	staticCacheSize = 200
	staticCacheTTL  = 10 * time.Minute
)

type staticEntry struct {
	body        []byte
	contentType string
}

// staticCache keeps small bundled assets in memory, keyed by path plus
// mtime so an edited file is re-read on the next request.
type staticCache struct {
	dir   string
	cache *expirable.LRU[string, staticEntry]
}

func newStaticCache(dir string) *staticCache {
	return &staticCache{
		dir:   dir,
		cache: expirable.NewLRU[string, staticEntry](staticCacheSize, nil, staticCacheTTL),
	}
}

// load resolves name inside the bundle directory. Traversal outside the
// directory is rejected before any filesystem access.
func (c *staticCache) load(name string) (staticEntry, error) {
	clean := path.Clean("/" + name)
	if clean == "/" {
		return staticEntry{}, os.ErrNotExist
	}
	full := filepath.Join(c.dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(c.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return staticEntry{}, os.ErrNotExist
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return staticEntry{}, os.ErrNotExist
	}
	key := fmt.Sprintf("%s|%d", clean, info.ModTime().UnixNano())
	if entry, ok := c.cache.Get(key); ok {
		return entry, nil
	}
	body, err := os.ReadFile(full)
	if err != nil {
		return staticEntry{}, err
	}
	contentType := mime.TypeByExtension(filepath.Ext(full))
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	entry := staticEntry{body: body, contentType: contentType}
	c.cache.Add(key, entry)
	return entry, nil
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.static == nil || s.config.StaticDir == "" {
		s.writeError(w, errNotFoundRoute)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/static/")
	entry, err := s.static.load(name)
	if err != nil {
		s.writeError(w, errNotFoundRoute)
		return
	}
	w.Header().Set("Content-Type", entry.contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(entry.body)
}

// handleShell serves the single-page shell. Share and permalink routes
// return the same document; the front-end reads the path client-side.
func (s *Server) handleShell(w http.ResponseWriter, r *http.Request) {
	if s.static != nil && s.config.StaticDir != "" {
		if entry, err := s.static.load("index.html"); err == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			w.Write(entry.body)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, fallbackShell)
}

// handleRoot catches everything not matched elsewhere. Unknown API paths
// get the JSON taxonomy; anything else falls back to the shell.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		s.writeError(w, errNotFoundRoute)
		return
	}
	if r.URL.Path != "/" {
		s.writeError(w, errNotFoundRoute)
		return
	}
	s.handleShell(w, r)
}

const fallbackShell = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>MeshRank</title>
</head>
<body>
<div id="app"></div>
<script src="/static/app.js"></script>
</body>
</html>
`
