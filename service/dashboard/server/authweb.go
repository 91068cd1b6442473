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
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"go.meshrank.net/meshrank/internal/auth"
)

const oauthStateCookie = "meshrank_oauth_state"

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	user, token, err := s.auth.Register(r.Context(), body.Username, body.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, s.auth.SessionCookie(token))
	s.writeJSON(w, map[string]any{"ok": true, "user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	user, token, err := s.auth.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, s.auth.SessionCookie(token))
	s.writeJSON(w, map[string]any{"ok": true, "user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.CookieName); err == nil {
		s.auth.Logout(r.Context(), cookie.Value)
	}
	http.SetCookie(w, s.auth.ClearCookie())
	s.writeJSON(w, map[string]any{"ok": true})
}

// handleGoogleIDToken signs in with an id-token obtained by the front-end
// (One Tap / GIS button).
func (s *Server) handleGoogleIDToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDToken string `json:"idToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	user, token, err := s.auth.LoginGoogleIDToken(r.Context(), body.IDToken)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, s.auth.SessionCookie(token))
	s.writeJSON(w, map[string]any{"ok": true, "user": user})
}

// handleOAuthGoogle starts the redirect code flow with a state cookie.
func (s *Server) handleOAuthGoogle(w http.ResponseWriter, r *http.Request) {
	state := make([]byte, 16)
	if _, err := rand.Read(state); err != nil {
		s.writeError(w, err)
		return
	}
	stateHex := hex.EncodeToString(state)
	url := s.auth.GoogleAuthURL(stateHex)
	if url == "" {
		s.writeError(w, auth.ErrGoogleNotConfigured)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    stateHex,
		Path:     "/api/auth/oauth",
		HttpOnly: true,
		MaxAge:   600,
	})
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleOAuthGoogleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		s.writeError(w, badRequestf("oauth state mismatch"))
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		s.writeError(w, badRequestf("missing authorization code"))
		return
	}
	_, token, err := s.auth.LoginGoogleCode(r.Context(), code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, s.auth.SessionCookie(token))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.UserFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "user": user})
}
