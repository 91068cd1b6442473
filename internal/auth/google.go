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

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Google's tokeninfo endpoint; overridable in tests.
const defaultTokeninfoURL = "https://oauth2.googleapis.com/tokeninfo"

var (
	ErrGoogleNotConfigured = errors.New("google sign-in not configured")
	ErrGoogleTokenInvalid  = errors.New("google token rejected")
)

// googleClaims is the subset of the tokeninfo response we rely on.
type googleClaims struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Aud           string `json:"aud"`
	Exp           string `json:"exp"`
}

// googleVerifier validates Google id-tokens against the tokeninfo
// contract and drives the OAuth code flow.
type googleVerifier struct {
	clientID     string
	oauth        *oauth2.Config
	tokeninfoURL string
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

func newGoogleVerifier(config Config, logger *slog.Logger) *googleVerifier {
	v := &googleVerifier{
		clientID:     config.GoogleClientID,
		tokeninfoURL: defaultTokeninfoURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		now:          time.Now,
	}
	if config.GoogleClientID != "" && config.GoogleClientSecret != "" {
		v.oauth = &oauth2.Config{
			ClientID:     config.GoogleClientID,
			ClientSecret: config.GoogleClientSecret,
			RedirectURL:  config.GoogleRedirectURI,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		}
	}
	return v
}

// verifyIDToken checks the token with tokeninfo: audience must match our
// client id, the email must be verified, and the expiry must be ahead.
func (v *googleVerifier) verifyIDToken(ctx context.Context, idToken string) (*googleClaims, error) {
	if v.clientID == "" {
		return nil, ErrGoogleNotConfigured
	}
	if idToken == "" {
		return nil, ErrGoogleTokenInvalid
	}

	endpoint := v.tokeninfoURL + "?id_token=" + url.QueryEscape(idToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ErrGoogleTokenInvalid
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var claims googleClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("bad tokeninfo response: %w", err)
	}
	if claims.Aud != v.clientID || claims.Sub == "" {
		return nil, ErrGoogleTokenInvalid
	}
	if claims.EmailVerified != "true" {
		return nil, ErrGoogleTokenInvalid
	}
	if exp, err := strconv.ParseInt(claims.Exp, 10, 64); err != nil || exp <= v.now().Unix() {
		return nil, ErrGoogleTokenInvalid
	}
	return &claims, nil
}

// authURL returns the consent URL for the code flow.
func (v *googleVerifier) authURL(state string) string {
	if v.oauth == nil {
		return ""
	}
	return v.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// exchangeCode trades an authorization code for the id-token inside the
// token response.
func (v *googleVerifier) exchangeCode(ctx context.Context, code string) (string, error) {
	if v.oauth == nil {
		return "", ErrGoogleNotConfigured
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	token, err := v.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("oauth exchange failed: %w", err)
	}
	idToken, ok := token.Extra("id_token").(string)
	if !ok || idToken == "" {
		return "", ErrGoogleTokenInvalid
	}
	return idToken, nil
}
