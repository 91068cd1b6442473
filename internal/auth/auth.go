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

// Package auth provides local and Google-backed user sessions. A session
// is a signed JWT carried in a cookie; its jti must also exist in the
// sessions table, so a row delete revokes the token immediately.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"go.meshrank.net/meshrank/internal/store"
)

const (
	// CookieName carries the session JWT.
	CookieName = "meshrank_session"

	DefaultSessionTTL = 30 * 24 * time.Hour

	minPasswordLen = 8
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrBadUsername        = errors.New("username must be 3-32 characters of letters, digits, dot, dash or underscore")
	ErrBadPassword        = errors.New("password must be at least 8 characters")
	ErrUnauthorized       = errors.New("authentication required")
	ErrForbidden          = errors.New("admin access required")
)

// User is one account row.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	GoogleSub string `json:"-"`
	IsAdmin   bool   `json:"isAdmin"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Config holds the auth settings. JWTSecret must be non-empty; a process
// without one gets a random secret and sessions that die with it.
type Config struct {
	JWTSecret  []byte
	SessionTTL time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	// SecureCookies sets the Secure attribute on session cookies.
	SecureCookies bool
}

// Service implements registration, login and session verification.
type Service struct {
	store  *store.Store
	config Config
	logger *slog.Logger

	google *googleVerifier

	now func() time.Time
}

// NewService creates the auth service.
func NewService(s *store.Store, config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.JWTSecret) == 0 {
		config.JWTSecret = randomBytes(32)
		logger.Warn("no JWT secret configured, sessions will not survive restarts")
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	svc := &Service{
		store:  s,
		config: config,
		logger: logger,
		now:    time.Now,
	}
	svc.google = newGoogleVerifier(config, logger)
	return svc
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return buf
}

// Register creates a local account and opens a session for it.
func (s *Service) Register(ctx context.Context, username, password string) (*User, string, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, "", ErrBadUsername
	}
	if len(password) < minPasswordLen {
		return nil, "", ErrBadPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.store.DB().ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, string(hash), now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, "", ErrUsernameTaken
		}
		return nil, "", fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, "", err
	}
	user := &User{ID: id, Username: username, CreatedAt: now}
	token, err := s.openSession(ctx, user)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user registered", slog.String("username", username))
	return user, token, nil
}

// Login verifies a local password and opens a session.
func (s *Service) Login(ctx context.Context, username, password string) (*User, string, error) {
	user, passwordHash, err := s.userByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Burn comparable time so a missing user is not distinguishable
			// by latency.
			_ = bcrypt.CompareHashAndPassword(
				[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"), []byte(password))
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if passwordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	token, err := s.openSession(ctx, user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// LoginGoogleIDToken verifies a Google id-token, provisions the account on
// first sight, and opens a session.
func (s *Service) LoginGoogleIDToken(ctx context.Context, idToken string) (*User, string, error) {
	claims, err := s.google.verifyIDToken(ctx, idToken)
	if err != nil {
		return nil, "", err
	}
	user, err := s.upsertGoogleUser(ctx, claims)
	if err != nil {
		return nil, "", err
	}
	token, err := s.openSession(ctx, user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// GoogleAuthURL returns the OAuth consent URL for the code flow.
func (s *Service) GoogleAuthURL(state string) string {
	return s.google.authURL(state)
}

// LoginGoogleCode exchanges an OAuth authorization code, verifies the
// returned id-token and opens a session.
func (s *Service) LoginGoogleCode(ctx context.Context, code string) (*User, string, error) {
	idToken, err := s.google.exchangeCode(ctx, code)
	if err != nil {
		return nil, "", err
	}
	return s.LoginGoogleIDToken(ctx, idToken)
}

func (s *Service) upsertGoogleUser(ctx context.Context, claims *googleClaims) (*User, error) {
	var user User
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, COALESCE(username,''), COALESCE(email,''), is_admin, COALESCE(created_at,'')
		 FROM users WHERE google_sub = ?`, claims.Sub).
		Scan(&user.ID, &user.Username, &user.Email, sqlBool{&user.IsAdmin}, &user.CreatedAt)
	if err == nil {
		user.GoogleSub = claims.Sub
		return &user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to look up google user: %w", err)
	}

	username := googleUsername(claims)
	now := s.now().UTC().Format(time.RFC3339)
	res, err := s.store.DB().ExecContext(ctx,
		`INSERT INTO users (username, email, google_sub, created_at) VALUES (?, ?, ?, ?)`,
		username, claims.Email, claims.Sub, now)
	if err != nil {
		// Username collision with a local account: fall back to a
		// sub-derived name.
		username = "g-" + claims.Sub
		res, err = s.store.DB().ExecContext(ctx,
			`INSERT INTO users (username, email, google_sub, created_at) VALUES (?, ?, ?, ?)`,
			username, claims.Email, claims.Sub, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create google user: %w", err)
		}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	s.logger.Info("google user provisioned", slog.String("username", username))
	return &User{ID: id, Username: username, Email: claims.Email, GoogleSub: claims.Sub, CreatedAt: now}, nil
}

func googleUsername(claims *googleClaims) string {
	if at := strings.IndexByte(claims.Email, '@'); at > 0 {
		candidate := claims.Email[:at]
		if usernamePattern.MatchString(candidate) {
			return candidate
		}
	}
	return "g-" + claims.Sub
}

// openSession writes a sessions row and signs a JWT whose jti matches it.
func (s *Service) openSession(ctx context.Context, user *User) (string, error) {
	jti := hex.EncodeToString(randomBytes(16))
	now := s.now()
	expires := now.Add(s.config.SessionTTL)

	if _, err := s.store.DB().ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		jti, user.ID, now.UTC().Format(time.RFC3339), expires.UTC().Format(time.RFC3339)); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	claims := jwt.RegisteredClaims{
		ID:        jti,
		Subject:   fmt.Sprintf("%d", user.ID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	s.sweepSessions(ctx)
	return signed, nil
}

// Authenticate validates a session token and returns its user.
func (s *Service) Authenticate(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return s.config.JWTSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)

	var (
		userID  int64
		expires string
	)
	err = s.store.DB().QueryRowContext(ctx,
		`SELECT user_id, COALESCE(expires_at,'') FROM sessions WHERE token = ?`, claims.ID).
		Scan(&userID, &expires)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if t, perr := time.Parse(time.RFC3339, expires); perr != nil || !t.After(s.now()) {
		return nil, ErrUnauthorized
	}
	return s.userByID(ctx, userID)
}

// Logout revokes the session behind a token. Bad tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &jwt.RegisteredClaims{})
	if err != nil {
		return
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ID == "" {
		return
	}
	if _, err := s.store.DB().ExecContext(ctx,
		`DELETE FROM sessions WHERE token = ?`, claims.ID); err != nil {
		s.logger.Warn("session delete failed", slog.String("error", err.Error()))
	}
}

// sweepSessions drops expired rows. Best effort.
func (s *Service) sweepSessions(ctx context.Context) {
	_, err := s.store.DB().ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		s.logger.Warn("session sweep failed", slog.String("error", err.Error()))
	}
}

func (s *Service) userByUsername(ctx context.Context, username string) (*User, string, error) {
	var (
		user User
		hash string
	)
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, COALESCE(username,''), COALESCE(email,''), COALESCE(password_hash,''),
			is_admin, COALESCE(created_at,'')
		 FROM users WHERE username = ?`, username).
		Scan(&user.ID, &user.Username, &user.Email, &hash, sqlBool{&user.IsAdmin}, &user.CreatedAt)
	if err != nil {
		return nil, "", err
	}
	return &user, hash, nil
}

func (s *Service) userByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT id, COALESCE(username,''), COALESCE(email,''), is_admin, COALESCE(created_at,'')
		 FROM users WHERE id = ?`, id).
		Scan(&user.ID, &user.Username, &user.Email, sqlBool{&user.IsAdmin}, &user.CreatedAt)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return &user, nil
}

// sqlBool scans SQLite's integer booleans.
type sqlBool struct{ v *bool }

func (b sqlBool) Scan(src any) error {
	switch t := src.(type) {
	case int64:
		*b.v = t != 0
	case bool:
		*b.v = t
	case nil:
		*b.v = false
	default:
		return fmt.Errorf("cannot scan %T into bool", src)
	}
	return nil
}

// SessionCookie builds the Set-Cookie value for a signed token.
func (s *Service) SessionCookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.config.SessionTTL / time.Second),
	}
}

// ClearCookie expires the session cookie.
func (s *Service) ClearCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	}
}

// UserFromRequest authenticates the request's session cookie.
func (s *Service) UserFromRequest(r *http.Request) (*User, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return s.Authenticate(r.Context(), cookie.Value)
}

// RequireAdmin authenticates the request and enforces the admin bit.
func (s *Service) RequireAdmin(r *http.Request) (*User, error) {
	user, err := s.UserFromRequest(r)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin {
		return nil, ErrForbidden
	}
	return user, nil
}

// contextKey avoids collisions with other packages' context values.
type contextKey string

const userKey contextKey = "authUser"

// WithUser attaches the authenticated user to the context.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext retrieves the authenticated user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	user, ok := ctx.Value(userKey).(*User)
	return user, ok
}
