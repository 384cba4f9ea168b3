// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth resolves the workspace a caller acts in.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tombee/runrelay/internal/log"
)

// ErrUnauthenticated is returned when a request carries no usable token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is an authenticated caller.
type Identity struct {
	WorkspaceID string
	UserID      string
	Subject     string
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok && id != nil
}

// Authenticator validates bearer tokens.
type Authenticator struct {
	cfg    JWTConfig
	logger *slog.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg JWTConfig, logger *slog.Logger) *Authenticator {
	return &Authenticator{cfg: cfg, logger: log.WithComponent(log.OrDefault(logger), "auth")}
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrUnauthenticated
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// Verify validates token and returns the caller identity.
func (a *Authenticator) Verify(token string) (*Identity, error) {
	claims, err := ValidateJWT(token, a.cfg)
	if err != nil {
		return nil, errors.Join(ErrUnauthenticated, err)
	}
	return &Identity{WorkspaceID: claims.WorkspaceID, UserID: claims.UserID, Subject: claims.Subject}, nil
}

// Authenticate resolves the identity of r from its bearer token.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return nil, err
	}
	return a.Verify(token)
}

// Middleware rejects requests without a valid token. Paths in public are
// served without authentication.
func (a *Authenticator) Middleware(public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range public {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			id, err := a.Authenticate(r)
			if err != nil {
				a.logger.Debug("rejected request", slog.String("path", r.URL.Path), log.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="runrelay"`)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{"type": "unauthenticated", "message": "a valid bearer token is required"},
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
