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

package auth

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/runrelay/internal/config"
)

// JWTConfig contains JWT authentication configuration.
type JWTConfig struct {
	// Secret is the signing key for HS256.
	// Either Secret or PublicKey must be set.
	Secret []byte

	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey is used for signing tokens (optional, only needed for token generation).
	PrivateKey ed25519.PrivateKey

	// Issuer is the expected issuer claim.
	Issuer string

	// Audience is the expected audience claim.
	Audience string

	// ClockSkew allows for clock skew when validating exp/nbf claims.
	ClockSkew time.Duration
}

// JWTConfigFrom builds a JWTConfig from the auth section of the config.
func JWTConfigFrom(cfg config.AuthConfig) JWTConfig {
	return JWTConfig{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		ClockSkew: cfg.ClockSkew,
	}
}

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	// WorkspaceID is the workspace the token acts in.
	WorkspaceID string `json:"workspace_id"`
	// UserID identifies the authenticated user.
	UserID string `json:"user_id,omitempty"`
}

// ValidateJWT validates a JWT token and returns the claims. Tokens without
// a workspace are rejected.
func ValidateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithValidMethods([]string{"HS256", "EdDSA"}),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if cfg.Audience != "" && !slices.Contains(claims.Audience, cfg.Audience) {
		return nil, fmt.Errorf("invalid audience: expected %s", cfg.Audience)
	}
	if claims.WorkspaceID == "" {
		return nil, fmt.Errorf("token has no workspace")
	}

	return claims, nil
}

// GenerateJWT generates a new JWT token with the given claims.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	if cfg.Issuer != "" && claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}

	var (
		signed string
		err    error
	)
	switch {
	case cfg.PrivateKey != nil:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(cfg.PrivateKey)
	case len(cfg.Secret) > 0:
		signed, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	default:
		return "", fmt.Errorf("no signing key configured")
	}
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
