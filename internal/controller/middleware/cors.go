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


// Package middleware holds HTTP middleware shared by the API surfaces.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	// AllowedOrigins are origin patterns ("https://*.example.com"). CORS is
	// disabled when empty.
	AllowedOrigins []string

	// AllowedMethods defaults to GET, POST, OPTIONS.
	AllowedMethods []string

	// AllowedHeaders defaults to Content-Type, Authorization, Last-Event-ID.
	AllowedHeaders []string

	ExposedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds. Default 600.
	MaxAge int

	AllowCredentials bool
}

// DefaultCORSConfig returns the defaults applied to unset fields.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Last-Event-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         600,
	}
}

// CORS returns middleware that answers preflight requests and sets CORS
// headers for allowed origins. It must wrap authentication so preflights,
// which carry no credentials, are answered before the token check.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	d := DefaultCORSConfig()
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = d.AllowedMethods
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = d.AllowedHeaders
	}
	if len(cfg.ExposedHeaders) == 0 {
		cfg.ExposedHeaders = d.ExposedHeaders
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = d.MaxAge
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !OriginAllowed(origin, cfg.AllowedOrigins) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Origin", origin)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Max-Age", maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", exposed)
			next.ServeHTTP(w, r)
		})
	}
}

// OriginAllowed reports whether origin matches one of the patterns. "*"
// matches any origin.
func OriginAllowed(origin string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" || p == origin {
			return true
		}
		if ok, err := doublestar.Match(p, origin); err == nil && ok {
			return true
		}
	}
	return false
}
