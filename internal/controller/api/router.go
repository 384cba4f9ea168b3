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

// Package api provides the HTTP API of the run relay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/runrelay/internal/controller/attach"
	"github.com/tombee/runrelay/internal/controller/auth"
	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/middleware"
	"github.com/tombee/runrelay/internal/controller/runner"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// maxRequestBodySize bounds JSON request bodies.
const maxRequestBodySize = 1 << 20

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Runs starts and stops runs.
type Runs interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (*backend.Run, error)
	Stop(ctx context.Context, run *backend.Run, reason string) error
	IsDraining() bool
	ActiveRunCount() int
}

// Attacher follows runs on behalf of a consumer.
type Attacher interface {
	Await(ctx context.Context, workspaceID, runUUID string) ([]byte, error)
	Stream(ctx context.Context, workspaceID, runUUID string, opts attach.StreamOptions, fw attach.FrameWriter) error
}

// Store is the run storage the API reads.
type Store interface {
	backend.RunStore
	backend.RunLister
}

// Router serves the API.
type Router struct {
	mux            *http.ServeMux
	config         RouterConfig
	runs           Runs
	attacher       Attacher
	store          Store
	authenticator  *auth.Authenticator
	metricsHandler http.Handler
	cors           middleware.CORSConfig
	logger         *slog.Logger
	handler        http.Handler
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetricsHandler serves handler at /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(r *Router) { r.metricsHandler = handler }
}

// WithCORS enables cross-origin requests from browsers.
func WithCORS(cfg middleware.CORSConfig) Option {
	return func(r *Router) { r.cors = cfg }
}

// NewRouter creates the router with all API endpoints. Every endpoint
// except health, version and metrics requires a bearer token.
func NewRouter(cfg RouterConfig, authenticator *auth.Authenticator, runs Runs, attacher Attacher, store Store, opts ...Option) *Router {
	r := &Router{
		mux:           http.NewServeMux(),
		config:        cfg,
		runs:          runs,
		attacher:      attacher,
		store:         store,
		authenticator: authenticator,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(log.OrDefault(r.logger), "api")

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	if r.metricsHandler != nil {
		r.mux.Handle("GET /metrics", r.metricsHandler)
	}

	r.mux.HandleFunc("POST /v1/runs", r.handleStart)
	r.mux.HandleFunc("POST /v1/runs/{uuid}/attach", r.handleAttach)
	r.mux.HandleFunc("POST /v1/runs/{uuid}/stop", r.handleStop)
	r.mux.HandleFunc("GET /v1/projects/{projectId}/runs/active", r.handleListActive)

	var h http.Handler = r.mux
	h = authenticator.Middleware("/v1/health", "/v1/version", "/metrics")(h)
	h = middleware.CORS(r.cors)(h)
	r.handler = log.HTTPMiddleware(r.logger)(h)
	return r
}

// Handler returns the router wrapped in authentication and request logging.
func (r *Router) Handler() http.Handler {
	return r.handler
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", log.Error(err))
	}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	RunUUID string          `json:"runUuid,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// writeError renders err with the status its type maps to.
func writeError(w http.ResponseWriter, err error) {
	writeErrorStatus(w, rrerrors.HTTPStatus(err), err)
}

func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	body := errorBody{Type: rrerrors.TypeOf(err), Message: err.Error()}
	var upstream *rrerrors.UpstreamExecutionError
	if rrerrors.As(err, &upstream) {
		body.Code = upstream.Code
		body.Message = upstream.Message
		body.RunUUID = upstream.RunUUID
		body.Details = upstream.Details
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// identity returns the caller workspace set by the auth middleware.
func identity(req *http.Request) *auth.Identity {
	id, ok := auth.FromContext(req.Context())
	if !ok {
		return &auth.Identity{}
	}
	return id
}

// decodeBody reads an optional JSON body into v.
func decodeBody(w http.ResponseWriter, req *http.Request, v any) error {
	if req.Body == nil || req.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &rrerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
