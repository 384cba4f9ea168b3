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

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tombee/runrelay/internal/controller/attach"
	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/runner"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// AttachRequest is the body of POST /v1/runs/{uuid}/attach.
type AttachRequest struct {
	Stream bool `json:"stream"`
	Replay bool `json:"replay"`
}

// StartRequest is the body of POST /v1/runs.
type StartRequest struct {
	ProjectID      string `json:"projectId"`
	DocumentUUID   string `json:"documentUuid"`
	CommitUUID     string `json:"commitUuid"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Source         string `json:"source,omitempty"`
	Priority       int    `json:"priority,omitempty"`
}

// StopRequest is the body of POST /v1/runs/{uuid}/stop.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleStart handles POST /v1/runs.
func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	if r.runs.IsDraining() {
		w.Header().Set("Retry-After", "10")
		writeErrorStatus(w, http.StatusServiceUnavailable, &rrerrors.InfrastructureError{
			Component: "runner", Operation: "start", Cause: runner.ErrDraining,
		})
		return
	}

	var body StartRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, err)
		return
	}
	switch {
	case body.ProjectID == "":
		writeError(w, &rrerrors.ValidationError{Field: "projectId", Message: "is required"})
		return
	case body.DocumentUUID == "":
		writeError(w, &rrerrors.ValidationError{Field: "documentUuid", Message: "is required"})
		return
	case body.CommitUUID == "":
		writeError(w, &rrerrors.ValidationError{Field: "commitUuid", Message: "is required"})
		return
	}
	if body.Source == "" {
		body.Source = "api"
	}

	run, err := r.runs.Submit(req.Context(), runner.SubmitRequest{
		WorkspaceID:    identity(req).WorkspaceID,
		ProjectID:      body.ProjectID,
		DocumentUUID:   body.DocumentUUID,
		CommitUUID:     body.CommitUUID,
		IdempotencyKey: body.IdempotencyKey,
		Source:         body.Source,
		Priority:       body.Priority,
	})
	if err != nil {
		r.logger.Warn("failed to start run", log.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleAttach handles POST /v1/runs/{uuid}/attach.
func (r *Router) handleAttach(w http.ResponseWriter, req *http.Request) {
	runUUID := req.PathValue("uuid")
	var body AttachRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, err)
		return
	}
	ws := identity(req).WorkspaceID
	ctx := req.Context()

	if body.Stream {
		sse, err := attach.NewSSEWriter(w)
		if err != nil {
			writeErrorStatus(w, http.StatusInternalServerError, err)
			return
		}
		err = r.attacher.Stream(ctx, ws, runUUID, attach.StreamOptions{Replay: body.Replay}, sse)
		if err == nil {
			return
		}
		if !sse.Started() {
			writeError(w, err)
			return
		}
		r.logger.Warn("attach stream ended early", log.String(log.RunUUIDKey, runUUID), log.Error(err))
		return
	}

	resp, err := r.attacher.Await(ctx, ws, runUUID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// The consumer left; there is nobody to answer.
			return
		case errors.Is(err, attach.ErrRunCancelled):
			writeErrorStatus(w, http.StatusConflict, err)
		default:
			writeError(w, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(resp) == 0 {
		resp = []byte("null")
	}
	_, _ = w.Write(resp)
}

// handleStop handles POST /v1/runs/{uuid}/stop.
func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	var body StopRequest
	if err := decodeBody(w, req, &body); err != nil {
		writeError(w, err)
		return
	}

	id := identity(req)
	run, err := r.store.FindRun(req.Context(), id.WorkspaceID, req.PathValue("uuid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if run.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, run)
		return
	}

	reason := body.Reason
	if reason == "" && id.UserID != "" {
		reason = "stopped by " + id.UserID
	}
	if err := r.runs.Stop(req.Context(), run, reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"uuid": run.UUID, "status": "stopping"})
}

// handleListActive handles GET /v1/projects/{projectId}/runs/active.
func (r *Router) handleListActive(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		writeError(w, err)
		return
	}
	pageSize, err := intParam(q.Get("pageSize"), "pageSize")
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := r.store.ListActiveRuns(req.Context(), backend.ActiveRunFilter{
		WorkspaceID: identity(req).WorkspaceID,
		ProjectID:   req.PathValue("projectId"),
		Page:        page,
		PageSize:    pageSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &rrerrors.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}
