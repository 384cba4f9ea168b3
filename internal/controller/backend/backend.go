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

// Package backend provides the run record store.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): create, claim, transition and look up runs
//   - RunLister (optional): ListActiveRuns
//   - io.Closer (optional): Close
//
// The Backend interface composes all of these for full-featured implementations.
// The record store is the single source of truth for a run's status; the event
// broker only ever carries derived, transient data.
package backend

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusErrored   RunStatus = "errored"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusErrored, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// RunError is the failure recorded on an errored run.
type RunError struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Run is one execution of a document version.
type Run struct {
	UUID           string          `json:"uuid"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	WorkspaceID    string          `json:"workspaceId"`
	ProjectID      string          `json:"projectId"`
	DocumentUUID   string          `json:"documentUuid"`
	CommitUUID     string          `json:"commitUuid"`
	Source         string          `json:"source,omitempty"`
	Status         RunStatus       `json:"status"`
	LastResponse   json.RawMessage `json:"lastResponse,omitempty"`
	Error          *RunError       `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastResponse != nil {
		c.LastResponse = append(json.RawMessage(nil), r.LastResponse...)
	}
	if r.Error != nil {
		e := *r.Error
		if r.Error.Details != nil {
			e.Details = append(json.RawMessage(nil), r.Error.Details...)
		}
		c.Error = &e
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CreateParams describes a new run.
type CreateParams struct {
	// UUID is generated when empty.
	UUID string

	// IdempotencyKey makes CreateRun safe to retry. A second create with the
	// same key returns the existing run.
	IdempotencyKey string

	WorkspaceID  string
	ProjectID    string
	DocumentUUID string
	CommitUUID   string
	Source       string
}

// Validate checks required fields and fills in a UUID if needed.
func (p *CreateParams) Validate() error {
	if p.WorkspaceID == "" {
		return &rrerrors.ValidationError{Field: "workspaceId", Message: "is required"}
	}
	if p.ProjectID == "" {
		return &rrerrors.ValidationError{Field: "projectId", Message: "is required"}
	}
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	return nil
}

// ActiveRunFilter selects active runs of a project.
type ActiveRunFilter struct {
	WorkspaceID string
	ProjectID   string

	// Page is 1-based.
	Page int

	// PageSize defaults to DefaultPageSize and is capped at MaxPageSize.
	PageSize int
}

const (
	DefaultPageSize = 25
	MaxPageSize     = 100
)

// Normalize applies paging defaults and bounds.
func (f ActiveRunFilter) Normalize() ActiveRunFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

// Offset returns the row offset for the page.
func (f ActiveRunFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// RunPage is one page of active runs, newest first.
type RunPage struct {
	Runs     []*Run `json:"runs"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

// RunStore is the core interface for run storage operations.
type RunStore interface {
	// CreateRun records a new pending run. It is idempotent on
	// IdempotencyKey.
	CreateRun(ctx context.Context, params CreateParams) (*Run, error)

	// ClaimRun conditionally moves a pending run to running. A run that was
	// already claimed or finished returns *errors.ConflictError.
	ClaimRun(ctx context.Context, runUUID string) (*Run, error)

	// UpdateLastResponse stores the latest materialized response of a
	// running run.
	UpdateLastResponse(ctx context.Context, runUUID string, response json.RawMessage) error

	// MarkTerminal moves a run to a terminal status exactly once. Repeating
	// the same terminal status is a no-op; a different one returns
	// *errors.StateTransitionError.
	MarkTerminal(ctx context.Context, runUUID string, status RunStatus, response json.RawMessage, runErr *RunError) (*Run, error)

	// FindRun returns the run if it exists in the workspace. A run of
	// another workspace is reported as not found.
	FindRun(ctx context.Context, workspaceID, runUUID string) (*Run, error)

	// FindActiveRun is FindRun restricted to pending and running runs.
	FindActiveRun(ctx context.Context, workspaceID, runUUID string) (*Run, error)
}

// RunLister is an optional interface for listing runs.
type RunLister interface {
	// ListActiveRuns pages through pending and running runs, newest first.
	ListActiveRuns(ctx context.Context, filter ActiveRunFilter) (*RunPage, error)
}

// Backend defines the full interface for run storage.
type Backend interface {
	RunStore
	RunLister
	io.Closer
}

// NotFound returns the error used for missing runs.
func NotFound(runUUID string) error {
	return &rrerrors.NotFoundError{Resource: "run", ID: runUUID}
}

// CheckTerminal decides what MarkTerminal should do for a run that is
// currently in status current. It returns done=true when the call is an
// idempotent repeat and an error when the transition is illegal. A pending
// run may only be cancelled.
func CheckTerminal(runUUID string, current, next RunStatus) (done bool, err error) {
	if !next.IsTerminal() {
		return false, &rrerrors.StateTransitionError{RunUUID: runUUID, From: string(current), To: string(next)}
	}
	if current == next {
		return true, nil
	}
	if current.IsTerminal() || (current == StatusPending && next != StatusCancelled) {
		return false, &rrerrors.StateTransitionError{RunUUID: runUUID, From: string(current), To: string(next)}
	}
	return false, nil
}

// TerminalSources returns the two statuses a run may leave for next. Only
// cancellation may skip running; for any other target both are running.
func TerminalSources(next RunStatus) (RunStatus, RunStatus) {
	if next == StatusCancelled {
		return StatusRunning, StatusPending
	}
	return StatusRunning, StatusRunning
}

// ClaimConflict returns the error for a claim that lost.
func ClaimConflict(runUUID string, current RunStatus) error {
	return &rrerrors.ConflictError{Resource: "run", ID: runUUID, Reason: "already " + string(current)}
}
