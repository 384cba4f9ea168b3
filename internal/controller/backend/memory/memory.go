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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/tombee/runrelay/internal/controller/backend"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Every read returns a copy.
type Backend struct {
	mu    sync.RWMutex
	runs  map[string]*backend.Run
	byKey map[idempotencyKey]string
	now   func() time.Time
}

// idempotencyKey scopes a client-supplied key to its workspace.
type idempotencyKey struct {
	workspaceID string
	key         string
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:  make(map[string]*backend.Run),
		byKey: make(map[idempotencyKey]string),
		now:   time.Now,
	}
}

// CreateRun creates a new pending run, or returns the run already recorded
// under the same idempotency key in the same workspace.
func (b *Backend) CreateRun(ctx context.Context, params backend.CreateParams) (*backend.Run, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := idempotencyKey{workspaceID: params.WorkspaceID, key: params.IdempotencyKey}
	if params.IdempotencyKey != "" {
		if id, ok := b.byKey[key]; ok {
			return b.runs[id].Clone(), nil
		}
	}
	if _, exists := b.runs[params.UUID]; exists {
		return nil, &rrerrors.ConflictError{Resource: "run", ID: params.UUID, Reason: "already exists"}
	}

	now := b.now()
	run := &backend.Run{
		UUID:           params.UUID,
		IdempotencyKey: params.IdempotencyKey,
		WorkspaceID:    params.WorkspaceID,
		ProjectID:      params.ProjectID,
		DocumentUUID:   params.DocumentUUID,
		CommitUUID:     params.CommitUUID,
		Source:         params.Source,
		Status:         backend.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	b.runs[run.UUID] = run
	if params.IdempotencyKey != "" {
		b.byKey[key] = run.UUID
	}
	return run.Clone(), nil
}

// ClaimRun moves a pending run to running.
func (b *Backend) ClaimRun(ctx context.Context, runUUID string) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runUUID]
	if !ok {
		return nil, backend.NotFound(runUUID)
	}
	if run.Status != backend.StatusPending {
		return nil, backend.ClaimConflict(runUUID, run.Status)
	}

	now := b.now()
	run.Status = backend.StatusRunning
	run.StartedAt = &now
	run.UpdatedAt = now
	return run.Clone(), nil
}

// UpdateLastResponse stores the latest response of a running run.
func (b *Backend) UpdateLastResponse(ctx context.Context, runUUID string, response json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runUUID]
	if !ok {
		return backend.NotFound(runUUID)
	}
	if run.Status != backend.StatusRunning {
		return &rrerrors.ConflictError{Resource: "run", ID: runUUID, Reason: "not running"}
	}
	run.LastResponse = append(json.RawMessage(nil), response...)
	run.UpdatedAt = b.now()
	return nil
}

// MarkTerminal moves a run to a terminal status.
func (b *Backend) MarkTerminal(ctx context.Context, runUUID string, status backend.RunStatus, response json.RawMessage, runErr *backend.RunError) (*backend.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[runUUID]
	if !ok {
		return nil, backend.NotFound(runUUID)
	}
	done, err := backend.CheckTerminal(runUUID, run.Status, status)
	if err != nil {
		return nil, err
	}
	if done {
		return run.Clone(), nil
	}

	now := b.now()
	run.Status = status
	run.EndedAt = &now
	run.UpdatedAt = now
	if response != nil {
		run.LastResponse = append(json.RawMessage(nil), response...)
	}
	if runErr != nil {
		e := *runErr
		run.Error = &e
	}
	return run.Clone(), nil
}

// FindRun returns a run of the given workspace.
func (b *Backend) FindRun(ctx context.Context, workspaceID, runUUID string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[runUUID]
	if !ok || run.WorkspaceID != workspaceID {
		return nil, backend.NotFound(runUUID)
	}
	return run.Clone(), nil
}

// FindActiveRun returns a pending or running run of the given workspace.
func (b *Backend) FindActiveRun(ctx context.Context, workspaceID, runUUID string) (*backend.Run, error) {
	run, err := b.FindRun(ctx, workspaceID, runUUID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsActive() {
		return nil, backend.NotFound(runUUID)
	}
	return run, nil
}

// ListActiveRuns pages through active runs of a project, newest first.
func (b *Backend) ListActiveRuns(ctx context.Context, filter backend.ActiveRunFilter) (*backend.RunPage, error) {
	filter = filter.Normalize()

	b.mu.RLock()
	var matched []*backend.Run
	for _, run := range b.runs {
		if run.WorkspaceID != filter.WorkspaceID || run.ProjectID != filter.ProjectID {
			continue
		}
		if !run.Status.IsActive() {
			continue
		}
		matched = append(matched, run.Clone())
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].UUID > matched[j].UUID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := &backend.RunPage{
		Runs:     []*backend.Run{},
		Total:    len(matched),
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	start := filter.Offset()
	if start < len(matched) {
		end := start + filter.PageSize
		if end > len(matched) {
			end = len(matched)
		}
		page.Runs = matched[start:end]
	}
	return page, nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
