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

// Package backendtest is a behavioural test suite shared by every backend.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/controller/backend"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) backend.Backend

// Run executes the suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"CreateRunIsIdempotent", testCreateIdempotent},
		{"IdempotencyKeyScopedToWorkspace", testIdempotencyKeyScopedToWorkspace},
		{"CreateRunValidates", testCreateValidates},
		{"ClaimRunOnce", testClaimOnce},
		{"ConcurrentClaims", testConcurrentClaims},
		{"MarkTerminal", testMarkTerminal},
		{"MarkTerminalRecordsError", testMarkTerminalError},
		{"PendingRunOnlyCancels", testPendingRunOnlyCancels},
		{"FindRunScopesWorkspace", testFindRunScopesWorkspace},
		{"FindActiveRun", testFindActiveRun},
		{"UpdateLastResponse", testUpdateLastResponse},
		{"ListActiveRuns", testListActiveRuns},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			t.Cleanup(func() { _ = b.Close() })
			tt.fn(t, b)
		})
	}
}

func params(key string) backend.CreateParams {
	return backend.CreateParams{
		IdempotencyKey: key,
		WorkspaceID:    "ws-1",
		ProjectID:      "proj-1",
		DocumentUUID:   "doc-1",
		CommitUUID:     "commit-1",
		Source:         "api",
	}
}

func testCreateIdempotent(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	first, err := b.CreateRun(ctx, params("key-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, first.UUID)
	assert.Equal(t, backend.StatusPending, first.Status)
	assert.Nil(t, first.StartedAt)

	second, err := b.CreateRun(ctx, params("key-1"))
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.UUID)

	page, err := b.ListActiveRuns(ctx, backend.ActiveRunFilter{WorkspaceID: "ws-1", ProjectID: "proj-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	other, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, other.UUID)
}

func testIdempotencyKeyScopedToWorkspace(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	mine, err := b.CreateRun(ctx, params("shared"))
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, mine.UUID)
	require.NoError(t, err)
	require.NoError(t, b.UpdateLastResponse(ctx, mine.UUID, json.RawMessage(`{"secret":true}`)))

	p := params("shared")
	p.WorkspaceID = "ws-2"
	theirs, err := b.CreateRun(ctx, p)
	require.NoError(t, err)
	assert.NotEqual(t, mine.UUID, theirs.UUID)
	assert.Equal(t, "ws-2", theirs.WorkspaceID)
	assert.Empty(t, theirs.LastResponse)

	again, err := b.CreateRun(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, theirs.UUID, again.UUID)

	_, err = b.FindRun(ctx, "ws-2", mine.UUID)
	assert.True(t, rrerrors.IsNotFound(err))
}

func testCreateValidates(t *testing.T, b backend.Backend) {
	p := params("")
	p.WorkspaceID = ""
	_, err := b.CreateRun(context.Background(), p)
	var verr *rrerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func testClaimOnce(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)

	claimed, err := b.ClaimRun(ctx, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = b.ClaimRun(ctx, run.UUID)
	assert.True(t, rrerrors.IsConflict(err), "second claim should conflict, got %v", err)

	_, err = b.ClaimRun(ctx, "missing")
	assert.True(t, rrerrors.IsNotFound(err))
}

func testConcurrentClaims(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.ClaimRun(ctx, run.UUID); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testMarkTerminal(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, run.UUID)
	require.NoError(t, err)

	_, err = b.MarkTerminal(ctx, run.UUID, backend.StatusRunning, nil, nil)
	var terr *rrerrors.StateTransitionError
	require.ErrorAs(t, err, &terr, "non-terminal target must be rejected")

	ended, err := b.MarkTerminal(ctx, run.UUID, backend.StatusCompleted, json.RawMessage(`{"text":"done"}`), nil)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, ended.Status)
	require.NotNil(t, ended.EndedAt)
	assert.JSONEq(t, `{"text":"done"}`, string(ended.LastResponse))

	again, err := b.MarkTerminal(ctx, run.UUID, backend.StatusCompleted, nil, nil)
	require.NoError(t, err, "same terminal status is idempotent")
	assert.Equal(t, backend.StatusCompleted, again.Status)
	assert.JSONEq(t, `{"text":"done"}`, string(again.LastResponse))

	_, err = b.MarkTerminal(ctx, run.UUID, backend.StatusErrored, nil, nil)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "completed", terr.From)

	_, err = b.MarkTerminal(ctx, "missing", backend.StatusCompleted, nil, nil)
	assert.True(t, rrerrors.IsNotFound(err))
}

func testMarkTerminalError(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, run.UUID)
	require.NoError(t, err)

	_, err = b.MarkTerminal(ctx, run.UUID, backend.StatusErrored, nil, &backend.RunError{
		Code:    "provider_error",
		Message: "rate limited",
		Details: json.RawMessage(`{"retryAfter":30}`),
	})
	require.NoError(t, err)

	found, err := b.FindRun(ctx, "ws-1", run.UUID)
	require.NoError(t, err)
	require.NotNil(t, found.Error)
	assert.Equal(t, "provider_error", found.Error.Code)
	assert.Equal(t, "rate limited", found.Error.Message)
	assert.JSONEq(t, `{"retryAfter":30}`, string(found.Error.Details))
}

func testPendingRunOnlyCancels(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)

	for _, status := range []backend.RunStatus{backend.StatusCompleted, backend.StatusErrored} {
		_, err = b.MarkTerminal(ctx, run.UUID, status, json.RawMessage(`{"text":"early"}`), nil)
		var terr *rrerrors.StateTransitionError
		require.ErrorAs(t, err, &terr, "pending run must not become %s", status)
		assert.Equal(t, "pending", terr.From)
	}

	found, err := b.FindRun(ctx, "ws-1", run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, found.Status)
	assert.Empty(t, found.LastResponse)
	assert.Nil(t, found.EndedAt)

	ended, err := b.MarkTerminal(ctx, run.UUID, backend.StatusCancelled, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, ended.Status)
}

func testFindRunScopesWorkspace(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)

	found, err := b.FindRun(ctx, "ws-1", run.UUID)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", found.DocumentUUID)
	assert.Equal(t, "commit-1", found.CommitUUID)

	_, err = b.FindRun(ctx, "ws-2", run.UUID)
	assert.True(t, rrerrors.IsNotFound(err), "cross-workspace lookup must look like a missing run")

	_, err = b.FindRun(ctx, "ws-1", "missing")
	assert.True(t, rrerrors.IsNotFound(err))
}

func testFindActiveRun(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)

	_, err = b.FindActiveRun(ctx, "ws-1", run.UUID)
	require.NoError(t, err)

	_, err = b.MarkTerminal(ctx, run.UUID, backend.StatusCancelled, nil, nil)
	require.NoError(t, err)

	_, err = b.FindActiveRun(ctx, "ws-1", run.UUID)
	assert.True(t, rrerrors.IsNotFound(err))
}

func testUpdateLastResponse(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	run, err := b.CreateRun(ctx, params(""))
	require.NoError(t, err)

	err = b.UpdateLastResponse(ctx, run.UUID, json.RawMessage(`{"text":"a"}`))
	assert.True(t, rrerrors.IsConflict(err), "pending runs have no response yet")

	_, err = b.ClaimRun(ctx, run.UUID)
	require.NoError(t, err)
	require.NoError(t, b.UpdateLastResponse(ctx, run.UUID, json.RawMessage(`{"text":"b"}`)))

	found, err := b.FindRun(ctx, "ws-1", run.UUID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"b"}`, string(found.LastResponse))
}

func testListActiveRuns(t *testing.T, b backend.Backend) {
	ctx := context.Background()

	var created []string
	for i := 0; i < 5; i++ {
		run, err := b.CreateRun(ctx, params(fmt.Sprintf("list-%d", i)))
		require.NoError(t, err)
		created = append(created, run.UUID)
		time.Sleep(2 * time.Millisecond)
	}

	// Excluded: finished, other project, other workspace.
	_, err := b.MarkTerminal(ctx, created[0], backend.StatusCompleted, nil, nil)
	require.NoError(t, err)
	otherProject := params("")
	otherProject.ProjectID = "proj-2"
	_, err = b.CreateRun(ctx, otherProject)
	require.NoError(t, err)
	otherWorkspace := params("")
	otherWorkspace.WorkspaceID = "ws-2"
	_, err = b.CreateRun(ctx, otherWorkspace)
	require.NoError(t, err)

	_, err = b.ClaimRun(ctx, created[2])
	require.NoError(t, err)

	page, err := b.ListActiveRuns(ctx, backend.ActiveRunFilter{WorkspaceID: "ws-1", ProjectID: "proj-1", Page: 1, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Runs, 3)
	assert.Equal(t, created[4], page.Runs[0].UUID, "newest first")
	assert.Equal(t, created[3], page.Runs[1].UUID)
	assert.Equal(t, created[2], page.Runs[2].UUID)
	assert.Equal(t, backend.StatusRunning, page.Runs[2].Status)

	page2, err := b.ListActiveRuns(ctx, backend.ActiveRunFilter{WorkspaceID: "ws-1", ProjectID: "proj-1", Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, page2.Runs, 1)
	assert.Equal(t, created[1], page2.Runs[0].UUID)

	empty, err := b.ListActiveRuns(ctx, backend.ActiveRunFilter{WorkspaceID: "ws-1", ProjectID: "proj-1", Page: 5})
	require.NoError(t, err)
	assert.Empty(t, empty.Runs)
	assert.Equal(t, backend.DefaultPageSize, empty.PageSize)
}
