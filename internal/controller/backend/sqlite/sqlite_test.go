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

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/backend/backendtest"
)

// createTestBackend creates a SQLite backend for testing in a temporary directory.
func createTestBackend(t *testing.T) (*Backend, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	return be, dbPath
}

func TestSQLiteBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		be, _ := createTestBackend(t)
		return be
	})
}

func TestSQLiteBackend_Persistence(t *testing.T) {
	ctx := context.Background()
	be, dbPath := createTestBackend(t)

	run, err := be.CreateRun(ctx, backend.CreateParams{
		IdempotencyKey: "persist",
		WorkspaceID:    "ws",
		ProjectID:      "p",
	})
	require.NoError(t, err)
	_, err = be.ClaimRun(ctx, run.UUID)
	require.NoError(t, err)
	_, err = be.MarkTerminal(ctx, run.UUID, backend.StatusCompleted, json.RawMessage(`{"text":"hi"}`), nil)
	require.NoError(t, err)
	require.NoError(t, be.Close())

	reopened, err := New(Config{Path: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	found, err := reopened.FindRun(ctx, "ws", run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, found.Status)
	assert.JSONEq(t, `{"text":"hi"}`, string(found.LastResponse))
	require.NotNil(t, found.StartedAt)
	require.NotNil(t, found.EndedAt)
	assert.False(t, found.EndedAt.Before(*found.StartedAt))

	again, err := reopened.CreateRun(ctx, backend.CreateParams{IdempotencyKey: "persist", WorkspaceID: "ws", ProjectID: "p"})
	require.NoError(t, err)
	assert.Equal(t, run.UUID, again.UUID)
}
