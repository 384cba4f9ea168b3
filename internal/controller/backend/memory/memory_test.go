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

package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/backend/backendtest"
)

func TestMemoryBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return New()
	})
}

func TestMemoryBackend_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	b := New()

	run, err := b.CreateRun(ctx, backend.CreateParams{WorkspaceID: "ws", ProjectID: "p"})
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, run.UUID)
	require.NoError(t, err)
	require.NoError(t, b.UpdateLastResponse(ctx, run.UUID, json.RawMessage(`{"a":1}`)))

	found, err := b.FindRun(ctx, "ws", run.UUID)
	require.NoError(t, err)
	found.Status = backend.StatusCompleted
	found.LastResponse[2] = 'b'

	again, err := b.FindRun(ctx, "ws", run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusRunning, again.Status)
	assert.JSONEq(t, `{"a":1}`, string(again.LastResponse))
}
