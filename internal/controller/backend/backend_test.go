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


package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

func TestCheckTerminal(t *testing.T) {
	tests := []struct {
		name     string
		current  RunStatus
		next     RunStatus
		wantDone bool
		wantErr  bool
	}{
		{"running to completed", StatusRunning, StatusCompleted, false, false},
		{"running to errored", StatusRunning, StatusErrored, false, false},
		{"running to cancelled", StatusRunning, StatusCancelled, false, false},
		{"pending to cancelled", StatusPending, StatusCancelled, false, false},
		{"pending to completed", StatusPending, StatusCompleted, false, true},
		{"pending to errored", StatusPending, StatusErrored, false, true},
		{"repeat", StatusCompleted, StatusCompleted, true, false},
		{"terminal to other terminal", StatusCancelled, StatusErrored, false, true},
		{"non-terminal target", StatusPending, StatusRunning, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := CheckTerminal("run-1", tt.current, tt.next)
			assert.Equal(t, tt.wantDone, done)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			var terr *rrerrors.StateTransitionError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, string(tt.current), terr.From)
		})
	}
}

func TestTerminalSources(t *testing.T) {
	from, alt := TerminalSources(StatusCancelled)
	assert.ElementsMatch(t, []RunStatus{StatusRunning, StatusPending}, []RunStatus{from, alt})

	for _, next := range []RunStatus{StatusCompleted, StatusErrored} {
		from, alt = TerminalSources(next)
		assert.Equal(t, StatusRunning, from)
		assert.Equal(t, StatusRunning, alt)
	}
}
