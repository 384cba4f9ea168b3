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

package runner

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tombee/runrelay/internal/controller/backend"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Outcome is the final result of a run.
type Outcome struct {
	RunUUID  string
	Status   backend.RunStatus
	Response json.RawMessage

	// Err is *errors.UpstreamExecutionError for errored runs and
	// *errors.AbortError for cancelled runs.
	Err error
}

// Future resolves once with the outcome of a run, whether or not anyone is
// waiting for it.
type Future struct {
	runUUID string
	once    sync.Once
	done    chan struct{}
	outcome *Outcome
}

func newFuture(runUUID string) *Future {
	return &Future{runUUID: runUUID, done: make(chan struct{})}
}

// ResolvedFuture returns a future that already holds o.
func ResolvedFuture(o *Outcome) *Future {
	f := newFuture(o.RunUUID)
	f.resolve(o)
	return f
}

func (f *Future) resolve(o *Outcome) {
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
	})
}

// Done is closed when the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome if it is available.
func (f *Future) Result() (*Outcome, bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return nil, false
	}
}

// Wait blocks for the outcome. If ctx ends first the wait is abandoned
// with an *errors.AbortError; the run itself is unaffected.
func (f *Future) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, nil
	case <-ctx.Done():
		return nil, &rrerrors.AbortError{Reason: "wait abandoned", Cause: ctx.Err()}
	}
}
