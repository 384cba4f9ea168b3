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
	"sync"
	"time"
)

// execution is a run owned by this process.
type execution struct {
	runUUID     string
	workspaceID string
	future      *Future
	cancel      context.CancelCauseFunc
	startedAt   time.Time
}

// registry tracks executions owned by this process. Finished executions are
// kept for a retention window so late local waiters still find the future.
// The record store remains the source of truth for everyone else.
type registry struct {
	retention time.Duration

	mu       sync.RWMutex
	active   map[string]*execution
	finished map[string]*Future
}

func newRegistry(retention time.Duration) *registry {
	return &registry{
		retention: retention,
		active:    make(map[string]*execution),
		finished:  make(map[string]*Future),
	}
}

// add registers exec. It reports false if the run is already executing here.
func (r *registry) add(exec *execution) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[exec.runUUID]; ok {
		return false
	}
	r.active[exec.runUUID] = exec
	delete(r.finished, exec.runUUID)
	return true
}

// finish moves exec to the finished set.
func (r *registry) finish(exec *execution) {
	r.mu.Lock()
	delete(r.active, exec.runUUID)
	if r.retention > 0 {
		r.finished[exec.runUUID] = exec.future
	}
	r.mu.Unlock()

	if r.retention > 0 {
		time.AfterFunc(r.retention, func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.finished[exec.runUUID] == exec.future {
				delete(r.finished, exec.runUUID)
			}
		})
	}
}

func (r *registry) get(runUUID string) (*execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.active[runUUID]
	return exec, ok
}

func (r *registry) future(runUUID string) (*Future, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if exec, ok := r.active[runUUID]; ok {
		return exec.future, true
	}
	f, ok := r.finished[runUUID]
	return f, ok
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// cancelAll cancels every active execution with cause.
func (r *registry) cancelAll(cause error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, exec := range r.active {
		exec.cancel(cause)
	}
}
