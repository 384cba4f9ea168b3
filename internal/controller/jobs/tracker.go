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

// Package jobs tracks runs executing in this process and keeps the process
// protected from cluster scale-in while any are active.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// errSuperseded means a new run arrived while a disable was being retried.
var errSuperseded = errors.New("jobs: disable superseded")

// Protector toggles the scale-in protection flag of this process.
// Implementations must be idempotent.
type Protector interface {
	SetProtection(ctx context.Context, enabled bool) error
}

// CallObserver is notified after every protection call.
type CallObserver func(enabled bool, err error)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithDisableRetry bounds the retries of a failed disable call. Backoff
// doubles after each attempt.
func WithDisableRetry(attempts int, backoff time.Duration) Option {
	return func(t *Tracker) {
		t.retryAttempts = attempts
		t.retryBackoff = backoff
	}
}

// WithCallObserver registers a hook for protection calls.
func WithCallObserver(fn CallObserver) Option {
	return func(t *Tracker) { t.observe = fn }
}

// Tracker counts active runs. Protection is enabled when the count leaves
// zero and disabled when it returns to zero. Intermediate changes never
// reach the Protector.
type Tracker struct {
	protector     Protector
	logger        *slog.Logger
	retryAttempts int
	retryBackoff  time.Duration
	observe       CallObserver

	mu    sync.Mutex
	count int

	// applyMu serializes reconciliation so that only one protection call
	// is in flight and applied always reflects the last successful call.
	applyMu sync.Mutex
	applied bool

	protected atomic.Bool
}

// NewTracker creates a tracker.
func NewTracker(protector Protector, opts ...Option) *Tracker {
	t := &Tracker{
		protector:     protector,
		retryAttempts: 3,
		retryBackoff:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = log.WithComponent(log.OrDefault(t.logger), "jobs")
	return t
}

// Increment records a run starting in this process.
func (t *Tracker) Increment(ctx context.Context) {
	t.mu.Lock()
	t.count++
	first := t.count == 1
	t.mu.Unlock()

	if first {
		t.reconcile(ctx)
	}
}

// Decrement records a run leaving this process.
func (t *Tracker) Decrement(ctx context.Context) {
	t.mu.Lock()
	if t.count == 0 {
		t.mu.Unlock()
		t.logger.Warn("decrement with no active jobs ignored")
		return
	}
	t.count--
	last := t.count == 0
	t.mu.Unlock()

	if last {
		t.reconcile(ctx)
	}
}

// ActiveCount returns the number of active runs.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// IsProtected reports whether the last successful protection call enabled
// protection.
func (t *Tracker) IsProtected() bool {
	return t.protected.Load()
}

func (t *Tracker) desired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count > 0
}

// reconcile drives the applied flag toward the desired state. A transition
// that raced with an in-flight call is picked up on the next loop.
func (t *Tracker) reconcile(ctx context.Context) {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	for {
		want := t.desired()
		if want == t.applied {
			return
		}

		var err error
		if want {
			err = t.call(ctx, true)
		} else {
			err = t.disableWithRetry(ctx)
		}
		if errors.Is(err, errSuperseded) {
			continue
		}
		if err != nil {
			infra := &rrerrors.InfrastructureError{Component: "protection", Operation: operation(want), Cause: err}
			if want {
				t.logger.Warn("failed to enable scale-in protection", log.Error(infra))
			} else {
				t.logger.Error("failed to disable scale-in protection; relying on protection expiry", log.Error(infra))
			}
			return
		}

		t.applied = want
		t.protected.Store(want)
		t.logger.Info("scale-in protection updated", slog.Bool("enabled", want))
	}
}

func (t *Tracker) disableWithRetry(ctx context.Context) error {
	backoff := t.retryBackoff
	var err error
	for attempt := 0; attempt <= t.retryAttempts; attempt++ {
		if attempt > 0 {
			t.logger.Debug("retrying protection disable", slog.Int("attempt", attempt), log.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = t.call(ctx, false); err == nil {
			return nil
		}
		if t.desired() {
			return errSuperseded
		}
	}
	return err
}

func (t *Tracker) call(ctx context.Context, enabled bool) error {
	err := t.protector.SetProtection(ctx, enabled)
	if t.observe != nil {
		t.observe(enabled, err)
	}
	return err
}

func operation(enabled bool) string {
	if enabled {
		return "enable"
	}
	return "disable"
}
