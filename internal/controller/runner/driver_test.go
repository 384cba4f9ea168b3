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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/controller/backend"
	memstore "github.com/tombee/runrelay/internal/controller/backend/memory"
	"github.com/tombee/runrelay/internal/controller/broker"
	membroker "github.com/tombee/runrelay/internal/controller/broker/memory"
	"github.com/tombee/runrelay/internal/controller/events"
	"github.com/tombee/runrelay/internal/controller/queue"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

type countingTracker struct {
	inc atomic.Int32
	dec atomic.Int32
}

func (c *countingTracker) Increment(context.Context) { c.inc.Add(1) }
func (c *countingTracker) Decrement(context.Context) { c.dec.Add(1) }

type fakeMetrics struct {
	mu              sync.Mutex
	starts          int
	ends            []string
	publishFailures int
}

func (f *fakeMetrics) RecordRunStart(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeMetrics) RecordRunEnd(_ context.Context, status string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, status)
}

func (f *fakeMetrics) RecordPublishFailure(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishFailures++
}

type harness struct {
	store   *memstore.Backend
	broker  *membroker.Broker
	tracker *countingTracker
	driver  *Driver
}

func newHarness(t *testing.T, cfg Config, exec ChainExecutor, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   memstore.New(),
		broker:  membroker.New(64),
		tracker: &countingTracker{},
	}
	opts = append([]Option{WithExecutor(exec), WithTracker(h.tracker)}, opts...)
	h.driver = New(cfg, h.store, h.broker, opts...)
	t.Cleanup(func() { _ = h.broker.Close() })
	return h
}

func (h *harness) createRun(t *testing.T) *backend.Run {
	t.Helper()
	run, err := h.store.CreateRun(context.Background(), backend.CreateParams{
		WorkspaceID:  "ws-1",
		ProjectID:    "proj-1",
		DocumentUUID: "doc-1",
		CommitUUID:   "commit-1",
		Source:       "api",
	})
	require.NoError(t, err)
	return run
}

func (h *harness) subscribe(t *testing.T, topic string) broker.Subscription {
	t.Helper()
	sub, err := h.broker.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub
}

// collectRun reads run events until the terminal one.
func collectRun(t *testing.T, sub broker.Subscription) []*events.RunEvent {
	t.Helper()
	var out []*events.RunEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C():
			require.True(t, ok, "subscription closed before run ended: %v", sub.Err())
			ev, err := events.Decode(msg)
			require.NoError(t, err)
			out = append(out, ev)
			if ev.IsTerminal() {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(out))
		}
	}
}

func collectN(t *testing.T, sub broker.Subscription, n int) [][]byte {
	t.Helper()
	var out [][]byte
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg := <-sub.C():
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func blockUntilStopped(ctx context.Context, _ *backend.Run, _ Emitter) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestExecute_PublishesOrderedEvents(t *testing.T) {
	exec := ChainExecutorFunc(func(ctx context.Context, run *backend.Run, emit Emitter) (json.RawMessage, error) {
		require.NoError(t, emit.Emit(ctx, events.StepStarted{StepIndex: 0, Name: "draft"}))
		require.NoError(t, emit.Emit(ctx, events.ProviderCompleted{StepIndex: 0, Provider: "openai", Response: json.RawMessage(`{"text":"hi"}`)}))
		require.NoError(t, emit.Emit(ctx, events.ChainStepCompleted{StepIndex: 0, Response: json.RawMessage(`{"text":"hi"}`)}))
		return json.RawMessage(`{"text":"done"}`), nil
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)
	sub := h.subscribe(t, events.RunTopic(run.UUID))
	ws := h.subscribe(t, events.WorkspaceTopic(run.WorkspaceID))

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, out.Status)
	assert.JSONEq(t, `{"text":"done"}`, string(out.Response))
	assert.NoError(t, out.Err)

	evs := collectRun(t, sub)
	require.Len(t, evs, 5)
	wantTypes := []string{"run-started", "step-started", "provider-completed", "chain-step-completed", "run-ended"}
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.SequenceID)
		assert.Equal(t, wantTypes[i], ev.Type())
		assert.Equal(t, run.UUID, ev.RunUUID)
	}
	ended, ok := evs[4].Ended()
	require.True(t, ok)
	assert.Equal(t, "completed", ended.Status)
	assert.JSONEq(t, `{"text":"done"}`, string(ended.Response))

	lifecycle := collectN(t, ws, 3)
	for i, want := range []events.LifecycleType{events.LifecycleStarted, events.LifecycleUpdated, events.LifecycleEnded} {
		var msg events.Lifecycle
		require.NoError(t, json.Unmarshal(lifecycle[i], &msg))
		assert.Equal(t, want, msg.Type)
		assert.Equal(t, run.UUID, msg.Run.UUID)
	}

	stored, err := h.store.FindRun(context.Background(), run.WorkspaceID, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"text":"done"}`, string(stored.LastResponse))

	assert.EqualValues(t, 1, h.tracker.inc.Load())
	assert.EqualValues(t, 1, h.tracker.dec.Load())
}

func TestExecute_FallsBackToLastResponse(t *testing.T) {
	exec := ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, emit Emitter) (json.RawMessage, error) {
		require.NoError(t, emit.Emit(ctx, events.ChainStepCompleted{Response: json.RawMessage(`{"n":1}`)}))
		require.NoError(t, emit.Emit(ctx, events.ChainStepCompleted{Response: json.RawMessage(`{"n":2}`)}))
		return nil, nil
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, out.Status)
	assert.JSONEq(t, `{"n":2}`, string(out.Response))
}

func TestExecute_UpstreamError(t *testing.T) {
	exec := ChainExecutorFunc(func(context.Context, *backend.Run, Emitter) (json.RawMessage, error) {
		return nil, &rrerrors.UpstreamExecutionError{Code: "rate_limited", Message: "slow down"}
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)
	sub := h.subscribe(t, events.RunTopic(run.UUID))

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusErrored, out.Status)

	var upstream *rrerrors.UpstreamExecutionError
	require.ErrorAs(t, out.Err, &upstream)
	assert.Equal(t, "rate_limited", upstream.Code)
	assert.Equal(t, run.UUID, upstream.RunUUID)

	evs := collectRun(t, sub)
	ended, ok := evs[len(evs)-1].Ended()
	require.True(t, ok)
	assert.Equal(t, "errored", ended.Status)
	require.NotNil(t, ended.Error)
	assert.Equal(t, "rate_limited", ended.Error.Code)

	stored, err := h.store.FindRun(context.Background(), run.WorkspaceID, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusErrored, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, "slow down", stored.Error.Message)
}

func TestExecute_PlainErrorBecomesInternal(t *testing.T) {
	exec := ChainExecutorFunc(func(context.Context, *backend.Run, Emitter) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusErrored, out.Status)

	var upstream *rrerrors.UpstreamExecutionError
	require.ErrorAs(t, out.Err, &upstream)
	assert.Equal(t, "internal_error", upstream.Code)
	assert.Equal(t, "boom", upstream.Message)
}

func TestExecute_RecoversPanic(t *testing.T) {
	exec := ChainExecutorFunc(func(context.Context, *backend.Run, Emitter) (json.RawMessage, error) {
		panic("chain exploded")
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusErrored, out.Status)
	assert.Contains(t, out.Err.Error(), "chain exploded")
	assert.EqualValues(t, 1, h.tracker.dec.Load())
	assert.Equal(t, 0, h.driver.ActiveRunCount())
}

func TestExecute_NoExecutor(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	run := h.createRun(t)

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusErrored, out.Status)
	assert.Contains(t, out.Err.Error(), "no chain executor configured")
}

func TestExecute_ClaimConflict(t *testing.T) {
	h := newHarness(t, Config{}, ChainExecutorFunc(func(context.Context, *backend.Run, Emitter) (json.RawMessage, error) {
		return nil, nil
	}))
	run := h.createRun(t)

	_, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)

	_, err = h.driver.Execute(context.Background(), run.UUID)
	assert.True(t, rrerrors.IsConflict(err))
	assert.EqualValues(t, 1, h.tracker.inc.Load())
}

func TestEmit_RejectsRunEnded(t *testing.T) {
	var emitErr error
	exec := ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, emit Emitter) (json.RawMessage, error) {
		emitErr = emit.Emit(ctx, events.RunEnded{Status: "completed"})
		return nil, nil
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)

	_, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)

	var v *rrerrors.ValidationError
	assert.ErrorAs(t, emitErr, &v)
}

func TestEmit_AfterStopReturnsAbort(t *testing.T) {
	emitted := make(chan error, 1)
	exec := ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, emit Emitter) (json.RawMessage, error) {
		<-ctx.Done()
		emitted <- emit.Emit(ctx, events.StepStarted{StepIndex: 1})
		return nil, ctx.Err()
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)

	f, err := h.driver.Start(context.Background(), run.UUID)
	require.NoError(t, err)
	require.NoError(t, h.driver.Stop(context.Background(), run, "user"))

	out, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, out.Status)
	assert.True(t, rrerrors.IsAbort(<-emitted))
}

func TestEmit_AfterRunEndedIsDropped(t *testing.T) {
	late := make(chan struct{})
	type result struct {
		ctxDone  bool
		withCtx  error
		detached error
	}
	results := make(chan result, 1)
	exec := ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, emit Emitter) (json.RawMessage, error) {
		go func() {
			<-late
			results <- result{
				ctxDone:  ctx.Err() != nil,
				withCtx:  emit.Emit(ctx, events.StepStarted{StepIndex: 9}),
				detached: emit.Emit(context.Background(), events.StepStarted{StepIndex: 10}),
			}
		}()
		return json.RawMessage(`{"text":"done"}`), nil
	})
	h := newHarness(t, Config{}, exec)
	run := h.createRun(t)
	sub := h.subscribe(t, events.RunTopic(run.UUID))

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, out.Status)
	evs := collectRun(t, sub)
	require.Len(t, evs, 2)

	close(late)
	r := <-results
	assert.True(t, r.ctxDone, "run context is cancelled once the run has finished")
	assert.True(t, rrerrors.IsAbort(r.withCtx))
	assert.True(t, rrerrors.IsAbort(r.detached))

	select {
	case msg := <-sub.C():
		t.Fatalf("event published after run-ended: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStop_LocalRun(t *testing.T) {
	h := newHarness(t, Config{}, ChainExecutorFunc(blockUntilStopped))
	run := h.createRun(t)
	sub := h.subscribe(t, events.RunTopic(run.UUID))

	f, err := h.driver.Start(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.driver.ActiveRunCount())

	require.NoError(t, h.driver.Stop(context.Background(), run, "user pressed stop"))

	out, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, out.Status)

	var abort *rrerrors.AbortError
	require.ErrorAs(t, out.Err, &abort)
	assert.Equal(t, "user pressed stop", abort.Reason)

	evs := collectRun(t, sub)
	ended, _ := evs[len(evs)-1].Ended()
	assert.Equal(t, "cancelled", ended.Status)

	assert.EqualValues(t, 1, h.tracker.dec.Load())
}

func TestStop_RemoteRunViaControlTopic(t *testing.T) {
	store := memstore.New()
	b := membroker.New(64)
	defer b.Close()

	owner := New(Config{InstanceID: "a"}, store, b, WithExecutor(ChainExecutorFunc(blockUntilStopped)))
	other := New(Config{InstanceID: "b"}, store, b)

	run, err := store.CreateRun(context.Background(), backend.CreateParams{WorkspaceID: "ws-1", ProjectID: "p", DocumentUUID: "d", CommitUUID: "c"})
	require.NoError(t, err)

	f, err := owner.Start(context.Background(), run.UUID)
	require.NoError(t, err)

	running, err := store.FindRun(context.Background(), "ws-1", run.UUID)
	require.NoError(t, err)
	require.Equal(t, backend.StatusRunning, running.Status)

	require.NoError(t, other.Stop(context.Background(), running, "remote stop"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, out.Status)

	var abort *rrerrors.AbortError
	require.ErrorAs(t, out.Err, &abort)
	assert.Equal(t, "remote stop", abort.Reason)
}

func TestStop_PendingRun(t *testing.T) {
	h := newHarness(t, Config{}, ChainExecutorFunc(blockUntilStopped))
	run := h.createRun(t)
	sub := h.subscribe(t, events.RunTopic(run.UUID))

	require.NoError(t, h.driver.Stop(context.Background(), run, ""))

	evs := collectRun(t, sub)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].SequenceID)
	ended, _ := evs[0].Ended()
	assert.Equal(t, "cancelled", ended.Status)

	stored, err := h.store.FindRun(context.Background(), run.WorkspaceID, run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, stored.Status)

	_, err = h.driver.Execute(context.Background(), run.UUID)
	assert.True(t, rrerrors.IsConflict(err))
	assert.Zero(t, h.tracker.inc.Load())
}

func TestStop_FinishedRunIsNoop(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	run := h.createRun(t)
	_, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)

	finished, err := h.store.FindRun(context.Background(), run.WorkspaceID, run.UUID)
	require.NoError(t, err)
	assert.NoError(t, h.driver.Stop(context.Background(), finished, ""))
}

func TestExecute_MaxRunDuration(t *testing.T) {
	h := newHarness(t, Config{MaxRunDuration: 30 * time.Millisecond}, ChainExecutorFunc(blockUntilStopped))
	run := h.createRun(t)

	out, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCancelled, out.Status)

	var abort *rrerrors.AbortError
	require.ErrorAs(t, out.Err, &abort)
	assert.Equal(t, "maximum run duration exceeded", abort.Reason)
	assert.EqualValues(t, 1, h.tracker.dec.Load())
}

func TestOutcome_Retention(t *testing.T) {
	h := newHarness(t, Config{OutcomeRetention: 30 * time.Millisecond}, nil)
	run := h.createRun(t)

	_, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)

	f, ok := h.driver.Outcome(run.UUID)
	require.True(t, ok)
	out, ready := f.Result()
	require.True(t, ready)
	assert.Equal(t, backend.StatusErrored, out.Status)

	assert.Eventually(t, func() bool {
		_, ok := h.driver.Outcome(run.UUID)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSubmit_Idempotent(t *testing.T) {
	q := queue.NewMemoryQueue(10)
	h := newHarness(t, Config{}, nil, WithQueue(q))
	req := SubmitRequest{WorkspaceID: "ws-1", ProjectID: "p", DocumentUUID: "d", CommitUUID: "c", IdempotencyKey: "k1"}

	first, err := h.driver.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusPending, first.Status)
	assert.Equal(t, 1, q.Len())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.UUID, job.RunUUID)
	_, err = h.driver.Execute(context.Background(), job.RunUUID)
	require.NoError(t, err)

	again, err := h.driver.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.UUID, again.UUID)
	assert.True(t, again.Status.IsTerminal())
	assert.Equal(t, 0, q.Len())
}

func TestExecute_ReplayHistory(t *testing.T) {
	exec := ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, emit Emitter) (json.RawMessage, error) {
		for i := 0; i < 4; i++ {
			require.NoError(t, emit.Emit(ctx, events.StepStarted{StepIndex: i}))
		}
		return nil, nil
	})
	h := newHarness(t, Config{ReplayBufferSize: 3}, exec)
	run := h.createRun(t)

	_, err := h.driver.Execute(context.Background(), run.UUID)
	require.NoError(t, err)

	recent, err := h.broker.Recent(context.Background(), events.RunTopic(run.UUID))
	require.NoError(t, err)
	require.Len(t, recent, 3)

	last, err := events.Decode(recent[2])
	require.NoError(t, err)
	assert.True(t, last.IsTerminal())
	assert.Equal(t, uint64(6), last.SequenceID)
}

type failingBroker struct {
	*membroker.Broker
}

func (failingBroker) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

func TestExecute_PublishFailureDoesNotFailRun(t *testing.T) {
	store := memstore.New()
	b := failingBroker{membroker.New(8)}
	m := &fakeMetrics{}
	d := New(Config{}, store, b, WithMetrics(m), WithExecutor(ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, emit Emitter) (json.RawMessage, error) {
		return json.RawMessage(`{}`), emit.Emit(ctx, events.StepStarted{})
	})))

	run, err := store.CreateRun(context.Background(), backend.CreateParams{WorkspaceID: "ws", ProjectID: "p", DocumentUUID: "d", CommitUUID: "c"})
	require.NoError(t, err)

	out, err := d.Execute(context.Background(), run.UUID)
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, out.Status)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 3, m.publishFailures)
	assert.Equal(t, 1, m.starts)
	assert.Equal(t, []string{"completed"}, m.ends)
}

func TestExecute_BoundsParallelism(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	exec := ChainExecutorFunc(func(ctx context.Context, _ *backend.Run, _ Emitter) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	})
	h := newHarness(t, Config{MaxParallel: 2}, exec)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		run := h.createRun(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.driver.Execute(context.Background(), run.UUID)
			assert.NoError(t, err)
		}()
	}

	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, peak.Load())
}
