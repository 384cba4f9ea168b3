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

// Package runner executes runs owned by this process.
//
// A Driver claims a pending run, hands it to the ChainExecutor and turns
// everything the chain reports into an ordered stream of RunEvents on the
// run's broker topic. When the chain returns, is stopped, or exceeds the
// maximum run duration, the driver records the terminal status, publishes
// the run-ended event and resolves the run's Future. The job tracker is
// released last, on every path including panics.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/broker"
	"github.com/tombee/runrelay/internal/controller/events"
	"github.com/tombee/runrelay/internal/controller/metrics"
	"github.com/tombee/runrelay/internal/controller/queue"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// TracerName is the instrumentation name of run spans.
const TracerName = "github.com/tombee/runrelay/internal/controller/runner"

var (
	// ErrDraining is the cause reported while the driver refuses new runs.
	ErrDraining = errors.New("runner: draining")

	errMaxDuration = errors.New("run exceeded maximum duration")
	errShutdown    = errors.New("runner shutting down")
	errRunFinished = errors.New("run finished")
)

// ChainExecutor performs the steps of a run. It reports progress through
// emit and returns the final response. Domain failures should be returned
// as *errors.UpstreamExecutionError; ctx is cancelled when the run is
// stopped.
type ChainExecutor interface {
	Execute(ctx context.Context, run *backend.Run, emit Emitter) (json.RawMessage, error)
}

// ChainExecutorFunc adapts a function to ChainExecutor.
type ChainExecutorFunc func(ctx context.Context, run *backend.Run, emit Emitter) (json.RawMessage, error)

// Execute implements ChainExecutor.
func (f ChainExecutorFunc) Execute(ctx context.Context, run *backend.Run, emit Emitter) (json.RawMessage, error) {
	return f(ctx, run, emit)
}

// Tracker is notified when a run starts and finishes in this process.
type Tracker interface {
	Increment(ctx context.Context)
	Decrement(ctx context.Context)
}

type nopTracker struct{}

func (nopTracker) Increment(context.Context) {}
func (nopTracker) Decrement(context.Context) {}

// MetricsCollector records run metrics.
type MetricsCollector interface {
	RecordRunStart(ctx context.Context)
	RecordRunEnd(ctx context.Context, status string, duration time.Duration)
	RecordPublishFailure(ctx context.Context)
}

// Config configures a Driver.
type Config struct {
	// MaxParallel bounds concurrently executing runs. Defaults to 10.
	MaxParallel int

	// MaxRunDuration cancels runs that take longer. Zero disables it.
	MaxRunDuration time.Duration

	// ReplayBufferSize is how many recent events are kept per run in the
	// broker history. Zero disables history.
	ReplayBufferSize int

	// InstanceID identifies this process in stop commands and logs.
	InstanceID string

	// OutcomeRetention is how long a finished run's future stays available
	// to local waiters. Defaults to one minute.
	OutcomeRetention time.Duration
}

// SubmitRequest describes a run to create and queue.
type SubmitRequest struct {
	WorkspaceID    string
	ProjectID      string
	DocumentUUID   string
	CommitUUID     string
	IdempotencyKey string
	Source         string
	Priority       int
}

// Driver executes runs.
type Driver struct {
	cfg      Config
	store    backend.RunStore
	broker   broker.Broker
	history  broker.History
	executor ChainExecutor
	tracker  Tracker
	queue    queue.Queue
	metrics  MetricsCollector
	tracer   trace.Tracer
	logger   *slog.Logger

	semaphore chan struct{}
	registry  *registry
	draining  atomic.Bool
	wg        sync.WaitGroup
}

// New creates a driver.
func New(cfg Config, store backend.RunStore, b broker.Broker, opts ...Option) *Driver {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.OutcomeRetention == 0 {
		cfg.OutcomeRetention = time.Minute
	}

	d := &Driver{
		cfg:       cfg,
		store:     store,
		broker:    b,
		tracker:   nopTracker{},
		semaphore: make(chan struct{}, cfg.MaxParallel),
		registry:  newRegistry(cfg.OutcomeRetention),
	}
	if h, ok := b.(broker.History); ok {
		d.history = h
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(TracerName)
	}
	d.logger = log.WithComponent(log.OrDefault(d.logger), "runner")
	return d
}

// Submit creates a run and queues it for execution. Repeating a submit with
// the same idempotency key returns the existing run without queueing it
// again once it has left the pending state.
func (d *Driver) Submit(ctx context.Context, req SubmitRequest) (*backend.Run, error) {
	if d.IsDraining() {
		return nil, &rrerrors.InfrastructureError{Component: "runner", Operation: "submit", Cause: ErrDraining}
	}
	if d.queue == nil {
		return nil, fmt.Errorf("runner: no queue configured")
	}

	run, err := d.store.CreateRun(ctx, backend.CreateParams{
		IdempotencyKey: req.IdempotencyKey,
		WorkspaceID:    req.WorkspaceID,
		ProjectID:      req.ProjectID,
		DocumentUUID:   req.DocumentUUID,
		CommitUUID:     req.CommitUUID,
		Source:         req.Source,
	})
	if err != nil {
		return nil, err
	}
	if run.Status != backend.StatusPending {
		return run, nil
	}

	job := &queue.Job{RunUUID: run.UUID, WorkspaceID: run.WorkspaceID, Priority: req.Priority}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return nil, &rrerrors.InfrastructureError{Component: "queue", Operation: "enqueue", Cause: err}
	}
	return run, nil
}

// Execute claims the run and drives it on the calling goroutine. The run is
// not cancelled by ctx; use Stop or Shutdown.
func (d *Driver) Execute(ctx context.Context, runUUID string) (*Outcome, error) {
	p, err := d.prepare(ctx, runUUID)
	if err != nil {
		return nil, err
	}
	d.drive(p)
	out, _ := p.exec.future.Result()
	return out, nil
}

// Start claims the run and drives it on a new goroutine, returning its
// future immediately.
func (d *Driver) Start(ctx context.Context, runUUID string) (*Future, error) {
	p, err := d.prepare(ctx, runUUID)
	if err != nil {
		return nil, err
	}
	go d.drive(p)
	return p.exec.future, nil
}

// Outcome returns the future of a run executing in this process or one
// that finished recently.
func (d *Driver) Outcome(runUUID string) (*Future, bool) {
	return d.registry.future(runUUID)
}

// Stop cancels a run. A run owned by this process is cancelled directly; a
// pending run is finished as cancelled; otherwise a stop command is sent to
// the owning process over the run's control topic.
func (d *Driver) Stop(ctx context.Context, run *backend.Run, reason string) error {
	if reason == "" {
		reason = "stop requested"
	}
	if exec, ok := d.registry.get(run.UUID); ok {
		exec.cancel(&rrerrors.AbortError{Reason: reason})
		return nil
	}
	if run.Status.IsTerminal() {
		return nil
	}

	if run.Status == backend.StatusPending {
		// Claiming first keeps a worker from starting the run while it is
		// being cancelled. Losing the claim means an owner exists.
		claimed, err := d.store.ClaimRun(ctx, run.UUID)
		switch {
		case err == nil:
			rec, err := d.store.MarkTerminal(ctx, claimed.UUID, backend.StatusCancelled, nil, nil)
			if err != nil {
				return err
			}
			d.announceCancelledPending(ctx, rec)
			return nil
		case !rrerrors.IsConflict(err):
			return err
		}
	}

	data, err := events.StopCommand{
		RunUUID:     run.UUID,
		Reason:      reason,
		RequestedBy: d.cfg.InstanceID,
		RequestedAt: time.Now().UTC(),
	}.Encode()
	if err != nil {
		return err
	}
	if err := d.broker.Publish(ctx, events.ControlTopic(run.UUID), data); err != nil {
		return &rrerrors.InfrastructureError{Component: "broker", Operation: "publish stop", Cause: err}
	}
	return nil
}

// announceCancelledPending tells attached consumers that a run that never
// started has ended.
func (d *Driver) announceCancelledPending(ctx context.Context, run *backend.Run) {
	e := d.newEmitter(run, log.WithRunContext(d.logger, run.UUID, run.WorkspaceID))
	e.emit(ctx, events.RunEnded{Status: string(backend.StatusCancelled)})
	d.publishLifecycle(ctx, events.LifecycleEnded, run)
}

// StartDraining stops the driver from accepting new runs.
func (d *Driver) StartDraining() {
	d.draining.Store(true)
}

// IsDraining reports whether the driver is draining.
func (d *Driver) IsDraining() bool {
	return d.draining.Load()
}

// ActiveRunCount returns the number of runs executing in this process.
func (d *Driver) ActiveRunCount() int {
	return d.registry.count()
}

// WaitForDrain waits until no runs are executing or timeout elapses.
func (d *Driver) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		if d.ActiveRunCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if n := d.ActiveRunCount(); n > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still executing", n)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown cancels every executing run and waits for them to finish.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.StartDraining()
	d.registry.cancelAll(&rrerrors.AbortError{Reason: "shutdown", Cause: errShutdown})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if n := d.ActiveRunCount(); n > 0 {
			return fmt.Errorf("shutdown timeout: %d run(s) still executing after cancellation", n)
		}
		return ctx.Err()
	}
}

// prepared is a claimed run ready to drive.
type prepared struct {
	exec    *execution
	run     *backend.Run
	ctx     context.Context
	control broker.Subscription
}

// prepare acquires an execution slot, listens for stop commands and claims
// the run. The control subscription is opened before the claim so a stop
// sent as soon as the run is visible as running is not missed.
func (d *Driver) prepare(ctx context.Context, runUUID string) (*prepared, error) {
	if d.IsDraining() {
		return nil, &rrerrors.InfrastructureError{Component: "runner", Operation: "execute", Cause: ErrDraining}
	}

	select {
	case d.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, &rrerrors.AbortError{Reason: "waiting for execution slot", Cause: ctx.Err()}
	}
	release := func() { <-d.semaphore }

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	control, err := d.broker.Subscribe(runCtx, events.ControlTopic(runUUID))
	if err != nil {
		metrics.RecordBrokerError(metrics.OpSubscribe)
		d.logger.Warn("failed to subscribe to stop commands",
			log.String(log.RunUUIDKey, runUUID), log.Error(err))
		control = nil
	}

	run, err := d.store.ClaimRun(ctx, runUUID)
	if err != nil {
		cancel(err)
		if control != nil {
			control.Close()
		}
		release()
		return nil, err
	}

	exec := &execution{
		runUUID:     run.UUID,
		workspaceID: run.WorkspaceID,
		future:      newFuture(run.UUID),
		cancel:      cancel,
		startedAt:   time.Now(),
	}
	if !d.registry.add(exec) {
		cancel(nil)
		if control != nil {
			control.Close()
		}
		release()
		return nil, backend.ClaimConflict(run.UUID, run.Status)
	}
	d.wg.Add(1)
	return &prepared{exec: exec, run: run, ctx: runCtx, control: control}, nil
}

// drive runs the chain and settles the run. Deferred calls run in reverse:
// the terminal state is published, then the tracker is released, then the
// execution slot.
func (d *Driver) drive(p *prepared) {
	defer d.wg.Done()
	defer func() { <-d.semaphore }()

	run := p.run
	logger := log.WithRunContext(d.logger, run.UUID, run.WorkspaceID)
	ctx := p.ctx
	noCancel := context.WithoutCancel(ctx)

	d.tracker.Increment(ctx)
	defer d.tracker.Decrement(noCancel)

	if d.cfg.MaxRunDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, d.cfg.MaxRunDuration, errMaxDuration)
		defer stop()
	}
	if p.control != nil {
		defer p.control.Close()
		go d.watchControl(p.control, p.exec, logger)
	}

	ctx, span := d.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.uuid", run.UUID),
		attribute.String("run.workspace_id", run.WorkspaceID),
		attribute.String("run.project_id", run.ProjectID),
		attribute.String("run.source", run.Source),
	))
	defer span.End()

	emitter := d.newEmitter(run, logger)
	started := time.Now()
	if d.metrics != nil {
		d.metrics.RecordRunStart(ctx)
	}
	logger.Info("run started")

	emitter.emit(ctx, events.RunStarted{
		ProjectID:    run.ProjectID,
		DocumentUUID: run.DocumentUUID,
		CommitUUID:   run.CommitUUID,
	})
	d.publishLifecycle(ctx, events.LifecycleStarted, run)

	var (
		response json.RawMessage
		execErr  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("chain executor panicked", slog.Any("panic", r))
				execErr = &rrerrors.UpstreamExecutionError{
					RunUUID: run.UUID,
					Code:    "internal_error",
					Message: fmt.Sprintf("chain executor panicked: %v", r),
				}
			}
		}()
		if d.executor == nil {
			execErr = &rrerrors.UpstreamExecutionError{RunUUID: run.UUID, Code: "no_executor", Message: "no chain executor configured"}
			return
		}
		response, execErr = d.executor.Execute(ctx, run.Clone(), emitter)
	}()

	outcome := settle(ctx, run.UUID, response, execErr, emitter)
	switch outcome.Status {
	case backend.StatusErrored:
		span.SetStatus(codes.Error, outcome.Err.Error())
	case backend.StatusCancelled:
		span.SetAttributes(attribute.Bool("run.cancelled", true))
	}
	span.SetAttributes(attribute.String("run.status", string(outcome.Status)))

	d.finish(noCancel, p.exec, run, outcome, emitter, logger)

	if d.metrics != nil {
		d.metrics.RecordRunEnd(noCancel, string(outcome.Status), time.Since(started))
	}
}

// settle classifies how the chain ended.
func settle(ctx context.Context, runUUID string, response json.RawMessage, execErr error, emitter *runEmitter) *Outcome {
	out := &Outcome{RunUUID: runUUID}

	switch {
	case execErr == nil:
		out.Status = backend.StatusCompleted
		out.Response = response
		if len(out.Response) == 0 {
			out.Response = emitter.lastResponse()
		}
	case ctx.Err() != nil || rrerrors.IsAbort(execErr):
		out.Status = backend.StatusCancelled
		out.Response = emitter.lastResponse()
		out.Err = abortFor(ctx, execErr)
	default:
		out.Status = backend.StatusErrored
		out.Response = emitter.lastResponse()
		var upstream *rrerrors.UpstreamExecutionError
		if errors.As(execErr, &upstream) {
			u := *upstream
			u.RunUUID = runUUID
			out.Err = &u
		} else {
			out.Err = &rrerrors.UpstreamExecutionError{RunUUID: runUUID, Code: "internal_error", Message: execErr.Error()}
		}
	}
	return out
}

func abortFor(ctx context.Context, execErr error) *rrerrors.AbortError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = execErr
	}
	var abort *rrerrors.AbortError
	if errors.As(cause, &abort) {
		return abort
	}
	if errors.Is(cause, errMaxDuration) {
		return &rrerrors.AbortError{Reason: "maximum run duration exceeded", Cause: cause}
	}
	return &rrerrors.AbortError{Reason: "run cancelled", Cause: cause}
}

// finish records the terminal state, publishes it and resolves the future.
func (d *Driver) finish(ctx context.Context, exec *execution, run *backend.Run, out *Outcome, emitter *runEmitter, logger *slog.Logger) {
	var (
		runErr  *backend.RunError
		failure *events.Failure
	)
	var upstream *rrerrors.UpstreamExecutionError
	if errors.As(out.Err, &upstream) {
		runErr = &backend.RunError{Code: upstream.Code, Message: upstream.Message, Details: upstream.Details}
		failure = &events.Failure{Code: upstream.Code, Message: upstream.Message, Details: upstream.Details}
	}

	rec, err := d.store.MarkTerminal(ctx, run.UUID, out.Status, out.Response, runErr)
	if err != nil {
		metrics.RecordPersistenceError(metrics.OpMarkTerminal, err)
		logger.Error("failed to record terminal status", log.String(log.StatusKey, string(out.Status)), log.Error(err))
		rec = run.Clone()
		now := time.Now().UTC()
		rec.Status = out.Status
		rec.EndedAt = &now
	}

	emitter.emit(ctx, events.RunEnded{Status: string(out.Status), Response: out.Response, Error: failure})
	d.publishLifecycle(ctx, events.LifecycleEnded, rec)

	// Executor goroutines that outlive Execute see a done context.
	exec.cancel(errRunFinished)
	exec.future.resolve(out)
	d.registry.finish(exec)

	attrs := []any{
		log.String(log.StatusKey, string(out.Status)),
		slog.Uint64("events", emitter.sequence()),
		log.Duration("duration_ms", time.Since(exec.startedAt).Milliseconds()),
	}
	switch out.Status {
	case backend.StatusErrored:
		logger.Warn("run finished", append(attrs, log.Error(out.Err))...)
	case backend.StatusCancelled:
		logger.Info("run finished", append(attrs, slog.String("reason", out.Err.Error()))...)
	default:
		logger.Info("run finished", attrs...)
	}
}

// watchControl cancels the execution when a stop command arrives.
func (d *Driver) watchControl(sub broker.Subscription, exec *execution, logger *slog.Logger) {
	for msg := range sub.C() {
		cmd, err := events.DecodeStopCommand(msg)
		if err != nil {
			logger.Warn("ignoring malformed stop command", log.Error(err))
			continue
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "stop requested"
		}
		logger.Info("stop command received", slog.String("requested_by", cmd.RequestedBy))
		exec.cancel(&rrerrors.AbortError{Reason: reason})
		return
	}
}

func (d *Driver) newEmitter(run *backend.Run, logger *slog.Logger) *runEmitter {
	return &runEmitter{
		run:     run,
		store:   d.store,
		broker:  d.broker,
		history: d.history,
		replay:  d.cfg.ReplayBufferSize,
		metrics: d.metrics,
		logger:  logger,
		onStep:  func(ctx context.Context) { d.publishLifecycle(ctx, events.LifecycleUpdated, run) },
	}
}

// publishLifecycle sends a coarse notification to the run's workspace.
func (d *Driver) publishLifecycle(ctx context.Context, t events.LifecycleType, run *backend.Run) {
	data, err := events.NewLifecycle(t, run).Encode()
	if err != nil {
		return
	}
	if err := d.broker.Publish(context.WithoutCancel(ctx), events.WorkspaceTopic(run.WorkspaceID), data); err != nil {
		metrics.RecordBrokerError(metrics.OpPublish)
		d.logger.Warn("failed to publish lifecycle",
			log.String(log.RunUUIDKey, run.UUID),
			slog.String("type", string(t)),
			log.Error(err))
	}
}
