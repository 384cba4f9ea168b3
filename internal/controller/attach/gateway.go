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

// Package attach lets a consumer follow a run that may be executing in
// another process.
//
// Await blocks until the run's final response is known. Stream relays the
// run's events as frames from the moment of attach until the run ends or
// the consumer goes away. Neither path ever changes the run.
package attach

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/broker"
	"github.com/tombee/runrelay/internal/controller/events"
	"github.com/tombee/runrelay/internal/controller/runner"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// ErrRunCancelled is wrapped by the error Await returns for a run that was
// stopped.
var ErrRunCancelled = errors.New("run was cancelled")

// RunFinder resolves runs within a workspace.
type RunFinder interface {
	FindRun(ctx context.Context, workspaceID, runUUID string) (*backend.Run, error)
}

// OutcomeSource exposes the futures of runs executing in this process.
type OutcomeSource interface {
	Outcome(runUUID string) (*runner.Future, bool)
}

// Metrics observes streaming attaches.
type Metrics interface {
	StreamOpened(ctx context.Context)
	StreamClosed(ctx context.Context)
}

// StreamOptions configures a streaming attach.
type StreamOptions struct {
	// Replay sends retained recent events before live ones.
	Replay bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithOutcomes lets Await use local futures.
func WithOutcomes(src OutcomeSource) Option {
	return func(g *Gateway) { g.outcomes = src }
}

// WithMetrics sets the stream metrics.
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway serves attach requests.
type Gateway struct {
	runs     RunFinder
	broker   broker.Broker
	history  broker.History
	outcomes OutcomeSource
	metrics  Metrics
	logger   *slog.Logger
}

// New creates a gateway.
func New(runs RunFinder, b broker.Broker, opts ...Option) *Gateway {
	g := &Gateway{runs: runs, broker: b}
	if h, ok := b.(broker.History); ok {
		g.history = h
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = log.WithComponent(log.OrDefault(g.logger), "attach")
	return g
}

// Await returns the final response of a run. An errored run returns its
// *errors.UpstreamExecutionError and a cancelled one an *errors.AbortError
// wrapping ErrRunCancelled. If ctx ends first the result is an
// *errors.AbortError wrapping the context error.
func (g *Gateway) Await(ctx context.Context, workspaceID, runUUID string) ([]byte, error) {
	run, err := g.runs.FindRun(ctx, workspaceID, runUUID)
	if err != nil {
		return nil, err
	}

	if g.outcomes != nil {
		if f, ok := g.outcomes.Outcome(run.UUID); ok {
			out, err := f.Wait(ctx)
			if err != nil {
				return nil, err
			}
			return resultOfOutcome(out)
		}
	}
	if run.Status.IsTerminal() {
		return resultOfRecord(run)
	}

	sub, err := g.broker.Subscribe(ctx, events.RunTopic(run.UUID))
	if err != nil {
		return nil, &rrerrors.InfrastructureError{Component: "broker", Operation: "subscribe", Cause: err}
	}
	defer sub.Close()

	// The run may have ended between the first read and the subscribe.
	if run, err = g.runs.FindRun(ctx, workspaceID, runUUID); err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return resultOfRecord(run)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &rrerrors.AbortError{Reason: "client disconnected", Cause: ctx.Err()}
		case msg, ok := <-sub.C():
			if !ok {
				return g.afterLostSubscription(ctx, workspaceID, runUUID, sub.Err())
			}
			ev, err := events.Decode(msg)
			if err != nil {
				g.logger.Warn("skipping undecodable run event", log.String(log.RunUUIDKey, runUUID), log.Error(err))
				continue
			}
			if ended, ok := ev.Ended(); ok {
				return resultOfEnded(runUUID, ended)
			}
		}
	}
}

// afterLostSubscription answers from the record when the broker drops a
// waiting consumer.
func (g *Gateway) afterLostSubscription(ctx context.Context, workspaceID, runUUID string, cause error) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, &rrerrors.AbortError{Reason: "client disconnected", Cause: ctx.Err()}
	}
	run, err := g.runs.FindRun(ctx, workspaceID, runUUID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return resultOfRecord(run)
	}
	if cause == nil {
		cause = broker.ErrClosed
	}
	return nil, &rrerrors.InfrastructureError{Component: "broker", Operation: "subscribe", Cause: cause}
}

// Stream relays a run's events to fw. A finished run produces exactly one
// run-ended frame. Errors returned before the first frame are suitable for
// an ordinary error response; a consumer going away is not an error.
func (g *Gateway) Stream(ctx context.Context, workspaceID, runUUID string, opts StreamOptions, fw FrameWriter) error {
	run, err := g.runs.FindRun(ctx, workspaceID, runUUID)
	if err != nil {
		return err
	}
	logger := log.WithRunContext(g.logger, run.UUID, run.WorkspaceID)

	if run.Status.IsTerminal() {
		return g.writeFinal(fw, run, 0, logger)
	}

	sub, err := g.broker.Subscribe(ctx, events.RunTopic(run.UUID))
	if err != nil {
		return &rrerrors.InfrastructureError{Component: "broker", Operation: "subscribe", Cause: err}
	}
	defer sub.Close()

	if g.metrics != nil {
		g.metrics.StreamOpened(ctx)
		defer g.metrics.StreamClosed(context.WithoutCancel(ctx))
	}

	if run, err = g.runs.FindRun(ctx, workspaceID, runUUID); err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return g.writeFinal(fw, run, 0, logger)
	}

	r := &relay{fw: fw, logger: logger}
	if opts.Replay && g.history != nil {
		done, err := g.replay(ctx, r, run.UUID)
		if err != nil || done {
			return swallowAbort(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Debug("attach consumer went away", slog.Uint64("frames", r.frameID))
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return g.streamLost(ctx, r, workspaceID, runUUID, sub.Err())
			}
			ev, err := events.Decode(msg)
			if err != nil {
				logger.Warn("skipping undecodable run event", log.Error(err))
				continue
			}
			done, err := r.forward(ev, msg)
			if err != nil || done {
				return swallowAbort(err)
			}
		}
	}
}

// replay sends retained events. It reports whether the terminal event was
// among them.
func (g *Gateway) replay(ctx context.Context, r *relay, runUUID string) (bool, error) {
	recent, err := g.history.Recent(ctx, events.RunTopic(runUUID))
	if err != nil {
		r.logger.Warn("replay unavailable, continuing live", log.Error(err))
		return false, nil
	}
	for _, msg := range recent {
		ev, err := events.Decode(msg)
		if err != nil {
			continue
		}
		done, err := r.forward(ev, msg)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

// streamLost finishes a stream whose subscription the broker ended.
func (g *Gateway) streamLost(ctx context.Context, r *relay, workspaceID, runUUID string, cause error) error {
	if ctx.Err() != nil {
		return nil
	}
	run, err := g.runs.FindRun(ctx, workspaceID, runUUID)
	if err == nil && run.Status.IsTerminal() {
		return swallowAbort(g.writeFinal(r.fw, run, r.frameID, r.logger))
	}
	r.logger.Warn("run event subscription lost", log.Error(cause))
	if cause == nil {
		cause = broker.ErrClosed
	}
	return &rrerrors.InfrastructureError{Component: "broker", Operation: "subscribe", Cause: cause}
}

// writeFinal sends a run-ended frame built from the run record.
func (g *Gateway) writeFinal(fw FrameWriter, run *backend.Run, id uint64, logger *slog.Logger) error {
	data, err := finalEvent(run).Encode()
	if err != nil {
		return err
	}
	if err := fw.WriteFrame(Frame{ID: id, Event: string(events.KindRunEnded), Data: data}); err != nil {
		logger.Debug("attach consumer went away before final frame", log.Error(err))
	}
	return nil
}

// relay forwards decoded events in sequence order.
type relay struct {
	fw      FrameWriter
	logger  *slog.Logger
	frameID uint64
	cursor  uint64
}

// forward writes ev unless it was already sent. It reports whether ev ended
// the run.
func (r *relay) forward(ev *events.RunEvent, raw []byte) (bool, error) {
	if r.cursor != 0 && ev.SequenceID <= r.cursor {
		return false, nil
	}
	if r.cursor != 0 && ev.SequenceID > r.cursor+1 {
		r.logger.Warn("gap in run event stream",
			slog.Uint64("expected", r.cursor+1),
			slog.Uint64(log.SequenceKey, ev.SequenceID))
	}

	if err := r.fw.WriteFrame(Frame{ID: r.frameID, Event: ev.Type(), Data: raw}); err != nil {
		return false, &rrerrors.AbortError{Reason: "client disconnected", Cause: err}
	}
	r.frameID++
	r.cursor = ev.SequenceID
	return ev.IsTerminal(), nil
}

func swallowAbort(err error) error {
	if rrerrors.IsAbort(err) {
		return nil
	}
	return err
}

func finalEvent(run *backend.Run) *events.RunEvent {
	ended := events.RunEnded{Status: string(run.Status), Response: run.LastResponse}
	if run.Error != nil {
		ended.Error = &events.Failure{Code: run.Error.Code, Message: run.Error.Message, Details: run.Error.Details}
	}
	at := time.Now().UTC()
	if run.EndedAt != nil {
		at = *run.EndedAt
	}
	return &events.RunEvent{RunUUID: run.UUID, EmittedAt: at, Payload: ended}
}

func resultOfOutcome(out *runner.Outcome) ([]byte, error) {
	switch out.Status {
	case backend.StatusCompleted:
		return out.Response, nil
	case backend.StatusCancelled:
		return nil, cancelledError(out.Err)
	default:
		return nil, out.Err
	}
}

func resultOfRecord(run *backend.Run) ([]byte, error) {
	switch run.Status {
	case backend.StatusCompleted:
		return run.LastResponse, nil
	case backend.StatusCancelled:
		return nil, cancelledError(nil)
	default:
		e := &rrerrors.UpstreamExecutionError{RunUUID: run.UUID, Code: "unknown", Message: "run errored"}
		if run.Error != nil {
			e.Code, e.Message, e.Details = run.Error.Code, run.Error.Message, run.Error.Details
		}
		return nil, e
	}
}

func resultOfEnded(runUUID string, ended events.RunEnded) ([]byte, error) {
	switch backend.RunStatus(ended.Status) {
	case backend.StatusCompleted:
		return ended.Response, nil
	case backend.StatusCancelled:
		return nil, cancelledError(nil)
	default:
		e := &rrerrors.UpstreamExecutionError{RunUUID: runUUID, Code: "unknown", Message: "run errored"}
		if ended.Error != nil {
			e.Code, e.Message, e.Details = ended.Error.Code, ended.Error.Message, ended.Error.Details
		}
		return nil, e
	}
}

func cancelledError(cause error) error {
	reason := "run cancelled"
	var abort *rrerrors.AbortError
	if errors.As(cause, &abort) && abort.Reason != "" {
		reason = abort.Reason
	}
	return &rrerrors.AbortError{Reason: reason, Cause: ErrRunCancelled}
}
