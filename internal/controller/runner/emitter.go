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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/broker"
	"github.com/tombee/runrelay/internal/controller/events"
	"github.com/tombee/runrelay/internal/controller/metrics"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Emitter receives the events of a running chain.
type Emitter interface {
	// Emit publishes payload as the next event of the run. It returns an
	// *errors.AbortError once the run has been cancelled or has ended.
	Emit(ctx context.Context, payload events.Payload) error
}

// runEmitter assigns sequence numbers and fans events out. The mutex is held
// across publish so concurrent emitters cannot reorder a run's stream.
type runEmitter struct {
	run     *backend.Run
	store   backend.RunStore
	broker  broker.Broker
	history broker.History
	replay  int
	metrics MetricsCollector
	logger  *slog.Logger

	// onStep is called after a step-started event is published.
	onStep func(ctx context.Context)

	mu    sync.Mutex
	seq   uint64
	last  json.RawMessage
	ended bool
}

// Emit implements Emitter.
func (e *runEmitter) Emit(ctx context.Context, payload events.Payload) error {
	if payload == nil {
		return &rrerrors.ValidationError{Field: "payload", Message: "is required"}
	}
	if payload.Kind() == events.KindRunEnded {
		return &rrerrors.ValidationError{Field: "payload", Message: "run-ended is emitted by the driver"}
	}
	if ctx.Err() != nil {
		return &rrerrors.AbortError{Reason: "run cancelled", Cause: context.Cause(ctx)}
	}

	if e.emit(ctx, payload) == nil {
		return &rrerrors.AbortError{Reason: "run ended"}
	}

	if payload.Kind() == events.KindStepStarted && e.onStep != nil {
		e.onStep(ctx)
	}
	if resp, ok := events.ResponseOf(payload); ok {
		if err := e.store.UpdateLastResponse(context.WithoutCancel(ctx), e.run.UUID, resp); err != nil {
			metrics.RecordPersistenceError(metrics.OpUpdateLastResponse, err)
			e.logger.Warn("failed to persist last response", log.Error(err))
		}
	}
	return nil
}

// emit publishes payload. Broker failures are logged and counted. Nothing
// is published after run-ended; emit then returns nil.
func (e *runEmitter) emit(ctx context.Context, payload events.Payload) *events.RunEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ended {
		return nil
	}
	if payload.Kind() == events.KindRunEnded {
		e.ended = true
	}
	e.seq++
	ev := &events.RunEvent{
		RunUUID:    e.run.UUID,
		SequenceID: e.seq,
		EmittedAt:  time.Now().UTC(),
		Payload:    payload,
	}
	if resp, ok := events.ResponseOf(payload); ok {
		e.last = resp
	}

	data, err := ev.Encode()
	if err != nil {
		e.logger.Error("failed to encode event", slog.String("type", ev.Type()), log.Error(err))
		return ev
	}

	topic := events.RunTopic(e.run.UUID)
	// Delivery must not depend on the caller still listening.
	pubCtx := context.WithoutCancel(ctx)
	if err := e.broker.Publish(pubCtx, topic, data); err != nil {
		metrics.RecordBrokerError(metrics.OpPublish)
		if e.metrics != nil {
			e.metrics.RecordPublishFailure(pubCtx)
		}
		e.logger.Warn("failed to publish event",
			slog.Uint64(log.SequenceKey, ev.SequenceID),
			slog.String("type", ev.Type()),
			log.Error(err))
	}
	if e.history != nil && e.replay > 0 {
		if err := e.history.Append(pubCtx, topic, data, e.replay); err != nil {
			metrics.RecordBrokerError(metrics.OpAppendHistory)
			e.logger.Warn("failed to append event history", log.Error(err))
		}
	}
	return ev
}

// lastResponse returns the most recent materialized response.
func (e *runEmitter) lastResponse() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// sequence returns the last assigned sequence number.
func (e *runEmitter) sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
