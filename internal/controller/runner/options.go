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
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/runrelay/internal/controller/queue"
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) { d.logger = logger }
}

// WithExecutor sets the chain executor that performs the steps of a run.
func WithExecutor(executor ChainExecutor) Option {
	return func(d *Driver) { d.executor = executor }
}

// WithTracker sets the job tracker notified as runs start and finish.
func WithTracker(tracker Tracker) Option {
	return func(d *Driver) { d.tracker = tracker }
}

// WithQueue sets the queue Submit hands new runs to.
func WithQueue(q queue.Queue) Option {
	return func(d *Driver) { d.queue = q }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics MetricsCollector) Option {
	return func(d *Driver) { d.metrics = metrics }
}

// WithTracer sets the tracer used for run spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Driver) { d.tracer = tracer }
}
