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

package tracing

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsCollector records run, stream, and protection metrics.
type MetricsCollector struct {
	meter metric.Meter

	runsTotal       metric.Int64Counter
	runDuration     metric.Float64Histogram
	publishFailures metric.Int64Counter
	protectionCalls metric.Int64Counter
	streamsActive   metric.Int64UpDownCounter

	activeRuns atomic.Int64

	queueMu    sync.RWMutex
	queueDepth func() int
}

// NewMetricsCollector creates the instruments on the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("runrelay")
	mc := &MetricsCollector{meter: meter}

	var err error
	mc.runsTotal, err = meter.Int64Counter(
		"runrelay_runs_total",
		metric.WithDescription("Runs that reached a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.runDuration, err = meter.Float64Histogram(
		"runrelay_run_duration_seconds",
		metric.WithDescription("Run execution time from claim to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.publishFailures, err = meter.Int64Counter(
		"runrelay_event_publish_failures_total",
		metric.WithDescription("Run events that could not be published to the broker"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.protectionCalls, err = meter.Int64Counter(
		"runrelay_protection_calls_total",
		metric.WithDescription("Scale-in protection changes sent to the platform"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	mc.streamsActive, err = meter.Int64UpDownCounter(
		"runrelay_attach_streams_active",
		metric.WithDescription("Open streaming attaches"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runrelay_active_runs",
		metric.WithDescription("Runs currently executing on this instance"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(mc.activeRuns.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"runrelay_queue_depth",
		metric.WithDescription("Runs waiting in the local start queue"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			mc.queueMu.RLock()
			depth := mc.queueDepth
			mc.queueMu.RUnlock()
			if depth != nil {
				o.Observe(int64(depth()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart marks a run as executing.
func (mc *MetricsCollector) RecordRunStart(ctx context.Context) {
	mc.activeRuns.Add(1)
}

// RecordRunEnd records a finished run.
func (mc *MetricsCollector) RecordRunEnd(ctx context.Context, status string, duration time.Duration) {
	mc.activeRuns.Add(-1)
	attrs := metric.WithAttributes(attribute.String("status", status))
	mc.runsTotal.Add(ctx, 1, attrs)
	mc.runDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPublishFailure counts an event the broker rejected.
func (mc *MetricsCollector) RecordPublishFailure(ctx context.Context) {
	mc.publishFailures.Add(ctx, 1)
}

// StreamOpened counts a streaming attach that started.
func (mc *MetricsCollector) StreamOpened(ctx context.Context) {
	mc.streamsActive.Add(ctx, 1)
}

// StreamClosed counts a streaming attach that ended.
func (mc *MetricsCollector) StreamClosed(ctx context.Context) {
	mc.streamsActive.Add(ctx, -1)
}

// ObserveProtectionCall records the outcome of a protection change.
func (mc *MetricsCollector) ObserveProtectionCall(enabled bool, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	mc.protectionCalls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("enabled", strconv.FormatBool(enabled)),
		attribute.String("result", result),
	))
}

// ObserveQueue reports depth as the queue depth gauge.
func (mc *MetricsCollector) ObserveQueue(depth func() int) {
	mc.queueMu.Lock()
	mc.queueDepth = depth
	mc.queueMu.Unlock()
}
