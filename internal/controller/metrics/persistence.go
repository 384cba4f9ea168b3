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

// Package metrics holds process-wide Prometheus counters for failures that
// are tolerated rather than surfaced.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

var (
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runrelay_persistence_errors_total",
			Help: "Run record store operations that failed and were tolerated",
		},
		[]string{"operation", "error_type"},
	)

	brokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runrelay_broker_errors_total",
			Help: "Broker operations that failed and were tolerated",
		},
		[]string{"operation"},
	)
)

// Store operations reported by RecordPersistenceError.
const (
	OpUpdateLastResponse = "UpdateLastResponse"
	OpMarkTerminal       = "MarkTerminal"
	OpFindRun            = "FindRun"
)

// Broker operations reported by RecordBrokerError.
const (
	OpPublish       = "publish"
	OpSubscribe     = "subscribe"
	OpAppendHistory = "append_history"
)

// RecordPersistenceError counts a tolerated store failure.
func RecordPersistenceError(operation string, err error) {
	persistenceErrors.WithLabelValues(operation, errorType(err)).Inc()
}

// RecordBrokerError counts a tolerated broker failure.
func RecordBrokerError(operation string) {
	brokerErrors.WithLabelValues(operation).Inc()
}

func errorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	}
	return rrerrors.TypeOf(err)
}
