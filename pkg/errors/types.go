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

package errors

import (
	"encoding/json"
	"fmt"
)

// ValidationError represents request or input validation failures.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) ErrorType() string { return "validation" }
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// A run that exists but belongs to another workspace is reported with this
// type too, so callers cannot probe for run identifiers across tenants.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "room")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) ErrorType() string { return "not_found" }
func (e *NotFoundError) IsRetryable() bool { return false }

// AbortError signals that a consumer disconnected or a run was stopped.
// It is an expected outcome and must not be reported as a failure.
type AbortError struct {
	// Reason is a short description such as "client disconnected"
	Reason string

	// Cause is the underlying error, usually context.Canceled
	Cause error
}

// Error implements the error interface.
func (e *AbortError) Error() string {
	if e.Reason == "" {
		return "aborted"
	}
	return fmt.Sprintf("aborted: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *AbortError) Unwrap() error {
	return e.Cause
}

func (e *AbortError) ErrorType() string { return "aborted" }
func (e *AbortError) IsRetryable() bool { return false }

// UpstreamExecutionError is the run's own domain failure (a provider or
// chain error). It is carried verbatim to every attached consumer.
type UpstreamExecutionError struct {
	// RunUUID identifies the failed run
	RunUUID string

	// Code is the machine-readable failure code reported by the chain
	Code string

	// Message is the human-readable failure message
	Message string

	// Details holds any structured detail reported with the failure
	Details json.RawMessage
}

// Error implements the error interface.
func (e *UpstreamExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("run %s failed (%s): %s", e.RunUUID, e.Code, e.Message)
	}
	return fmt.Sprintf("run %s failed: %s", e.RunUUID, e.Message)
}

func (e *UpstreamExecutionError) ErrorType() string { return "upstream_execution" }
func (e *UpstreamExecutionError) IsRetryable() bool { return false }

// InfrastructureError represents unavailability of a collaborator such as
// the event broker, the record store, or the scale-protection API.
type InfrastructureError struct {
	// Component names the failing collaborator (e.g., "broker", "protection")
	Component string

	// Operation describes what was being attempted
	Operation string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InfrastructureError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s failed", e.Component, e.Operation)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Component, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InfrastructureError) Unwrap() error {
	return e.Cause
}

func (e *InfrastructureError) ErrorType() string { return "infrastructure" }
func (e *InfrastructureError) IsRetryable() bool { return true }

// ConflictError reports that a conditional write lost, for example a second
// worker trying to claim a run that is already running.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s conflict: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) ErrorType() string { return "conflict" }
func (e *ConflictError) IsRetryable() bool { return false }

// StateTransitionError reports an illegal run status move, such as
// re-entering a terminal state with a different status.
type StateTransitionError struct {
	RunUUID string
	From    string
	To      string
}

// Error implements the error interface.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition %s -> %s", e.RunUUID, e.From, e.To)
}

func (e *StateTransitionError) ErrorType() string { return "state_transition" }
func (e *StateTransitionError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "broker.redis.addr")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

func (e *ConfigError) ErrorType() string { return "config" }
func (e *ConfigError) IsRetryable() bool { return false }
