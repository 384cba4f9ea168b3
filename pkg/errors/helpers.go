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
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := store.ClaimRun(ctx, id); err != nil {
//	    return errors.Wrap(err, "claiming run")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type,
// and if one is found, sets target to that error value and returns true.
//
// Usage:
//
//	var notFound *NotFoundError
//	if errors.As(err, &notFound) {
//	    log.Printf("missing %s", notFound.ID)
//	}
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is, or wraps, a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsAbort reports whether err represents a consumer disconnect or stop.
// A bare context.Canceled counts as an abort.
func IsAbort(err error) bool {
	var ab *AbortError
	return errors.As(err, &ab) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether the first classified error in err's chain is
// retryable. Unclassified errors are not.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}

// TypeOf returns the classifier type of err, or "internal".
func TypeOf(err error) string {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.ErrorType()
	}
	return "internal"
}

// StatusClientClosedRequest is the non-standard status used when the caller
// went away before a response was produced.
const StatusClientClosedRequest = 499

// HTTPStatus maps an error onto the HTTP status code used by the API.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		upstream   *UpstreamExecutionError
		conflict   *ConflictError
		transition *StateTransitionError
		infra      *InfrastructureError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &upstream):
		return http.StatusUnprocessableEntity
	case errors.As(err, &conflict), errors.As(err, &transition):
		return http.StatusConflict
	case errors.As(err, &infra):
		return http.StatusServiceUnavailable
	case IsAbort(err):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
