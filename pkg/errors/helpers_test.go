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

package errors_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

func TestWrap(t *testing.T) {
	if rrerrors.Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := &rrerrors.NotFoundError{Resource: "run", ID: "abc"}
	wrapped := rrerrors.Wrapf(base, "attaching to %s", "abc")
	if wrapped.Error() != "attaching to abc: run not found: abc" {
		t.Errorf("unexpected message %q", wrapped.Error())
	}
	if !rrerrors.IsNotFound(wrapped) {
		t.Error("wrapped NotFoundError should still be detected")
	}
}

func TestIsAbort(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"abort error", &rrerrors.AbortError{Reason: "client disconnected"}, true},
		{"context canceled", context.Canceled, true},
		{"wrapped canceled", fmt.Errorf("reading: %w", context.Canceled), true},
		{"deadline", context.DeadlineExceeded, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rrerrors.IsAbort(tt.err); got != tt.want {
				t.Errorf("IsAbort() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", &rrerrors.ValidationError{Message: "bad"}, http.StatusBadRequest},
		{"not found", &rrerrors.NotFoundError{Resource: "run", ID: "x"}, http.StatusNotFound},
		{"upstream", &rrerrors.UpstreamExecutionError{RunUUID: "x", Message: "provider failed"}, http.StatusUnprocessableEntity},
		{"conflict", &rrerrors.ConflictError{Resource: "run", ID: "x", Reason: "claimed"}, http.StatusConflict},
		{"transition", &rrerrors.StateTransitionError{RunUUID: "x", From: "completed", To: "errored"}, http.StatusConflict},
		{"infrastructure", &rrerrors.InfrastructureError{Component: "broker", Operation: "publish"}, http.StatusServiceUnavailable},
		{"abort", &rrerrors.AbortError{}, rrerrors.StatusClientClosedRequest},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rrerrors.HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClassification(t *testing.T) {
	infra := rrerrors.Wrap(&rrerrors.InfrastructureError{Component: "broker", Operation: "publish", Cause: errors.New("dial tcp")}, "emitting")
	if !rrerrors.IsRetryable(infra) {
		t.Error("infrastructure errors should be retryable")
	}
	if rrerrors.TypeOf(infra) != "infrastructure" {
		t.Errorf("TypeOf() = %q", rrerrors.TypeOf(infra))
	}
	if rrerrors.IsRetryable(errors.New("plain")) {
		t.Error("unclassified errors should not be retryable")
	}
	if rrerrors.TypeOf(errors.New("plain")) != "internal" {
		t.Error("unclassified errors should be internal")
	}
}

func TestUpstreamExecutionError_Error(t *testing.T) {
	err := &rrerrors.UpstreamExecutionError{RunUUID: "r1", Code: "rate_limited", Message: "slow down"}
	if err.Error() != "run r1 failed (rate_limited): slow down" {
		t.Errorf("unexpected message %q", err.Error())
	}
	noCode := &rrerrors.UpstreamExecutionError{RunUUID: "r1", Message: "boom"}
	if noCode.Error() != "run r1 failed: boom" {
		t.Errorf("unexpected message %q", noCode.Error())
	}
}
