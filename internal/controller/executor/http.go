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

// Package executor runs chains on a remote execution service.
//
// The service receives one POST per run and answers with a stream of
// newline-delimited JSON lines. Each line is either a run event
// ({"type": kind, "payload": {...}}) or the final line, which has type
// "result" carrying {"response": ...} or type "failure" carrying
// {"code", "message", "details"}. The driver emits run-started and
// run-ended itself, so those lines are ignored.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tombee/runrelay/internal/controller/backend"
	"github.com/tombee/runrelay/internal/controller/events"
	"github.com/tombee/runrelay/internal/controller/runner"
	"github.com/tombee/runrelay/internal/log"
	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Line types that end the stream.
const (
	lineResult  = "result"
	lineFailure = "failure"
)

// maxLineSize bounds one NDJSON line.
const maxLineSize = 4 << 20

// Request is the body sent to the execution service.
type Request struct {
	RunUUID      string `json:"runUuid"`
	WorkspaceID  string `json:"workspaceId"`
	ProjectID    string `json:"projectId"`
	DocumentUUID string `json:"documentUuid"`
	CommitUUID   string `json:"commitUuid"`
	Source       string `json:"source,omitempty"`
}

type line struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message,omitempty"`
	Details  json.RawMessage `json:"details,omitempty"`
}

// HTTPExecutor implements runner.ChainExecutor against an execution
// service.
type HTTPExecutor struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

var _ runner.ChainExecutor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor posting to url with client. The
// client's timeout must allow for the longest run.
func NewHTTPExecutor(url string, headers map[string]string, client *http.Client, logger *slog.Logger) *HTTPExecutor {
	return &HTTPExecutor{
		url:     url,
		headers: headers,
		client:  client,
		logger:  log.WithComponent(log.OrDefault(logger), "executor"),
	}
}

// Execute posts the run and relays streamed events to emit.
func (e *HTTPExecutor) Execute(ctx context.Context, run *backend.Run, emit runner.Emitter) (json.RawMessage, error) {
	body, err := json.Marshal(Request{
		RunUUID:      run.UUID,
		WorkspaceID:  run.WorkspaceID,
		ProjectID:    run.ProjectID,
		DocumentUUID: run.DocumentUUID,
		CommitUUID:   run.CommitUUID,
		Source:       run.Source,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &rrerrors.InfrastructureError{Component: "executor", Operation: "execute", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, statusError(run.UUID, resp)
	}
	return e.relay(ctx, run, resp.Body, emit)
}

func (e *HTTPExecutor) relay(ctx context.Context, run *backend.Run, r io.Reader, emit runner.Emitter) (json.RawMessage, error) {
	logger := log.WithRunContext(e.logger, run.UUID, run.WorkspaceID)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, malformed(run.UUID, err)
		}

		switch l.Type {
		case lineResult:
			return l.Response, nil
		case lineFailure:
			code := l.Code
			if code == "" {
				code = "chain_failed"
			}
			return nil, &rrerrors.UpstreamExecutionError{RunUUID: run.UUID, Code: code, Message: l.Message, Details: l.Details}
		case "", string(events.KindRunStarted), string(events.KindRunEnded):
			logger.Debug("ignoring executor line", slog.String("type", l.Type))
			continue
		}

		payload, err := events.DecodePayload(events.Kind(l.Type), l.Payload)
		if err != nil {
			return nil, malformed(run.UUID, err)
		}
		if err := emit.Emit(ctx, payload); err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &rrerrors.InfrastructureError{Component: "executor", Operation: "read stream", Cause: err}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &rrerrors.UpstreamExecutionError{
		RunUUID: run.UUID,
		Code:    "stream_truncated",
		Message: "execution stream ended without a result",
	}
}

func statusError(runUUID string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &rrerrors.InfrastructureError{
			Component: "executor",
			Operation: "execute",
			Cause:     fmt.Errorf("execution service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	var failure line
	if json.Unmarshal(msg, &failure) == nil && failure.Code != "" {
		return &rrerrors.UpstreamExecutionError{RunUUID: runUUID, Code: failure.Code, Message: failure.Message, Details: failure.Details}
	}
	return &rrerrors.UpstreamExecutionError{
		RunUUID: runUUID,
		Code:    "rejected",
		Message: fmt.Sprintf("execution service returned %d", resp.StatusCode),
	}
}

func malformed(runUUID string, err error) error {
	return &rrerrors.UpstreamExecutionError{
		RunUUID: runUUID,
		Code:    "malformed_stream",
		Message: err.Error(),
	}
}
