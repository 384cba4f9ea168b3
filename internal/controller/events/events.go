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

// Package events defines the run event protocol shared by the run driver,
// the attach gateway and the realtime notifier.
//
// A RunEvent is a tagged union: the envelope carries the run, a per-run
// sequence number and a type tag, and the payload is one of a closed set of
// structs. Envelopes are versioned so a gateway running older code can still
// relay payload kinds it does not know about.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	rrerrors "github.com/tombee/runrelay/pkg/errors"
)

// Version is the envelope version written by this package.
const Version = 1

// Kind tags a payload.
type Kind string

const (
	KindRunStarted         Kind = "run-started"
	KindStepStarted        Kind = "step-started"
	KindProviderCompleted  Kind = "provider-completed"
	KindChainStepCompleted Kind = "chain-step-completed"
	KindToolCall           Kind = "tool-call"
	KindToolResult         Kind = "tool-result"
	KindError              Kind = "error"
	KindRunEnded           Kind = "run-ended"
)

// Payload is implemented by every event payload.
type Payload interface {
	Kind() Kind
}

// RunStarted is emitted once, right after the run is claimed.
type RunStarted struct {
	ProjectID    string `json:"projectId"`
	DocumentUUID string `json:"documentUuid"`
	CommitUUID   string `json:"commitUuid"`
}

// StepStarted marks the beginning of a chain step.
type StepStarted struct {
	StepIndex int    `json:"stepIndex"`
	Name      string `json:"name,omitempty"`
}

// Usage is token accounting reported by a provider.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ProviderCompleted carries the response of one provider call.
type ProviderCompleted struct {
	StepIndex int             `json:"stepIndex"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Response  json.RawMessage `json:"response"`
	Usage     *Usage          `json:"usage,omitempty"`
}

// ChainStepCompleted carries the response of a finished chain step.
type ChainStepCompleted struct {
	StepIndex int             `json:"stepIndex"`
	Response  json.RawMessage `json:"response"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// ErrorNotice reports a recoverable error during the run. It does not end
// the run.
type ErrorNotice struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Failure describes why a run errored.
type Failure struct {
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// RunEnded is the terminal event of every run.
type RunEnded struct {
	// Status is completed, errored or cancelled.
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *Failure        `json:"error,omitempty"`
}

// Unknown holds a payload of a kind this build does not know. It is relayed
// as-is.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (RunStarted) Kind() Kind         { return KindRunStarted }
func (StepStarted) Kind() Kind        { return KindStepStarted }
func (ProviderCompleted) Kind() Kind  { return KindProviderCompleted }
func (ChainStepCompleted) Kind() Kind { return KindChainStepCompleted }
func (ToolCall) Kind() Kind           { return KindToolCall }
func (ToolResult) Kind() Kind         { return KindToolResult }
func (ErrorNotice) Kind() Kind        { return KindError }
func (RunEnded) Kind() Kind           { return KindRunEnded }
func (u Unknown) Kind() Kind          { return Kind(u.Type) }

// MarshalJSON emits the raw payload unchanged.
func (u Unknown) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

// RunEvent is one event of one run.
type RunEvent struct {
	RunUUID    string
	SequenceID uint64
	EmittedAt  time.Time
	Payload    Payload

	// raw is the payload exactly as received, when decoded from the wire.
	raw json.RawMessage
}

// IsTerminal reports whether this is the run's final event.
func (e *RunEvent) IsTerminal() bool {
	return e.Payload != nil && e.Payload.Kind() == KindRunEnded
}

// Type returns the payload kind as a string.
func (e *RunEvent) Type() string {
	if e.Payload == nil {
		return ""
	}
	return string(e.Payload.Kind())
}

// Ended returns the terminal payload, if this is the terminal event.
func (e *RunEvent) Ended() (RunEnded, bool) {
	switch p := e.Payload.(type) {
	case RunEnded:
		return p, true
	case *RunEnded:
		return *p, true
	}
	return RunEnded{}, false
}

// envelope is the wire form of a RunEvent.
type envelope struct {
	V          int             `json:"v"`
	RunUUID    string          `json:"runUuid"`
	SequenceID uint64          `json:"sequenceId"`
	Type       string          `json:"type"`
	EmittedAt  time.Time       `json:"emittedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Encode serializes the event envelope.
func (e *RunEvent) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MarshalJSON implements json.Marshaler.
func (e *RunEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, &rrerrors.ValidationError{Field: "payload", Message: "run event has no payload"}
	}
	payload := e.raw
	if payload == nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", e.Payload.Kind(), err)
		}
	}
	return json.Marshal(envelope{
		V:          Version,
		RunUUID:    e.RunUUID,
		SequenceID: e.SequenceID,
		Type:       string(e.Payload.Kind()),
		EmittedAt:  e.EmittedAt,
		Payload:    payload,
	})
}

// Decode parses an envelope. Payloads of unknown kinds decode to Unknown.
func Decode(data []byte) (*RunEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding run event: %w", err)
	}
	if env.V < 1 {
		return nil, &rrerrors.ValidationError{Field: "v", Message: fmt.Sprintf("unsupported run event version %d", env.V)}
	}
	if env.Type == "" {
		return nil, &rrerrors.ValidationError{Field: "type", Message: "run event has no type"}
	}

	payload, err := DecodePayload(Kind(env.Type), env.Payload)
	if err != nil {
		return nil, err
	}
	return &RunEvent{
		RunUUID:    env.RunUUID,
		SequenceID: env.SequenceID,
		EmittedAt:  env.EmittedAt,
		Payload:    payload,
		raw:        env.Payload,
	}, nil
}

// DecodePayload parses a payload of the given kind. Unknown kinds decode to
// Unknown.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var p Payload
	var err error
	switch kind {
	case KindRunStarted:
		p, err = unmarshalAs[RunStarted](raw)
	case KindStepStarted:
		p, err = unmarshalAs[StepStarted](raw)
	case KindProviderCompleted:
		p, err = unmarshalAs[ProviderCompleted](raw)
	case KindChainStepCompleted:
		p, err = unmarshalAs[ChainStepCompleted](raw)
	case KindToolCall:
		p, err = unmarshalAs[ToolCall](raw)
	case KindToolResult:
		p, err = unmarshalAs[ToolResult](raw)
	case KindError:
		p, err = unmarshalAs[ErrorNotice](raw)
	case KindRunEnded:
		p, err = unmarshalAs[RunEnded](raw)
	default:
		return Unknown{Type: string(kind), Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	return p, nil
}

func unmarshalAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ResponseOf returns the materialized response carried by a payload, if any.
// Provider and chain-step completions update a run's last response.
func ResponseOf(p Payload) (json.RawMessage, bool) {
	switch v := p.(type) {
	case ProviderCompleted:
		return v.Response, len(v.Response) > 0
	case *ProviderCompleted:
		return v.Response, len(v.Response) > 0
	case ChainStepCompleted:
		return v.Response, len(v.Response) > 0
	case *ChainStepCompleted:
		return v.Response, len(v.Response) > 0
	}
	return nil, false
}
