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

package attach

import (
	"bytes"
	"fmt"
	"net/http"
)

// Frame is one outbound server-sent event.
type Frame struct {
	// ID is connection-local and starts at 0. It is unrelated to the run's
	// sequence id.
	ID    uint64
	Event string
	Data  []byte
}

// FrameWriter delivers frames to one consumer.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// SSEWriter writes frames as text/event-stream.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter returns a writer for w, or an error if w cannot stream.
// Headers are sent with the first frame so that callers can still answer
// with an ordinary error response before anything is streamed.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Started reports whether any frame has been written.
func (s *SSEWriter) Started() bool {
	return s.started
}

// WriteFrame implements FrameWriter.
func (s *SSEWriter) WriteFrame(f Frame) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %d\n", f.ID)
	if f.Event != "" {
		fmt.Fprintf(&buf, "event: %s\n", f.Event)
	}
	// Each line of a multi-line payload needs its own data field.
	for _, line := range bytes.Split(f.Data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
