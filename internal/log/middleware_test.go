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

package log

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPMiddleware_LogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	handler := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/runs/abc/attach", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON output: %v", err)
	}
	if entry["level"] != "WARN" {
		t.Errorf("expected WARN for 404, got %v", entry["level"])
	}
	if entry["path"] != "/v1/runs/abc/attach" {
		t.Errorf("unexpected path %v", entry["path"])
	}
	if entry["status"] != float64(http.StatusNotFound) {
		t.Errorf("unexpected status %v", entry["status"])
	}
	if entry["component"] != "http" {
		t.Errorf("unexpected component %v", entry["component"])
	}
}

func TestHTTPMiddleware_PreservesFlusher(t *testing.T) {
	logger := New(&Config{Level: "error", Format: FormatJSON, Output: &bytes.Buffer{}})

	var flushable bool
	handler := HTTPMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if !flushable {
		t.Error("wrapped writer should implement http.Flusher")
	}
}
