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

package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"zero timeout":       func(c *Config) { c.Timeout = 0 },
		"negative retries":   func(c *Config) { c.RetryAttempts = -1 },
		"zero backoff":       func(c *Config) { c.RetryBackoff = 0 },
		"max below initial":  func(c *Config) { c.MaxBackoff = c.RetryBackoff / 2 },
		"missing user agent": func(c *Config) { c.UserAgent = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestPutIsRetriedWithBody(t *testing.T) {
	var attempts atomic.Int32
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		assert.Equal(t, "runrelay/1.0", r.Header.Get("User-Agent"))
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := New(fastConfig())
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPut, srv.URL, bytes.NewBufferString(`{"on":true}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"on":true}`, `{"on":true}`, `{"on":true}`}, bodies)
}

func TestPostIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := New(fastConfig())
	require.NoError(t, err)

	resp, err := client.Post(srv.URL, "application/json", bytes.NewBufferString("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := New(fastConfig())
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 2
	client, err := New(cfg)
	require.NoError(t, err)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryBackoff = time.Second
	client, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	assert.Error(t, err)
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryAfter("2"))
	assert.Zero(t, retryAfter(""))
	assert.Zero(t, retryAfter("soon"))
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	assert.Greater(t, retryAfter(future), 30*time.Second)
}

func TestSanitizeURL(t *testing.T) {
	u, err := url.Parse("http://agent/v1/state?api_key=abc&task=1&Token=x")
	require.NoError(t, err)
	out := sanitizeURL(u)
	assert.NotContains(t, out, "abc")
	assert.NotContains(t, out, "Token=x")
	assert.Contains(t, out, "task=1")
}
