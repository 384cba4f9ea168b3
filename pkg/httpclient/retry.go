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
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type retryTransport struct {
	base        http.RoundTripper
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	methods     map[string]bool
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	methods := make(map[string]bool, len(cfg.RetryMethods))
	for _, m := range cfg.RetryMethods {
		methods[strings.ToUpper(m)] = true
	}
	return &retryTransport{
		base:        base,
		maxAttempts: cfg.RetryAttempts + 1,
		backoff:     cfg.RetryBackoff,
		maxBackoff:  cfg.MaxBackoff,
		methods:     methods,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// A body that cannot be rewound can only be sent once.
	if !t.methods[req.Method] || (req.Body != nil && req.Body != http.NoBody && req.GetBody == nil) {
		return t.base.RoundTrip(req)
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			delay := t.delay(attempt-1, resp)
			if resp != nil {
				resp.Body.Close()
			}
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
			if req, err = rewind(req); err != nil {
				return nil, err
			}
		}

		resp, err = t.base.RoundTrip(req)
		if attempt == t.maxAttempts {
			return resp, err
		}
		if err != nil {
			if !retryableError(err) {
				return nil, err
			}
			resp = nil
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
	}
}

func rewind(req *http.Request) (*http.Request, error) {
	if req.GetBody == nil {
		return req, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

// delay returns the exponential backoff for the given retry with up to 20%
// jitter, shortened to a server's Retry-After when that is sooner.
func (t *retryTransport) delay(retry int, last *http.Response) time.Duration {
	d := t.backoff << (retry - 1)
	if d > t.maxBackoff || d <= 0 {
		d = t.maxBackoff
	}
	d += time.Duration(rand.Int63n(int64(d)/5 + 1))

	if last != nil {
		if ra := retryAfter(last.Header.Get("Retry-After")); ra > 0 && ra < d {
			d = ra
		}
	}
	return d
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}
