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

// Package httpclient builds HTTP clients for calls runrelay makes to
// infrastructure endpoints such as the ECS agent.
//
// Clients retry transient failures (5xx, 408, 429, and connection errors)
// with exponential backoff and jitter, honour Retry-After, rewind request
// bodies between attempts, and log each attempt with query secrets redacted.
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/tombee/runrelay/internal/log"
)

// New creates an HTTP client from cfg.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}

	logger := log.WithComponent(log.OrDefault(cfg.Logger), "httpclient")
	var rt http.RoundTripper = newLoggingTransport(base, cfg.UserAgent, logger)
	if cfg.RetryAttempts > 0 {
		rt = newRetryTransport(rt, cfg)
	}

	return &http.Client{Transport: rt, Timeout: cfg.Timeout}, nil
}
