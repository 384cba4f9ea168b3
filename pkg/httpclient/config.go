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
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the HTTP client.
type Config struct {
	// Timeout bounds a whole request including retries. Must be > 0.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first try.
	// Zero disables retries.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry. It doubles on each
	// subsequent retry up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// UserAgent is sent on every request. Required.
	UserAgent string

	// RetryMethods lists the methods that may be retried. The default is
	// GET, HEAD, OPTIONS and PUT; callers that make idempotent calls with
	// other methods add them here.
	RetryMethods []string

	// Logger receives request logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  100 * time.Millisecond,
		MaxBackoff:    5 * time.Second,
		UserAgent:     "runrelay/1.0",
		RetryMethods:  []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
