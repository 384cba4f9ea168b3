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

package protection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/runrelay/pkg/httpclient"
)

// agentStatePath is the task protection endpoint relative to ECS_AGENT_URI.
const agentStatePath = "/task-protection/v1/state"

// ECSAgentClient toggles protection through the ECS container agent
// endpoint available inside every task.
type ECSAgentClient struct {
	url     string
	expires int
	client  *http.Client
}

type agentRequest struct {
	ProtectionEnabled bool `json:"ProtectionEnabled"`
	ExpiresInMinutes  int  `json:"ExpiresInMinutes,omitempty"`
}

type agentResponse struct {
	Protection json.RawMessage `json:"protection,omitempty"`
	Failure    *agentFailure   `json:"failure,omitempty"`
	Error      *agentFailure   `json:"error,omitempty"`
}

type agentFailure struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
	Reason  string `json:"Reason"`
}

func (f *agentFailure) String() string {
	msg := f.Message
	if msg == "" {
		msg = f.Reason
	}
	return fmt.Sprintf("%s: %s", f.Code, msg)
}

// NewECSAgentClient creates a client for the agent at agentURI.
func NewECSAgentClient(agentURI string, expiresInMinutes int, logger *slog.Logger) (*ECSAgentClient, error) {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.Logger = logger
	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, err
	}
	return &ECSAgentClient{
		url:     strings.TrimRight(agentURI, "/") + agentStatePath,
		expires: expiresInMinutes,
		client:  client,
	}, nil
}

// SetProtection implements jobs.Protector.
func (c *ECSAgentClient) SetProtection(ctx context.Context, enabled bool) error {
	body := agentRequest{ProtectionEnabled: enabled}
	if enabled {
		body.ExpiresInMinutes = c.expires
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ecs agent: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("ecs agent: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ecs agent: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out agentResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("ecs agent: decode response: %w", err)
		}
	}
	if out.Failure != nil {
		return fmt.Errorf("ecs agent: %s", out.Failure)
	}
	if out.Error != nil {
		return fmt.Errorf("ecs agent: %s", out.Error)
	}
	return nil
}
