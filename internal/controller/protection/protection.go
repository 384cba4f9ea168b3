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

// Package protection implements clients for the cluster scheduler's task
// scale-in protection API.
package protection

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tombee/runrelay/internal/config"
	"github.com/tombee/runrelay/internal/controller/jobs"
)

var (
	_ jobs.Protector = Noop{}
	_ jobs.Protector = (*ECSAgentClient)(nil)
	_ jobs.Protector = (*ECSAPIClient)(nil)
)

// Noop accepts every call. It is used outside managed clusters.
type Noop struct{}

// SetProtection implements jobs.Protector.
func (Noop) SetProtection(context.Context, bool) error { return nil }

// New builds the protector selected by cfg.
func New(ctx context.Context, cfg config.ProtectionConfig, logger *slog.Logger) (jobs.Protector, error) {
	switch cfg.Type {
	case "", "none":
		return Noop{}, nil
	case "ecs-agent":
		uri := cfg.AgentURI
		if uri == "" {
			uri = os.Getenv("ECS_AGENT_URI")
		}
		if uri == "" {
			return nil, fmt.Errorf("protection: ecs-agent requires agent_uri or ECS_AGENT_URI")
		}
		return NewECSAgentClient(uri, cfg.ExpiresInMinutes, logger)
	case "ecs-api":
		return NewECSAPIClient(ctx, ECSAPIConfig{
			Cluster:          cfg.Cluster,
			TaskARN:          cfg.TaskARN,
			Region:           cfg.Region,
			ExpiresInMinutes: cfg.ExpiresInMinutes,
		})
	default:
		return nil, fmt.Errorf("protection: unknown type %q", cfg.Type)
	}
}
