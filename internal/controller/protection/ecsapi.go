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
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

// ECSAPI is the subset of the ECS client used here.
type ECSAPI interface {
	UpdateTaskProtection(ctx context.Context, params *ecs.UpdateTaskProtectionInput, optFns ...func(*ecs.Options)) (*ecs.UpdateTaskProtectionOutput, error)
}

// ECSAPIConfig identifies the task to protect.
type ECSAPIConfig struct {
	Cluster          string
	TaskARN          string
	Region           string
	ExpiresInMinutes int
}

// ECSAPIClient toggles protection through the ECS control plane API. It is
// used when the agent endpoint is unreachable, for example from a sidecar.
type ECSAPIClient struct {
	api     ECSAPI
	cluster string
	task    string
	expires int32
}

// NewECSAPIClient loads AWS credentials from the default chain.
func NewECSAPIClient(ctx context.Context, cfg ECSAPIConfig) (*ECSAPIClient, error) {
	if cfg.Cluster == "" || cfg.TaskARN == "" {
		return nil, fmt.Errorf("protection: ecs-api requires cluster and task_arn")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("protection: load aws config: %w", err)
	}
	return NewECSAPIClientWith(ecs.NewFromConfig(awsCfg), cfg), nil
}

// NewECSAPIClientWith uses an existing ECS client.
func NewECSAPIClientWith(api ECSAPI, cfg ECSAPIConfig) *ECSAPIClient {
	return &ECSAPIClient{
		api:     api,
		cluster: cfg.Cluster,
		task:    cfg.TaskARN,
		expires: int32(cfg.ExpiresInMinutes),
	}
}

// SetProtection implements jobs.Protector.
func (c *ECSAPIClient) SetProtection(ctx context.Context, enabled bool) error {
	in := &ecs.UpdateTaskProtectionInput{
		Cluster:           aws.String(c.cluster),
		Tasks:             []string{c.task},
		ProtectionEnabled: enabled,
	}
	if enabled && c.expires > 0 {
		in.ExpiresInMinutes = aws.Int32(c.expires)
	}

	out, err := c.api.UpdateTaskProtection(ctx, in)
	if err != nil {
		return fmt.Errorf("ecs: update task protection: %w", err)
	}
	if len(out.Failures) > 0 {
		f := out.Failures[0]
		return fmt.Errorf("ecs: update task protection: %s: %s", aws.ToString(f.Arn), aws.ToString(f.Reason))
	}
	return nil
}
