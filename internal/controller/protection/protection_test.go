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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/runrelay/internal/config"
)

type agentServer struct {
	mu       sync.Mutex
	requests []agentRequest
	status   []int
	reply    string
}

func (s *agentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Method != http.MethodPut || r.URL.Path != agentStatePath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var req agentRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.requests = append(s.requests, req)

	if len(s.status) > 0 {
		code := s.status[0]
		s.status = s.status[1:]
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if s.reply != "" {
		_, _ = w.Write([]byte(s.reply))
		return
	}
	_, _ = w.Write([]byte(`{"protection":{"ProtectionEnabled":true}}`))
}

func TestECSAgentClient_Enable(t *testing.T) {
	agent := &agentServer{}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c, err := NewECSAgentClient(srv.URL+"/", 90, nil)
	require.NoError(t, err)

	require.NoError(t, c.SetProtection(context.Background(), true))
	require.NoError(t, c.SetProtection(context.Background(), false))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.requests, 2)
	assert.Equal(t, agentRequest{ProtectionEnabled: true, ExpiresInMinutes: 90}, agent.requests[0])
	assert.Equal(t, agentRequest{ProtectionEnabled: false}, agent.requests[1])
}

func TestECSAgentClient_RetriesServerErrors(t *testing.T) {
	agent := &agentServer{status: []int{http.StatusInternalServerError}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c, err := NewECSAgentClient(srv.URL, 60, nil)
	require.NoError(t, err)
	require.NoError(t, c.SetProtection(context.Background(), true))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Len(t, agent.requests, 2)
}

func TestECSAgentClient_Failure(t *testing.T) {
	agent := &agentServer{reply: `{"failure":{"Code":"TASK_NOT_FOUND","Reason":"gone"}}`}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c, err := NewECSAgentClient(srv.URL, 60, nil)
	require.NoError(t, err)

	err = c.SetProtection(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASK_NOT_FOUND")
}

func TestECSAgentClient_ClientError(t *testing.T) {
	agent := &agentServer{status: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(agent)
	defer srv.Close()

	c, err := NewECSAgentClient(srv.URL, 60, nil)
	require.NoError(t, err)

	err = c.SetProtection(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

type fakeECS struct {
	inputs []*ecs.UpdateTaskProtectionInput
	out    *ecs.UpdateTaskProtectionOutput
	err    error
}

func (f *fakeECS) UpdateTaskProtection(ctx context.Context, in *ecs.UpdateTaskProtectionInput, _ ...func(*ecs.Options)) (*ecs.UpdateTaskProtectionOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.out != nil {
		return f.out, nil
	}
	return &ecs.UpdateTaskProtectionOutput{}, nil
}

func TestECSAPIClient(t *testing.T) {
	api := &fakeECS{}
	c := NewECSAPIClientWith(api, ECSAPIConfig{Cluster: "prod", TaskARN: "arn:task/1", ExpiresInMinutes: 45})

	require.NoError(t, c.SetProtection(context.Background(), true))
	require.NoError(t, c.SetProtection(context.Background(), false))

	require.Len(t, api.inputs, 2)
	assert.Equal(t, "prod", aws.ToString(api.inputs[0].Cluster))
	assert.Equal(t, []string{"arn:task/1"}, api.inputs[0].Tasks)
	assert.True(t, api.inputs[0].ProtectionEnabled)
	assert.Equal(t, int32(45), aws.ToInt32(api.inputs[0].ExpiresInMinutes))
	assert.False(t, api.inputs[1].ProtectionEnabled)
	assert.Nil(t, api.inputs[1].ExpiresInMinutes)
}

func TestECSAPIClient_Failures(t *testing.T) {
	api := &fakeECS{out: &ecs.UpdateTaskProtectionOutput{
		Failures: []types.Failure{{Arn: aws.String("arn:task/1"), Reason: aws.String("MISSING")}},
	}}
	c := NewECSAPIClientWith(api, ECSAPIConfig{Cluster: "prod", TaskARN: "arn:task/1"})
	err := c.SetProtection(context.Background(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")

	api = &fakeECS{err: errors.New("throttled")}
	c = NewECSAPIClientWith(api, ECSAPIConfig{Cluster: "prod", TaskARN: "arn:task/1"})
	assert.ErrorContains(t, c.SetProtection(context.Background(), false), "throttled")
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, config.ProtectionConfig{Type: "none"}, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, p)
	assert.NoError(t, p.SetProtection(ctx, true))

	t.Setenv("ECS_AGENT_URI", "http://169.254.170.2/v3/abc")
	p, err = New(ctx, config.ProtectionConfig{Type: "ecs-agent", ExpiresInMinutes: 60}, nil)
	require.NoError(t, err)
	agent, ok := p.(*ECSAgentClient)
	require.True(t, ok)
	assert.Equal(t, "http://169.254.170.2/v3/abc/task-protection/v1/state", agent.url)

	_, err = New(ctx, config.ProtectionConfig{Type: "ecs-api"}, nil)
	assert.Error(t, err)

	_, err = New(ctx, config.ProtectionConfig{Type: "k8s"}, nil)
	assert.Error(t, err)
}
