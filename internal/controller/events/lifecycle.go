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

package events

import (
	"encoding/json"
	"time"

	"github.com/tombee/runrelay/internal/controller/backend"
)

// LifecycleType tags a coarse workspace-level run notification.
type LifecycleType string

const (
	LifecycleStarted LifecycleType = "run-started"
	LifecycleUpdated LifecycleType = "run-updated"
	LifecycleEnded   LifecycleType = "run-ended"
)

// RunSummary is the run snapshot pushed to workspace rooms.
type RunSummary struct {
	UUID         string     `json:"uuid"`
	DocumentUUID string     `json:"documentUuid"`
	CommitUUID   string     `json:"commitUuid"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Lifecycle is published on a workspace topic whenever a run starts,
// changes noticeably, or ends.
type Lifecycle struct {
	Type        LifecycleType `json:"type"`
	WorkspaceID string        `json:"workspaceId"`
	ProjectID   string        `json:"projectId"`
	Run         RunSummary    `json:"run"`
}

// NewLifecycle builds a lifecycle message from a run record.
func NewLifecycle(t LifecycleType, run *backend.Run) Lifecycle {
	return Lifecycle{
		Type:        t,
		WorkspaceID: run.WorkspaceID,
		ProjectID:   run.ProjectID,
		Run: RunSummary{
			UUID:         run.UUID,
			DocumentUUID: run.DocumentUUID,
			CommitUUID:   run.CommitUUID,
			Status:       string(run.Status),
			StartedAt:    run.StartedAt,
			EndedAt:      run.EndedAt,
		},
	}
}

// Encode serializes the message.
func (l Lifecycle) Encode() ([]byte, error) {
	return json.Marshal(l)
}

// StopCommand asks the process that owns a run to cancel it.
type StopCommand struct {
	RunUUID     string    `json:"runUuid"`
	Reason      string    `json:"reason,omitempty"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Encode serializes the command.
func (c StopCommand) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeStopCommand parses a stop command.
func DecodeStopCommand(data []byte) (StopCommand, error) {
	var c StopCommand
	err := json.Unmarshal(data, &c)
	return c, err
}
