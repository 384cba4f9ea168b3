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

// RunTopic carries the fine-grained events of one run.
func RunTopic(runUUID string) string {
	return "runs:" + runUUID
}

// ControlTopic carries stop commands for one run.
func ControlTopic(runUUID string) string {
	return "runs:" + runUUID + ":control"
}

// WorkspaceTopic carries lifecycle messages for every run of a workspace.
func WorkspaceTopic(workspaceID string) string {
	return "workspaces:" + workspaceID + ":runs"
}
