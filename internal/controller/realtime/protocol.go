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

package realtime

// Message types exchanged with browser clients. Run lifecycle messages are
// relayed unchanged and carry their own type.
const (
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeJoinAck = "join-ack"
	TypeLeft    = "left"
	TypeError   = "error"
)

// Error codes sent in error messages.
const (
	CodeInvalidMessage = "invalid_message"
	CodeForbidden      = "forbidden"
	CodeRateLimited    = "rate_limited"
	CodeUnavailable    = "unavailable"
	CodeRoomLost       = "room_lost"
)

// ClientMessage is a message sent by a client.
type ClientMessage struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// ServerMessage is a control message sent to a client.
type ServerMessage struct {
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}
