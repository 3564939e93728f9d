// Copyright 2025 Kandra Authors
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

// Package events defines the engine's event taxonomy, the wire envelope,
// the in-process pub/sub bus, and the emitter that fans events out to the
// persistent log and the bus.
package events

import "time"

// Event types carried in envelopes. Every state change, agent action, and
// terminal line flows through exactly one of these.
const (
	TypeJobCreated        = "job_created"
	TypeStatusChanged     = "status_changed"
	TypePlanGenerating    = "plan_generating"
	TypePlanChunk         = "plan_chunk"
	TypePlanComplete      = "plan_complete"
	TypePlanApproved      = "plan_approved"
	TypePlanRejected      = "plan_rejected"
	TypePhaseStarted      = "phase_started"
	TypePhaseCompleted    = "phase_completed"
	TypePhaseError        = "phase_error"
	TypeAgentThought      = "agent_thought"
	TypeTerminalOutput    = "terminal_output"
	TypeFileModified      = "file_modified"
	TypeCleanupStatus     = "cleanup_status"
	TypeActivityUpdate    = "activity_update"
	TypeStuckWarning      = "stuck_warning"
	TypeExecutionComplete = "execution_complete"
	TypeExecutionError    = "execution_error"
	TypeAuditStarted      = "audit_started"
	TypeAuditComplete     = "audit_complete"
	TypeAuditError        = "audit_error"
	TypePRCreated         = "pr_created"
	TypeError             = "error"
)

// Control frame types sent on the stream but never persisted.
const (
	TypeConnected = "connected"
	TypePong      = "pong"
	TypeHeartbeat = "heartbeat"
)

// Envelope is the wire shape of a single event. Control frames omit
// Payload and Timestamp.
type Envelope struct {
	Type      string         `json:"type"`
	JobID     string         `json:"job_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// NewEnvelope builds an event envelope stamped with the current UTC time.
func NewEnvelope(eventType, jobID string, payload map[string]any) Envelope {
	return Envelope{
		Type:      eventType,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// JobChannel returns the bus channel name for a job's event stream.
func JobChannel(jobID string) string {
	return "job:" + jobID
}
