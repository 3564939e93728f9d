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

package events

import "time"

// Event is one persisted log entry. Per job, events are totally ordered
// by (created_at, id); the log is append-only.
type Event struct {
	ID           int64          `json:"id"`
	JobID        string         `json:"job_id"`
	Type         string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	IsCheckpoint bool           `json:"is_checkpoint,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Envelope converts a persisted event to its wire shape, used when a
// stream replays history: replayed and live events look identical.
func (e Event) Envelope() Envelope {
	return Envelope{
		Type:      e.Type,
		JobID:     e.JobID,
		Payload:   e.Payload,
		Timestamp: e.CreatedAt.UTC().Format(time.RFC3339),
	}
}
