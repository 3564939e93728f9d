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

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kandra-ai/kandra/pkg/observability"
)

// Sink persists events before they are broadcast. Implemented by the
// eventlog store. Append returns the log's sequence id and the timestamp
// the log assigned; the broadcast envelope carries that timestamp, never
// a fresh one, so replayed and live events agree.
type Sink interface {
	Append(ctx context.Context, jobID, eventType string, payload map[string]any) (int64, time.Time, error)
}

// Emitter writes an event to the persistent log and then broadcasts it on
// the bus. Persistence failures abort the emit; broadcast can never lose
// an event for a connected subscriber, and a job with no subscribers is
// not an error.
type Emitter struct {
	sink Sink
	bus  *Bus
}

// NewEmitter creates an emitter over the given sink and bus.
func NewEmitter(sink Sink, bus *Bus) *Emitter {
	return &Emitter{sink: sink, bus: bus}
}

// Emit persists the event, then publishes it to the job's channel.
// The returned id is the event's log sequence number.
func (e *Emitter) Emit(ctx context.Context, jobID, eventType string, payload map[string]any) (int64, error) {
	id, at, err := e.sink.Append(ctx, jobID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to persist %s event: %w", eventType, err)
	}

	env := Envelope{
		Type:      eventType,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	e.bus.Publish(JobChannel(jobID), env)

	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordEvent(ctx, eventType)
	}

	return id, nil
}

// EmitOrLog is Emit for callers on paths where an emit failure must not
// abort the surrounding work; the error is logged and swallowed.
func (e *Emitter) EmitOrLog(ctx context.Context, jobID, eventType string, payload map[string]any) {
	if _, err := e.Emit(ctx, jobID, eventType, payload); err != nil {
		slog.Error("Failed to emit event", "type", eventType, "job_id", jobID, "error", err)
	}
}

// Bus returns the underlying bus, for stream subscribers.
func (e *Emitter) Bus() *Bus {
	return e.bus
}
