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

package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandra-ai/kandra/pkg/events"
)

// Append persists an event and returns its assigned sequence id and
// timestamp. This satisfies events.Sink: the emitter broadcasts each
// event with the timestamp assigned here.
func (s *Store) Append(ctx context.Context, jobID, eventType string, payload map[string]any) (int64, time.Time, error) {
	if jobID == "" {
		return 0, time.Time{}, fmt.Errorf("job_id is required")
	}
	if eventType == "" {
		return 0, time.Time{}, fmt.Errorf("event_type is required")
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to serialize payload: %w", err)
	}

	at := s.now()

	if s.dialect == "postgres" {
		query := `
INSERT INTO job_events (job_id, event_type, payload, is_checkpoint, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id
`
		var id int64
		if err := s.db.QueryRowContext(ctx, query, jobID, eventType, raw, false, at).Scan(&id); err != nil {
			return 0, time.Time{}, fmt.Errorf("failed to insert event: %w", err)
		}
		return id, at, nil
	}

	query := `
INSERT INTO job_events (job_id, event_type, payload, is_checkpoint, created_at)
VALUES (?, ?, ?, ?, ?)
`
	res, err := s.db.ExecContext(ctx, query, jobID, eventType, raw, false, at)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read event id: %w", err)
	}
	return id, at, nil
}

// List returns a job's events ordered ascending by (created_at, id).
// sinceID > 0 skips events at or below that id; limit > 0 caps the
// result size.
func (s *Store) List(ctx context.Context, jobID string, sinceID int64, limit int) ([]events.Event, error) {
	query := `
SELECT id, job_id, event_type, payload, is_checkpoint, created_at
FROM job_events
WHERE job_id = ? AND id > ?
ORDER BY created_at, id
`
	if s.dialect == "postgres" {
		query = `
SELECT id, job_id, event_type, payload, is_checkpoint, created_at
FROM job_events
WHERE job_id = $1 AND id > $2
ORDER BY created_at, id
`
	}
	args := []any{jobID, sinceID}
	if limit > 0 {
		if s.dialect == "postgres" {
			query += "LIMIT $3\n"
		} else {
			query += "LIMIT ?\n"
		}
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var list []events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return list, nil
}

// LatestByType returns the most recent event of the given type for a
// job, or ErrNotFound when the job has none.
func (s *Store) LatestByType(ctx context.Context, jobID, eventType string) (events.Event, error) {
	query := `
SELECT id, job_id, event_type, payload, is_checkpoint, created_at
FROM job_events
WHERE job_id = ? AND event_type = ?
ORDER BY created_at DESC, id DESC
LIMIT 1
`
	if s.dialect == "postgres" {
		query = `
SELECT id, job_id, event_type, payload, is_checkpoint, created_at
FROM job_events
WHERE job_id = $1 AND event_type = $2
ORDER BY created_at DESC, id DESC
LIMIT 1
`
	}

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, jobID, eventType))
	if err == sql.ErrNoRows {
		return events.Event{}, fmt.Errorf("no %s event for job %s: %w", eventType, jobID, ErrNotFound)
	}
	if err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (events.Event, error) {
	var (
		ev  events.Event
		raw string
	)
	if err := sc.Scan(&ev.ID, &ev.JobID, &ev.Type, &raw, &ev.IsCheckpoint, &ev.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return events.Event{}, err
		}
		return events.Event{}, fmt.Errorf("failed to scan event: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
		return events.Event{}, fmt.Errorf("failed to deserialize payload: %w", err)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
