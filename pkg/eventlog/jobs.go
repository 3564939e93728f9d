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
	"fmt"
	"time"

	"github.com/kandra-ai/kandra/pkg/jobs"
)

// CreateJob inserts a new job record. Missing identity and lifecycle
// fields are filled in: a fresh short id, CREATED status, and creation
// timestamps.
func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is required")
	}
	if job.RepoURL == "" {
		return fmt.Errorf("repo_url is required")
	}

	if job.ID == "" {
		job.ID = jobs.NewID()
	}
	if job.Status == "" {
		job.Status = jobs.StatusCreated
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	query := `
INSERT INTO jobs (id, status, repo_url, repo_name, target_stack, workspace_path, plan, analysis, error, current_iteration, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if s.dialect == "postgres" {
		query = `
INSERT INTO jobs (id, status, repo_url, repo_name, target_stack, workspace_path, plan, analysis, error, current_iteration, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`
	}

	_, err := s.db.ExecContext(ctx, query,
		job.ID, string(job.Status), job.RepoURL, job.RepoName, job.TargetStack,
		job.WorkspacePath, job.Plan, job.Analysis, job.Error,
		job.CurrentIteration, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	query := `
SELECT id, status, repo_url, repo_name, target_stack, workspace_path, plan, analysis, error, current_iteration, created_at, updated_at
FROM jobs
WHERE id = ?
`
	if s.dialect == "postgres" {
		query = `
SELECT id, status, repo_url, repo_name, target_stack, workspace_path, plan, analysis, error, current_iteration, created_at, updated_at
FROM jobs
WHERE id = $1
`
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns all jobs, most recently created first.
func (s *Store) ListJobs(ctx context.Context) ([]*jobs.Job, error) {
	query := `
SELECT id, status, repo_url, repo_name, target_stack, workspace_path, plan, analysis, error, current_iteration, created_at, updated_at
FROM jobs
ORDER BY created_at DESC
`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var list []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return list, nil
}

// UpdateJobStatus sets a job's status.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status jobs.Status) error {
	return s.updateJobColumn(ctx, id, "status", string(status))
}

// SetJobPlan stores the serialized plan produced by the planner.
func (s *Store) SetJobPlan(ctx context.Context, id, plan string) error {
	return s.updateJobColumn(ctx, id, "plan", plan)
}

// SetJobAnalysis stores the serialized analyzer result.
func (s *Store) SetJobAnalysis(ctx context.Context, id, analysis string) error {
	return s.updateJobColumn(ctx, id, "analysis", analysis)
}

// SetJobError stores a job's error text without touching its status.
func (s *Store) SetJobError(ctx context.Context, id, message string) error {
	return s.updateJobColumn(ctx, id, "error", message)
}

// SetJobIteration records the executor's current phase for diagnostics.
func (s *Store) SetJobIteration(ctx context.Context, id string, iteration int) error {
	return s.updateJobColumn(ctx, id, "current_iteration", iteration)
}

// FailJob moves a job to FAILED and records the error text in one write.
func (s *Store) FailJob(ctx context.Context, id, message string) error {
	query := `UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`
	if s.dialect == "postgres" {
		query = `UPDATE jobs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`
	}

	res, err := s.db.ExecContext(ctx, query, string(jobs.StatusFailed), message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return requireRow(res, id)
}

// updateJobColumn rewrites a single job column plus updated_at. The
// column name always comes from a compile-time constant above, never
// from input.
func (s *Store) updateJobColumn(ctx context.Context, id, column string, value any) error {
	query := fmt.Sprintf("UPDATE jobs SET %s = ?, updated_at = ? WHERE id = ?", column)
	if s.dialect == "postgres" {
		query = fmt.Sprintf("UPDATE jobs SET %s = $1, updated_at = $2 WHERE id = $3", column)
	}

	res, err := s.db.ExecContext(ctx, query, value, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", column, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanJob(sc scanner) (*jobs.Job, error) {
	var (
		job    jobs.Job
		status string
	)
	err := sc.Scan(
		&job.ID, &status, &job.RepoURL, &job.RepoName, &job.TargetStack,
		&job.WorkspacePath, &job.Plan, &job.Analysis, &job.Error,
		&job.CurrentIteration, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Status = jobs.Status(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}
