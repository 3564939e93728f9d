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

// Package jobs defines the migration job model, its lifecycle state
// machine, and the service that drives jobs from creation through
// planning, approval, and execution.
package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job's lifecycle state. Transitions are enforced by the
// Service; every transition emits a status_changed event.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusPlanning         Status = "PLANNING"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusExecuting        Status = "EXECUTING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
)

// Job is a single migration: one source repository being rewritten into
// one target stack inside a dedicated workspace. Plan and Analysis hold
// serialized JSON produced by the planner and analyzer.
type Job struct {
	ID               string    `json:"id"`
	Status           Status    `json:"status"`
	RepoURL          string    `json:"repo_url"`
	RepoName         string    `json:"repo_name"`
	TargetStack      string    `json:"target_stack"`
	WorkspacePath    string    `json:"workspace_path,omitempty"`
	Plan             string    `json:"-"`
	Analysis         string    `json:"-"`
	Error            string    `json:"error,omitempty"`
	CurrentIteration int       `json:"current_iteration"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewID returns a short job identifier: the first 8 characters of a
// random UUID, matching the ids that appear in workspace paths and the
// event stream.
func NewID() string {
	return uuid.NewString()[:8]
}
