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

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

// Store is the persistence the service needs: job rows plus the
// append-only event log. Implemented by the eventlog store.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context) ([]*Job, error)
	UpdateJobStatus(ctx context.Context, id string, status Status) error
	FailJob(ctx context.Context, id, message string) error
	List(ctx context.Context, jobID string, sinceID int64, limit int) ([]events.Event, error)
	LatestByType(ctx context.Context, jobID, eventType string) (events.Event, error)
}

// Planner generates a migration plan for a job, emitting plan events as
// it goes. A nil return means a plan_complete event has been stored.
type Planner interface {
	Plan(ctx context.Context, job *Job) error
}

// Executor runs an approved plan to completion inside the job's
// workspace.
type Executor interface {
	ExecutePlan(ctx context.Context, job *Job, plan map[string]any) error
}

// Auditor certifies a finished migration and writes the report under
// the workspace's reports directory.
type Auditor interface {
	Audit(ctx context.Context, job *Job) error
}

// Config wires the service's collaborators. Store, Emitter, and
// Workspaces are required; agents may be left nil in deployments that
// do not expose the corresponding operations.
type Config struct {
	Store      Store
	Emitter    *events.Emitter
	Workspaces *workspace.Manager
	Planner    Planner
	Executor   Executor
	Auditor    Auditor
}

// Service owns the job lifecycle: creation, the planning and approval
// gates, and spawning the executor under the global execution lock.
// All state transitions go through it, and each one emits a
// status_changed event.
type Service struct {
	store      Store
	emitter    *events.Emitter
	workspaces *workspace.Manager
	planner    Planner
	executor   Executor
	auditor    Auditor

	// execLock serializes executors across jobs. The host is assumed to
	// be memory-constrained; approvals queue behind it.
	execLock *semaphore.Weighted

	// mu makes each state gate check-then-set atomic in-process.
	mu sync.Mutex
}

// NewService creates the job service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if cfg.Workspaces == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	return &Service{
		store:      cfg.Store,
		emitter:    cfg.Emitter,
		workspaces: cfg.Workspaces,
		planner:    cfg.Planner,
		executor:   cfg.Executor,
		auditor:    cfg.Auditor,
		execLock:   semaphore.NewWeighted(1),
	}, nil
}

// CreateRequest describes a new migration job.
type CreateRequest struct {
	RepoURL     string `json:"repo_url"`
	RepoName    string `json:"repo_name,omitempty"`
	TargetStack string `json:"target_stack"`
	Session     string `json:"session,omitempty"`
}

// Create provisions a workspace for the repository, persists the job in
// CREATED, and emits job_created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if strings.TrimSpace(req.RepoURL) == "" {
		return nil, &ValidationError{Detail: "repo_url is required"}
	}
	if strings.TrimSpace(req.TargetStack) == "" {
		return nil, &ValidationError{Detail: "target_stack is required"}
	}
	repoName := req.RepoName
	if repoName == "" {
		repoName = repoNameFrom(req.RepoURL)
	}

	ws, err := s.workspaces.Provision(ctx, req.RepoURL, repoName, req.Session, false)
	if err != nil {
		return nil, fmt.Errorf("failed to provision workspace: %w", err)
	}

	job := &Job{
		ID:            NewID(),
		Status:        StatusCreated,
		RepoURL:       req.RepoURL,
		RepoName:      repoName,
		TargetStack:   req.TargetStack,
		WorkspacePath: ws.Root,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	if _, err := s.emitter.Emit(ctx, job.ID, events.TypeJobCreated, map[string]any{
		"repo_name":    repoName,
		"target_stack": req.TargetStack,
	}); err != nil {
		return nil, err
	}

	slog.Info("Job created", "job_id", job.ID, "repo", repoName, "target_stack", req.TargetStack)
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns all jobs, newest first.
func (s *Service) List(ctx context.Context) ([]*Job, error) {
	return s.store.ListJobs(ctx)
}

// Events returns a job's persisted events in ascending order, for
// catching up after a reconnect.
func (s *Service) Events(ctx context.Context, id string, sinceID int64, limit int) ([]events.Event, error) {
	return s.store.List(ctx, id, sinceID, limit)
}

// StartPlanning moves the job to PLANNING and runs the planner in the
// background. Allowed from CREATED (first plan) and FAILED (re-plan).
func (s *Service) StartPlanning(ctx context.Context, id string) error {
	if s.planner == nil {
		return fmt.Errorf("no planner is configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusCreated && job.Status != StatusFailed {
		return transitionError(job.Status, "Cannot start planning from status: %s", job.Status)
	}

	if err := s.transition(ctx, job.ID, StatusPlanning, nil); err != nil {
		return err
	}

	go s.runPlanner(context.WithoutCancel(ctx), job)
	return nil
}

func (s *Service) runPlanner(ctx context.Context, job *Job) {
	if err := s.planner.Plan(ctx, job); err != nil {
		slog.Error("Planning failed", "job_id", job.ID, "error", err)
		s.fail(ctx, job.ID, err)
		return
	}
	if err := s.transition(ctx, job.ID, StatusAwaitingApproval, nil); err != nil {
		slog.Error("Failed to record planning completion", "job_id", job.ID, "error", err)
	}
}

// Approve re-reads the latest stored plan, moves the job to EXECUTING,
// and spawns the executor behind the global execution lock. The
// plan_approved and status_changed events are emitted before the
// executor goroutine starts.
func (s *Service) Approve(ctx context.Context, id string) error {
	if s.executor == nil {
		return fmt.Errorf("no executor is configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusAwaitingApproval {
		return transitionError(job.Status, "Cannot approve from status: %s. Expected AWAITING_APPROVAL", job.Status)
	}

	plan, err := s.latestPlan(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.UpdateJobStatus(ctx, id, StatusExecuting); err != nil {
		return err
	}
	s.emitter.EmitOrLog(ctx, id, events.TypePlanApproved, nil)
	s.emitter.EmitOrLog(ctx, id, events.TypeStatusChanged, map[string]any{"status": string(StatusExecuting)})

	job.Status = StatusExecuting
	go s.runExecutor(context.WithoutCancel(ctx), job, plan)
	return nil
}

func (s *Service) runExecutor(ctx context.Context, job *Job, plan map[string]any) {
	slog.Info("Waiting for execution lock", "job_id", job.ID)
	if err := s.execLock.Acquire(ctx, 1); err != nil {
		s.fail(ctx, job.ID, fmt.Errorf("failed to acquire execution lock: %w", err))
		return
	}
	defer s.execLock.Release(1)
	slog.Info("Execution lock acquired, launching executor", "job_id", job.ID)

	if err := s.executor.ExecutePlan(ctx, job, plan); err != nil {
		slog.Error("Execution failed", "job_id", job.ID, "error", err)
		s.fail(ctx, job.ID, err)
		return
	}
	if err := s.transition(ctx, job.ID, StatusCompleted, nil); err != nil {
		slog.Error("Failed to record execution completion", "job_id", job.ID, "error", err)
	}
}

// Reject returns an AWAITING_APPROVAL job to CREATED so planning can be
// triggered again, recording the reviewer's feedback.
func (s *Service) Reject(ctx context.Context, id, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusAwaitingApproval {
		return transitionError(job.Status, "Cannot reject from status: %s", job.Status)
	}

	if err := s.store.UpdateJobStatus(ctx, id, StatusCreated); err != nil {
		return err
	}
	s.emitter.EmitOrLog(ctx, id, events.TypePlanRejected, map[string]any{"feedback": feedback})
	s.emitter.EmitOrLog(ctx, id, events.TypeStatusChanged, map[string]any{"status": string(StatusCreated)})
	return nil
}

// StartAudit runs the auditor in the background. The auditor owns the
// audit_started/audit_complete/audit_error events and the report file.
func (s *Service) StartAudit(ctx context.Context, id string) error {
	if s.auditor == nil {
		return fmt.Errorf("no auditor is configured")
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	go func(ctx context.Context) {
		if err := s.auditor.Audit(ctx, job); err != nil {
			slog.Error("Audit failed", "job_id", job.ID, "error", err)
		}
	}(context.WithoutCancel(ctx))
	return nil
}

// AuditReport returns the job's persisted audit report.
func (s *Service) AuditReport(ctx context.Context, id string) (map[string]any, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	path := workspace.Open(job.WorkspacePath).AuditReportPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrReportMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit report: %w", err)
	}

	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("audit report is corrupt: %w", err)
	}
	return report, nil
}

// transition updates the job's status and emits status_changed. When
// failure is non-nil the error text is stored and included in the
// event.
func (s *Service) transition(ctx context.Context, id string, to Status, failure error) error {
	payload := map[string]any{"status": string(to)}

	if failure != nil {
		if err := s.store.FailJob(ctx, id, failure.Error()); err != nil {
			return err
		}
		payload["error"] = failure.Error()
	} else if err := s.store.UpdateJobStatus(ctx, id, to); err != nil {
		return err
	}

	s.emitter.EmitOrLog(ctx, id, events.TypeStatusChanged, payload)
	return nil
}

func (s *Service) fail(ctx context.Context, id string, cause error) {
	if err := s.transition(ctx, id, StatusFailed, cause); err != nil {
		slog.Error("Failed to mark job failed", "job_id", id, "error", err)
	}
}

// latestPlan re-reads the newest plan_complete event and parses its
// plan payload.
func (s *Service) latestPlan(ctx context.Context, id string) (map[string]any, error) {
	ev, err := s.store.LatestByType(ctx, id, events.TypePlanComplete)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrPlanMissing
		}
		return nil, err
	}

	switch raw := ev.Payload["plan"].(type) {
	case string:
		var plan map[string]any
		if err := json.Unmarshal([]byte(raw), &plan); err != nil {
			slog.Error("Stored plan failed to parse", "job_id", id, "error", err)
			return nil, ErrPlanInvalid
		}
		return plan, nil
	case map[string]any:
		return raw, nil
	default:
		return nil, ErrPlanInvalid
	}
}

// repoNameFrom derives a short repository name from its URL: the final
// path segment with any .git suffix removed.
func repoNameFrom(repoURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(repoURL), "/")
	trimmed = strings.TrimSuffix(trimmed, ".git")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.LastIndex(trimmed, ":"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return "repo"
	}
	return trimmed
}
