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

package jobs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/eventlog"
	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

const testPlanJSON = `{"transformation":{"target_stack":"Fastify + TypeScript"},"phases":[{"id":1,"title":"Scaffold"}]}`

// stubCloner fills source/ with one file instead of running git.
type stubCloner struct{}

func (stubCloner) Clone(_ context.Context, _ string, dir string) error {
	return os.WriteFile(filepath.Join(dir, "app.py"), []byte("print('ok')\n"), 0o644)
}

type fakePlanner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePlanner) Plan(_ context.Context, _ *jobs.Job) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.err
}

func (p *fakePlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeExecutor struct {
	mu          sync.Mutex
	inflight    int
	maxInflight int
	plans       []map[string]any
	delay       time.Duration
	err         error
}

func (e *fakeExecutor) ExecutePlan(_ context.Context, _ *jobs.Job, plan map[string]any) error {
	e.mu.Lock()
	e.inflight++
	if e.inflight > e.maxInflight {
		e.maxInflight = e.inflight
	}
	e.mu.Unlock()

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	e.inflight--
	e.plans = append(e.plans, plan)
	e.mu.Unlock()
	return e.err
}

type fakeAuditor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAuditor) Audit(_ context.Context, _ *jobs.Job) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.err
}

type testHarness struct {
	svc      *jobs.Service
	store    *eventlog.Store
	planner  *fakePlanner
	executor *fakeExecutor
	auditor  *fakeAuditor
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := eventlog.NewStore(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: filepath.Join(t.TempDir(), "kandra.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager, err := workspace.NewManager(&config.WorkspaceConfig{BasePath: t.TempDir()}, stubCloner{})
	require.NoError(t, err)

	h := &testHarness{
		store:    store,
		planner:  &fakePlanner{},
		executor: &fakeExecutor{},
		auditor:  &fakeAuditor{},
	}
	h.svc, err = jobs.NewService(jobs.Config{
		Store:      store,
		Emitter:    events.NewEmitter(store, events.NewBus()),
		Workspaces: manager,
		Planner:    h.planner,
		Executor:   h.executor,
		Auditor:    h.auditor,
	})
	require.NoError(t, err)
	return h
}

func (h *testHarness) createJob(t *testing.T) *jobs.Job {
	t.Helper()
	job, err := h.svc.Create(context.Background(), jobs.CreateRequest{
		RepoURL:     "https://example.com/acme/legacy-api.git",
		TargetStack: "Fastify + TypeScript",
	})
	require.NoError(t, err)
	return job
}

func (h *testHarness) waitForStatus(t *testing.T, id string, want jobs.Status) *jobs.Job {
	t.Helper()
	var job *jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.svc.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

// findEvent returns the index of the first event of the given type; a
// non-empty status additionally matches the payload's status field.
func findEvent(evs []events.Event, eventType, status string) int {
	for i, ev := range evs {
		if ev.Type != eventType {
			continue
		}
		if status == "" || ev.Payload["status"] == status {
			return i
		}
	}
	return -1
}

func TestService_Create(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	job := h.createJob(t)

	assert.Len(t, job.ID, 8)
	assert.Equal(t, jobs.StatusCreated, job.Status)
	assert.Equal(t, "legacy-api", job.RepoName, "name derives from the URL")
	assert.Equal(t, "Fastify + TypeScript", job.TargetStack)

	// Workspace layout was provisioned, including the stub clone.
	for _, dir := range []string{"source", "target", ".kandra", "reports"} {
		assert.DirExists(t, filepath.Join(job.WorkspacePath, dir))
	}
	assert.FileExists(t, filepath.Join(job.WorkspacePath, "source", "app.py"))

	stored, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)

	evs, err := h.svc.Events(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeJobCreated, evs[0].Type)
	assert.Equal(t, "legacy-api", evs[0].Payload["repo_name"])
	assert.Equal(t, "Fastify + TypeScript", evs[0].Payload["target_stack"])
}

func TestService_Create_Validation(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, jobs.CreateRequest{TargetStack: "Go"})
	var ve *jobs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "repo_url is required", ve.Detail)

	_, err = h.svc.Create(ctx, jobs.CreateRequest{RepoURL: "https://example.com/r.git"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "target_stack is required", ve.Detail)
}

func TestService_Get_NotFound(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.svc.Get(context.Background(), "zzzzzzzz")
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestService_StartPlanning(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)

	require.NoError(t, h.svc.StartPlanning(ctx, job.ID))
	h.waitForStatus(t, job.ID, jobs.StatusAwaitingApproval)
	assert.Equal(t, 1, h.planner.callCount())

	evs, err := h.svc.Events(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	planning := findEvent(evs, events.TypeStatusChanged, "PLANNING")
	awaiting := findEvent(evs, events.TypeStatusChanged, "AWAITING_APPROVAL")
	require.GreaterOrEqual(t, planning, 0)
	require.GreaterOrEqual(t, awaiting, 0)
	assert.Less(t, planning, awaiting)
}

func TestService_StartPlanning_Gate(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)

	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusExecuting))

	err := h.svc.StartPlanning(ctx, job.ID)
	var te *jobs.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Cannot start planning from status: EXECUTING", te.Detail)
	assert.Equal(t, jobs.StatusExecuting, te.From)

	stored, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusExecuting, stored.Status, "gate must not mutate state")
	assert.Zero(t, h.planner.callCount())
}

func TestService_StartPlanning_AllowedFromFailed(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)

	require.NoError(t, h.store.FailJob(ctx, job.ID, "planner crashed"))

	require.NoError(t, h.svc.StartPlanning(ctx, job.ID))
	h.waitForStatus(t, job.ID, jobs.StatusAwaitingApproval)
}

func TestService_PlanningFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)
	h.planner.err = errors.New("model returned garbage")

	require.NoError(t, h.svc.StartPlanning(ctx, job.ID))

	failed := h.waitForStatus(t, job.ID, jobs.StatusFailed)
	assert.Contains(t, failed.Error, "model returned garbage")

	evs, err := h.svc.Events(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	idx := findEvent(evs, events.TypeStatusChanged, "FAILED")
	require.GreaterOrEqual(t, idx, 0)
	assert.Contains(t, evs[idx].Payload["error"], "model returned garbage")
}

func TestService_Approve_Gate(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)

	err := h.svc.Approve(ctx, job.ID)
	var te *jobs.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Cannot approve from status: CREATED. Expected AWAITING_APPROVAL", te.Detail)

	stored, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCreated, stored.Status)
}

func TestService_Approve_PlanMissing(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusAwaitingApproval))

	err := h.svc.Approve(ctx, job.ID)
	assert.True(t, errors.Is(err, jobs.ErrPlanMissing))

	stored, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAwaitingApproval, stored.Status)
}

func TestService_Approve_PlanInvalid(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)

	_, _, err := h.store.Append(ctx, job.ID, events.TypePlanComplete, map[string]any{"plan": "{not json"})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusAwaitingApproval))

	err = h.svc.Approve(ctx, job.ID)
	assert.True(t, errors.Is(err, jobs.ErrPlanInvalid))
}

func TestService_Approve_RunsExecutor(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)
	h.executor.delay = 100 * time.Millisecond

	_, _, err := h.store.Append(ctx, job.ID, events.TypePlanComplete, map[string]any{"plan": testPlanJSON})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusAwaitingApproval))

	require.NoError(t, h.svc.Approve(ctx, job.ID))

	stored, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusExecuting, stored.Status, "approve returns with the job EXECUTING")

	h.waitForStatus(t, job.ID, jobs.StatusCompleted)

	h.executor.mu.Lock()
	require.Len(t, h.executor.plans, 1)
	phases, ok := h.executor.plans[0]["phases"].([]any)
	h.executor.mu.Unlock()
	require.True(t, ok, "executor receives the parsed plan")
	assert.Len(t, phases, 1)

	evs, err := h.svc.Events(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	approved := findEvent(evs, events.TypePlanApproved, "")
	executing := findEvent(evs, events.TypeStatusChanged, "EXECUTING")
	completed := findEvent(evs, events.TypeStatusChanged, "COMPLETED")
	require.GreaterOrEqual(t, approved, 0)
	require.GreaterOrEqual(t, executing, 0)
	require.GreaterOrEqual(t, completed, 0)
	assert.Less(t, approved, executing)
	assert.Less(t, executing, completed)
}

func TestService_ExecutorFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)
	h.executor.err = errors.New("phase 2 verification failed")

	_, _, err := h.store.Append(ctx, job.ID, events.TypePlanComplete, map[string]any{"plan": testPlanJSON})
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusAwaitingApproval))

	require.NoError(t, h.svc.Approve(ctx, job.ID))

	failed := h.waitForStatus(t, job.ID, jobs.StatusFailed)
	assert.Contains(t, failed.Error, "phase 2 verification failed")
}

func TestService_Reject(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)
	require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusAwaitingApproval))

	require.NoError(t, h.svc.Reject(ctx, job.ID, "phases 3-5 look too risky"))

	stored, err := h.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCreated, stored.Status)

	evs, err := h.svc.Events(ctx, job.ID, 0, 0)
	require.NoError(t, err)
	idx := findEvent(evs, events.TypePlanRejected, "")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "phases 3-5 look too risky", evs[idx].Payload["feedback"])

	// The gate rejects a second rejection.
	err = h.svc.Reject(ctx, job.ID, "")
	var te *jobs.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "Cannot reject from status: CREATED", te.Detail)
}

func TestService_SerialExecution(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.executor.delay = 150 * time.Millisecond

	var ids []string
	for _, name := range []string{"alpha", "beta"} {
		job, err := h.svc.Create(ctx, jobs.CreateRequest{
			RepoURL:     "https://example.com/acme/" + name + ".git",
			TargetStack: "Go",
		})
		require.NoError(t, err)
		_, _, err = h.store.Append(ctx, job.ID, events.TypePlanComplete, map[string]any{"plan": testPlanJSON})
		require.NoError(t, err)
		require.NoError(t, h.store.UpdateJobStatus(ctx, job.ID, jobs.StatusAwaitingApproval))
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		require.NoError(t, h.svc.Approve(ctx, id))
	}
	for _, id := range ids {
		h.waitForStatus(t, id, jobs.StatusCompleted)
	}

	h.executor.mu.Lock()
	defer h.executor.mu.Unlock()
	assert.Equal(t, 1, h.executor.maxInflight, "executions must never overlap")
	assert.Len(t, h.executor.plans, 2)
}

func TestService_Audit(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	job := h.createJob(t)

	// No report yet.
	_, err := h.svc.AuditReport(ctx, job.ID)
	assert.True(t, errors.Is(err, jobs.ErrReportMissing))

	require.NoError(t, h.svc.StartAudit(ctx, job.ID))
	require.Eventually(t, func() bool {
		h.auditor.mu.Lock()
		defer h.auditor.mu.Unlock()
		return h.auditor.calls == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Once the auditor has written the report, reads return it.
	reportPath := workspace.Open(job.WorkspacePath).AuditReportPath()
	require.NoError(t, os.WriteFile(reportPath, []byte(`{"certified":true,"score":92}`), 0o644))

	report, err := h.svc.AuditReport(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, true, report["certified"])
}
