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

package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/llms"
)

var planSchema = llms.MustSchemaFor[Plan]()

// PlannerAgent turns an analyzed legacy codebase into a structured
// migration plan. The plan travels as a JSON string inside the
// plan_complete payload; approval re-reads it from there, so that event
// is emitted strictly, not best-effort.
type PlannerAgent struct {
	llm      llms.Provider
	emitter  *events.Emitter
	analyzer *AnalyzerAgent
	recorder Recorder
}

// NewPlannerAgent wires a planner. analyzer and recorder may be nil;
// without an analyzer the planner requires a stored analysis or plans
// from repository metadata alone.
func NewPlannerAgent(llm llms.Provider, emitter *events.Emitter, analyzer *AnalyzerAgent, recorder Recorder) (*PlannerAgent, error) {
	if llm == nil {
		return nil, fmt.Errorf("planner requires an LLM provider")
	}
	if emitter == nil {
		return nil, fmt.Errorf("planner requires an event emitter")
	}
	return &PlannerAgent{llm: llm, emitter: emitter, analyzer: analyzer, recorder: recorder}, nil
}

var _ jobs.Planner = (*PlannerAgent)(nil)

// Plan generates and persists the migration plan for a job. On failure
// it emits an error event and returns the error; the jobs service moves
// the job to FAILED.
func (a *PlannerAgent) Plan(ctx context.Context, job *jobs.Job) error {
	slog.Info("Generating migration plan", "job_id", job.ID, "target_stack", job.TargetStack)

	if err := a.plan(ctx, job); err != nil {
		a.emitter.EmitOrLog(context.WithoutCancel(ctx), job.ID, events.TypeError, map[string]any{"error": err.Error()})
		return fmt.Errorf("Planning failed: %w", err)
	}
	return nil
}

func (a *PlannerAgent) plan(ctx context.Context, job *jobs.Job) error {
	a.emitter.EmitOrLog(ctx, job.ID, events.TypePlanGenerating, map[string]any{
		"message": "Generating migration plan...",
	})

	analysis, err := a.resolveAnalysis(ctx, job)
	if err != nil {
		slog.Warn("No analysis available, planning from repository metadata", "job_id", job.ID, "error", err)
	}

	resp, err := a.llm.Generate(ctx, llms.Request{
		System: plannerSystemPrompt,
		Prompt: buildPlanningPrompt(job.RepoName, job.TargetStack, job.WorkspacePath, analysis),
		Schema: planSchema,
	})
	if err != nil {
		return err
	}

	planText := StripCodeFences(strings.TrimSpace(resp.Text))
	if err := validatePlanDocument(&planText); err != nil {
		return err
	}

	a.emitter.EmitOrLog(ctx, job.ID, events.TypePlanChunk, map[string]any{
		"content":     planText,
		"chunk_index": 1,
	})

	if a.recorder != nil {
		if err := a.recorder.SetJobPlan(ctx, job.ID, planText); err != nil {
			slog.Warn("Failed to store plan on job record", "job_id", job.ID, "error", err)
		}
	}

	// Approval re-reads the plan from this event, so it must persist.
	if _, err := a.emitter.Emit(ctx, job.ID, events.TypePlanComplete, map[string]any{
		"plan":        planText,
		"chunk_count": 1,
	}); err != nil {
		return err
	}

	slog.Info("Plan generated", "job_id", job.ID, "chars", len(planText))
	return nil
}

// resolveAnalysis reuses the job's stored analysis when present,
// otherwise runs the analyzer against the workspace source.
func (a *PlannerAgent) resolveAnalysis(ctx context.Context, job *jobs.Job) (*Analysis, error) {
	if job.Analysis != "" {
		var analysis Analysis
		if err := json.Unmarshal([]byte(job.Analysis), &analysis); err == nil {
			return &analysis, nil
		}
		slog.Warn("Stored analysis is corrupt, re-analyzing", "job_id", job.ID)
	}
	if a.analyzer == nil {
		return nil, fmt.Errorf("no analyzer configured and no stored analysis")
	}
	return a.analyzer.Analyze(ctx, job)
}

// validatePlanDocument checks that the generated plan is a JSON object,
// recovering one embedded in prose when the model ignored the schema.
func validatePlanDocument(planText *string) error {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(*planText), &parsed); err == nil {
		return nil
	}

	doc, ok := llms.ExtractJSONObject(*planText)
	if !ok {
		return fmt.Errorf("plan is not valid JSON")
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return fmt.Errorf("plan is not valid JSON: %w", err)
	}
	*planText = doc
	return nil
}
