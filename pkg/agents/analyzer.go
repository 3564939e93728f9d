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

	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/llms"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

// MigrationPath is one recommended stack transformation.
type MigrationPath struct {
	ID          string `json:"id" jsonschema:"required,description=lowercase_snake_case identifier for this path"`
	Title       string `json:"title" jsonschema:"required,description=Target stack name"`
	Description string `json:"description" jsonschema:"required,description=What this migration transforms and why"`
	Recommended bool   `json:"recommended" jsonschema:"description=True for the single best option"`
}

// Analysis is the analyzer's verdict on a legacy codebase. FileTree and
// FileCount come from the workspace scan, not the model.
type Analysis struct {
	DetectedStack    string          `json:"detected_stack"`
	ComplexityScore  int             `json:"complexity_score"`
	ComplexityReason string          `json:"complexity_reason"`
	InsightTitle     string          `json:"insight_title"`
	InsightDetail    string          `json:"insight_detail"`
	MigrationPaths   []MigrationPath `json:"migration_paths"`
	FileTree         string          `json:"file_tree,omitempty"`
	FileCount        int             `json:"file_count,omitempty"`
}

// analysisVerdict mirrors the model-filled fields of Analysis for
// structured output; the scan-derived fields stay out of the schema.
type analysisVerdict struct {
	DetectedStack    string          `json:"detected_stack" jsonschema:"required,description=The confirmed technology stack"`
	ComplexityScore  int             `json:"complexity_score" jsonschema:"required,description=Migration difficulty from 0 to 100"`
	ComplexityReason string          `json:"complexity_reason" jsonschema:"required,description=One sentence why"`
	InsightTitle     string          `json:"insight_title" jsonschema:"required,description=The biggest modernization opportunity"`
	InsightDetail    string          `json:"insight_detail" jsonschema:"required,description=Which files hold the application's core logic"`
	MigrationPaths   []MigrationPath `json:"migration_paths" jsonschema:"required,description=2-4 full stack transformation options"`
}

var analysisSchema = llms.MustSchemaFor[analysisVerdict]()

// AnalyzerAgent inspects a cloned legacy codebase and produces stack
// detection, a complexity estimate, and migration recommendations. The
// detection runs in three layers: manifest heuristics, a grounded
// confirmation against web search, and a full structured analysis. Each
// layer degrades to the previous one on failure, so Analyze only errors
// when the source tree itself is unreadable.
type AnalyzerAgent struct {
	llm      llms.Provider
	recorder Recorder
	scanner  workspace.Scanner
}

// NewAnalyzerAgent wires an analyzer. recorder may be nil.
func NewAnalyzerAgent(llm llms.Provider, recorder Recorder) (*AnalyzerAgent, error) {
	if llm == nil {
		return nil, fmt.Errorf("analyzer requires an LLM provider")
	}
	return &AnalyzerAgent{llm: llm, recorder: recorder}, nil
}

// Analyze scans the job's source tree and produces the analysis,
// storing it on the job record.
func (a *AnalyzerAgent) Analyze(ctx context.Context, job *jobs.Job) (*Analysis, error) {
	if job.WorkspacePath == "" {
		return nil, fmt.Errorf("Job has no workspace")
	}
	ws := workspace.Open(job.WorkspacePath)

	scan, err := a.scanner.Scan(ws.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to scan source tree: %w", err)
	}
	slog.Info("Source tree scanned",
		"job_id", job.ID,
		"files", scan.Stats.IncludedFiles,
		"total", scan.Stats.TotalFiles)

	detected := detectStackHeuristic(scan)
	confirmed := a.confirmStack(ctx, detected, scan.Files)

	analysis := a.judge(ctx, job, scan, confirmed)
	analysis.FileTree = scan.Tree
	analysis.FileCount = scan.Stats.IncludedFiles

	if a.recorder != nil {
		if data, err := json.Marshal(analysis); err == nil {
			if err := a.recorder.SetJobAnalysis(ctx, job.ID, string(data)); err != nil {
				slog.Warn("Failed to store analysis on job record", "job_id", job.ID, "error", err)
			}
		}
	}
	return analysis, nil
}

// judge runs the full structured analysis, falling back to a verdict
// assembled from the heuristics when the model call fails.
func (a *AnalyzerAgent) judge(ctx context.Context, job *jobs.Job, scan *workspace.ScanResult, confirmedStack string) *Analysis {
	resp, err := a.llm.Generate(ctx, llms.Request{
		System: analyzerSystemPrompt,
		Prompt: buildAnalysisPrompt(job.RepoName, scan, confirmedStack),
		Schema: analysisSchema,
	})
	if err == nil {
		var analysis Analysis
		text := resp.Text
		if jsonErr := json.Unmarshal([]byte(text), &analysis); jsonErr != nil {
			if doc, ok := llms.ExtractJSONObject(text); ok {
				jsonErr = json.Unmarshal([]byte(doc), &analysis)
			}
			if jsonErr != nil {
				err = fmt.Errorf("analysis is not valid JSON: %w", jsonErr)
			}
		}
		if err == nil {
			if analysis.DetectedStack == "" {
				analysis.DetectedStack = confirmedStack
			}
			return &analysis
		}
	}

	slog.Warn("Structured analysis failed, using heuristic verdict", "job_id", job.ID, "error", err)
	return &Analysis{
		DetectedStack:    confirmedStack,
		ComplexityScore:  50,
		ComplexityReason: "Automatic analysis was unavailable; assuming moderate complexity.",
		InsightTitle:     "Stack modernization",
		InsightDetail:    fmt.Sprintf("The codebase was detected as %s from its manifests. Review the file tree to identify the core logic files before migrating.", confirmedStack),
	}
}

// confirmStack refines the heuristic guess with a grounded lookup,
// falling back to the guess when grounding fails.
func (a *AnalyzerAgent) confirmStack(ctx context.Context, initialGuess string, files []workspace.ScannedFile) string {
	resp, err := a.llm.GenerateGrounded(ctx, llms.Request{
		System: stackConfirmSystemPrompt,
		Prompt: buildStackConfirmPrompt(initialGuess, files),
	})
	if err != nil {
		slog.Warn("Stack grounding failed, using heuristic", "guess", initialGuess, "error", err)
		return initialGuess
	}
	confirmed := strings.TrimSpace(resp.Text)
	if confirmed == "" {
		return initialGuess
	}
	slog.Info("Stack confirmed via grounding", "stack", confirmed)
	return confirmed
}

// detectStackHeuristic guesses the stack from manifest files before any
// model is consulted.
func detectStackHeuristic(scan *workspace.ScanResult) string {
	content := func(path string) string {
		for _, f := range scan.Files {
			if f.Path == path {
				return strings.ToLower(f.Content)
			}
		}
		return ""
	}

	if strings.Contains(scan.Tree, "package.json") {
		manifest := content("package.json")
		switch {
		case strings.Contains(manifest, "express"):
			return "Express.js"
		case strings.Contains(manifest, "fastify"):
			return "Fastify"
		case strings.Contains(manifest, "next"):
			return "Next.js"
		case strings.Contains(manifest, "react"):
			return "React"
		}
		return "Node.js"
	}

	if strings.Contains(scan.Tree, "requirements.txt") || strings.Contains(scan.Tree, "pyproject.toml") {
		manifest := content("requirements.txt") + content("pyproject.toml")
		switch {
		case strings.Contains(manifest, "django"):
			return "Django"
		case strings.Contains(manifest, "flask"):
			return "Flask"
		case strings.Contains(manifest, "fastapi"):
			return "FastAPI"
		}
		return "Python"
	}

	if strings.Contains(scan.Tree, "Gemfile") {
		return "Ruby on Rails"
	}
	if strings.Contains(scan.Tree, "go.mod") {
		return "Go"
	}
	if strings.Contains(scan.Tree, "Cargo.toml") {
		return "Rust"
	}
	return "Unknown"
}
