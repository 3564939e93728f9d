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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

const analyzerTestVerdict = `{
	"detected_stack": "Express.js",
	"complexity_score": 70,
	"complexity_reason": "Routing and persistence share one module.",
	"insight_title": "Split the route layer",
	"insight_detail": "index.js carries both HTTP handlers and data access.",
	"migration_paths": [
		{"id": "fastify_ts", "title": "Fastify + TypeScript", "description": "Typed rewrite on a faster router.", "recommended": true},
		{"id": "go_chi", "title": "Go + Chi", "description": "Static binary, minimal runtime.", "recommended": false}
	]
}`

func TestNewAnalyzerAgent_Validation(t *testing.T) {
	_, err := NewAnalyzerAgent(nil, nil)
	require.ErrorContains(t, err, "LLM provider")

	agent, err := NewAnalyzerAgent(&fakeProvider{}, nil)
	require.NoError(t, err)
	require.NotNil(t, agent)
}

func TestDetectStackHeuristic(t *testing.T) {
	scan := func(manifest, content string) *workspace.ScanResult {
		return &workspace.ScanResult{
			Tree:  "  " + manifest,
			Files: []workspace.ScannedFile{{Path: manifest, Content: content}},
		}
	}

	tests := []struct {
		name string
		scan *workspace.ScanResult
		want string
	}{
		{"express", scan("package.json", `{"dependencies":{"express":"^4.18.0"}}`), "Express.js"},
		{"fastify", scan("package.json", `{"dependencies":{"fastify":"^4.0.0"}}`), "Fastify"},
		{"next", scan("package.json", `{"dependencies":{"next":"14.0.0"}}`), "Next.js"},
		{"react", scan("package.json", `{"dependencies":{"react":"^18.0.0"}}`), "React"},
		{"plain node", scan("package.json", `{"dependencies":{"lodash":"^4.17.0"}}`), "Node.js"},
		{"django", scan("requirements.txt", "Django==4.2\npsycopg2"), "Django"},
		{"flask", scan("requirements.txt", "flask==3.0\ngunicorn"), "Flask"},
		{"fastapi", scan("pyproject.toml", `dependencies = ["fastapi", "uvicorn"]`), "FastAPI"},
		{"plain python", scan("requirements.txt", "requests==2.31"), "Python"},
		{"rails", scan("Gemfile", `gem "rails"`), "Ruby on Rails"},
		{"go", scan("go.mod", "module example.com/app"), "Go"},
		{"rust", scan("Cargo.toml", `[package]`), "Rust"},
		{"unknown", &workspace.ScanResult{Tree: "  main.cbl"}, "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectStackHeuristic(tt.scan))
		})
	}
}

func TestAnalyzer_Analyze(t *testing.T) {
	root := newTestWorkspace(t)
	writeWorkspaceFile(t, root, "source/package.json", `{"dependencies":{"express":"^4.18.0"}}`)
	writeWorkspaceFile(t, root, "source/src/index.js", "const express = require('express');\n")

	provider := &fakeProvider{}
	provider.scriptGrounded("Express.js 4 on Node 18")
	provider.script(analyzerTestVerdict)
	recorder := newRecordingRecorder()

	agent, err := NewAnalyzerAgent(provider, recorder)
	require.NoError(t, err)

	job := &jobs.Job{ID: "job12345", RepoName: "legacy-api", WorkspacePath: root}
	analysis, err := agent.Analyze(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "Express.js", analysis.DetectedStack)
	assert.Equal(t, 70, analysis.ComplexityScore)
	assert.Len(t, analysis.MigrationPaths, 2)
	assert.True(t, analysis.MigrationPaths[0].Recommended)

	// Scan-derived fields come from the workspace, not the model.
	assert.Contains(t, analysis.FileTree, "package.json")
	assert.Contains(t, analysis.FileTree, "index.js")
	assert.Equal(t, 2, analysis.FileCount)

	// The grounded confirmation saw the heuristic guess, and the judge
	// saw the confirmed stack.
	require.Len(t, provider.groundedRequests, 1)
	assert.Contains(t, provider.groundedRequests[0].Prompt, "Express.js")
	require.Equal(t, 1, provider.requestCount())
	req := provider.request(0)
	assert.Equal(t, analyzerSystemPrompt, req.System)
	assert.NotNil(t, req.Schema)
	assert.Contains(t, req.Prompt, "legacy-api")
	assert.Contains(t, req.Prompt, "Express.js 4 on Node 18")

	var stored Analysis
	require.NoError(t, json.Unmarshal([]byte(recorder.analysis(job.ID)), &stored))
	assert.Equal(t, "Express.js", stored.DetectedStack)
	assert.Equal(t, 2, stored.FileCount)
}

func TestAnalyzer_JudgeExtractsEmbeddedJSON(t *testing.T) {
	root := newTestWorkspace(t)
	writeWorkspaceFile(t, root, "source/package.json", `{"dependencies":{"fastify":"^4.0.0"}}`)

	provider := &fakeProvider{}
	provider.scriptGrounded("Fastify")
	provider.script("Here is my assessment:\n" + `{"detected_stack":"Fastify","complexity_score":30,"complexity_reason":"Small API surface.","insight_title":"Lean service","insight_detail":"One plugin file.","migration_paths":[]}`)

	agent, err := NewAnalyzerAgent(provider, nil)
	require.NoError(t, err)

	analysis, err := agent.Analyze(context.Background(), &jobs.Job{ID: "job-1", WorkspacePath: root})
	require.NoError(t, err)
	assert.Equal(t, "Fastify", analysis.DetectedStack)
	assert.Equal(t, 30, analysis.ComplexityScore)
}

// When grounding fails the heuristic guess stands, and a verdict that
// omits the stack inherits it.
func TestAnalyzer_GroundingFailureFallsBackToHeuristic(t *testing.T) {
	root := newTestWorkspace(t)
	writeWorkspaceFile(t, root, "source/package.json", `{"dependencies":{"fastify":"^4.0.0"}}`)

	provider := &fakeProvider{}
	provider.scriptGroundedErr(errors.New("search quota exceeded"))
	provider.script(`{"detected_stack":"","complexity_score":25,"complexity_reason":"Tiny.","insight_title":"Small","insight_detail":"One file.","migration_paths":[]}`)

	agent, err := NewAnalyzerAgent(provider, nil)
	require.NoError(t, err)

	analysis, err := agent.Analyze(context.Background(), &jobs.Job{ID: "job-1", WorkspacePath: root})
	require.NoError(t, err)
	assert.Equal(t, "Fastify", analysis.DetectedStack)
	assert.Contains(t, provider.request(0).Prompt, "Fastify")
}

func TestAnalyzer_BlankGroundingKeepsGuess(t *testing.T) {
	root := newTestWorkspace(t)
	writeWorkspaceFile(t, root, "source/Gemfile", `gem "rails"`)

	provider := &fakeProvider{}
	provider.scriptGrounded("   \n")
	provider.script(`{"detected_stack":"","complexity_score":60,"complexity_reason":"ERB everywhere.","insight_title":"Views","insight_detail":"app/views dominates.","migration_paths":[]}`)

	agent, err := NewAnalyzerAgent(provider, nil)
	require.NoError(t, err)

	analysis, err := agent.Analyze(context.Background(), &jobs.Job{ID: "job-1", WorkspacePath: root})
	require.NoError(t, err)
	assert.Equal(t, "Ruby on Rails", analysis.DetectedStack)
}

// A judge failure degrades to a verdict assembled from the heuristics
// instead of failing the analysis.
func TestAnalyzer_JudgeFailureFallsBackToVerdict(t *testing.T) {
	root := newTestWorkspace(t)
	writeWorkspaceFile(t, root, "source/requirements.txt", "flask==3.0\n")

	provider := &fakeProvider{}
	provider.scriptGrounded("Flask")
	provider.scriptErr(errors.New("model unavailable"))
	recorder := newRecordingRecorder()

	agent, err := NewAnalyzerAgent(provider, recorder)
	require.NoError(t, err)

	job := &jobs.Job{ID: "job-1", WorkspacePath: root}
	analysis, err := agent.Analyze(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, "Flask", analysis.DetectedStack)
	assert.Equal(t, 50, analysis.ComplexityScore)
	assert.Equal(t, "Automatic analysis was unavailable; assuming moderate complexity.", analysis.ComplexityReason)
	assert.Equal(t, "Stack modernization", analysis.InsightTitle)
	assert.Contains(t, analysis.InsightDetail, "Flask")
	assert.Equal(t, 1, analysis.FileCount)
	assert.NotEmpty(t, recorder.analysis(job.ID))
}

func TestAnalyzer_GarbageJudgeReplyFallsBackToVerdict(t *testing.T) {
	root := newTestWorkspace(t)
	writeWorkspaceFile(t, root, "source/go.mod", "module example.com/legacy\n")

	provider := &fakeProvider{}
	provider.scriptGrounded("Go")
	provider.script("no json here at all")

	agent, err := NewAnalyzerAgent(provider, nil)
	require.NoError(t, err)

	analysis, err := agent.Analyze(context.Background(), &jobs.Job{ID: "job-1", WorkspacePath: root})
	require.NoError(t, err)
	assert.Equal(t, "Go", analysis.DetectedStack)
	assert.Equal(t, 50, analysis.ComplexityScore)
}

func TestAnalyzer_NoWorkspace(t *testing.T) {
	agent, err := NewAnalyzerAgent(&fakeProvider{}, nil)
	require.NoError(t, err)

	_, err = agent.Analyze(context.Background(), &jobs.Job{ID: "job-1"})
	require.ErrorContains(t, err, "Job has no workspace")
}

func TestAnalyzer_MissingSourceTree(t *testing.T) {
	agent, err := NewAnalyzerAgent(&fakeProvider{}, nil)
	require.NoError(t, err)

	_, err = agent.Analyze(context.Background(), &jobs.Job{ID: "job-1", WorkspacePath: t.TempDir()})
	require.ErrorContains(t, err, "failed to scan source tree")
}
