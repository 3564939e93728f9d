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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planMap(t *testing.T, doc string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	return m
}

func TestPlanFromMap(t *testing.T) {
	raw := planMap(t, `{
		"summary": {"title": "Express → Fastify Migration", "confidence": 85, "risk_level": "low"},
		"transformation": {
			"source_stack": "Express.js",
			"target_stack": "Fastify + TypeScript",
			"package_manager": "npm",
			"test_framework": "vitest",
			"file_extensions": [".ts", ".tsx"]
		},
		"phases": [
			{
				"id": 1,
				"title": "Scaffold",
				"tasks": ["Create project layout"],
				"files_impacted": [{"source": "", "target": "src/app.ts", "reason": "New entrypoint"}],
				"verification": {"test_commands": ["npm test"], "success_criteria": "Suite passes"}
			}
		],
		"dependencies": {"add": [{"name": "fastify", "reason": "Core framework"}]},
		"unknown_future_field": {"ignored": true}
	}`)

	plan, err := PlanFromMap(raw)
	require.NoError(t, err)

	assert.Equal(t, "Express → Fastify Migration", plan.Summary.Title)
	assert.Equal(t, 85, plan.Summary.Confidence)
	assert.Equal(t, "Fastify + TypeScript", plan.Transformation.TargetStack)
	assert.Equal(t, []string{".ts", ".tsx"}, plan.Transformation.FileExtensions)
	require.Len(t, plan.Phases, 1)
	assert.Equal(t, 1, plan.Phases[0].ID)
	assert.Equal(t, []string{"npm test"}, plan.Phases[0].Verification.TestCommands)
	require.Len(t, plan.Phases[0].FilesImpacted, 1)
	assert.Equal(t, "src/app.ts", plan.Phases[0].FilesImpacted[0].Target)
	require.Len(t, plan.Dependencies.Add, 1)
	assert.Equal(t, "fastify", plan.Dependencies.Add[0].Name)
}

func TestPlanFromMap_Nil(t *testing.T) {
	_, err := PlanFromMap(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan is empty")
}

func TestPlanFromMap_WrongShape(t *testing.T) {
	_, err := PlanFromMap(map[string]any{"phases": "not-a-list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected shape")
}

func TestDeriveExtensions(t *testing.T) {
	tests := []struct {
		stack string
		want  []string
	}{
		{"Fastify + TypeScript", []string{".ts", ".tsx"}},
		{"Node TS", []string{".ts", ".tsx"}},
		{"Python 3 + FastAPI", []string{".py"}},
		{"Go + Gin", []string{".go"}},
		{"Golang", []string{".go"}},
		{"Rust + Actix", []string{".rs"}},
		{"Node.js + Express", []string{".js", ".jsx"}},
		// "Django" must not read as Go; it falls through to the
		// JavaScript default rather than matching the 'go' substring.
		{"Django", []string{".js", ".jsx"}},
		{"", []string{".js", ".jsx"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveExtensions(tt.stack), "stack %q", tt.stack)
	}
}

func TestStripCodeFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a": 1}`, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"leading whitespace", "  \n```json\n{}\n```\n", "{}"},
		{"multiline body", "```json\n{\n  \"a\": 1\n}\n```", "{\n  \"a\": 1\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeFences(tt.in))
		})
	}
}
