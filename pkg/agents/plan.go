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
	"fmt"
	"strings"
)

// Plan is the structured migration plan the planner produces and the
// executor consumes. Unknown fields in the stored JSON are tolerated;
// only the fields below drive execution.
type Plan struct {
	Summary        PlanSummary    `json:"summary"`
	Transformation Transformation `json:"transformation"`
	Phases         []Phase        `json:"phases"`
	Dependencies   Dependencies   `json:"dependencies"`
}

// PlanSummary is the reviewer-facing header of a plan.
type PlanSummary struct {
	Title             string `json:"title" jsonschema:"required,description=Short migration title in 'Source → Target Migration' form"`
	Description       string `json:"description" jsonschema:"required,description=One or two sentences describing what this migration accomplishes"`
	Confidence        int    `json:"confidence" jsonschema:"required,description=Confidence the migration succeeds as planned (0-100)"`
	EstimatedDuration string `json:"estimated_duration" jsonschema:"required,description=Realistic duration estimate such as '3-5 minutes'"`
	RiskLevel         string `json:"risk_level" jsonschema:"required,enum=low|medium|high,description=Overall migration risk"`
}

// Transformation captures the stack change. The executor promotes
// FileExtensions to the Language-Lock whitelist and keys its smart
// command wrappers and test gate off the other fields.
type Transformation struct {
	SourceStack    string   `json:"source_stack" jsonschema:"required,description=The stack being migrated away from"`
	TargetStack    string   `json:"target_stack" jsonschema:"required,description=The stack being migrated to"`
	PackageManager string   `json:"package_manager" jsonschema:"required,description=Package manager of the target stack (npm, pip, cargo, ...)"`
	TestFramework  string   `json:"test_framework" jsonschema:"required,description=Test framework of the target stack (pytest, vitest, go test, ...)"`
	BuildTool      string   `json:"build_tool" jsonschema:"required,description=Build tool of the target stack (tsc, maven, cargo, ...)"`
	FileExtensions []string `json:"file_extensions" jsonschema:"required,description=Every file extension the target stack is allowed to contain"`
}

// Phase is one named unit of work with its own tasks and verification.
type Phase struct {
	ID            int               `json:"id" jsonschema:"required,description=Phase number starting at 1"`
	Title         string            `json:"title" jsonschema:"required,description=Short phase title"`
	Description   string            `json:"description" jsonschema:"required,description=What this phase accomplishes"`
	Instructions  []string          `json:"instructions" jsonschema:"description=Ordered guidance for the executor"`
	Tasks         []string          `json:"tasks" jsonschema:"required,description=Specific tasks to complete in this phase"`
	FilesImpacted []FileImpact      `json:"files_impacted" jsonschema:"description=Files this phase creates or transforms"`
	Verification  PhaseVerification `json:"verification" jsonschema:"description=How to prove the phase succeeded"`
}

// FileImpact maps one legacy file to its migrated counterpart.
type FileImpact struct {
	Source string `json:"source" jsonschema:"description=Legacy file path, empty for new files"`
	Target string `json:"target" jsonschema:"required,description=Path of the file in the target tree"`
	Reason string `json:"reason" jsonschema:"required,description=Why this file changes"`
}

// PhaseVerification tells the executor how to check its own work before
// accepting a completion signal.
type PhaseVerification struct {
	TestCommands    []string `json:"test_commands" jsonschema:"description=Commands whose output must be free of failure indicators"`
	SuccessCriteria string   `json:"success_criteria" jsonschema:"description=What defines success for this phase"`
}

// Dependencies lists the package changes the migration requires.
type Dependencies struct {
	Add    []DependencyChange `json:"add" jsonschema:"description=Packages to install"`
	Remove []DependencyChange `json:"remove" jsonschema:"description=Packages to remove"`
}

// DependencyChange is one package addition or removal.
type DependencyChange struct {
	Name   string `json:"name" jsonschema:"required,description=Package name"`
	Reason string `json:"reason" jsonschema:"required,description=Why the package is added or removed"`
}

// PlanFromMap decodes the plan payload stored on a plan_complete event.
// The map came from JSON, so a marshal round-trip binds it to the typed
// shape while ignoring any fields newer than this binary.
func PlanFromMap(raw map[string]any) (*Plan, error) {
	if raw == nil {
		return nil, fmt.Errorf("plan is empty")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode plan: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("plan does not match the expected shape: %w", err)
	}
	return &plan, nil
}

// DeriveExtensions maps a target stack description to a Language-Lock
// whitelist, for plans whose transformation block omits file_extensions.
func DeriveExtensions(targetStack string) []string {
	stack := strings.ToLower(targetStack)
	switch {
	case strings.Contains(stack, "typescript") || hasWord(stack, "ts"):
		return []string{".ts", ".tsx"}
	case strings.Contains(stack, "python"):
		return []string{".py"}
	case strings.Contains(stack, "golang") || hasWord(stack, "go"):
		return []string{".go"}
	case strings.Contains(stack, "rust"):
		return []string{".rs"}
	}
	// JavaScript or unknown.
	return []string{".js", ".jsx"}
}

// StripCodeFences removes a wrapping markdown code fence from LLM
// output. Models occasionally fence their JSON even when told not to.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if i := strings.Index(text, "\n"); i >= 0 {
			text = text[i+1:]
		}
	}
	if strings.HasSuffix(text, "```") {
		if i := strings.LastIndex(text, "\n"); i >= 0 {
			text = text[:i]
		}
	}
	return strings.TrimSpace(text)
}
