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

// Package agents implements the LLM-driven agents that move a migration
// job through its lifecycle: the analyzer inspects the legacy codebase,
// the planner turns the analysis into a phased migration plan, the
// executor drives a ReAct loop over the sandboxed tool surface until
// every phase is done, and the auditor certifies the result.
//
// Agents never change job status themselves; they emit domain events and
// return errors, and the jobs service owns every state transition.
package agents

import "context"

// Recorder persists agent artifacts on the job row: the serialized plan
// and analysis, and the executor's current phase. Implemented by the
// eventlog store. Agents treat recorder failures as diagnostics, never
// as fatal; the event log remains the source of truth.
type Recorder interface {
	SetJobPlan(ctx context.Context, id, plan string) error
	SetJobAnalysis(ctx context.Context, id, analysis string) error
	SetJobIteration(ctx context.Context, id string, iteration int) error
}
