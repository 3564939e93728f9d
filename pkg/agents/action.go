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

	"github.com/kandra-ai/kandra/pkg/llms"
)

// Terminal statuses the agent may signal instead of acting.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusBlocked    = "blocked"
)

// ActionArgs is the argument union across the four tools. Unset fields
// are dropped before dispatch so each tool sees only the arguments it
// declares.
type ActionArgs struct {
	Command  *string `json:"command,omitempty" jsonschema:"description=The shell command to execute (run_command)"`
	Path     *string `json:"path,omitempty" jsonschema:"description=File or directory path (read_file, write_file, list_dir)"`
	Content  *string `json:"content,omitempty" jsonschema:"description=Content to write (write_file)"`
	MaxDepth *int    `json:"max_depth,omitempty" jsonschema:"description=Recursion depth for list_dir"`
	Timeout  *int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds (run_command)"`
}

// Action is one step of the executor's ReAct loop as produced by the
// LLM: either a tool invocation or a terminal status signal, always with
// the reasoning that led to it.
type Action struct {
	Thought string      `json:"thought" jsonschema:"required,description=Internal reasoning about the next step"`
	Tool    string      `json:"tool,omitempty" jsonschema:"description=The tool to call,enum=run_command|read_file|write_file|list_dir"`
	Args    *ActionArgs `json:"args,omitempty" jsonschema:"description=Arguments for the tool"`
	Status  string      `json:"status,omitempty" jsonschema:"description=Terminal signal instead of a tool call,enum=complete|incomplete|blocked"`
}

// actionSchema shapes the executor's structured-output requests.
var actionSchema = llms.MustSchemaFor[Action]()

// ActionKind classifies a parsed action.
type ActionKind int

const (
	// ActionInvalid carries neither a tool call nor a recognized status;
	// the agent is nudged to act or signal.
	ActionInvalid ActionKind = iota

	// ActionSignal is a terminal status (complete, incomplete, blocked).
	ActionSignal

	// ActionToolCall names one of the registered tools.
	ActionToolCall
)

// Kind validates the action against the tagged-enum contract. A
// recognized status wins over a tool name when the model sets both.
func (a Action) Kind() ActionKind {
	switch a.Status {
	case StatusComplete, StatusIncomplete, StatusBlocked:
		return ActionSignal
	}
	if a.Tool != "" {
		return ActionToolCall
	}
	return ActionInvalid
}

// ArgsMap converts the typed argument union to the map a tool's Execute
// expects, dropping unset fields.
func (a Action) ArgsMap() map[string]any {
	args := make(map[string]any)
	if a.Args == nil {
		return args
	}
	if a.Args.Command != nil {
		args["command"] = *a.Args.Command
	}
	if a.Args.Path != nil {
		args["path"] = *a.Args.Path
	}
	if a.Args.Content != nil {
		args["content"] = *a.Args.Content
	}
	if a.Args.MaxDepth != nil {
		args["max_depth"] = *a.Args.MaxDepth
	}
	if a.Args.Timeout != nil {
		args["timeout"] = *a.Args.Timeout
	}
	return args
}

// ParseAction decodes an action from raw LLM output. A direct parse is
// tried first, then the outermost JSON object embedded in surrounding
// prose. When neither parses, the failure is reported as an action so
// the loop's give-up branch handles it like any other surrender.
func ParseAction(raw string) Action {
	var action Action
	if err := json.Unmarshal([]byte(raw), &action); err == nil {
		return action
	}
	if doc, ok := llms.ExtractJSONObject(raw); ok {
		if err := json.Unmarshal([]byte(doc), &action); err == nil {
			return action
		}
	}

	snippet := raw
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	return Action{
		Thought: "Failed to parse LLM response: " + snippet,
		Status:  StatusIncomplete,
	}
}
