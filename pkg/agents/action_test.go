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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAction_ToolCall(t *testing.T) {
	action := ParseAction(`{
		"thought": "I need to see the project layout first.",
		"tool": "list_dir",
		"args": {"path": ".", "max_depth": 2}
	}`)

	assert.Equal(t, ActionToolCall, action.Kind())
	assert.Equal(t, "list_dir", action.Tool)
	assert.Equal(t, map[string]any{"path": ".", "max_depth": 2}, action.ArgsMap())
}

func TestParseAction_Signal(t *testing.T) {
	action := ParseAction(`{"thought": "All tasks are done.", "status": "complete"}`)
	assert.Equal(t, ActionSignal, action.Kind())
	assert.Equal(t, StatusComplete, action.Status)
}

func TestParseAction_StatusWinsOverTool(t *testing.T) {
	action := ParseAction(`{"thought": "done", "tool": "run_command", "status": "complete"}`)
	assert.Equal(t, ActionSignal, action.Kind())
}

func TestParseAction_EmbeddedJSON(t *testing.T) {
	action := ParseAction("Sure! Here is my next step:\n" +
		`{"thought": "Check the manifest.", "tool": "read_file", "args": {"path": "package.json"}}` +
		"\nLet me know how it goes.")

	assert.Equal(t, ActionToolCall, action.Kind())
	assert.Equal(t, "read_file", action.Tool)
	assert.Equal(t, map[string]any{"path": "package.json"}, action.ArgsMap())
}

func TestParseAction_Garbage(t *testing.T) {
	long := strings.Repeat("I should probably run the tests. ", 10)
	action := ParseAction(long)

	assert.Equal(t, ActionSignal, action.Kind(), "unparseable output surrenders")
	assert.Equal(t, StatusIncomplete, action.Status)
	assert.True(t, strings.HasPrefix(action.Thought, "Failed to parse LLM response: "))
	assert.LessOrEqual(t, len(action.Thought), len("Failed to parse LLM response: ")+100)
}

func TestAction_Kind_Invalid(t *testing.T) {
	assert.Equal(t, ActionInvalid, Action{Thought: "hmm"}.Kind())
	assert.Equal(t, ActionInvalid, Action{Thought: "hmm", Status: "done"}.Kind(),
		"unrecognized status is not a signal")
	assert.Equal(t, ActionToolCall, Action{Thought: "hmm", Status: "done", Tool: "run_command"}.Kind(),
		"a tool call still dispatches when the status is unrecognized")
}

func TestAction_ArgsMap_DropsUnset(t *testing.T) {
	assert.Empty(t, Action{Thought: "x"}.ArgsMap())

	cmd := "npm install"
	timeout := 120
	action := Action{Thought: "x", Tool: "run_command", Args: &ActionArgs{Command: &cmd, Timeout: &timeout}}
	assert.Equal(t, map[string]any{"command": "npm install", "timeout": 120}, action.ArgsMap())
}
