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

// Package tools implements the executor agent's tool surface: four
// sandboxed primitives (list_dir, read_file, write_file, run_command)
// rooted at a job's target directory. Tool failures are reported as
// values in the result, never as Go errors — the agent must be able to
// read them and adapt.
package tools

import (
	"context"
	"time"
)

// Tool is a single primitive the agent can invoke.
type Tool interface {
	// GetInfo returns the tool's schema for prompt construction.
	GetInfo() ToolInfo

	// Execute runs the tool. Domain failures (missing file, sandbox
	// violation, non-zero exit) are reported in the result; the error
	// return is reserved for infrastructure failures such as context
	// cancellation.
	Execute(ctx context.Context, args map[string]any) (ToolResult, error)

	// GetName returns the tool's registry name.
	GetName() string

	// GetDescription returns a human-readable description.
	GetDescription() string
}

// ToolResult is the uniform outcome of a tool invocation.
type ToolResult struct {
	Success       bool           `json:"success"`
	Output        string         `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ToolInfo describes a tool to the LLM.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

// ToolParameter describes one argument of a tool.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

func errorResult(toolName, message string) ToolResult {
	return ToolResult{
		Success:  false,
		Error:    message,
		ToolName: toolName,
	}
}

func successResult(toolName, output string) ToolResult {
	return ToolResult{
		Success:  true,
		Output:   output,
		ToolName: toolName,
	}
}

func withDuration(result ToolResult, start time.Time) ToolResult {
	result.ExecutionTime = time.Since(start)
	return result
}

// stringArg reads a string argument, tolerating absence.
func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg reads an integer argument. JSON decoding yields float64, so
// both are accepted.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
