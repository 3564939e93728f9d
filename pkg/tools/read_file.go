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

package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"
)

const readFileName = "read_file"

// maxReadSize caps read_file payloads so a single large artifact
// cannot flood the agent's context window.
const maxReadSize = 50_000

// ReadFileTool returns file contents, with distinct errors for missing,
// oversized, and binary files.
type ReadFileTool struct {
	workDir string
}

// NewReadFileTool returns a read_file tool rooted at workDir.
func NewReadFileTool(workDir string) *ReadFileTool {
	return &ReadFileTool{workDir: workDir}
}

func (t *ReadFileTool) GetName() string { return readFileName }

func (t *ReadFileTool) GetDescription() string {
	return "Read the contents of a file"
}

func (t *ReadFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        readFileName,
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Relative path to file", Required: true},
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	path := stringArg(args, "path")
	if path == "" {
		return withDuration(errorResult(readFileName, "Missing required argument: path"), start), nil
	}

	fullPath := filepath.Join(t.workDir, path)
	info, err := os.Stat(fullPath)
	if err != nil {
		return withDuration(errorResult(readFileName, fmt.Sprintf("File not found: %s", path)), start), nil
	}
	if info.Size() > maxReadSize {
		return withDuration(errorResult(readFileName, fmt.Sprintf("File too large to read (%d bytes)", info.Size())), start), nil
	}

	raw, err := os.ReadFile(fullPath)
	if err != nil {
		return withDuration(errorResult(readFileName, fmt.Sprintf("File not found: %s", path)), start), nil
	}
	if !utf8.Valid(raw) {
		return withDuration(errorResult(readFileName, "File is not text (binary)"), start), nil
	}

	return withDuration(successResult(readFileName, string(raw)), start), nil
}
