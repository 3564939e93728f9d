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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const writeFileName = "write_file"

const sourceLeakError = "⚠️ PERMISSION DENIED: Source Leak! You are attempting to include a reference to '../source/' in your code or config. The target must be 100% isolated and self-contained. Rewrite the logic locally in the target directory."

// WriteFileTool writes UTF-8 content into the sandbox, creating parent
// directories. Content referencing ../source is rejected: the target
// must never import from the legacy tree. Writes of code extensions
// outside the language lock are warned about but still performed.
type WriteFileTool struct {
	workDir string
	lock    *Lock
}

// NewWriteFileTool returns a write_file tool rooted at workDir. lock
// may be nil when no target stack has been locked yet.
func NewWriteFileTool(workDir string, lock *Lock) *WriteFileTool {
	return &WriteFileTool{workDir: workDir, lock: lock}
}

func (t *WriteFileTool) GetName() string { return writeFileName }

func (t *WriteFileTool) GetDescription() string {
	return "Write content to a file (overwrites existing)"
}

func (t *WriteFileTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        writeFileName,
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Relative path to file", Required: true},
			{Name: "content", Type: "string", Description: "New file content", Required: true},
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	path := stringArg(args, "path")
	if path == "" {
		return withDuration(errorResult(writeFileName, "Missing required argument: path"), start), nil
	}
	content, ok := args["content"].(string)
	if !ok {
		return withDuration(errorResult(writeFileName, "Missing required argument: content"), start), nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if t.lock.Active() && IsKnownCodeExtension(ext) && !t.lock.Allows(ext) && !IsMetadataFile(path) {
		slog.Warn("language lock: writing file outside target stack",
			"ext", ext,
			"path", path,
			"expected", t.lock.Extensions())
	}

	if strings.Contains(content, "../source") {
		return withDuration(errorResult(writeFileName, sourceLeakError), start), nil
	}

	workAbs, err := filepath.Abs(t.workDir)
	if err != nil {
		return ToolResult{}, fmt.Errorf("resolving work dir: %w", err)
	}
	fullPath, err := filepath.Abs(filepath.Join(t.workDir, path))
	if err != nil {
		return ToolResult{}, fmt.Errorf("resolving path %q: %w", path, err)
	}
	if fullPath != workAbs && !strings.HasPrefix(fullPath, workAbs+string(os.PathSeparator)) {
		return withDuration(errorResult(writeFileName, "Permission Denied: Can only write into the target directory."), start), nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return withDuration(errorResult(writeFileName, err.Error()), start), nil
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return withDuration(errorResult(writeFileName, err.Error()), start), nil
	}

	return withDuration(successResult(writeFileName, fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path)), start), nil
}
