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
	"sort"
	"strings"
	"time"
)

const listDirName = "list_dir"

// ListDirTool renders an indented tree of the sandbox. Dot entries are
// skipped and recursion stops past the depth ceiling.
type ListDirTool struct {
	workDir string
}

// NewListDirTool returns a list_dir tool rooted at workDir.
func NewListDirTool(workDir string) *ListDirTool {
	return &ListDirTool{workDir: workDir}
}

func (t *ListDirTool) GetName() string { return listDirName }

func (t *ListDirTool) GetDescription() string {
	return "List files and directories in the workspace (recursive up to depth)"
}

func (t *ListDirTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        listDirName,
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Relative path to list (default: .)"},
			{Name: "max_depth", Type: "integer", Description: "Max recursion depth (default: 2)"},
		},
	}
}

// Execute walks the tree under args["path"] (default ".") no deeper
// than args["max_depth"] (default 2).
func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	maxDepth := intArg(args, "max_depth", 2)

	root := filepath.Join(t.workDir, path)
	if _, err := os.Stat(root); err != nil {
		return withDuration(errorResult(listDirName, fmt.Sprintf("Path not found: %s", path)), start), nil
	}

	var lines []string
	var walk func(dir, label string, depth int)
	walk = func(dir, label string, depth int) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		indent := strings.Repeat("  ", depth)
		lines = append(lines, indent+label+"/")

		var subdirs []string
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if entry.IsDir() {
				subdirs = append(subdirs, entry.Name())
				continue
			}
			lines = append(lines, indent+"  "+entry.Name())
		}
		if depth >= maxDepth {
			return
		}
		for _, name := range subdirs {
			walk(filepath.Join(dir, name), name, depth+1)
		}
	}
	walk(root, path, 0)

	return withDuration(successResult(listDirName, strings.Join(lines, "\n")), start), nil
}
