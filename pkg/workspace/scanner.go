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

package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Extensions whose files get their content included in analysis context.
var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".vue": true, ".svelte": true,
	".go": true, ".rs": true, ".java": true, ".kt": true, ".scala": true,
	".rb": true, ".php": true,
	".c": true, ".cpp": true, ".h": true, ".hpp": true, ".cs": true,
	".swift": true, ".m": true,
	".sh": true, ".bash": true, ".zsh": true, ".fish": true,
}

// Well-known configuration files included regardless of extension.
var configFiles = map[string]bool{
	"package.json": true, "tsconfig.json": true, "pyproject.toml": true,
	"Cargo.toml": true, "go.mod": true, "requirements.txt": true,
	"Gemfile": true, "pom.xml": true, "build.gradle": true,
	".env.example": true, "docker-compose.yml": true, "Dockerfile": true,
	"Makefile": true,
	"next.config.js": true, "next.config.ts": true, "vite.config.ts": true,
	"webpack.config.js": true,
}

// Directories never descended into during a scan.
var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true, ".next": true,
	"dist": true, "build": true, "target": true, "vendor": true,
	".venv": true, "venv": true, ".tox": true, ".mypy_cache": true,
	".pytest_cache": true, "coverage": true, ".nyc_output": true,
	".cache": true,
}

const (
	defaultScanMaxFiles        = 40
	defaultScanMaxCharsPerFile = 3000
	scanMaxTreeLines           = 100
)

// ScannedFile is one file whose content made it into the analysis
// context.
type ScannedFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// ScanStats summarize a scan.
type ScanStats struct {
	TotalFiles    int            `json:"total_files"`
	IncludedFiles int            `json:"included_files"`
	Languages     map[string]int `json:"languages"`
}

// ScanResult is the structured view of a source tree handed to the
// analyzer: an indented tree rendering plus the content of the most
// relevant files.
type ScanResult struct {
	Tree  string        `json:"tree"`
	Files []ScannedFile `json:"files"`
	Stats ScanStats     `json:"stats"`
}

// Scanner reads a source tree into analysis context, bounded by a file
// count and a per-file content ceiling.
type Scanner struct {
	MaxFiles        int
	MaxCharsPerFile int
}

// Scan walks root and returns the tree rendering, included file
// contents, and stats. Unreadable files are skipped silently.
func (s Scanner) Scan(root string) (*ScanResult, error) {
	maxFiles := s.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultScanMaxFiles
	}
	maxChars := s.MaxCharsPerFile
	if maxChars <= 0 {
		maxChars = defaultScanMaxCharsPerFile
	}

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("workspace not found: %s", root)
	}

	result := &ScanResult{
		Stats: ScanStats{Languages: make(map[string]int)},
	}
	var treeLines []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		depth := len(strings.Split(rel, string(filepath.Separator)))
		indent := strings.Repeat("  ", depth)

		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			treeLines = append(treeLines, indent+d.Name()+"/")
			return nil
		}

		result.Stats.TotalFiles++
		treeLines = append(treeLines, indent+d.Name())

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !configFiles[d.Name()] && !codeExtensions[ext] {
			return nil
		}
		if len(result.Files) >= maxFiles {
			return nil
		}

		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		content := strings.ToValidUTF8(string(raw), "")
		if len(content) > maxChars {
			content = content[:maxChars] + "\n... (truncated)"
		}

		language := detectLanguage(d.Name(), ext)
		result.Stats.Languages[language]++
		result.Files = append(result.Files, ScannedFile{
			Path:     rel,
			Content:  content,
			Language: language,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan workspace: %w", err)
	}

	if len(treeLines) > scanMaxTreeLines {
		treeLines = treeLines[:scanMaxTreeLines]
	}
	result.Tree = strings.Join(treeLines, "\n")
	result.Stats.IncludedFiles = len(result.Files)
	return result, nil
}

func detectLanguage(filename, ext string) string {
	switch filename {
	case "package.json":
		return "JavaScript/Node.js"
	case "pyproject.toml", "requirements.txt":
		return "Python"
	case "Cargo.toml":
		return "Rust"
	case "go.mod":
		return "Go"
	}

	switch ext {
	case ".py":
		return "Python"
	case ".js":
		return "JavaScript"
	case ".ts":
		return "TypeScript"
	case ".jsx":
		return "React"
	case ".tsx":
		return "React TypeScript"
	case ".vue":
		return "Vue"
	case ".go":
		return "Go"
	case ".rs":
		return "Rust"
	case ".java":
		return "Java"
	case ".kt":
		return "Kotlin"
	case ".rb":
		return "Ruby"
	case ".php":
		return "PHP"
	case ".swift":
		return "Swift"
	case ".c":
		return "C"
	case ".cpp":
		return "C++"
	case ".cs":
		return "C#"
	}
	return "Unknown"
}
