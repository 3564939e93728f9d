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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// knownCodeExtensions is every extension the engine treats as source
// code. A file with one of these extensions that is outside the active
// whitelist is foreign to the target stack.
var knownCodeExtensions = map[string]bool{
	".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".py": true, ".go": true, ".rs": true,
	".c": true, ".cpp": true, ".h": true,
	".java": true, ".kt": true, ".rb": true, ".php": true,
	".cs": true, ".swift": true, ".m": true,
	".sh": true, ".sql": true,
}

// Metadata files are always allowed regardless of the language lock.
var (
	metadataExtensions = map[string]bool{
		".json": true, ".md": true, ".yml": true, ".yaml": true,
		".txt": true, ".lock": true, ".gitignore": true, ".env": true,
		".editorconfig": true,
	}
	metadataFilenames = map[string]bool{
		"package.json": true, "tsconfig.json": true, "pom.xml": true,
		"web.xml": true, "Gemfile": true, "Cargo.toml": true,
		"go.mod": true, "go.sum": true, "Dockerfile": true,
		"Makefile": true, "requirements.txt": true, "pyproject.toml": true,
		"license": true, "LICENSE": true,
	}
)

// lockIgnoreDirs are never descended into by the post-command audit or
// the purge walk.
var lockIgnoreDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true, ".venv": true,
	"dist": true, "build": true, "coverage": true, ".next": true,
	".turbo": true, "out": true, ".jest_cache": true, ".pytest_cache": true,
	"target": true, "vendor": true, ".gradle": true,
}

// IsKnownCodeExtension reports whether ext (with leading dot) is a
// source-code extension the engine recognizes.
func IsKnownCodeExtension(ext string) bool {
	return knownCodeExtensions[strings.ToLower(ext)]
}

// IsMetadataFile reports whether the file is configuration, docs, or
// other metadata that every stack is allowed to carry.
func IsMetadataFile(name string) bool {
	base := filepath.Base(name)
	if metadataFilenames[base] {
		return true
	}
	ext := strings.ToLower(filepath.Ext(base))
	if metadataExtensions[ext] {
		return true
	}
	// Dotfiles like .gitignore and .env have no extension in Go's view.
	if metadataExtensions[strings.ToLower(base)] {
		return true
	}
	// next.config.js, jest.config.cjs, vite.config.mjs, ...
	lower := strings.ToLower(base)
	for _, suffix := range []string{".config.js", ".config.cjs", ".config.mjs"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Lock is the Language Lock: the whitelist of file extensions the
// target stack is allowed to contain, promoted from the plan's
// transformation block. A nil or empty lock is inactive.
type Lock struct {
	allowed map[string]bool
}

// NewLock builds a lock from the plan's file_extensions list.
// Extensions are normalized to lowercase with a leading dot.
func NewLock(extensions []string) *Lock {
	l := &Lock{allowed: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		l.allowed[ext] = true
	}
	return l
}

// Active reports whether the lock has any whitelist at all.
func (l *Lock) Active() bool {
	return l != nil && len(l.allowed) > 0
}

// Allows reports whether a file extension is on the whitelist.
func (l *Lock) Allows(ext string) bool {
	if !l.Active() {
		return true
	}
	return l.allowed[strings.ToLower(ext)]
}

// Extensions returns the whitelist in sorted order.
func (l *Lock) Extensions() []string {
	if l == nil {
		return nil
	}
	exts := make([]string, 0, len(l.allowed))
	for ext := range l.allowed {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// isForeign reports whether a file is code foreign to the lock: a known
// code extension, outside the whitelist, and not metadata.
func (l *Lock) isForeign(name string) bool {
	if !l.Active() {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !knownCodeExtensions[ext] {
		return false
	}
	if l.allowed[ext] {
		return false
	}
	return !IsMetadataFile(name)
}

// Violations walks root and returns the relative paths of files foreign
// to the lock. Used by the shell tool's post-command audit; the result
// is a non-blocking warning.
func (l *Lock) Violations(root string) []string {
	if !l.Active() {
		return nil
	}

	var violations []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && lockIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if l.isForeign(d.Name()) {
			if rel, relErr := filepath.Rel(root, path); relErr == nil {
				violations = append(violations, rel)
			}
		}
		return nil
	})
	return violations
}

// Purge deletes files foreign to the lock under root and returns their
// relative paths. Runs before each phase so the agent starts from a
// workspace free of leftover legacy code.
func (l *Lock) Purge(root string) ([]string, error) {
	if !l.Active() {
		return nil, nil
	}

	var purged []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && lockIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !l.isForeign(d.Name()) {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return nil
		}
		if rel, relErr := filepath.Rel(root, path); relErr == nil {
			purged = append(purged, rel)
		}
		return nil
	})
	if err != nil {
		return purged, err
	}
	return purged, nil
}
