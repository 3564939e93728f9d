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

// Package workspace provisions and maintains the on-disk layout a
// migration job runs in: a read-only clone of the source repository, a
// sandboxed target directory the agent rewrites, a metadata scratch
// area, and a reports directory for audit output.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kandra-ai/kandra/pkg/config"
)

// Layout directory names under each workspace root.
const (
	SourceDir  = "source"
	TargetDir  = "target"
	MetaDir    = ".kandra"
	ReportsDir = "reports"
)

// AuditReportFile is the audit report's filename under reports/.
const AuditReportFile = "audit.json"

// cloneCacheAge is how fresh a source clone must be to be reused
// instead of re-cloned.
const cloneCacheAge = time.Hour

// Workspace is a provisioned job workspace.
type Workspace struct {
	Root    string `json:"workspace_path"`
	Source  string `json:"source_path"`
	Target  string `json:"target_path"`
	Meta    string `json:"-"`
	Reports string `json:"-"`

	// Cloned reports whether this provisioning performed a fresh clone
	// or reused a recent one.
	Cloned  bool   `json:"cloned"`
	Message string `json:"message"`
}

// Manager creates, resets, and reclaims workspaces under a base path.
type Manager struct {
	basePath     string
	cloner       Cloner
	cloneTimeout time.Duration
	cleanupAfter time.Duration
}

// NewManager resolves the base path, creates it if necessary, and
// returns a manager using the given cloner to fetch repositories.
func NewManager(cfg *config.WorkspaceConfig, cloner Cloner) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("workspace configuration is required")
	}
	if cloner == nil {
		return nil, fmt.Errorf("cloner is required")
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workspace configuration: %w", err)
	}

	base, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &Manager{
		basePath:     base,
		cloner:       cloner,
		cloneTimeout: cfg.CloneTimeout,
		cleanupAfter: cfg.CleanupAfter,
	}, nil
}

// BasePath returns the resolved workspace base directory.
func (m *Manager) BasePath() string {
	return m.basePath
}

// PathFor returns the workspace root for a repository, optionally
// suffixed by a session tag. Path separators in the name are flattened
// so "acme/legacy-api" and "acme\legacy-api" share one directory.
func (m *Manager) PathFor(repoName, session string) string {
	safe := strings.ReplaceAll(repoName, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	if session != "" {
		safe += "-" + session
	}
	return filepath.Join(m.basePath, safe)
}

// Provision builds the workspace layout for a repository and ensures a
// source clone is present. target/, .kandra/, and reports/ are always
// wiped for a fresh start; source/ is reused when it holds a clone less
// than an hour old, unless force is set.
func (m *Manager) Provision(ctx context.Context, repoURL, repoName, session string, force bool) (*Workspace, error) {
	root := m.PathFor(repoName, session)
	ws := &Workspace{
		Root:    root,
		Source:  filepath.Join(root, SourceDir),
		Target:  filepath.Join(root, TargetDir),
		Meta:    filepath.Join(root, MetaDir),
		Reports: filepath.Join(root, ReportsDir),
	}

	for _, dir := range []string{ws.Target, ws.Meta, ws.Reports} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to reset %s: %w", filepath.Base(dir), err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Base(dir), err)
		}
	}

	if !force && recentlyCloned(ws.Source) {
		ws.Cloned = false
		ws.Message = fmt.Sprintf("Using cached clone from %s. Cleared target and metadata.", ws.Source)
		return ws, nil
	}

	if err := os.RemoveAll(ws.Source); err != nil {
		return nil, fmt.Errorf("failed to reset source: %w", err)
	}
	if err := os.MkdirAll(ws.Source, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	cloneCtx := ctx
	if m.cloneTimeout > 0 {
		var cancel context.CancelFunc
		cloneCtx, cancel = context.WithTimeout(ctx, m.cloneTimeout)
		defer cancel()
	}
	if err := m.cloner.Clone(cloneCtx, repoURL, ws.Source); err != nil {
		// A half-cloned workspace is worse than none.
		if rmErr := os.RemoveAll(root); rmErr != nil {
			slog.Warn("Failed to clean up workspace after clone failure", "path", root, "error", rmErr)
		}
		return nil, fmt.Errorf("clone failed: %w", err)
	}

	ws.Cloned = true
	ws.Message = fmt.Sprintf("Cloned %s to %s", repoURL, ws.Source)
	return ws, nil
}

// Open returns the workspace layout rooted at an existing path without
// touching the disk.
func Open(root string) *Workspace {
	return &Workspace{
		Root:    root,
		Source:  filepath.Join(root, SourceDir),
		Target:  filepath.Join(root, TargetDir),
		Meta:    filepath.Join(root, MetaDir),
		Reports: filepath.Join(root, ReportsDir),
	}
}

// AuditReportPath returns where the audit report lives for this
// workspace.
func (w *Workspace) AuditReportPath() string {
	return filepath.Join(w.Reports, AuditReportFile)
}

// Cleanup removes a repository's workspace entirely. It reports whether
// anything was removed.
func (m *Manager) Cleanup(repoName, session string) (bool, error) {
	root := m.PathFor(repoName, session)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(root); err != nil {
		return false, fmt.Errorf("failed to remove workspace: %w", err)
	}
	return true, nil
}

// SweepStale removes workspaces that have not been modified within the
// configured retention window. It returns the number removed.
func (m *Manager) SweepStale() (int, error) {
	if m.cleanupAfter <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(m.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read base path: %w", err)
	}

	cutoff := time.Now().Add(-m.cleanupAfter)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.basePath, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("Failed to remove stale workspace", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// recentlyCloned reports whether dir holds a git clone younger than the
// cache window, judged by the .git directory's modification time.
func recentlyCloned(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < cloneCacheAge
}
