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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/tools"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

// Test gate outcomes in the audit report.
const (
	gatePassed  = "passed"
	gateFailed  = "failed"
	gateSkipped = "skipped"
)

// auditIgnoreDirs are skipped by the statistics walk.
var auditIgnoreDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// maxCountableFileSize bounds line counting; bigger files are counted
// but not read.
const maxCountableFileSize = 1 << 20

// AuditorAgent certifies a finished migration: it walks the target
// tree for statistics, audits the language lock, runs the heuristic
// test gate, and writes a markdown dossier plus a JSON report under
// reports/. The report is what GET /report serves.
type AuditorAgent struct {
	emitter *events.Emitter
}

// NewAuditorAgent wires an auditor.
func NewAuditorAgent(emitter *events.Emitter) (*AuditorAgent, error) {
	if emitter == nil {
		return nil, fmt.Errorf("auditor requires an event emitter")
	}
	return &AuditorAgent{emitter: emitter}, nil
}

var _ jobs.Auditor = (*AuditorAgent)(nil)

// Audit produces and persists the audit report for a migrated job,
// emitting audit_started, then audit_complete with the report (or
// audit_error).
func (a *AuditorAgent) Audit(ctx context.Context, job *jobs.Job) error {
	emitCtx := context.WithoutCancel(ctx)

	a.emitter.EmitOrLog(emitCtx, job.ID, events.TypeAuditStarted, map[string]any{
		"message": "Beginning detailed logic verification...",
	})

	report, err := a.audit(ctx, job)
	if err != nil {
		a.emitter.EmitOrLog(emitCtx, job.ID, events.TypeAuditError, map[string]any{
			"error":   err.Error(),
			"details": fmt.Sprintf("Audit failed: %v", err),
		})
		return err
	}

	a.emitter.EmitOrLog(emitCtx, job.ID, events.TypeAuditComplete, report)
	return nil
}

func (a *AuditorAgent) audit(ctx context.Context, job *jobs.Job) (map[string]any, error) {
	if job.WorkspacePath == "" {
		return nil, fmt.Errorf("Job has no workspace")
	}
	ws := workspace.Open(job.WorkspacePath)
	if _, err := os.Stat(ws.Target); err != nil {
		return nil, fmt.Errorf("target directory not found: %s", ws.Target)
	}

	transformation := auditTransformation(job)
	stack := transformation.TargetStack
	if stack == "" {
		stack = job.TargetStack
	}
	extensions := transformation.FileExtensions
	if len(extensions) == 0 {
		extensions = DeriveExtensions(stack)
	}
	lock := tools.NewLock(extensions)

	stats := scanTargetStats(ws.Target)
	violations := lock.Violations(ws.Target)
	parity := parityScore(stats.files, len(violations))

	gateOutcome, gateCommand, gateTail := a.runTestGate(ctx, job, ws, lock, stack, transformation)

	certified := gateOutcome != gateFailed && len(violations) == 0

	dossier := buildDossier(dossierInput{
		repoName:    job.RepoName,
		targetStack: stack,
		stats:       stats,
		violations:  violations,
		parity:      parity,
		gateOutcome: gateOutcome,
		gateCommand: gateCommand,
		gateTail:    gateTail,
		certified:   certified,
	})

	report := map[string]any{
		"certified": certified,
		"metrics": map[string]any{
			"parity":    fmt.Sprintf("%d%%", parity),
			"files":     stats.files,
			"lines":     stats.lines,
			"test_gate": gateOutcome,
		},
		"languages":    stats.languages,
		"logs":         auditLogs(stats, violations, gateOutcome, gateCommand),
		"dossier":      dossier,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}

	if err := writeAuditReport(ws, report); err != nil {
		return nil, err
	}
	slog.Info("Audit report generated",
		"job_id", job.ID,
		"certified", certified,
		"parity", parity,
		"test_gate", gateOutcome)
	return report, nil
}

// auditTransformation recovers the transformation block from the job's
// stored plan; a missing or corrupt plan audits from job metadata
// alone.
func auditTransformation(job *jobs.Job) Transformation {
	if job.Plan == "" {
		return Transformation{}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(job.Plan), &plan); err != nil {
		slog.Warn("Stored plan is corrupt, auditing from job metadata", "job_id", job.ID)
		return Transformation{}
	}
	return plan.Transformation
}

// runTestGate executes the heuristic test gate inside the target tree.
func (a *AuditorAgent) runTestGate(ctx context.Context, job *jobs.Job, ws *workspace.Workspace, lock *tools.Lock, stack string, t Transformation) (outcome, command, tail string) {
	gate, ok := testGateCommand(t.TestFramework, t.PackageManager, stack)
	if !ok {
		return gateSkipped, "", ""
	}

	rewriter := newCommandRewriter(stack, ws.Target)
	command = rewriter.Rewrite(gate)

	shell := tools.NewShellTool(ws.Target, lock)
	result, err := shell.Execute(ctx, map[string]any{"command": command, "timeout": 300})

	combined := strings.TrimSpace(result.Output + "\n" + result.Error)
	if err != nil {
		combined = strings.TrimSpace(combined + "\nTool execution error: " + err.Error())
	}
	a.emitter.EmitOrLog(context.WithoutCancel(ctx), job.ID, events.TypeTerminalOutput, map[string]any{
		"command": command,
		"output":  combined,
	})

	if err != nil || !result.Success || hasFailureIndicator(combined) {
		return gateFailed, command, tailOf(combined, verificationTailBytes)
	}
	return gatePassed, command, ""
}

type targetStats struct {
	files     int
	lines     int
	languages map[string]int
}

// scanTargetStats walks the target tree counting files and lines per
// extension, skipping vendor directories.
func scanTargetStats(root string) targetStats {
	stats := targetStats{languages: map[string]int{}}

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && auditIgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		stats.files++
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext == "" {
			ext = "(none)"
		}
		stats.languages[ext]++

		if info, err := d.Info(); err != nil || info.Size() > maxCountableFileSize {
			return nil
		}
		if data, err := os.ReadFile(path); err == nil {
			stats.lines += bytes.Count(data, []byte("\n"))
		}
		return nil
	})
	return stats
}

// parityScore mirrors the certification math: the share of scanned
// files that comply with the language lock.
func parityScore(files, violations int) int {
	if files == 0 {
		return 100
	}
	score := 100 - violations*100/files
	if score < 0 {
		return 0
	}
	return score
}

// auditLogs builds the report's running-commentary entries.
func auditLogs(stats targetStats, violations []string, gateOutcome, gateCommand string) []map[string]any {
	now := time.Now().Format("15:04:05")
	var logs []map[string]any

	if len(violations) > 0 {
		preview := violations
		if len(preview) > 3 {
			preview = preview[:3]
		}
		logs = append(logs, map[string]any{
			"id": 1, "type": "warning", "title": "Language Lock Audit",
			"description": fmt.Sprintf("Found %d files outside the target whitelist: %s", len(violations), strings.Join(preview, ", ")),
			"timestamp":   now,
		})
	} else {
		logs = append(logs, map[string]any{
			"id": 1, "type": "success", "title": "Language Lock Audit",
			"description": fmt.Sprintf("All %d files comply with the target stack whitelist.", stats.files),
			"timestamp":   now,
		})
	}

	switch gateOutcome {
	case gatePassed:
		logs = append(logs, map[string]any{
			"id": 2, "type": "success", "title": "Test Gate",
			"description": fmt.Sprintf("`%s` passed with no failure indicators.", gateCommand),
			"timestamp":   now,
		})
	case gateFailed:
		logs = append(logs, map[string]any{
			"id": 2, "type": "error", "title": "Test Gate",
			"description": fmt.Sprintf("`%s` reported failures.", gateCommand),
			"timestamp":   now,
		})
	default:
		logs = append(logs, map[string]any{
			"id": 2, "type": "info", "title": "Test Gate",
			"description": "No test framework declared; gate skipped.",
			"timestamp":   now,
		})
	}

	logs = append(logs, map[string]any{
		"id": 3, "type": "info", "title": "Codebase Statistics",
		"description": fmt.Sprintf("Scanned %d files, %d lines across %d extensions.", stats.files, stats.lines, len(stats.languages)),
		"timestamp":   now,
	})
	return logs
}

type dossierInput struct {
	repoName    string
	targetStack string
	stats       targetStats
	violations  []string
	parity      int
	gateOutcome string
	gateCommand string
	gateTail    string
	certified   bool
}

// buildDossier renders the markdown certification document embedded in
// the report.
func buildDossier(in dossierInput) string {
	var b strings.Builder

	b.WriteString("# Technical Migration Dossier\n")
	fmt.Fprintf(&b, "Certified by Kandra Engine on %s\n\n", time.Now().Format("2006-01-02"))

	b.WriteString("## Executive Summary\n")
	if in.certified {
		fmt.Fprintf(&b, "This document certifies the successful migration of `%s` to %s. The target tree has been validated for language purity and checked against the stack's test gate.\n\n", in.repoName, in.targetStack)
	} else {
		fmt.Fprintf(&b, "This document records the migration audit of `%s` to %s. One or more certification checks did not pass; see the sections below.\n\n", in.repoName, in.targetStack)
	}

	b.WriteString("### Key Certifications\n")
	fmt.Fprintf(&b, "- **Language Purity**: %d%% (%d of %d files within the target whitelist)\n",
		in.parity, in.stats.files-len(in.violations), in.stats.files)
	switch in.gateOutcome {
	case gatePassed:
		fmt.Fprintf(&b, "- **Test Gate**: PASSED (`%s`)\n", in.gateCommand)
	case gateFailed:
		fmt.Fprintf(&b, "- **Test Gate**: FAILED (`%s`)\n", in.gateCommand)
	default:
		b.WriteString("- **Test Gate**: SKIPPED (no test framework declared)\n")
	}
	fmt.Fprintf(&b, "- **Parity Score**: %d%%\n\n", in.parity)

	b.WriteString("## Codebase Statistics\n")
	fmt.Fprintf(&b, "- **Files Scanned**: %d\n", in.stats.files)
	fmt.Fprintf(&b, "- **Lines of Code**: %d\n", in.stats.lines)
	fmt.Fprintf(&b, "- **Languages**: %s\n", formatLanguages(in.stats.languages))
	fmt.Fprintf(&b, "- **Lock Violations**: %d\n\n", len(in.violations))

	if len(in.violations) > 0 {
		b.WriteString("### Lock Violations\n")
		for _, v := range in.violations {
			fmt.Fprintf(&b, "- `%s`\n", v)
		}
		b.WriteString("\n")
	}

	if in.gateOutcome == gateFailed && in.gateTail != "" {
		b.WriteString("### Test Gate Output\n```\n")
		b.WriteString(in.gateTail)
		b.WriteString("\n```\n\n")
	}

	b.WriteString("## Verification Log\n")
	b.WriteString("- **Workspace Walk**: Complete\n")
	b.WriteString("- **Language Lock Audit**: Complete\n")
	switch in.gateOutcome {
	case gatePassed:
		b.WriteString("- **Test Gate**: Passed\n")
	case gateFailed:
		b.WriteString("- **Test Gate**: Failed\n")
	default:
		b.WriteString("- **Test Gate**: Skipped\n")
	}

	b.WriteString("\n---\n*Generated automatically by Kandra Audit Agent*\n")
	return b.String()
}

// formatLanguages renders per-extension counts in a stable order.
func formatLanguages(languages map[string]int) string {
	if len(languages) == 0 {
		return "none"
	}
	exts := make([]string, 0, len(languages))
	for ext := range languages {
		exts = append(exts, ext)
	}
	sort.Strings(exts)

	parts := make([]string, 0, len(exts))
	for _, ext := range exts {
		parts = append(parts, fmt.Sprintf("%s (%d)", ext, languages[ext]))
	}
	return strings.Join(parts, ", ")
}

// writeAuditReport persists the report JSON under reports/.
func writeAuditReport(ws *workspace.Workspace, report map[string]any) error {
	if err := os.MkdirAll(ws.Reports, 0o755); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode audit report: %w", err)
	}
	if err := os.WriteFile(ws.AuditReportPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write audit report: %w", err)
	}
	return nil
}
