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
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const shellToolName = "run_command"

const (
	// defaultCommandTimeout bounds ordinary commands.
	defaultCommandTimeout = 60 * time.Second

	// heavyCommandTimeout is the floor for installs, builds, and test
	// suites, which routinely outlive the default.
	heavyCommandTimeout = 300 * time.Second

	// postReadyGrace lets a ready server flush its remaining output
	// before the process group is reaped.
	postReadyGrace = time.Second

	// maxOutputChars is the truncation threshold for command output.
	maxOutputChars = 2048

	// truncatedEdge is how much of each end survives truncation.
	truncatedEdge = 1024
)

// heavyKeywords raise the timeout floor when present in the command.
var heavyKeywords = []string{
	"install", "build", "compile", "setup", "update", "migration",
	"pytest", "npm test",
}

// readyPatterns mark a long-running process as successfully started.
// Matched case-insensitively against each output line.
var readyPatterns = []string{
	"listening on port",
	"started successfully",
	"ready in",
	"server started",
	"compiled successfully",
	"database connected",
	"connected to",
	"application started",
	"http://localhost",
}

// interactivePatterns mean the process is waiting for keyboard input
// it will never get. The process group is killed on sight.
var interactivePatterns = []string{
	"(y/n)?", "[y/n]", "continue?", "password:", "enter name:", "confirm?",
}

// complexMarkers mean the command embeds its own verification (chained
// or piped steps), so a ready signal alone must not cut it short.
// A single "&" also covers "&&".
var complexMarkers = []string{"&", ";", "|", "curl", "wget"}

// ShellTool executes a command line inside the sandbox under a fresh
// process group, watching the output for ready signals and interactive
// prompts while racing the process against a wall-clock timeout.
type ShellTool struct {
	workDir string
	lock    *Lock

	baseTimeout  time.Duration
	heavyTimeout time.Duration
	grace        time.Duration
}

// NewShellTool returns a run_command tool rooted at workDir. lock may
// be nil when no target stack has been locked yet.
func NewShellTool(workDir string, lock *Lock) *ShellTool {
	return &ShellTool{
		workDir:      workDir,
		lock:         lock,
		baseTimeout:  defaultCommandTimeout,
		heavyTimeout: heavyCommandTimeout,
		grace:        postReadyGrace,
	}
}

// WithTimeouts overrides the default and heavy timeout floors. Zero or
// negative values keep the current settings.
func (t *ShellTool) WithTimeouts(base, heavy time.Duration) *ShellTool {
	if base > 0 {
		t.baseTimeout = base
	}
	if heavy > 0 {
		t.heavyTimeout = heavy
	}
	return t
}

func (t *ShellTool) GetName() string { return shellToolName }

func (t *ShellTool) GetDescription() string {
	return "Execute a shell command in the workspace"
}

func (t *ShellTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        shellToolName,
		Description: t.GetDescription(),
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "The shell command to execute", Required: true},
			{Name: "timeout", Type: "integer", Description: "Timeout in seconds (raises the default, never lowers it)"},
		},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	start := time.Now()

	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return withDuration(errorResult(shellToolName, "Missing required argument: command"), start), nil
	}
	if strings.Contains(command, "../") {
		return withDuration(errorResult(shellToolName, "Permission Denied: Shell commands must stay within the target directory. Do not use '../' in commands."), start), nil
	}

	effective := t.effectiveTimeout(command, intArg(args, "timeout", 0))

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = t.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return ToolResult{}, fmt.Errorf("attaching stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return ToolResult{}, fmt.Errorf("attaching stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return ToolResult{}, fmt.Errorf("starting command: %w", err)
	}
	pgid := cmd.Process.Pid

	var (
		mu         sync.Mutex
		stdoutBuf  strings.Builder
		stderrBuf  strings.Builder
		hangReason string
		wasKilled  bool
	)
	readyCh := make(chan struct{})
	var readyOnce sync.Once

	killGroup := func() {
		mu.Lock()
		wasKilled = true
		mu.Unlock()
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}

	inspect := func(line string) {
		lower := strings.ToLower(line)
		for _, p := range readyPatterns {
			if strings.Contains(lower, p) {
				readyOnce.Do(func() { close(readyCh) })
				break
			}
		}
		for _, p := range interactivePatterns {
			if strings.Contains(lower, p) {
				mu.Lock()
				if hangReason == "" {
					hangReason = "stuck waiting for input"
				}
				mu.Unlock()
				killGroup()
				break
			}
		}
	}

	var wg sync.WaitGroup
	scan := func(r io.Reader, buf *strings.Builder) {
		defer wg.Done()
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			mu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			mu.Unlock()
			inspect(line)
		}
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go scan(stdoutPipe, &stdoutBuf)
	go scan(stderrPipe, &stderrBuf)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(effective)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		ready    bool
	)
	select {
	case waitErr = <-done:
	case <-readyCh:
		ready = true
		if isComplexCommand(command) {
			// Chained commands verify themselves; let them finish.
			select {
			case waitErr = <-done:
			case <-timer.C:
				killGroup()
				waitErr = <-done
			case <-ctx.Done():
				killGroup()
				<-done
				return ToolResult{}, ctx.Err()
			}
		} else {
			select {
			case waitErr = <-done:
			case <-time.After(t.grace):
				killGroup()
				waitErr = <-done
			case <-ctx.Done():
				killGroup()
				<-done
				return ToolResult{}, ctx.Err()
			}
		}
	case <-timer.C:
		timedOut = true
		killGroup()
		waitErr = <-done
	case <-ctx.Done():
		killGroup()
		<-done
		return ToolResult{}, ctx.Err()
	}

	select {
	case <-readyCh:
		ready = true
	default:
	}

	exitCode, err := exitCodeOf(waitErr)
	if err != nil {
		return ToolResult{}, err
	}

	mu.Lock()
	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())
	reason := hangReason
	killed := wasKilled
	mu.Unlock()

	combined := stdout + "\n" + stderr
	output := truncateOutput(stdout)
	metadata := map[string]any{
		"exit_code": exitCode,
		"ready":     ready,
	}
	if killed {
		metadata["killed"] = true
	}

	if reason != "" {
		metadata["hang_reason"] = reason
		result := errorResult(shellToolName, fmt.Sprintf("Command was killed: %s. Do NOT run interactive commands; pass non-interactive flags (e.g. --yes).", reason))
		result.Output = output
		result.Metadata = metadata
		return withDuration(result, start), nil
	}

	if timedOut && !ready {
		metadata["timeout"] = true
		result := errorResult(shellToolName, fmt.Sprintf("Command timed out after %d seconds. Do NOT run long-running servers or interactive commands.", int(effective.Seconds())))
		result.Output = output
		result.Metadata = metadata
		return withDuration(result, start), nil
	}

	// A ready process reaped by its supervisor did its job.
	if exitCode == -9 && ready {
		exitCode = 0
		metadata["exit_code"] = 0
	}

	if exitCode != 0 {
		shortError := stderr
		if shortError == "" {
			shortError = stdout
		}
		message := fmt.Sprintf("Command failed with code %d: %s", exitCode, truncateOutput(shortError))
		if strings.Contains(combined, "../source") {
			message += "\n⚠️ CRITICAL: The output references '../source'. The target must stay isolated from the legacy tree; rewrite the logic locally."
		}
		result := errorResult(shellToolName, message)
		result.Output = output
		result.Metadata = metadata
		return withDuration(result, start), nil
	}

	if violations := t.lock.Violations(t.workDir); len(violations) > 0 {
		metadata["lock_violation"] = true
		metadata["files"] = violations
		output += fmt.Sprintf("\n\n⚠️ Warning: Language Lock: command created incompatible files: %s. Expected extensions: %s. Rename or remove them.",
			strings.Join(violations, ", "), strings.Join(t.lock.Extensions(), ", "))
	}
	if strings.Contains(combined, "../source") {
		output += "\n\n⚠️ Warning: output references '../source'. The target must stay isolated from the legacy tree."
	}

	if strings.TrimSpace(output) == "" {
		output = "Command executed successfully (no output)"
	}
	result := successResult(shellToolName, output)
	result.Metadata = metadata
	return withDuration(result, start), nil
}

// effectiveTimeout applies the heavy-keyword floor and lets a caller
// raise (never lower) it.
func (t *ShellTool) effectiveTimeout(command string, callerSeconds int) time.Duration {
	floor := t.baseTimeout
	lower := strings.ToLower(command)
	for _, kw := range heavyKeywords {
		if strings.Contains(lower, kw) {
			floor = t.heavyTimeout
			break
		}
	}
	if caller := time.Duration(callerSeconds) * time.Second; caller > floor {
		return caller
	}
	return floor
}

// isComplexCommand reports whether the command chains or pipes steps,
// meaning it carries its own verification and must run to completion.
func isComplexCommand(command string) bool {
	lower := strings.ToLower(command)
	for _, marker := range complexMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// exitCodeOf maps a Wait error to a shell-style exit code. Death by
// signal N is reported as -N, so SIGKILL reads -9.
func exitCodeOf(waitErr error) (int, error) {
	if waitErr == nil {
		return 0, nil
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return 0, fmt.Errorf("waiting for command: %w", waitErr)
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), nil
	}
	if status.Signaled() {
		return -int(status.Signal()), nil
	}
	return status.ExitStatus(), nil
}

// truncateOutput keeps the head and tail of oversized output so the
// agent sees both the beginning of a failure and its conclusion.
func truncateOutput(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	omitted := len(s) - 2*truncatedEdge
	return s[:truncatedEdge] + fmt.Sprintf("\n... [Truncated %d chars] ...\n", omitted) + s[len(s)-truncatedEdge:]
}
