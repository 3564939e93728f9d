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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestShell(t *testing.T, lock *Lock) (*ShellTool, string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	tool := NewShellTool(dir, lock)
	tool.baseTimeout = 10 * time.Second
	tool.grace = 100 * time.Millisecond
	return tool, dir
}

// writeScript drops an executable script into the sandbox and returns
// the command that runs it. Scripts keep marker characters out of the
// command text so the simple/complex classification stays under the
// test's control.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755))
	return "./" + name
}

func TestShellTool_Success(t *testing.T) {
	tool, _ := newTestShell(t, nil)

	result := mustExecute(t, tool, map[string]any{"command": "echo hello world"})

	require.True(t, result.Success)
	assert.Equal(t, "hello world", result.Output)
	assert.Equal(t, 0, result.Metadata["exit_code"])
}

func TestShellTool_NoOutput(t *testing.T) {
	tool, _ := newTestShell(t, nil)

	result := mustExecute(t, tool, map[string]any{"command": "true"})

	require.True(t, result.Success)
	assert.Equal(t, "Command executed successfully (no output)", result.Output)
}

func TestShellTool_FailureReportsCodeAndStderr(t *testing.T) {
	tool, dir := newTestShell(t, nil)
	cmd := writeScript(t, dir, "fail.sh", "echo boom >&2\nexit 3\n")

	result := mustExecute(t, tool, map[string]any{"command": cmd})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Command failed with code 3")
	assert.Contains(t, result.Error, "boom")
	assert.Equal(t, 3, result.Metadata["exit_code"])
}

func TestShellTool_RejectsParentTraversal(t *testing.T) {
	tool, _ := newTestShell(t, nil)

	result := mustExecute(t, tool, map[string]any{"command": "cat ../source/app.py"})

	assert.False(t, result.Success)
	assert.Equal(t, "Permission Denied: Shell commands must stay within the target directory. Do not use '../' in commands.", result.Error)
}

func TestShellTool_TimeoutKillsProcessGroup(t *testing.T) {
	tool, _ := newTestShell(t, nil)
	tool.baseTimeout = time.Second

	start := time.Now()
	result := mustExecute(t, tool, map[string]any{"command": "sleep 30"})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Command timed out after 1 seconds")
	assert.Equal(t, true, result.Metadata["timeout"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellTool_ReadySimpleCommandReaped(t *testing.T) {
	tool, dir := newTestShell(t, nil)
	cmd := writeScript(t, dir, "serve.sh", "echo \"Server started\"\nsleep 30\n")

	start := time.Now()
	result := mustExecute(t, tool, map[string]any{"command": cmd})

	// The server came up, so reaping it counts as success.
	require.True(t, result.Success, "error: %s", result.Error)
	assert.Contains(t, result.Output, "Server started")
	assert.Equal(t, true, result.Metadata["ready"])
	assert.Equal(t, true, result.Metadata["killed"])
	assert.Equal(t, 0, result.Metadata["exit_code"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellTool_ReadyComplexCommandRunsToCompletion(t *testing.T) {
	tool, _ := newTestShell(t, nil)

	result := mustExecute(t, tool, map[string]any{"command": `echo "server started" && echo done`})

	require.True(t, result.Success)
	assert.Contains(t, result.Output, "done")
	assert.Equal(t, 0, result.Metadata["exit_code"])
	assert.Nil(t, result.Metadata["killed"])
}

func TestShellTool_InteractivePromptKilled(t *testing.T) {
	tool, dir := newTestShell(t, nil)
	cmd := writeScript(t, dir, "ask.sh", "echo \"Overwrite files? (y/n)?\"\nsleep 30\n")

	start := time.Now()
	result := mustExecute(t, tool, map[string]any{"command": cmd})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "stuck waiting for input")
	assert.Equal(t, "stuck waiting for input", result.Metadata["hang_reason"])
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestShellTool_TruncatesLongOutput(t *testing.T) {
	tool, dir := newTestShell(t, nil)
	cmd := writeScript(t, dir, "spam.sh", strings.Join([]string{
		"i=0",
		"while [ $i -lt 400 ]; do",
		"  echo \"line $i of padding output for truncation\"",
		"  i=$((i+1))",
		"done",
	}, "\n")+"\n")

	result := mustExecute(t, tool, map[string]any{"command": cmd})

	require.True(t, result.Success)
	assert.Contains(t, result.Output, "... [Truncated")
	assert.Less(t, len(result.Output), 3*1024)
	assert.True(t, strings.HasPrefix(result.Output, "line 0 "))
}

func TestShellTool_LockAuditWarnsWithoutFailing(t *testing.T) {
	tool, dir := newTestShell(t, NewLock([]string{".py"}))

	result := mustExecute(t, tool, map[string]any{"command": "echo x > polluted.js"})

	require.True(t, result.Success)
	assert.Equal(t, true, result.Metadata["lock_violation"])
	assert.Contains(t, result.Metadata["files"], "polluted.js")
	assert.Contains(t, result.Output, "Language Lock")
	assert.FileExists(t, filepath.Join(dir, "polluted.js"))
}

func TestShellTool_SourceLeakWarningOnSuccess(t *testing.T) {
	tool, dir := newTestShell(t, nil)
	cmd := writeScript(t, dir, "leak.sh", "echo \"copied ../source/app.py\"\n")

	result := mustExecute(t, tool, map[string]any{"command": cmd})

	require.True(t, result.Success)
	assert.Contains(t, result.Output, "../source")
	assert.Contains(t, result.Output, "Warning")
}

func TestShellTool_SourceLeakErrorOnFailure(t *testing.T) {
	tool, dir := newTestShell(t, nil)
	cmd := writeScript(t, dir, "leakfail.sh", "echo \"cannot stat ../source/x\" >&2\nexit 1\n")

	result := mustExecute(t, tool, map[string]any{"command": cmd})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "CRITICAL")
	assert.Contains(t, result.Error, "../source")
}

func TestShellTool_EffectiveTimeout(t *testing.T) {
	tool := NewShellTool(t.TempDir(), nil)

	tests := []struct {
		command string
		caller  int
		want    time.Duration
	}{
		{"echo hi", 0, 60 * time.Second},
		{"npm install", 0, 300 * time.Second},
		{"pytest -q", 0, 300 * time.Second},
		{"./gradlew build", 0, 300 * time.Second},
		{"echo hi", 120, 120 * time.Second},
		{"echo hi", 10, 60 * time.Second},
		{"npm install", 600, 600 * time.Second},
		{"npm install", 30, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%d", tt.command, tt.caller), func(t *testing.T) {
			assert.Equal(t, tt.want, tool.effectiveTimeout(tt.command, tt.caller))
		})
	}
}

func TestIsComplexCommand(t *testing.T) {
	complex := []string{
		"npm install && npm test",
		"echo a; echo b",
		"cat app.py | grep def",
		"curl http://localhost:3000/health",
		"wget http://localhost:8080",
		"npm start &",
	}
	for _, cmd := range complex {
		assert.True(t, isComplexCommand(cmd), cmd)
	}

	simple := []string{"ls -la", "npm run build", "python app.py"}
	for _, cmd := range simple {
		assert.False(t, isComplexCommand(cmd), cmd)
	}
}

func TestTruncateOutput(t *testing.T) {
	assert.Equal(t, "short", truncateOutput("short"))

	long := strings.Repeat("a", 3000)
	got := truncateOutput(long)
	assert.Contains(t, got, "... [Truncated 952 chars] ...")
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 1024)))
	assert.True(t, strings.HasSuffix(got, strings.Repeat("a", 1024)))
}
