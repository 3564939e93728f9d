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
	"os"
	"path/filepath"
	"strings"
)

// stackFamily keys the smart command wrappers and the heuristic test
// gate off the target stack description.
type stackFamily int

const (
	familyNode stackFamily = iota
	familyPython
	familyRuby
	familyJava
	familyGo
	familyRust
)

// stackFamilyOf classifies a human-readable target stack string.
// "go" is matched as a whole word so stacks like "Django" or "MongoDB"
// do not read as Go.
func stackFamilyOf(targetStack string) stackFamily {
	stack := strings.ToLower(targetStack)
	switch {
	case strings.Contains(stack, "python"):
		return familyPython
	case strings.Contains(stack, "ruby") || strings.Contains(stack, "rails"):
		return familyRuby
	case strings.Contains(stack, "java") || strings.Contains(stack, "spring"):
		return familyJava
	case strings.Contains(stack, "rust"):
		return familyRust
	case strings.Contains(stack, "golang") || hasWord(stack, "go"):
		return familyGo
	}
	return familyNode
}

func hasWord(s, word string) bool {
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if tok == word {
			return true
		}
	}
	return false
}

// venvBootstrapCommand creates the target's virtualenv and upgrades pip.
// Run best-effort before the first phase on Python-ish stacks, bypassing
// the rewriter (the venv does not exist yet).
const venvBootstrapCommand = "python3 -m venv .venv && ./.venv/bin/pip install --upgrade pip"

// commandRewriter rewrites agent-issued commands before they reach the
// shell, routing them through the target stack's canonical entry points.
// Only the leading token is rewritten; compound commands are left to the
// agent.
type commandRewriter struct {
	family  stackFamily
	workDir string
}

func newCommandRewriter(targetStack, workDir string) *commandRewriter {
	return &commandRewriter{family: stackFamilyOf(targetStack), workDir: workDir}
}

// Rewrite applies the stack's wrapper rule to a command. Commands that
// already use a wrapper pass through unchanged.
func (r *commandRewriter) Rewrite(command string) string {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return command
	}
	head, rest := splitHead(trimmed)

	switch r.family {
	case familyPython:
		if strings.HasPrefix(trimmed, "./.venv/bin/") {
			return command
		}
		switch head {
		case "pip", "pip3", "python", "python3", "pytest":
			return "./.venv/bin/" + head + rest
		}
	case familyRuby:
		if head == "bundle" {
			return command
		}
		switch head {
		case "gem", "rake", "rails":
			return "bundle exec " + trimmed
		}
	case familyJava:
		switch head {
		case "mvn":
			if r.wrapperExists("mvnw") {
				return "./mvnw" + rest
			}
		case "gradle":
			if r.wrapperExists("gradlew") {
				return "./gradlew" + rest
			}
		}
	}
	return command
}

func (r *commandRewriter) wrapperExists(name string) bool {
	_, err := os.Stat(filepath.Join(r.workDir, name))
	return err == nil
}

// splitHead separates the first token of a command from the remainder,
// keeping the separator on the remainder.
func splitHead(command string) (head, rest string) {
	if i := strings.IndexAny(command, " \t"); i >= 0 {
		return command[:i], command[i:]
	}
	return command, ""
}

// testGateCommand picks the canonical test invocation for the heuristic
// gate: first from the plan's declared test framework, then inferred
// from the target stack. ok is false when there is nothing sensible to
// run, which the gate treats as success.
func testGateCommand(testFramework, packageManager, targetStack string) (string, bool) {
	pm := strings.TrimSpace(packageManager)
	if pm == "" {
		pm = "npm"
	}

	fw := strings.ToLower(strings.TrimSpace(testFramework))
	switch {
	case strings.Contains(fw, "pytest"):
		return "./.venv/bin/pytest", true
	case strings.Contains(fw, "unittest"):
		return "./.venv/bin/python -m unittest discover tests", true
	case strings.Contains(fw, "jest"), strings.Contains(fw, "vitest"),
		strings.Contains(fw, "mocha"), fw == "tap":
		return pm + " test", true
	case strings.Contains(fw, "go test"):
		return "go test ./...", true
	case strings.Contains(fw, "cargo"):
		return "cargo test", true
	}

	stack := strings.ToLower(targetStack)
	switch {
	case strings.Contains(stack, "python"):
		return "./.venv/bin/pytest", true
	case strings.Contains(stack, "golang") || hasWord(stack, "go"):
		return "go test ./...", true
	case strings.Contains(stack, "rust"):
		return "cargo test", true
	case strings.Contains(stack, "ruby") || strings.Contains(stack, "rails"):
		return "bundle exec rake test", true
	case strings.Contains(stack, "node") || strings.Contains(stack, "javascript") ||
		strings.Contains(stack, "typescript") || strings.Contains(stack, "bun") ||
		strings.Contains(stack, "deno"):
		return pm + " test", true
	}
	return "", false
}

// failureIndicators mark a verification command's output as a failing
// test run. Matched exactly; test frameworks print these markers in
// fixed case.
var failureIndicators = []string{
	"FAILURES", "FAILED (", "Tests failed", "Test failed", "Error:", "✗", "✖",
}

// failureExemption clears the indicators: summaries like
// "2 passed, 0 failures" name the word without meaning it.
const failureExemption = "0 failures"

// hasFailureIndicator reports whether a verification command's combined
// output shows a failing run.
func hasFailureIndicator(output string) bool {
	if strings.Contains(output, failureExemption) {
		return false
	}
	for _, indicator := range failureIndicators {
		if strings.Contains(output, indicator) {
			return true
		}
	}
	return false
}
