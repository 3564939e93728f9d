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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kandra-ai/kandra/pkg/tools"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

const executorSystemPrompt = `You are an expert autonomous software engineer.
Your task is to execute a specific phase of a migration plan.

## CAPABILITIES
You have access to a Linux shell and file system tools.
You can:
- Run commands (npm, pip, ls, etc.)
- Read/Write files
- Explore the codebase

## RULES
1. **Be Frugal**: Only read files you absolutely need. Use ` + "`ls -R`" + ` first to understand structure.
2. **Standardized Layout**: You are working in a structured environment:
    - Current Working Directory (CWD) is ` + "`./target/`" + `. This is where the NEW migrated code lives.
    - Legacy Source Code is in ` + "`../source/`" + `. This is READ-ONLY. Use it for reference.
    - Meta data is in ` + "`../.kandra/`" + `.
3. **Relative Pathing**: To read legacy code, use ` + "`read_file(path=\"../source/filename.ts\")`" + `.
4. **All Changes into Target**: All ` + "`write_file`" + ` and ` + "`run_command`" + ` operations must stay within ` + "`./target/`" + `.
5. **No Copying (Logic Purity)**: DO NOT copy files from ` + "`../source/`" + ` to ` + "`./`" + `. You are forbidden from using ` + "`cp`" + ` or ` + "`mv`" + ` for code files. Your goal is to REWRITE the logic in clean, new files. Reading is allowed, but logic duplication is forbidden.
6. **Language Lock (Enforced)**: This environment has a HARD LOCK on file extensions. If you run a command (like ` + "`npm init`" + `) that produces forbidden files (e.g. ` + "`.js`" + ` in a TS project), the shell will BLOCK you. You MUST use CLI flags (e.g. ` + "`--typescript`" + `) or rename files immediately to stay pure.
7. **HelpFirst (JIT Research)**: Do NOT guess command flags. Before using a CLI tool for the first time (e.g. ` + "`fastify`" + `, ` + "`npm init`" + `), you MUST run ` + "`<tool> --help`" + ` to discover the latest, correct flags for your target stack.
8. **Verify**: After writing code, run a syntax check or find command (e.g. ` + "`ls`" + `, ` + "`cat`" + `) to confirm it exists and matches the stack rules.
9. **One Step at a Time**: Think, Act, Observe. Don't hallucinate outputs.
10. **Error Handling**: If a command fails or triggers a Lock Violation, read the error, think, and try a different approach.
11. **No Servers**: Do NOT start persistent servers or long-running background processes (e.g. ` + "`npm start`" + `, ` + "`python app.py`" + `). The shell will timeout if a process takes longer than 60 seconds.
12. **Efficiency and Batching**: If you need to install multiple packages or perform similar operations on multiple files, DO SO IN ONE COMMAND. (e.g., ` + "`npm install pkg1 pkg2 pkg3`" + ` instead of three separate calls).
13. **Progress Over Perfection**: Your goal is to complete the phase tasks. Do not get stuck in infinite loops of ` + "`npm audit`" + ` or minor dependency updates unless they are blocking core functionality.
14. **Step Awareness**: You have a limit of 50 steps per phase. Use them wisely. If you reach step 40, stop all minor polish and focus exclusively on finalizing the phase.
15. **Tool Schema Checklist**:
    - ` + "`read_file(path=\"...\")`" + ` - ONLY ` + "`path`" + `. No ` + "`command`" + `.
    - ` + "`write_file(path=\"...\", content=\"...\")`" + ` - BOTH ` + "`path`" + ` and ` + "`content`" + `.
    - ` + "`run_command(command=\"...\")`" + ` - ONLY ` + "`command`" + `, plus an optional ` + "`timeout`" + ` in seconds.

## OUTPUT FORMAT
You MUST output a JSON object matching the provided schema.
Example:
{
  "thought": "I will batch install the 3 missing dependencies to save steps.",
  "tool": "run_command",
  "args": {"command": "npm install pkg1 pkg2 pkg3"}
}

OR if the phase is complete:
{
  "thought": "I have completed all tasks for this phase.",
  "status": "complete"
}`

const plannerSystemPrompt = `You are an elite software architect creating a structured migration plan for Kandra, an autonomous code migration agent.

## CRITICAL: OUTPUT FORMAT
You MUST output ONLY valid JSON. No markdown, no explanations, no code blocks around the JSON.
The JSON must follow this exact structure:

{
  "summary": {
    "title": "Source Framework → Target Framework Migration",
    "description": "A clear 1-2 sentence description of what this migration accomplishes",
    "confidence": 85,
    "estimated_duration": "3-5 minutes",
    "risk_level": "low"
  },
  "transformation": {
    "source_stack": "Express.js",
    "target_stack": "Fastify + TypeScript",
    "package_manager": "npm",
    "test_framework": "vitest",
    "build_tool": "tsc",
    "file_extensions": [".ts", ".tsx"]
  },
  "phases": [
    {
      "id": 1,
      "title": "Phase Title",
      "description": "What this phase accomplishes",
      "instructions": [
        "Ordered guidance the executor should follow"
      ],
      "tasks": [
        "Specific task 1 description",
        "Specific task 2 description",
        "Specific task 3 description"
      ],
      "files_impacted": [
        {"source": "src/app.js", "target": "src/app.ts", "reason": "Brief explanation of why this file changes"}
      ],
      "verification": {
        "test_commands": ["npm test"],
        "success_criteria": "What proves this phase succeeded"
      }
    }
  ],
  "dependencies": {
    "add": [
      {"name": "fastify", "reason": "Core framework"},
      {"name": "typescript", "reason": "Type safety"}
    ],
    "remove": [
      {"name": "express", "reason": "Replaced by Fastify"}
    ]
  }
}

## IMPORTANT RULES:
1. Output ONLY the JSON object, nothing else - no markdown, no ` + "```json" + ` blocks
2. Include at least 4-6 phases for comprehensive plans
3. Each phase should have 3-5 specific tasks
4. List ALL files that will be changed in files_impacted
5. Be specific about dependencies
6. confidence should be 0-100 (integer)
7. risk_level must be "low", "medium", or "high"
8. estimated_duration should be realistic (e.g., "2-4 minutes", "5-10 minutes")
9. file_extensions must list EVERY extension the target stack is allowed to contain; the executor enforces it as a hard lock
10. package_manager, test_framework, and build_tool drive the execution environment; name real tools
11. **Total Language Compliance**: Your plan MUST strictly use the file extensions and CLI flags associated with the target stack. (e.g., if target is TypeScript, ALL files in the plan MUST be ` + "`.ts`" + ` or ` + "`.tsx`" + `, and you MUST include the ` + "`--typescript`" + ` flag for any CLI tools like ` + "`fastify-cli`" + `).
12. **No Placeholders**: Never use "Simulate logic" or "placeholder" in your plan. The goal is a 100% functional rewrite.

## AGENT CAPABILITIES:
The executor agent that follows this plan can:
- Create, modify, and delete files
- Run shell commands (npm, pip, cargo, etc.)
- Read existing file contents
- Install and remove dependencies
- Run tests and build commands

Generate detailed, actionable plans that the executor can follow step-by-step.
OUTPUT ONLY VALID JSON. BEGIN WITH { AND END WITH }`

const analyzerSystemPrompt = `You're an expert in legacy code modernization. Your job is to recommend STACK MIGRATIONS - full technology transformations, not small fixes.

IMPORTANT: Kandra is an autonomous migration agent. It will:
1. Analyze the entire codebase
2. Let the user pick a TARGET STACK
3. Autonomously rewrite all the code to that new stack

Your migration_paths should be FULL STACK TRANSFORMATIONS. Examples:

Same-language upgrades:
- "Node.js HTTP → Fastify + TypeScript"
- "Express.js → Hono"
- "CommonJS → ES Modules"
- "Django → FastAPI"

Cross-language migrations:
- "JavaScript/Node.js → Python FastAPI"
- "Python Flask → Go Fiber"
- "PHP → Node.js Express"
- "Ruby on Rails → Python Django"

NOT small fixes like "add caching" or "use Promise.all" - those are implementation details handled automatically.

Be creative based on what you see. Recommend what makes technical sense for their codebase.
Keep your tone conversational and direct.`

const stackConfirmSystemPrompt = "You are a stack detection expert. Use web search to identify frameworks accurately based on file patterns and dependencies."

const groundedFixSystemPrompt = "You are a senior build engineer. Use web search to diagnose failing commands and propose exact, minimal fixes."

// buildPlanningPrompt assembles the planner's user prompt from the job
// and the analyzer's findings.
func buildPlanningPrompt(repoName, targetStack, workspacePath string, analysis *Analysis) string {
	detectedStack := "Unknown"
	complexity := 50
	insight := "Standard migration - no special considerations."
	fileCount := "unknown"
	fileTree := "No tree available."
	if analysis != nil {
		if analysis.DetectedStack != "" {
			detectedStack = analysis.DetectedStack
		}
		if analysis.ComplexityScore > 0 {
			complexity = analysis.ComplexityScore
		}
		if analysis.InsightDetail != "" {
			insight = analysis.InsightDetail
		}
		if analysis.FileCount > 0 {
			fileCount = fmt.Sprintf("%d", analysis.FileCount)
		}
		if analysis.FileTree != "" {
			fileTree = analysis.FileTree
		}
	}

	return fmt.Sprintf(`# Migration Request

## 📦 Repository Information
| Property | Value |
|----------|-------|
| **Repository** | `+"`%s`"+` |
| **Current Stack** | %s |
| **Target Stack** | **%s** |
| **Complexity Score** | %d/100 |
| **Workspace** | `+"`%s`"+` |
| **Files Analyzed** | %s |

## 📂 Actual Project Structure (Legacy)
`+"```"+`
%s
`+"```"+`

## 🔍 Analysis Insight
%s

## 🎯 Your Task
Transform this codebase from **%s** → **%s**

Generate a structured JSON migration plan.

### IMPORTANT GUIDELINES:
1. **Reference REAL Files**: Look at the "Actual Project Structure" above. Your plan MUST reference the existing file names and paths. DO NOT guess or hallucinate file names.
2. **Logic Parity**: Ensure every legacy logic file (logic, models, utils) has a corresponding migration task. Do not just migrate the server shell.
3. **No Placeholders**: Never use "Simulate logic" or "placeholder" in your plan. The goal is a 100%% functional rewrite.

CRITICAL: Output ONLY valid JSON. No markdown. No code blocks. Start with { and end with }`,
		repoName, detectedStack, targetStack, complexity, workspacePath, fileCount,
		fileTree, insight, detectedStack, targetStack)
}

// buildAnalysisPrompt assembles the analyzer's user prompt from the
// scanned source tree and the grounded stack confirmation.
func buildAnalysisPrompt(repoName string, scan *workspace.ScanResult, confirmedStack string) string {
	var fileContext strings.Builder
	for i, f := range scan.Files {
		if i > 0 {
			fileContext.WriteString("\n\n")
		}
		fmt.Fprintf(&fileContext, "=== %s (%s) ===\n%s", f.Path, f.Language, f.Content)
	}

	return fmt.Sprintf(`Analyze this legacy codebase: %s

## Files
`+"```"+`
%s
`+"```"+`

## Code
%s

## Detected Stack (confirmed via web search)
%s

## Your Task
Analyze the logic deeply.
- Identify ALL core business logic files (models, controllers, math, utility logic).
- Do NOT just look at the server.
- In your `+"`insight_detail`"+`, explain exactly which files hold the "brain" of the application and MUST be migrated with 100%% logic parity.

Return JSON with:

- detected_stack: Use the confirmed stack above: "%s"
- complexity_score: 0-100 (how hard to migrate)
- complexity_reason: One sentence why
- insight_title: The biggest modernization opportunity (catchy, specific)
- insight_detail: 2-3 sentences. Identify specific files (e.g. portfolio.js) that contain critical logic.
- migration_paths: 2-4 STACK MIGRATION options (not micro-fixes). Each needs:
  - id: lowercase_snake_case (e.g., "fastify_typescript", "express_modern", "bun_runtime")
  - title: Target stack name (e.g., "Fastify + TypeScript", "Express Modernization", "Bun Runtime")
  - description: What this migration transforms and why it's worth it. ~2-3 sentences.
  - recommended: true for the best option only

Remember: These are FULL STACK MIGRATIONS that Kandra will execute autonomously. Not quick fixes.`,
		repoName, scan.Tree, fileContext.String(), confirmedStack, confirmedStack)
}

// buildStackConfirmPrompt asks the grounded model to confirm a
// heuristic stack guess against a few file previews.
func buildStackConfirmPrompt(initialGuess string, samples []workspace.ScannedFile) string {
	var evidence strings.Builder
	for i, f := range samples {
		if i >= 3 {
			break
		}
		if i > 0 {
			evidence.WriteString("\n")
		}
		preview := f.Content
		if len(preview) > 200 {
			preview = preview[:200]
		}
		fmt.Fprintf(&evidence, "File: %s\nContent preview: %s", f.Path, preview)
	}

	return fmt.Sprintf(`Analyze this codebase and confirm the exact technology stack.

Initial detection: %s

Evidence from codebase:
%s

Search for information about this stack and confirm:
1. The exact framework name and version (if detectable)
2. The primary language
3. Any notable dependencies that indicate the stack

Provide a concise, accurate stack description (e.g., "Express.js with MongoDB", "Flask with SQLAlchemy", "Next.js 14 with TypeScript").`,
		initialGuess, evidence.String())
}

// buildGroundedFixPrompt describes a repeatedly failing command for the
// grounded fallback.
func buildGroundedFixPrompt(command, errorOutput, targetStack, packageManager string) string {
	if packageManager == "" {
		packageManager = "unknown"
	}
	return fmt.Sprintf(`The following command failed twice in a row during an automated code migration:

Command: %s

Error output:
%s

Target stack: %s
Package manager: %s

Search for the exact error and suggest a concrete fix: the correct flags, an alternative package name, or a prerequisite step. Keep it short and actionable.`,
		command, errorOutput, targetStack, packageManager)
}

// Nudges injected as user observations when the loop detects the agent
// spinning.
const (
	thoughtLoopNudge = "⚠️ THOUGHT LOOP DETECTED: Your reasoning is nearly identical to your previous step. You are not making progress. Take a DIFFERENT action now: read another file, run a different command, or signal a status."

	hallucinationNudge = "Your response contained neither a tool call nor a recognized status. You MUST either call one of the available tools or set status to one of: complete, incomplete, blocked. Respond with valid JSON."
)

// toolLoopWarning is appended to the preamble when the last three
// actions were identical.
func toolLoopWarning(tool, args string) string {
	return fmt.Sprintf("\n⚠️ TOOL LOOP DETECTED: You have attempted %s(%s) 3 times in a row with identical results.\nSTOP: You MUST change your strategy. Try reading a different file, or run `--help` for the tool you are using. Do NOT repeat the same action again.\n", tool, args)
}

// preambleInput carries everything the per-step context preamble needs.
type preambleInput struct {
	targetStack string
	extensions  []string
	purged      []string
	loopWarning string
	lessons     []string
	baseline    string
	phase       Phase
	tools       []tools.ToolInfo
}

// buildPhasePreamble renders the context block that precedes the
// conversation history: workspace layout, stack constraints, resilience
// warnings, the current phase, and the tool schemas.
func buildPhasePreamble(in preambleInput) string {
	var b strings.Builder

	b.WriteString("WORKSPACE LAYOUT:\n")
	b.WriteString("- SOURCE (Legacy): ../source/\n")
	b.WriteString("- TARGET (New): ./target/ (Current Working Directory)\n\n")

	b.WriteString("STACK DNA (HARD CONSTRAINTS):\n")
	fmt.Fprintf(&b, "- Target Stack: %s\n", in.targetStack)
	fmt.Fprintf(&b, "- Allowed Extensions: %s\n", strings.Join(in.extensions, ", "))
	b.WriteString("- Lock Status: ACTIVE (Tool-level enforcement enabled)\n")
	b.WriteString("- Research Rule: HelpFirst protocol applies. RUN `<tool> --help` before first use.\n")

	if len(in.purged) > 0 {
		fmt.Fprintf(&b, "\n⚠️ AUTONOMOUS PURGE: Kandra automatically cleaned up the following forbidden files at start: %s\n", strings.Join(in.purged, ", "))
	}
	if in.baseline != "" {
		b.WriteString("\n" + in.baseline + "\n")
	}
	if in.loopWarning != "" {
		b.WriteString(in.loopWarning)
	}
	if len(in.lessons) > 0 {
		b.WriteString("\nLESSONS FROM EARLIER FAILURES:\n")
		for _, lesson := range in.lessons {
			fmt.Fprintf(&b, "- %s\n", lesson)
		}
	}

	fmt.Fprintf(&b, "\nCURRENT PHASE: %s\n", in.phase.Title)
	fmt.Fprintf(&b, "DESCRIPTION: %s\n", in.phase.Description)

	if len(in.phase.Instructions) > 0 {
		b.WriteString("\nINSTRUCTIONS:\n")
		for _, instruction := range in.phase.Instructions {
			fmt.Fprintf(&b, "- %s\n", instruction)
		}
	}

	b.WriteString("\nTASKS TO COMPLETE:\n")
	for _, task := range in.phase.Tasks {
		fmt.Fprintf(&b, "- %s\n", task)
	}

	b.WriteString("\nAFFECTED FILES:\n")
	if len(in.phase.FilesImpacted) == 0 {
		b.WriteString("(none listed)\n")
	} else {
		b.WriteString("| Source | Target | Reason |\n|--------|--------|--------|\n")
		for _, fi := range in.phase.FilesImpacted {
			source := fi.Source
			if source == "" {
				source = "(new)"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", source, fi.Target, fi.Reason)
		}
	}

	b.WriteString("\nVERIFICATION:\n")
	if len(in.phase.Verification.TestCommands) > 0 {
		fmt.Fprintf(&b, "- Test commands: %s\n", strings.Join(in.phase.Verification.TestCommands, " ; "))
	}
	if in.phase.Verification.SuccessCriteria != "" {
		fmt.Fprintf(&b, "- Success criteria: %s\n", in.phase.Verification.SuccessCriteria)
	}
	if len(in.phase.Verification.TestCommands) == 0 && in.phase.Verification.SuccessCriteria == "" {
		b.WriteString("- None declared; the phase tasks define completion.\n")
	}

	toolsJSON, err := json.MarshalIndent(in.tools, "", "  ")
	if err != nil {
		toolsJSON = []byte("[]")
	}
	fmt.Fprintf(&b, "\nAVAILABLE TOOLS:\n%s\n", toolsJSON)

	b.WriteString("\nWhat is your next action? (Response MUST be JSON)")
	return b.String()
}
