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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/llms"
	"github.com/kandra-ai/kandra/pkg/observability"
	"github.com/kandra-ai/kandra/pkg/tools"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

const (
	// thoughtSimilarityThreshold trips the thought-loop nudge.
	thoughtSimilarityThreshold = 0.85

	// maxObservationBytes caps a tool observation before it enters the
	// conversation history.
	maxObservationBytes = 2048

	// historyWindowStep is the step after which history is windowed.
	historyWindowStep = 40

	// historyWindowTurns is how many turns survive the window.
	historyWindowTurns = 30

	// verificationTailBytes is how much verification output gets fed
	// back to the agent on failure.
	verificationTailBytes = 1500

	// maxGroundedSources caps the cited URIs in a grounded suggestion.
	maxGroundedSources = 3
)

// ExecutorAgent drives an approved migration plan to completion. Each
// phase runs a reason/act loop: the model picks one tool call or signal
// per step, tool observations feed the next step, and a battery of
// nudges (tool loop, thought loop, hallucination) keeps it from
// spinning. The agent emits progress events throughout and never
// touches job status; the jobs service owns transitions.
type ExecutorAgent struct {
	llm      llms.Provider
	emitter  *events.Emitter
	cfg      config.ExecutorConfig
	recorder Recorder
}

// NewExecutorAgent wires an executor. recorder may be nil.
func NewExecutorAgent(llm llms.Provider, emitter *events.Emitter, cfg config.ExecutorConfig, recorder Recorder) (*ExecutorAgent, error) {
	if llm == nil {
		return nil, fmt.Errorf("executor requires an LLM provider")
	}
	if emitter == nil {
		return nil, fmt.Errorf("executor requires an event emitter")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid executor config: %w", err)
	}
	return &ExecutorAgent{llm: llm, emitter: emitter, cfg: cfg, recorder: recorder}, nil
}

var _ jobs.Executor = (*ExecutorAgent)(nil)

// run is the per-execution state shared by the phase and step loops.
type run struct {
	job      *jobs.Job
	plan     *Plan
	ws       *workspace.Workspace
	lock     *tools.Lock
	registry *tools.Registry
	shell    *tools.ShellTool
	rewriter *commandRewriter
	tracker  *activityTracker
	stack    string

	// emitCtx outlives the run deadline so terminal events still land
	// in the log after a timeout.
	emitCtx context.Context
}

func (r *run) gateCommand() (string, bool) {
	t := r.plan.Transformation
	return testGateCommand(t.TestFramework, t.PackageManager, r.stack)
}

// ExecutePlan validates the plan, provisions the sandboxed tools, and
// executes every phase in order. Any failure emits execution_error with
// the message and is returned to the caller, which fails the job.
func (a *ExecutorAgent) ExecutePlan(ctx context.Context, job *jobs.Job, rawPlan map[string]any) error {
	emitCtx := context.WithoutCancel(ctx)
	err := a.execute(ctx, emitCtx, job, rawPlan)
	if err != nil {
		a.emitter.EmitOrLog(emitCtx, job.ID, events.TypeExecutionError, map[string]any{"error": err.Error()})
	}
	return err
}

func (a *ExecutorAgent) execute(ctx, emitCtx context.Context, job *jobs.Job, rawPlan map[string]any) error {
	plan, err := PlanFromMap(rawPlan)
	if err != nil {
		return fmt.Errorf("Invalid plan: %w", err)
	}
	if len(plan.Phases) == 0 {
		return errors.New("Plan has no phases")
	}
	if job.WorkspacePath == "" {
		return errors.New("Job has no workspace")
	}
	ws := workspace.Open(job.WorkspacePath)

	stack := plan.Transformation.TargetStack
	if stack == "" {
		stack = job.TargetStack
	}
	extensions := plan.Transformation.FileExtensions
	if len(extensions) == 0 {
		extensions = DeriveExtensions(stack)
	}
	lock := tools.NewLock(extensions)

	shell := tools.NewShellTool(ws.Target, lock).
		WithTimeouts(a.cfg.CommandTimeout, a.cfg.HeavyCommandTimeout)
	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		shell,
		tools.NewReadFileTool(ws.Target),
		tools.NewWriteFileTool(ws.Target, lock),
		tools.NewListDirTool(ws.Target),
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.TotalTimeout)
	defer cancel()

	r := &run{
		job:      job,
		plan:     plan,
		ws:       ws,
		lock:     lock,
		registry: registry,
		shell:    shell,
		rewriter: newCommandRewriter(stack, ws.Target),
		tracker:  newActivityTracker(),
		stack:    stack,
		emitCtx:  emitCtx,
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go a.watch(watchCtx, job.ID, r.tracker)

	slog.Info("Executor starting",
		"job_id", job.ID,
		"phases", len(plan.Phases),
		"target_stack", stack,
		"extensions", lock.Extensions())

	if stackFamilyOf(stack) == familyPython {
		a.bootstrapVirtualenv(ctx, r)
	}

	for _, phase := range plan.Phases {
		if err := a.executePhase(ctx, r, phase); err != nil {
			return err
		}
	}

	slog.Info("All phases completed", "job_id", job.ID)
	a.emitter.EmitOrLog(emitCtx, job.ID, events.TypeExecutionComplete, map[string]any{"status": "success"})
	return nil
}

// bootstrapVirtualenv provisions target/.venv before the first phase on
// Python stacks. Best-effort: if it fails the agent recovers on its
// own, since pip/python invocations are rewritten to the venv path
// either way.
func (a *ExecutorAgent) bootstrapVirtualenv(ctx context.Context, r *run) {
	if _, err := os.Stat(filepath.Join(r.ws.Target, ".venv")); err == nil {
		return
	}
	result, err := r.shell.Execute(ctx, map[string]any{"command": venvBootstrapCommand, "timeout": 300})
	output := result.Output
	if output == "" {
		output = result.Error
	}
	if err != nil {
		output = strings.TrimSpace(output + "\nTool execution error: " + err.Error())
	}
	if strings.TrimSpace(output) == "" {
		output = "[Command finished with no output]"
	}
	a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeTerminalOutput, map[string]any{
		"command": venvBootstrapCommand,
		"output":  output,
	})
	if err != nil || !result.Success {
		slog.Warn("Virtualenv bootstrap failed", "job_id", r.job.ID, "error", err, "output", result.Error)
	}
}

func (a *ExecutorAgent) executePhase(ctx context.Context, r *run, phase Phase) error {
	start := time.Now()
	err := a.phaseLoop(ctx, r, phase)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordPhase(r.emitCtx, time.Since(start), err)
	}
	return err
}

func (a *ExecutorAgent) phaseLoop(ctx context.Context, r *run, phase Phase) error {
	a.enterActivity(r, activityStartingPhase, phase.ID, 0)
	a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypePhaseStarted, map[string]any{
		"phase_id": phase.ID,
		"title":    phase.Title,
		"tasks":    phase.Tasks,
	})
	slog.Info("Starting phase", "job_id", r.job.ID, "phase_id", phase.ID, "title", phase.Title)

	if a.recorder != nil {
		if err := a.recorder.SetJobIteration(r.emitCtx, r.job.ID, phase.ID); err != nil {
			slog.Warn("Failed to record phase iteration", "job_id", r.job.ID, "error", err)
		}
	}

	st := &phaseState{}

	// Autonomous purge: clean the floor before the agent starts.
	purged, err := r.lock.Purge(r.ws.Target)
	if err != nil {
		slog.Warn("Purge walk had errors", "job_id", r.job.ID, "error", err)
	}
	if len(purged) > 0 {
		a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeCleanupStatus, map[string]any{"purged_count": len(purged)})
		st.purged = purged
	}

	// Pre-gate: on verification phases, establish whether the baseline
	// already fails so the agent knows what it inherits.
	if titleImpliesTesting(phase.Title) {
		if gate, ok := r.gateCommand(); ok {
			if failed, rewritten, tail := a.runVerification(ctx, r, gate); failed {
				st.baseline = fmt.Sprintf(
					"BASELINE CHECK: `%s` is failing before any work in this phase:\n%s\nThe baseline is broken; making it pass is part of this phase.",
					rewritten, tail)
			}
		}
	}

	for step := 1; step <= a.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("Phase %v aborted: %w", phase.ID, err)
		}

		var loopWarning string
		if key, ok := st.repeatedAction(); ok {
			loopWarning = toolLoopWarning(key.tool, key.args)
			slog.Warn("Tool loop detected", "job_id", r.job.ID, "phase_id", phase.ID, "tool", key.tool)
		}

		in := preambleInput{
			targetStack: r.stack,
			extensions:  r.lock.Extensions(),
			loopWarning: loopWarning,
			lessons:     st.lessons,
			phase:       phase,
			tools:       r.registry.Infos(),
		}
		if len(st.history) == 0 {
			// The opening turn is replayed verbatim on every later
			// step, so the purge report and baseline appear once.
			in.purged = st.purged
			in.baseline = st.baseline
		}
		messages := st.conversation(buildPhasePreamble(in))

		a.enterActivity(r, activityWaitingForLLM, phase.ID, step)
		resp, err := a.llm.Generate(ctx, llms.Request{
			System:   executorSystemPrompt,
			Messages: messages,
			Schema:   actionSchema,
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("Phase %v aborted: %w", phase.ID, ctx.Err())
			}
			slog.Error("Executor LLM call failed", "job_id", r.job.ID, "phase_id", phase.ID, "step", step, "error", err)
			continue
		}

		action := ParseAction(resp.Text)
		raw := actionJSON(action)
		slog.Debug("Agent action", "job_id", r.job.ID, "phase_id", phase.ID, "step", step, "action", raw)

		previous := st.prevThought
		st.prevThought = action.Thought
		if previous != "" && similarityRatio(previous, action.Thought) > thoughtSimilarityThreshold {
			slog.Warn("Thought loop detected", "job_id", r.job.ID, "phase_id", phase.ID, "step", step)
			st.appendExchange(raw, thoughtLoopNudge, step)
			continue
		}

		switch action.Kind() {
		case ActionInvalid:
			st.appendExchange(raw, hallucinationNudge, step)
			continue

		case ActionSignal:
			if action.Status == StatusComplete {
				passed, observation := a.checkCompletion(ctx, r, st, phase)
				if passed {
					slog.Info("Phase complete", "job_id", r.job.ID, "phase_id", phase.ID, "steps", step)
					a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypePhaseCompleted, map[string]any{"phase_id": phase.ID})
					return nil
				}
				st.appendExchange(raw, observation, step)
				continue
			}

			reason := action.Thought
			if reason == "" {
				reason = "Agent signaled failure"
			}
			a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypePhaseError, map[string]any{
				"phase_id": phase.ID,
				"error":    fmt.Sprintf("Agent %s: %s", action.Status, reason),
			})
			return fmt.Errorf("Phase %v terminated by agent (%s): %s", phase.ID, action.Status, reason)

		case ActionToolCall:
			observation := a.dispatchTool(ctx, r, st, phase, action, step)
			st.recordAction(action)
			st.appendExchange(raw, observation, step)
		}
	}

	a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypePhaseError, map[string]any{
		"phase_id": phase.ID,
		"error":    fmt.Sprintf("Max steps exceeded (%d)", a.cfg.MaxSteps),
	})
	return fmt.Errorf("Phase %v failed to complete in %d steps", phase.ID, a.cfg.MaxSteps)
}

// dispatchTool executes one tool call and returns the observation text
// for the conversation history.
func (a *ExecutorAgent) dispatchTool(ctx context.Context, r *run, st *phaseState, phase Phase, action Action, step int) string {
	args := action.ArgsMap()

	a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeAgentThought, map[string]any{
		"phase_id": phase.ID,
		"thought":  action.Thought,
		"tool":     action.Tool,
	})

	tool, ok := r.registry.Get(action.Tool)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found.", action.Tool)
	}

	var command string
	if action.Tool == "run_command" {
		if rawCmd, ok := args["command"].(string); ok {
			command = r.rewriter.Rewrite(rawCmd)
			args["command"] = command
		}
	}

	a.enterActivity(r, activityExecutingTool, phase.ID, step)
	r.tracker.noteAction(describeAction(action.Tool, args))

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordToolExecution(r.emitCtx, action.Tool, time.Since(start), err)
	}

	var observation string
	switch {
	case err != nil:
		observation = fmt.Sprintf("Tool execution error: %v", err)
	case result.Output != "":
		observation = result.Output
	case result.Error != "":
		observation = result.Error
	default:
		observation = "Success"
	}

	switch action.Tool {
	case "run_command":
		output := observation
		if strings.TrimSpace(output) == "" {
			output = "[Command finished with no output]"
		}
		a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeTerminalOutput, map[string]any{
			"command": command,
			"output":  output,
		})
		if err != nil || !result.Success {
			if suggestion := a.groundedSuggestion(ctx, r, st, command, observation); suggestion != "" {
				observation += "\n\n" + suggestion
			}
		} else {
			st.lastFailedCmd, st.failStreak = "", 0
		}
	case "write_file":
		a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeFileModified, map[string]any{
			"path":    args["path"],
			"content": args["content"],
		})
	}

	return observation
}

// checkCompletion gates a complete signal behind the phase's declared
// verification commands, falling back to the heuristic test gate on
// phases whose title implies testing. Returns pass, or the failure
// observation to feed back to the agent.
func (a *ExecutorAgent) checkCompletion(ctx context.Context, r *run, st *phaseState, phase Phase) (bool, string) {
	commands := phase.Verification.TestCommands
	if len(commands) == 0 && titleImpliesTesting(phase.Title) {
		if gate, ok := r.gateCommand(); ok {
			commands = []string{gate}
		}
	}

	for _, cmd := range commands {
		failed, rewritten, tail := a.runVerification(ctx, r, cmd)
		if !failed {
			continue
		}
		st.recordLesson(fmt.Sprintf("`%s` failed: %s", rewritten, truncateUTF8(failureLine(tail), 160)))
		observation := fmt.Sprintf(
			"VERIFICATION FAILED: `%s` reported failures. Output tail:\n%s\nThe phase is NOT complete. Fix the failures before signaling complete again.",
			rewritten, tail)
		return false, observation
	}
	return true, ""
}

// runVerification executes one verification command, emits its
// terminal_output, and reports failure with the output tail.
func (a *ExecutorAgent) runVerification(ctx context.Context, r *run, command string) (failed bool, rewritten, tail string) {
	rewritten = r.rewriter.Rewrite(command)

	result, err := r.shell.Execute(ctx, map[string]any{"command": rewritten})
	combined := strings.TrimSpace(result.Output + "\n" + result.Error)
	if err != nil {
		combined = strings.TrimSpace(combined + "\nTool execution error: " + err.Error())
	}

	output := combined
	if output == "" {
		output = "[Command finished with no output]"
	}
	a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeTerminalOutput, map[string]any{
		"command": rewritten,
		"output":  output,
	})

	failed = err != nil || !result.Success || hasFailureIndicator(combined)
	return failed, rewritten, tailOf(combined, verificationTailBytes)
}

// groundedSuggestion tracks consecutive failures of the same command
// text; on the second one it asks the grounded model for a fix and
// resets the counter.
func (a *ExecutorAgent) groundedSuggestion(ctx context.Context, r *run, st *phaseState, command, output string) string {
	if command == "" {
		return ""
	}
	if command == st.lastFailedCmd {
		st.failStreak++
	} else {
		st.lastFailedCmd = command
		st.failStreak = 1
	}
	if st.failStreak < 2 {
		return ""
	}
	st.lastFailedCmd, st.failStreak = "", 0

	slog.Info("Consulting grounded fallback", "job_id", r.job.ID, "command", command)
	resp, err := a.llm.GenerateGrounded(ctx, llms.Request{
		System: groundedFixSystemPrompt,
		Prompt: buildGroundedFixPrompt(command, tailOf(output, verificationTailBytes), r.stack, r.plan.Transformation.PackageManager),
	})
	if err != nil {
		slog.Warn("Grounded fallback failed", "job_id", r.job.ID, "command", command, "error", err)
		return ""
	}

	suggestion := "SOLUTION SUGGESTION (from web search): " + strings.TrimSpace(resp.Text)
	if len(resp.Sources) > 0 {
		suggestion += "\nSources:"
		for i, src := range resp.Sources {
			if i == maxGroundedSources {
				break
			}
			suggestion += "\n- " + src.URI
		}
	}
	return suggestion
}

// enterActivity records a tracker transition and announces it when the
// visible state changed.
func (a *ExecutorAgent) enterActivity(r *run, activity string, phaseID, step int) {
	if !r.tracker.enter(activity, phaseID, step) {
		return
	}
	a.emitter.EmitOrLog(r.emitCtx, r.job.ID, events.TypeActivityUpdate, map[string]any{
		"activity": activity,
		"phase_id": phaseID,
		"step":     step,
	})
}

// phaseState carries the conversation and resilience trackers for one
// phase's step loop.
type phaseState struct {
	// opening is the step-1 preamble, replayed as the first user turn
	// on every later step.
	opening string

	// history holds (model action, user observation) pairs.
	history []llms.Turn

	actionKeys []actionKey
	lessons    []string
	purged     []string
	baseline   string

	prevThought   string
	lastFailedCmd string
	failStreak    int
}

type actionKey struct {
	tool string
	args string
}

// conversation assembles the turns for the next LLM call. On step 1 the
// preamble is the sole user turn; afterwards it is merged into the last
// observation so user/model alternation holds.
func (st *phaseState) conversation(preamble string) []llms.Turn {
	if len(st.history) == 0 {
		st.opening = preamble
		return []llms.Turn{{Role: llms.RoleUser, Text: preamble}}
	}

	turns := make([]llms.Turn, 0, len(st.history)+2)
	turns = append(turns, llms.Turn{Role: llms.RoleUser, Text: st.opening})
	turns = append(turns, st.history...)

	if last := &turns[len(turns)-1]; last.Role == llms.RoleUser {
		last.Text += "\n\n" + preamble
	} else {
		turns = append(turns, llms.Turn{Role: llms.RoleUser, Text: preamble})
	}
	return turns
}

// appendExchange adds one (model, user) pair and windows the history on
// long phases. Pairs keep the windowed history starting on a model
// turn.
func (st *phaseState) appendExchange(modelText, observation string, step int) {
	st.history = append(st.history,
		llms.Turn{Role: llms.RoleModel, Text: modelText},
		llms.Turn{Role: llms.RoleUser, Text: truncateUTF8(observation, maxObservationBytes)},
	)
	if step > historyWindowStep && len(st.history) > historyWindowTurns {
		st.history = st.history[len(st.history)-historyWindowTurns:]
	}
}

func (st *phaseState) recordAction(action Action) {
	argsJSON, err := json.Marshal(action.ArgsMap())
	if err != nil {
		argsJSON = []byte("{}")
	}
	st.actionKeys = append(st.actionKeys, actionKey{tool: action.Tool, args: string(argsJSON)})
	if len(st.actionKeys) > 8 {
		st.actionKeys = st.actionKeys[len(st.actionKeys)-8:]
	}
}

// repeatedAction reports the action repeated in the last three steps,
// if any.
func (st *phaseState) repeatedAction() (actionKey, bool) {
	n := len(st.actionKeys)
	if n < 3 {
		return actionKey{}, false
	}
	key := st.actionKeys[n-1]
	if st.actionKeys[n-2] == key && st.actionKeys[n-3] == key {
		return key, true
	}
	return actionKey{}, false
}

// recordLesson keeps the last three unique verification lessons.
func (st *phaseState) recordLesson(lesson string) {
	for _, known := range st.lessons {
		if known == lesson {
			return
		}
	}
	st.lessons = append(st.lessons, lesson)
	if len(st.lessons) > 3 {
		st.lessons = st.lessons[len(st.lessons)-3:]
	}
}

// actionJSON renders the canonical model turn for the history.
func actionJSON(action Action) string {
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Sprintf(`{"thought":%q}`, action.Thought)
	}
	return string(b)
}

func describeAction(tool string, args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return tool
	}
	return truncateUTF8(fmt.Sprintf("%s(%s)", tool, b), 160)
}

// titleImpliesTesting reports whether a phase title marks it as a
// testing/verification phase.
func titleImpliesTesting(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, "test") || strings.Contains(t, "verif") || hasWord(t, "qa")
}

// truncateUTF8 cuts s to at most max bytes on a rune boundary,
// appending a marker when anything was dropped.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [Truncated]"
}

// tailOf keeps the last max bytes of s on a rune boundary, prefixing a
// marker when output was dropped.
func tailOf(s string, max int) string {
	if len(s) <= max {
		return s
	}
	start := len(s) - max
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "... " + s[start:]
}

// failureLine picks the most informative line from verification output:
// the first line carrying a failure indicator, else the last non-empty
// line.
func failureLine(output string) string {
	var lastNonEmpty string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lastNonEmpty = trimmed
		if strings.Contains(trimmed, failureExemption) {
			continue
		}
		for _, indicator := range failureIndicators {
			if strings.Contains(trimmed, indicator) {
				return trimmed
			}
		}
	}
	return lastNonEmpty
}
