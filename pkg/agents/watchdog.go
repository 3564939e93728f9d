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
	"sync"
	"time"

	"github.com/kandra-ai/kandra/pkg/events"
)

// Executor activities reported through activity_update events.
const (
	activityStartingPhase = "starting_phase"
	activityWaitingForLLM = "waiting_for_llm"
	activityExecutingTool = "executing_tool"
)

// activityTracker is the shared cell between the executor loop and its
// watchdog. The loop calls enter on every transition; the watchdog
// samples it on a timer.
type activityTracker struct {
	mu         sync.Mutex
	activity   string
	phaseID    int
	step       int
	lastAction string
	since      time.Time
}

func newActivityTracker() *activityTracker {
	return &activityTracker{activity: activityStartingPhase, since: time.Now()}
}

// enter records a transition into a new activity and resets the
// staleness clock. It returns true when the visible state changed, so
// the caller knows to emit an activity_update.
func (t *activityTracker) enter(activity string, phaseID, step int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.activity != activity || t.phaseID != phaseID || t.step != step
	t.activity = activity
	t.phaseID = phaseID
	t.step = step
	t.since = time.Now()
	return changed
}

// noteAction remembers a human-readable description of the most recent
// tool call or LLM exchange for stuck_warning payloads.
func (t *activityTracker) noteAction(action string) {
	t.mu.Lock()
	t.lastAction = action
	t.mu.Unlock()
}

type activitySnapshot struct {
	activity   string
	phaseID    int
	step       int
	lastAction string
	since      time.Time
}

func (t *activityTracker) snapshot() activitySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return activitySnapshot{
		activity:   t.activity,
		phaseID:    t.phaseID,
		step:       t.step,
		lastAction: t.lastAction,
		since:      t.since,
	}
}

// likelyCause maps an activity to the most plausible reason the
// executor has stopped making progress in it.
func likelyCause(activity string) string {
	switch activity {
	case activityWaitingForLLM:
		return "LLM call has not returned; the provider may be slow or rate-limiting"
	case activityExecutingTool:
		return "a shell command is still running; it may be a long install or a hung process"
	case activityStartingPhase:
		return "phase setup (workspace purge or baseline check) is taking unusually long"
	default:
		return "no progress recorded; the executor may be blocked"
	}
}

// watch emits a stuck_warning whenever the tracker has not advanced for
// longer than the configured threshold. Warnings are advisory: the loop
// keeps running and the same stall is re-reported on every poll until
// it clears.
func (a *ExecutorAgent) watch(ctx context.Context, jobID string, tracker *activityTracker) {
	ticker := time.NewTicker(a.cfg.WatchdogInterval)
	defer ticker.Stop()

	// Warnings must persist even while the run context is tearing down.
	emitCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := tracker.snapshot()
			stuckFor := time.Since(snap.since)
			if stuckFor < a.cfg.StuckThreshold {
				continue
			}
			a.emitter.EmitOrLog(emitCtx, jobID, events.TypeStuckWarning, map[string]any{
				"activity":      snap.activity,
				"seconds_stuck": int(stuckFor.Seconds()),
				"phase_id":      snap.phaseID,
				"step":          snap.step,
				"last_action":   snap.lastAction,
				"likely_cause":  likelyCause(snap.activity),
			})
		}
	}
}
