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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/events"
)

func TestActivityTracker_Enter(t *testing.T) {
	tracker := newActivityTracker()

	assert.True(t, tracker.enter(activityStartingPhase, 1, 0), "phase id changed")
	assert.False(t, tracker.enter(activityStartingPhase, 1, 0), "same state is not a transition")
	assert.True(t, tracker.enter(activityWaitingForLLM, 1, 1))
	assert.True(t, tracker.enter(activityWaitingForLLM, 1, 2), "step advance is visible")

	tracker.noteAction(`run_command({"command":"npm install"})`)
	snap := tracker.snapshot()
	assert.Equal(t, activityWaitingForLLM, snap.activity)
	assert.Equal(t, 1, snap.phaseID)
	assert.Equal(t, 2, snap.step)
	assert.Contains(t, snap.lastAction, "npm install")
}

func TestActivityTracker_EnterResetsClock(t *testing.T) {
	tracker := newActivityTracker()
	before := tracker.snapshot().since

	time.Sleep(5 * time.Millisecond)
	tracker.enter(activityWaitingForLLM, 1, 1)
	assert.True(t, tracker.snapshot().since.After(before), "enter resets the staleness clock")
}

func TestLikelyCause(t *testing.T) {
	assert.Contains(t, likelyCause(activityWaitingForLLM), "LLM")
	assert.Contains(t, likelyCause(activityExecutingTool), "command")
	assert.Contains(t, likelyCause(activityStartingPhase), "phase setup")
	assert.NotEmpty(t, likelyCause("something-else"))
}

func TestWatch_EmitsStuckWarning(t *testing.T) {
	provider := &fakeProvider{}
	emitter, sink := newTestEmitter()
	agent, err := NewExecutorAgent(provider, emitter, config.ExecutorConfig{
		WatchdogInterval: 5 * time.Millisecond,
		StuckThreshold:   1 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	tracker := newActivityTracker()
	tracker.enter(activityWaitingForLLM, 3, 7)
	tracker.noteAction("llm request #7")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.watch(ctx, "job12345", tracker)

	require.Eventually(t, func() bool {
		return len(sink.ofType(events.TypeStuckWarning)) > 0
	}, 2*time.Second, 2*time.Millisecond)
	cancel()

	warning := sink.ofType(events.TypeStuckWarning)[0]
	assert.Equal(t, "job12345", warning.JobID)
	assert.Equal(t, activityWaitingForLLM, warning.Payload["activity"])
	assert.Equal(t, 3, warning.Payload["phase_id"])
	assert.Equal(t, 7, warning.Payload["step"])
	assert.Equal(t, "llm request #7", warning.Payload["last_action"])
	assert.Contains(t, warning.Payload["likely_cause"], "LLM")
}

func TestWatch_QuietWhileProgressing(t *testing.T) {
	provider := &fakeProvider{}
	emitter, sink := newTestEmitter()
	agent, err := NewExecutorAgent(provider, emitter, config.ExecutorConfig{
		WatchdogInterval: 2 * time.Millisecond,
		StuckThreshold:   250 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	tracker := newActivityTracker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agent.watch(ctx, "job12345", tracker)

	// Keep advancing faster than the threshold.
	for step := 1; step <= 10; step++ {
		tracker.enter(activityWaitingForLLM, 1, step)
		time.Sleep(3 * time.Millisecond)
	}
	cancel()

	assert.Empty(t, sink.ofType(events.TypeStuckWarning))
}
