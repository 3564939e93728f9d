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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/llms"
)

// reply scripts one Generate outcome.
type reply struct {
	text string
	err  error
}

// groundedReply scripts one GenerateGrounded outcome.
type groundedReply struct {
	text    string
	sources []llms.Source
	err     error
}

// fakeProvider returns scripted replies in order and records every
// request it sees. An exhausted script is an error, so a test whose
// agent makes more calls than expected fails loudly.
type fakeProvider struct {
	mu               sync.Mutex
	replies          []reply
	grounded         []groundedReply
	requests         []llms.Request
	groundedRequests []llms.Request
}

func (p *fakeProvider) script(texts ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, text := range texts {
		p.replies = append(p.replies, reply{text: text})
	}
}

func (p *fakeProvider) scriptErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, reply{err: err})
}

func (p *fakeProvider) scriptGrounded(text string, uris ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sources := make([]llms.Source, 0, len(uris))
	for _, uri := range uris {
		sources = append(sources, llms.Source{URI: uri})
	}
	p.grounded = append(p.grounded, groundedReply{text: text, sources: sources})
}

func (p *fakeProvider) scriptGroundedErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grounded = append(p.grounded, groundedReply{err: err})
}

func (p *fakeProvider) Generate(_ context.Context, req llms.Request) (*llms.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.replies) == 0 {
		return nil, fmt.Errorf("fake provider exhausted after %d requests", len(p.requests)-1)
	}
	next := p.replies[0]
	p.replies = p.replies[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llms.Response{Text: next.text}, nil
}

func (p *fakeProvider) GenerateGrounded(_ context.Context, req llms.Request) (*llms.GroundedResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groundedRequests = append(p.groundedRequests, req)
	if len(p.grounded) == 0 {
		return nil, fmt.Errorf("fake provider has no grounded reply")
	}
	next := p.grounded[0]
	p.grounded = p.grounded[1:]
	if next.err != nil {
		return nil, next.err
	}
	return &llms.GroundedResponse{Text: next.text, Sources: next.sources}, nil
}

func (p *fakeProvider) Name() string { return "fake-model" }

func (p *fakeProvider) Close() error { return nil }

func (p *fakeProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakeProvider) request(i int) llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

func (p *fakeProvider) lastRequest() llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

// recordingSink is an in-memory events.Sink.
type recordingSink struct {
	mu  sync.Mutex
	seq int64
	evs []events.Event
}

func (s *recordingSink) Append(_ context.Context, jobID, eventType string, payload map[string]any) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	at := time.Now().UTC()
	s.evs = append(s.evs, events.Event{
		ID:        s.seq,
		JobID:     jobID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: at,
	})
	return s.seq, at, nil
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.evs))
	copy(out, s.evs)
	return out
}

func (s *recordingSink) ofType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.evs {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// types returns the emitted event types in order.
func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.evs))
	for i, ev := range s.evs {
		out[i] = ev.Type
	}
	return out
}

func newTestEmitter() (*events.Emitter, *recordingSink) {
	sink := &recordingSink{}
	return events.NewEmitter(sink, events.NewBus()), sink
}

// recordingRecorder captures job-row writes.
type recordingRecorder struct {
	mu         sync.Mutex
	plans      map[string]string
	analyses   map[string]string
	iterations []int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{plans: map[string]string{}, analyses: map[string]string{}}
}

func (r *recordingRecorder) SetJobPlan(_ context.Context, id, plan string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[id] = plan
	return nil
}

func (r *recordingRecorder) SetJobAnalysis(_ context.Context, id, analysis string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analyses[id] = analysis
	return nil
}

func (r *recordingRecorder) SetJobIteration(_ context.Context, _ string, iteration int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations = append(r.iterations, iteration)
	return nil
}

func (r *recordingRecorder) plan(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plans[id]
}

func (r *recordingRecorder) analysis(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.analyses[id]
}

// newTestWorkspace lays out source/target/.kandra/reports dirs and
// returns the workspace root.
func newTestWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"source", "target", ".kandra", "reports"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	return root
}

// writeWorkspaceFile writes a file under the workspace root, creating
// parent directories.
func writeWorkspaceFile(t *testing.T, root string, rel string, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
