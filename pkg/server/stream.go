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

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kandra-ai/kandra/pkg/events"
)

// streamWriteWait bounds a single frame write; a client that cannot
// drain a frame within it is treated as dead.
const streamWriteWait = 10 * time.Second

// upgrader accepts any origin: the dashboard is served from a different
// origin than the API, and the stream carries no credentials.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStream serves GET /v1/jobs/{id}/stream. The session is:
//
//  1. send {type: "connected"},
//  2. replay every persisted event in log order,
//  3. subscribe to the job's bus channel and forward live events,
//  4. answer client {"type": "ping"} with {type: "pong"},
//  5. after a heartbeat interval of client silence, send
//     {type: "heartbeat"}; a failed write ends the session.
//
// Replay runs before the subscription. The emitter writes the log before
// the bus, so an event racing the handshake lands in the replay; one
// racing the subscription itself is redelivered on reconnect.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	total := s.roster.add(jobID, conn)
	slog.Debug("Stream client connected", "job_id", jobID, "connections", total)
	defer func() {
		s.roster.remove(jobID, conn)
		conn.Close()
		slog.Debug("Stream client disconnected", "job_id", jobID)
	}()

	if err := writeFrame(conn, events.Envelope{
		Type:    events.TypeConnected,
		JobID:   jobID,
		Message: "Connected to job stream",
	}); err != nil {
		return
	}

	history, err := s.jobs.Events(r.Context(), jobID, 0, 0)
	if err != nil {
		slog.Error("Stream replay failed", "job_id", jobID, "error", err)
		return
	}
	for _, ev := range history {
		if err := writeFrame(conn, ev.Envelope()); err != nil {
			return
		}
	}

	sub := s.bus.Subscribe(events.JobChannel(jobID))
	defer sub.Close()

	done := make(chan struct{})
	defer close(done)

	// The reader forwards one bool per client message: whether it was a
	// ping. Malformed messages still count as client traffic. All writes
	// stay on the handler goroutine; gorilla permits a single writer.
	incoming := make(chan bool)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			ping := json.Unmarshal(data, &msg) == nil && msg.Type == "ping"
			select {
			case incoming <- ping:
			case <-done:
				return
			}
		}
	}()

	heartbeat := time.NewTimer(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeFrame(conn, env); err != nil {
				return
			}
		case ping := <-incoming:
			resetTimer(heartbeat, s.cfg.HeartbeatInterval)
			if ping {
				if err := writeFrame(conn, events.Envelope{Type: events.TypePong}); err != nil {
					return
				}
			}
		case <-heartbeat.C:
			if err := writeFrame(conn, events.Envelope{Type: events.TypeHeartbeat}); err != nil {
				return
			}
			heartbeat.Reset(s.cfg.HeartbeatInterval)
		case <-readerDone:
			return
		}
	}
}

// writeFrame writes one JSON frame within the write deadline.
func writeFrame(conn *websocket.Conn, env events.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(env)
}

// resetTimer restarts the heartbeat window, draining a fire that raced
// with the reset.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// roster tracks live stream connections per job. http.Server.Shutdown
// does not touch hijacked connections, so Stop closes them through here.
type roster struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newRoster() *roster {
	return &roster{conns: make(map[string]map[*websocket.Conn]struct{})}
}

// add registers a connection and returns the job's connection count.
func (r *roster) add(jobID string, conn *websocket.Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[jobID]
	if !ok {
		set = make(map[*websocket.Conn]struct{})
		r.conns[jobID] = set
	}
	set[conn] = struct{}{}
	return len(set)
}

func (r *roster) remove(jobID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.conns[jobID]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, jobID)
	}
}

func (r *roster) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[jobID])
}

// closeAll force-closes every tracked connection; each handler then
// unregisters itself on the way out.
func (r *roster) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, set := range r.conns {
		for conn := range set {
			conn.Close()
		}
	}
}
