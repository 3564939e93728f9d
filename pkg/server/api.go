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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
)

// defaultEventLimit caps GET /v1/jobs/{id}/events when the client does
// not pass an explicit limit. The stream endpoint replays without one.
const defaultEventLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateJob serves POST /v1/jobs: provision a workspace, clone the
// repository, persist the job in CREATED.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.jobs.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobEvents serves GET /v1/jobs/{id}/events?since_id=&limit=, the
// catch-up path for reconnecting clients. An unknown job yields an empty
// list rather than a 404 so the dashboard can poll before the first
// event lands.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	sinceID, err := queryInt64(r, "since_id")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "since_id must be an integer")
		return
	}
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	evs, err := s.jobs.Events(r.Context(), chi.URLParam(r, "jobID"), sinceID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleStartPlanning(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.jobs.StartPlanning(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "planning_started",
		"job_id":  jobID,
		"message": "Plan generation started. Watch WebSocket for updates.",
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.jobs.Approve(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "approved",
		"job_id":  jobID,
		"message": "Plan approved. Execution started in background.",
	})
}

// handleReject serves POST /v1/jobs/{id}/reject. Feedback is optional;
// an empty or absent body is a plain rejection.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var body struct {
		Feedback string `json:"feedback"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.jobs.Reject(r.Context(), jobID, body.Feedback); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "rejected",
		"job_id":  jobID,
		"message": "Plan rejected. Ready for new planning request.",
	})
}

func (s *Server) handleStartAudit(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.jobs.StartAudit(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "audit_started",
		"job_id":  jobID,
		"message": "Audit started. Watch WebSocket for updates.",
	})
}

func (s *Server) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.jobs.AuditReport(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// writeError maps service errors onto API status codes. ErrReportMissing
// is checked before the generic validation case because it is itself a
// ValidationError but travels as 404, not 400.
func writeError(w http.ResponseWriter, err error) {
	var ve *jobs.ValidationError
	var te *jobs.TransitionError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrReportMissing):
		writeDetail(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		writeDetail(w, http.StatusBadRequest, ve.Detail)
	case errors.As(err, &te):
		writeDetail(w, http.StatusBadRequest, te.Detail)
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
