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
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/observability"
)

// Server is the Kandra HTTP server. It serves the jobs REST API, the
// per-job websocket stream, /healthz, and /metrics.
type Server struct {
	cfg    *config.ServerConfig
	jobs   *jobs.Service
	bus    *events.Bus
	obs    *observability.Manager
	roster *roster
	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithObservability attaches the tracing and metrics middleware.
func WithObservability(obs *observability.Manager) Option {
	return func(s *Server) {
		s.obs = obs
	}
}

// New creates a server over the jobs service and the event bus the
// service's emitter publishes to. The stream endpoint subscribes to
// that bus, so passing a different one silently yields empty streams.
func New(cfg *config.ServerConfig, svc *jobs.Service, bus *events.Bus, opts ...Option) *Server {
	if cfg == nil {
		cfg = &config.ServerConfig{}
	}
	cfg.SetDefaults()

	s := &Server{
		cfg:    cfg,
		jobs:   svc,
		bus:    bus,
		roster: newRoster(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler assembles the full route tree. It is what Start serves;
// tests mount it on httptest servers directly.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Observability is outermost so every request is traced and measured.
	if s.obs != nil {
		r.Use(observability.HTTPMiddleware(s.obs.GetTracer("kandra-http"), s.obs.GetMetrics()))
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/events", s.handleJobEvents)
			r.Get("/report", s.handleAuditReport)
			r.Get("/stream", s.handleStream)
			r.Post("/plan", s.handleStartPlanning)
			r.Post("/approve", s.handleApprove)
			r.Post("/reject", s.handleReject)
			r.Post("/audit", s.handleStartAudit)
		})
	})

	return r
}

// Start listens and serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Address())
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down: the listener closes, in-flight
// requests drain, and every stream connection is force-closed afterwards
// because Shutdown never touches hijacked connections.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	slog.Info("HTTP server shutting down")
	err := s.server.Shutdown(ctx)
	s.roster.closeAll()
	return err
}

// loggingMiddleware logs requests without wrapping the ResponseWriter;
// a wrapper here would hide http.Hijacker from the websocket upgrader.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware applies the configured CORS policy and short-circuits
// OPTIONS preflight requests.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	cors := s.cfg.CORS
	if cors == nil {
		return next
	}

	methods := strings.Join(cors.AllowedMethods, ", ")
	headers := strings.Join(cors.AllowedHeaders, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			for _, allowed := range cors.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		if methods != "" {
			w.Header().Set("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			w.Header().Set("Access-Control-Allow-Headers", headers)
		}
		if cors.AllowCredentials != nil && *cors.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
