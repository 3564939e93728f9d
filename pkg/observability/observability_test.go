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

package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMetricsRecording_NilSafe(t *testing.T) {
	ctx := context.Background()

	metrics := &PrometheusMetrics{}

	metrics.RecordJob(ctx, "COMPLETED", 3*time.Second)
	metrics.RecordPhase(ctx, 100*time.Millisecond, nil)
	metrics.RecordToolExecution(ctx, "run_command", 50*time.Millisecond, nil)
	metrics.RecordLLMCall(ctx, "gemini-3-flash-preview", 500*time.Millisecond, 100, 50, nil)
	metrics.RecordEvent(ctx, "terminal_output")
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs", 200, 10*time.Millisecond)

	t.Log("zero-value recorder drops measurements without panicking")
}

func TestInitMetrics_Disabled(t *testing.T) {
	metrics, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if metrics == nil {
		t.Fatal("expected non-nil recorder for disabled metrics")
	}

	metrics.RecordJob(context.Background(), "FAILED", time.Second)
}

func TestInitGlobalTracer_Disabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, span := tp.Tracer("test").Start(context.Background(), "test_span")
	span.End()
}

func TestGlobalMetrics(t *testing.T) {
	ctx := context.Background()

	SetGlobalMetrics(&PrometheusMetrics{})

	retrieved := GetGlobalMetrics()
	if retrieved == nil {
		t.Error("expected non-nil metrics after SetGlobalMetrics")
	}

	retrieved.RecordEvent(ctx, "job_created")
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Tracing.ServiceName != "kandra" {
		t.Errorf("expected service name kandra, got %s", cfg.Tracing.ServiceName)
	}
	if cfg.Tracing.SamplingRate != 1.0 {
		t.Errorf("expected sampling rate 1.0, got %f", cfg.Tracing.SamplingRate)
	}
	if cfg.Metrics.Endpoint != "/metrics" {
		t.Errorf("expected /metrics endpoint, got %s", cfg.Metrics.Endpoint)
	}
	if cfg.Metrics.Namespace != "kandra" {
		t.Errorf("expected kandra namespace, got %s", cfg.Metrics.Namespace)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := &Config{
		Tracing: TracingConfig{Enabled: true, SamplingRate: 2.0, Endpoint: "localhost:4317", Exporter: "otlp"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range sampling rate")
	}

	cfg = &Config{
		Tracing: TracingConfig{Enabled: true, SamplingRate: 0.5, Endpoint: "localhost:4317", Exporter: "jaeger"},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestHTTPMiddleware_CapturesStatus(t *testing.T) {
	handler := HTTPMiddleware(nil, &PrometheusMetrics{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/jobs/abc/plan", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 passthrough, got %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("expected body passthrough, got %q", rec.Body.String())
	}
}
