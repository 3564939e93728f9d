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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kandra-ai/kandra/pkg/agents"
	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/eventlog"
	"github.com/kandra-ai/kandra/pkg/events"
	"github.com/kandra-ai/kandra/pkg/jobs"
	"github.com/kandra-ai/kandra/pkg/llms"
	"github.com/kandra-ai/kandra/pkg/observability"
	"github.com/kandra-ai/kandra/pkg/server"
	"github.com/kandra-ai/kandra/pkg/workspace"
)

// ServeCmd starts the migration API server.
type ServeCmd struct {
	Host  string `help:"Bind address (overrides config)."`
	Port  int    `help:"Port to listen on (overrides config)."`
	Watch bool   `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	// Load configuration
	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	// The config file's logging section applies when neither CLI flags nor
	// environment variables chose a setting.
	cleanup, err := installLogger(logSettings(cli, &cfg.Logging))
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	// Override bind address if explicitly specified
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	// Start config watching if enabled
	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	// Observability is optional; when configured it must come up before the
	// first job event so the global metrics recorder is registered.
	var obs *observability.Manager
	if cfg.Observability != nil {
		obs = observability.NewManager(*cfg.Observability)
		if err := obs.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize observability: %w", err)
		}
		defer func() {
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			if err := obs.Shutdown(shutCtx); err != nil {
				slog.Warn("Observability shutdown failed", "error", err)
			}
		}()
	}

	// Job and event store
	store, err := eventlog.NewStore(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Workspace manager; leftover clones from interrupted runs are swept
	// before the server starts taking jobs.
	workspaces, err := workspace.NewManager(&cfg.Workspace, workspace.GitCloner{})
	if err != nil {
		return fmt.Errorf("failed to create workspace manager: %w", err)
	}
	if swept, err := workspaces.SweepStale(); err != nil {
		slog.Warn("Stale workspace sweep failed", "error", err)
	} else if swept > 0 {
		slog.Info("Removed stale workspace clones", "count", swept)
	}

	bus := events.NewBus()
	emitter := events.NewEmitter(store, bus)

	llm, err := llms.NewGeminiProvider(ctx, &cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	defer func() { _ = llm.Close() }()

	analyzer, err := agents.NewAnalyzerAgent(llm, store)
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}
	planner, err := agents.NewPlannerAgent(llm, emitter, analyzer, store)
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}
	executor, err := agents.NewExecutorAgent(llm, emitter, cfg.Executor, store)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}
	auditor, err := agents.NewAuditorAgent(emitter)
	if err != nil {
		return fmt.Errorf("failed to create auditor: %w", err)
	}

	svc, err := jobs.NewService(jobs.Config{
		Store:      store,
		Emitter:    emitter,
		Workspaces: workspaces,
		Planner:    planner,
		Executor:   executor,
		Auditor:    auditor,
	})
	if err != nil {
		return fmt.Errorf("failed to create job service: %w", err)
	}

	var opts []server.Option
	if obs != nil {
		opts = append(opts, server.WithObservability(obs))
	}
	srv := server.New(&cfg.Server, svc, bus, opts...)

	printServeInfo(cfg)

	// Start server; Stop drains in-flight requests and closes stream
	// connections when the context is cancelled.
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return srv.Stop(context.Background())
}

// loadConfig loads the configuration file, or falls back to the built-in
// defaults when no path is given.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		slog.Info("No config file given, using defaults")
		return config.Default(), nil, nil
	}

	cfg, loader, err := config.LoadConfigFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("Loaded configuration", "path", path)
	return cfg, loader, nil
}

// printServeInfo prints the startup summary.
func printServeInfo(cfg *config.Config) {
	indigoColor := "\033[38;2;99;102;241m"
	resetColor := "\033[0m"

	fmt.Printf("\n%sKandra migration engine ready!%s\n", indigoColor, resetColor)
	fmt.Printf("   API:         http://%s/v1/jobs\n", cfg.Server.Address())
	fmt.Printf("   Stream:      ws://%s/v1/jobs/{id}/stream\n", cfg.Server.Address())
	fmt.Printf("   Health:      http://%s/healthz\n", cfg.Server.Address())
	if cfg.Observability != nil && cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", cfg.Server.Address())
	}
	fmt.Printf("   Job store:   %s (%s)\n", cfg.Database.Driver, cfg.Database.Database)
	fmt.Printf("   Workspaces:  %s\n", cfg.Workspace.BasePath)
	fmt.Printf("   LLM:         %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	if cfg.Observability != nil && cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:     %s (%s)\n", cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.Endpoint)
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
