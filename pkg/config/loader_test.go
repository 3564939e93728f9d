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

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandra-ai/kandra/pkg/config/provider"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kandra.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}
	return path
}

func TestLoader_File_Load(t *testing.T) {
	configYAML := `
version: "1"
name: "test-engine"
server:
  port: 9000
llm:
  model: gemini-3-flash-preview
  api_key: test-key
executor:
  max_steps: 25
`
	path := writeConfigFile(t, configYAML)

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	cfg, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Name != "test-engine" {
		t.Errorf("expected name 'test-engine', got %s", cfg.Name)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Executor.MaxSteps != 25 {
		t.Errorf("expected max_steps 25, got %d", cfg.Executor.MaxSteps)
	}
	// Defaults fill unset sections
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Executor.CommandTimeout != 60*time.Second {
		t.Errorf("expected default command timeout, got %v", cfg.Executor.CommandTimeout)
	}
}

func TestLoader_File_NotFound(t *testing.T) {
	p, err := provider.NewFileProvider("/nonexistent/kandra.yaml")
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	_, err = loader.Load(context.Background())
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoader_File_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "server:\n  - invalid: [unclosed\n")

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	_, err = loader.Load(context.Background())
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoader_ValidationFailure(t *testing.T) {
	configYAML := `
llm:
  api_key: test-key
server:
  port: 700000
`
	path := writeConfigFile(t, configYAML)

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	loader := NewLoader(p)
	defer loader.Close()

	_, err = loader.Load(context.Background())
	if err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestLoader_EnvVarExpansion(t *testing.T) {
	os.Setenv("KANDRA_TEST_API_KEY", "secret-key-123")
	defer os.Unsetenv("KANDRA_TEST_API_KEY")

	configYAML := `
llm:
  api_key: ${KANDRA_TEST_API_KEY}
`
	path := writeConfigFile(t, configYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	defer loader.Close()

	if cfg.LLM.APIKey != "secret-key-123" {
		t.Errorf("expected API key 'secret-key-123', got %s", cfg.LLM.APIKey)
	}
}

func TestLoader_EnvVarDefault(t *testing.T) {
	os.Unsetenv("KANDRA_UNSET_VAR")

	configYAML := `
name: ${KANDRA_UNSET_VAR:-fallback-name}
llm:
  api_key: test-key
`
	path := writeConfigFile(t, configYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	defer loader.Close()

	if cfg.Name != "fallback-name" {
		t.Errorf("expected fallback name, got %s", cfg.Name)
	}
}

func TestLoader_DurationStrings(t *testing.T) {
	configYAML := `
llm:
  api_key: test-key
  timeout: 90s
executor:
  heavy_command_timeout: 10m
workspace:
  clone_timeout: 2m
`
	path := writeConfigFile(t, configYAML)

	cfg, loader, err := LoadConfigFile(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	defer loader.Close()

	if cfg.LLM.Timeout != 90*time.Second {
		t.Errorf("expected 90s LLM timeout, got %v", cfg.LLM.Timeout)
	}
	if cfg.Executor.HeavyCommandTimeout != 10*time.Minute {
		t.Errorf("expected 10m heavy timeout, got %v", cfg.Executor.HeavyCommandTimeout)
	}
	if cfg.Workspace.CloneTimeout != 2*time.Minute {
		t.Errorf("expected 2m clone timeout, got %v", cfg.Workspace.CloneTimeout)
	}
}

func TestLoader_File_Watch(t *testing.T) {
	configYAML := `
name: "initial"
llm:
  api_key: test-key
`
	path := writeConfigFile(t, configYAML)

	p, err := provider.NewFileProvider(path)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	reloaded := make(chan *Config, 1)
	loader := NewLoader(p, WithOnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))
	defer loader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = loader.Watch(ctx)
	}()

	// Wait a bit for watcher to start
	time.Sleep(200 * time.Millisecond)

	updated := `
name: "updated"
llm:
  api_key: test-key
`
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Name != "updated" {
			t.Errorf("expected reloaded name 'updated', got %s", cfg.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload to be triggered, but it wasn't")
	}
}
