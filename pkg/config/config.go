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

// Package config defines the Kandra engine configuration and its loader.
//
// Configuration is read from a YAML (or JSON) file, environment variables
// are expanded, defaults applied, and the result validated before any
// component starts.
package config

import (
	"fmt"

	"github.com/kandra-ai/kandra/pkg/observability"
)

// Config is the root configuration for the Kandra engine.
type Config struct {
	// Version of the config format.
	Version string `yaml:"version,omitempty" json:"version,omitempty" jsonschema:"title=Version,description=Config format version"`

	// Name of this engine instance, used in logs and metrics.
	Name string `yaml:"name,omitempty" json:"name,omitempty" jsonschema:"title=Name,description=Engine instance name"`

	// Server configures the HTTP/WebSocket API.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty" jsonschema:"title=Server,description=HTTP and WebSocket server settings"`

	// Database configures job and event persistence.
	Database DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty" jsonschema:"title=Database,description=Job and event store settings"`

	// LLM configures the language model provider.
	LLM LLMConfig `yaml:"llm,omitempty" json:"llm,omitempty" jsonschema:"title=LLM,description=Language model provider settings"`

	// Executor configures the migration executor agent.
	Executor ExecutorConfig `yaml:"executor,omitempty" json:"executor,omitempty" jsonschema:"title=Executor,description=Executor agent limits and timeouts"`

	// Workspace configures job workspace provisioning.
	Workspace WorkspaceConfig `yaml:"workspace,omitempty" json:"workspace,omitempty" jsonschema:"title=Workspace,description=Workspace layout and clone settings"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty" jsonschema:"title=Logging,description=Log level and format"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty" json:"observability,omitempty" jsonschema:"title=Observability,description=Tracing and metrics settings"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "kandra"
	}

	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.LLM.SetDefaults()
	c.Executor.SetDefaults()
	c.Workspace.SetDefaults()
	c.Logging.SetDefaults()

	if c.Observability != nil {
		c.Observability.SetDefaults()
	}
}

// Validate checks the full configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor: %w", err)
	}
	if err := c.Workspace.Validate(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// Default returns a fully defaulted configuration, suitable for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
