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
	"fmt"
	"time"
)

// ExecutorConfig bounds the migration executor agent.
type ExecutorConfig struct {
	// MaxSteps is the per-phase reason/act iteration ceiling.
	MaxSteps int `yaml:"max_steps,omitempty" json:"max_steps,omitempty" jsonschema:"title=Max Steps,description=Per-phase iteration ceiling,minimum=1,default=50"`

	// CommandTimeout is the default shell command deadline.
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty" json:"command_timeout,omitempty" jsonschema:"title=Command Timeout,description=Default shell command deadline"`

	// HeavyCommandTimeout is the floor applied to commands that install,
	// build, or run test suites.
	HeavyCommandTimeout time.Duration `yaml:"heavy_command_timeout,omitempty" json:"heavy_command_timeout,omitempty" jsonschema:"title=Heavy Command Timeout,description=Deadline floor for install/build/test commands"`

	// TotalTimeout bounds a full plan execution.
	TotalTimeout time.Duration `yaml:"total_timeout,omitempty" json:"total_timeout,omitempty" jsonschema:"title=Total Timeout,description=Full plan execution deadline"`

	// WatchdogInterval is how often the stall watchdog samples progress.
	WatchdogInterval time.Duration `yaml:"watchdog_interval,omitempty" json:"watchdog_interval,omitempty" jsonschema:"title=Watchdog Interval,description=Stall watchdog poll interval"`

	// StuckThreshold is how long the agent may sit in one activity before
	// a stuck warning is emitted.
	StuckThreshold time.Duration `yaml:"stuck_threshold,omitempty" json:"stuck_threshold,omitempty" jsonschema:"title=Stuck Threshold,description=Inactivity span before a stuck warning"`
}

// SetDefaults applies default values.
func (c *ExecutorConfig) SetDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = 50
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 60 * time.Second
	}
	if c.HeavyCommandTimeout == 0 {
		c.HeavyCommandTimeout = 300 * time.Second
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = 30 * time.Minute
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 30 * time.Second
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = 120 * time.Second
	}
}

// Validate checks the executor configuration.
func (c *ExecutorConfig) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1")
	}
	if c.CommandTimeout < 0 || c.HeavyCommandTimeout < 0 || c.TotalTimeout < 0 {
		return fmt.Errorf("timeouts must be non-negative")
	}
	if c.HeavyCommandTimeout < c.CommandTimeout {
		return fmt.Errorf("heavy_command_timeout must not be below command_timeout")
	}
	return nil
}
