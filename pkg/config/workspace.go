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

// WorkspaceConfig configures job workspace provisioning.
type WorkspaceConfig struct {
	// BasePath is the directory under which per-job workspaces are created.
	BasePath string `yaml:"base_path,omitempty" json:"base_path,omitempty" jsonschema:"title=Base Path,description=Directory holding per-job workspaces,default=./workspaces"`

	// CloneTimeout bounds the initial repository clone.
	CloneTimeout time.Duration `yaml:"clone_timeout,omitempty" json:"clone_timeout,omitempty" jsonschema:"title=Clone Timeout,description=Repository clone deadline"`

	// CleanupAfter is the age at which idle workspaces may be reclaimed.
	CleanupAfter time.Duration `yaml:"cleanup_after,omitempty" json:"cleanup_after,omitempty" jsonschema:"title=Cleanup After,description=Idle workspace retention"`
}

// SetDefaults applies default values.
func (c *WorkspaceConfig) SetDefaults() {
	if c.BasePath == "" {
		c.BasePath = "./workspaces"
	}
	if c.CloneTimeout == 0 {
		c.CloneTimeout = 120 * time.Second
	}
	if c.CleanupAfter == 0 {
		c.CleanupAfter = 24 * time.Hour
	}
}

// Validate checks the workspace configuration.
func (c *WorkspaceConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("base_path is required")
	}
	if c.CloneTimeout < 0 {
		return fmt.Errorf("clone_timeout must be non-negative")
	}
	return nil
}
