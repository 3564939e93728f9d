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
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/kandra-ai/kandra/pkg/config"
)

// SchemaCmd generates JSON Schema from the config structs, for editor
// validation and completion. Output goes to stdout so it can be
// redirected to a file.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

// Run executes the schema generation command.
func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline definitions (no $ref) so consumers that don't resolve
		// references can still use the schema.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://kandra.ai/schemas/config.json"
	schema.Title = "Kandra Configuration Schema"
	schema.Description = "Configuration schema for the Kandra migration engine"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"version": "1",
			"name":    "kandra",
			"server": map[string]interface{}{
				"host": "0.0.0.0",
				"port": 8000,
			},
			"database": map[string]interface{}{
				"driver":   "sqlite",
				"database": "./kandra.db",
			},
			"llm": map[string]interface{}{
				"provider": "gemini",
				"model":    "gemini-3-flash-preview",
				"api_key":  "${GEMINI_API_KEY}",
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}

	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
