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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/kandra-ai/kandra/pkg/config/provider"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Loader ties a Provider to the parse pipeline and pushes reloaded
// configs to an optional callback.
type Loader struct {
	provider provider.Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange sets a callback invoked with each successfully
// reloaded config.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) {
		l.onChange = fn
	}
}

// NewLoader creates a Loader with the given provider.
func NewLoader(p provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{provider: p}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load fetches the raw config from the provider and runs it through
// the full pipeline: parse, environment interpolation, decode,
// defaults, validation.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.provider.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return buildConfig(raw)
}

// Watch blocks, reloading the config whenever the provider signals a
// change. Returns nil if the provider's change channel closes, or
// ctx.Err() once the context is cancelled.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.provider.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watching: %w", err)
	}
	if changes == nil {
		slog.Info("Provider does not support watching", "type", l.provider.Type())
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("Watching for config changes", "type", l.provider.Type())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			l.reload(ctx)
		}
	}
}

// reload re-runs Load and hands the result to the onChange callback.
// A config that fails to parse or validate is logged and skipped; the
// previous config stays in effect.
func (l *Loader) reload(ctx context.Context) {
	cfg, err := l.Load(ctx)
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}
	slog.Info("Configuration reloaded")
	if l.onChange != nil {
		l.onChange(cfg)
	}
}

// Close releases the underlying provider.
func (l *Loader) Close() error {
	return l.provider.Close()
}

// buildConfig turns raw config bytes into a validated Config.
func buildConfig(raw []byte) (*Config, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for key, val := range doc {
		doc[key] = interpolateTree(val)
	}

	cfg := &Config{}
	if err := decodeDocument(doc, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// parseDocument accepts YAML or JSON. YAML is tried first since every
// JSON document is also valid YAML.
func parseDocument(raw []byte) (map[string]any, error) {
	var doc map[string]any
	yamlErr := yaml.Unmarshal(raw, &doc)
	if yamlErr == nil {
		return doc, nil
	}

	// A failed YAML pass may leave partial state behind.
	doc = nil
	if jsonErr := json.Unmarshal(raw, &doc); jsonErr == nil {
		return doc, nil
	}
	return nil, fmt.Errorf("config is neither valid YAML nor JSON: %w", yamlErr)
}

// decodeDocument maps the parsed document onto the Config struct.
// Decoding is weakly typed so "8000" satisfies an int field, and
// duration strings like "90s" satisfy time.Duration fields.
func decodeDocument(doc map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		Result:           cfg,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return dec.Decode(doc)
}

// interpolateTree walks a parsed document value and expands
// environment references in every string it contains.
func interpolateTree(v any) any {
	switch val := v.(type) {
	case string:
		return interpolate(val)
	case map[string]any:
		for k, item := range val {
			val[k] = interpolateTree(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = interpolateTree(item)
		}
		return val
	default:
		return v
	}
}

// interpolate expands $VAR, ${VAR}, and ${VAR:-default} references.
// The default applies when the variable is unset or empty.
func interpolate(s string) string {
	return os.Expand(s, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref, ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}

// LoadConfig builds a provider from opts, loads the config once, and
// returns both so the caller can keep watching.
func LoadConfig(ctx context.Context, opts provider.ProviderConfig) (*Config, *Loader, error) {
	p, err := provider.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create provider: %w", err)
	}

	loader := NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		p.Close()
		return nil, nil, err
	}
	return cfg, loader, nil
}

// LoadConfigFile loads config from a local file path.
func LoadConfigFile(ctx context.Context, path string) (*Config, *Loader, error) {
	return LoadConfig(ctx, provider.ProviderConfig{
		Type: provider.TypeFile,
		Path: path,
	})
}
