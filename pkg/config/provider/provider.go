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

// Package provider abstracts where configuration comes from.
//
// Providers load configuration bytes from a source and support watching
// for changes.
package provider

import (
	"context"
	"fmt"
)

// Type names a kind of config source.
type Type string

const (
	TypeFile Type = "file"
)

// Provider is a source of raw configuration bytes. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Type identifies the source, for logging.
	Type() Type

	// Load reads the current config bytes.
	Load(ctx context.Context) ([]byte, error)

	// Watch signals on the returned channel each time the source
	// changes. A nil channel means the source cannot be watched.
	// Cancelling ctx stops the watch and closes the channel.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig selects and parameterizes a provider.
type ProviderConfig struct {
	Type Type

	// Path locates the config within the source.
	Path string
}

// New builds the provider named by opts. An empty Type selects the
// file provider.
func New(opts ProviderConfig) (Provider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("provider path is required")
	}

	switch opts.Type {
	case TypeFile, "":
		return NewFileProvider(opts.Path)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", opts.Type)
	}
}
