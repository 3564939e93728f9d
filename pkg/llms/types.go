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

// Package llms defines the language-model collaborator contract used by
// the analyzer, planner, executor, and auditor, plus the Gemini
// implementation. The grounded variant additionally surfaces the web
// sources and search queries behind the answer.
package llms

import (
	"context"
	"strings"
)

// Turn roles. The Gemini API requires strict user/model alternation.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Turn is one message in a multi-turn exchange.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request describes a single generation call. Either Prompt (one-shot)
// or Messages (multi-turn) carries the content; when both are set,
// Messages wins. Schema, when non-nil, requests JSON output shaped to
// it. Temperature and MaxTokens override the provider's configured
// defaults when set.
type Request struct {
	System      string
	Prompt      string
	Messages    []Turn
	Schema      map[string]any
	Temperature *float64
	MaxTokens   int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the outcome of a plain generation call. When the request
// carried a schema, Text holds the (extracted) JSON document.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Source is one web citation behind a grounded answer.
type Source struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundedResponse is the outcome of a grounded generation call.
type GroundedResponse struct {
	Text          string   `json:"text"`
	Sources       []Source `json:"sources"`
	SearchQueries []string `json:"search_queries"`
	Usage         Usage    `json:"usage"`
}

// Provider is the language-model collaborator.
type Provider interface {
	// Generate produces text, or schema-shaped JSON when the request
	// carries a schema.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateGrounded produces text with Google Search grounding and
	// returns the consulted sources and queries.
	GenerateGrounded(ctx context.Context, req Request) (*GroundedResponse, error)

	// Name returns the model identifier, for logs and metrics.
	Name() string

	// Close releases provider resources.
	Close() error
}

// RetryableError marks a transient provider failure (rate limit,
// server-side error) that the backoff loop may retry.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// ExtractJSONObject returns the outermost {...} document embedded in
// text. Models occasionally wrap structured output in prose or code
// fences even when a schema was requested.
func ExtractJSONObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
