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

package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/genai"

	"github.com/kandra-ai/kandra/pkg/config"
	"github.com/kandra-ai/kandra/pkg/observability"
)

// GeminiProvider implements Provider over the official Gemini SDK.
type GeminiProvider struct {
	client *genai.Client
	cfg    *config.LLMConfig
}

var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider creates a Gemini provider from configuration.
func NewGeminiProvider(ctx context.Context, cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("llm config is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiProvider{client: client, cfg: cfg}, nil
}

// Name returns the model identifier.
func (p *GeminiProvider) Name() string { return p.cfg.Model }

// Close releases resources.
func (p *GeminiProvider) Close() error { return nil }

// Generate produces text, or schema-shaped JSON when the request
// carries a schema.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	contents, system := p.buildContents(req)
	genConfig := p.buildConfig(req, system)
	if req.Schema != nil {
		genConfig.ResponseMIMEType = "application/json"
		genConfig.ResponseSchema = toGenaiSchema(req.Schema)
	}

	genResp, usage, err := p.call(ctx, contents, genConfig)
	if err != nil {
		return nil, err
	}

	text := joinTextParts(genResp)
	if req.Schema != nil {
		text, err = coerceJSON(text)
		if err != nil {
			return nil, err
		}
	}
	return &Response{Text: text, Usage: usage}, nil
}

// GenerateGrounded produces text with Google Search grounding enabled
// and surfaces the consulted sources and search queries.
func (p *GeminiProvider) GenerateGrounded(ctx context.Context, req Request) (*GroundedResponse, error) {
	contents, system := p.buildContents(req)
	genConfig := p.buildConfig(req, system)
	genConfig.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}

	genResp, usage, err := p.call(ctx, contents, genConfig)
	if err != nil {
		return nil, err
	}

	out := &GroundedResponse{Text: joinTextParts(genResp), Usage: usage}
	if meta := genResp.Candidates[0].GroundingMetadata; meta != nil {
		out.SearchQueries = append(out.SearchQueries, meta.WebSearchQueries...)
		for _, chunk := range meta.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			out.Sources = append(out.Sources, Source{URI: chunk.Web.URI, Title: chunk.Web.Title})
		}
	} else {
		slog.Debug("no grounding metadata in response", "model", p.cfg.Model)
	}
	return out, nil
}

// call runs one generation under the retry policy and records metrics.
func (p *GeminiProvider) call(ctx context.Context, contents []*genai.Content, genConfig *genai.GenerateContentConfig) (*genai.GenerateContentResponse, Usage, error) {
	slog.Debug("calling gemini",
		"model", p.cfg.Model,
		"estimated_prompt_tokens", estimateContents(contents))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.RetryBaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.1

	start := time.Now()
	genResp, err := backoff.Retry(ctx, func() (*genai.GenerateContentResponse, error) {
		callCtx := ctx
		if p.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
			defer cancel()
		}
		resp, err := p.client.Models.GenerateContent(callCtx, p.cfg.Model, contents, genConfig)
		if err != nil {
			if isRetryable(err) {
				return nil, &RetryableError{Err: err}
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries)+1),
		backoff.WithNotify(func(err error, delay time.Duration) {
			slog.Warn("gemini call failed, retrying", "delay", delay, "error", err)
		}),
	)

	var usage Usage
	if genResp != nil && genResp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordLLMCall(ctx, p.cfg.Model, time.Since(start), usage.PromptTokens, usage.CompletionTokens, err)
	}

	if err != nil {
		return nil, usage, fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(genResp.Candidates) == 0 || genResp.Candidates[0].Content == nil {
		return nil, usage, fmt.Errorf("empty response from Gemini")
	}
	return genResp, usage, nil
}

// buildContents converts the request into Gemini contents plus an
// optional system instruction.
func (p *GeminiProvider) buildContents(req Request) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	if req.System != "" {
		system = &genai.Content{
			Role:  RoleUser,
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	var contents []*genai.Content
	if len(req.Messages) > 0 {
		for _, turn := range req.Messages {
			role := RoleUser
			if turn.Role == RoleModel {
				role = RoleModel
			}
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: turn.Text}},
			})
		}
	} else if req.Prompt != "" {
		contents = append(contents, &genai.Content{
			Role:  RoleUser,
			Parts: []*genai.Part{{Text: req.Prompt}},
		})
	}
	return contents, system
}

// buildConfig creates the generation config, letting the request
// override the provider defaults.
func (p *GeminiProvider) buildConfig(req Request, system *genai.Content) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{SystemInstruction: system}

	temperature := p.cfg.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	if temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*temperature))
	}

	maxTokens := p.cfg.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	if maxTokens > 0 {
		genConfig.MaxOutputTokens = int32(maxTokens)
	}
	return genConfig
}

// toGenaiSchema converts a JSON schema map to the Gemini schema type.
// Unknown keywords are dropped; the Gemini dialect accepts only this
// subset.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	switch required := schema["required"].(type) {
	case []any:
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	case []string:
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

// joinTextParts concatenates the text parts of the first candidate,
// skipping thinking traces.
func joinTextParts(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// coerceJSON validates structured output, extracting the embedded
// document when the model wrapped it in prose.
func coerceJSON(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	if doc, ok := ExtractJSONObject(trimmed); ok && json.Valid([]byte(doc)) {
		return doc, nil
	}
	return "", fmt.Errorf("could not parse JSON from response: %.200s", text)
}

// estimateContents estimates the prompt size across all content parts.
func estimateContents(contents []*genai.Content) int {
	var sb strings.Builder
	for _, content := range contents {
		for _, part := range content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return EstimateTokens(sb.String())
}

// isRetryable classifies rate limits, server-side failures, and
// per-attempt timeouts as transient.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "500", "502", "503", "504",
		"rate limit", "resource_exhausted", "unavailable", "overloaded",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
