// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executors provides the concrete executor for every task kind.
//
// Executors translate transport failures into *tasks.ExecutionError so the
// engine can tell transient failures (rate limits, 5xx, timeouts) from
// permanent ones (bad configuration, rejected input).
package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
	"github.com/wizenheimer/cyyrus/services/composer/types"
	"golang.org/x/time/rate"
)

// Sentinel errors shared by the executors.
var (
	// ErrMissingAPIKey is returned when the model API key is not set.
	ErrMissingAPIKey = errors.New("model API key not set")

	// ErrEmptyResponse is returned when the model returns no choices.
	ErrEmptyResponse = errors.New("model returned no choices")

	// ErrRootUnsupported is returned when a kind that needs input runs as a root.
	ErrRootUnsupported = errors.New("task needs at least one input column")
)

// ChatCompleter is the part of the OpenAI client the model executors use.
// *openai.Client satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures the default executor set.
type Options struct {
	// Chat overrides the model client for every task. When nil, clients
	// are created per api_key_env and base_url.
	Chat ChatCompleter

	// HTTPClient is used by the scraping executor. Defaults to a client
	// with a 30 second timeout.
	HTTPClient *http.Client

	// Types conforms decoded model output to the task's response_format.
	Types *types.Registry

	Logger *slog.Logger
}

// Default returns one executor per task kind.
func Default(opts Options) map[tasks.Kind]tasks.Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	clients := newClientSource(opts.Chat)
	pace := newPacer()

	return map[tasks.Kind]tasks.Executor{
		tasks.KindParsing:    NewParsing(clients, pace, opts.Logger),
		tasks.KindGeneration: NewGeneration(clients, pace, opts.Types, opts.Logger),
		tasks.KindLabelling:  NewLabelling(clients, pace, opts.Logger),
		tasks.KindExtraction: NewExtraction(),
		tasks.KindScraping:   NewScraping(opts.HTTPClient, pace, opts.Logger),
	}
}

// =============================================================================
// Model clients
// =============================================================================

// Model property keys shared by generation and labelling.
const (
	PropModel        = "model"
	PropSystemPrompt = "system_prompt"
	PropTemperature  = "temperature"
	PropMaxTokens    = "max_tokens"
	PropAPIKeyEnv    = "api_key_env"
	PropBaseURL      = "base_url"
	PropRPM          = "requests_per_minute"

	DefaultModel        = openai.GPT4oMini
	DefaultAPIKeyEnv    = "OPENAI_API_KEY"
	DefaultSystemPrompt = "You are a helpful assistant."
)

// clientSource hands out model clients, one per key/endpoint pair.
type clientSource struct {
	fixed ChatCompleter

	mu      sync.Mutex
	clients map[string]ChatCompleter
}

func newClientSource(fixed ChatCompleter) *clientSource {
	return &clientSource{fixed: fixed, clients: make(map[string]ChatCompleter)}
}

func (s *clientSource) get(cfg tasks.Config) (ChatCompleter, error) {
	if s.fixed != nil {
		return s.fixed, nil
	}

	env := cfg.String(PropAPIKeyEnv, DefaultAPIKeyEnv)
	baseURL := cfg.String(PropBaseURL, "")
	key := env + "|" + baseURL

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c, nil
	}

	apiKey := os.Getenv(env)
	if apiKey == "" {
		return nil, tasks.Permanent(tasks.FailureConfig, fmt.Errorf("%w: %s", ErrMissingAPIKey, env))
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	c := openai.NewClientWithConfig(clientCfg)
	s.clients[key] = c
	return c, nil
}

// complete sends one chat request and returns the first choice's content.
func complete(ctx context.Context, client ChatCompleter, req openai.ChatCompletionRequest) (string, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyModelError(err)
	}
	if len(resp.Choices) == 0 {
		return "", tasks.Retryable(tasks.FailureInvalidOutput, ErrEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// chatRequest builds the request shared by the model executors.
func chatRequest(cfg tasks.Config, prompt string, jsonMode bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: cfg.String(PropModel, DefaultModel),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: cfg.String(PropSystemPrompt, DefaultSystemPrompt)},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if cfg.Has(PropTemperature) {
		req.Temperature = float32(cfg.Float(PropTemperature, 0))
	}
	if n := cfg.Int(PropMaxTokens, 0); n > 0 {
		req.MaxCompletionTokens = n
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// classifyModelError maps client errors to execution errors.
func classifyModelError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return classifyTransport(err)
}

// classifyStatus maps an HTTP status to an execution error.
func classifyStatus(status int, err error) *tasks.ExecutionError {
	switch {
	case status == http.StatusTooManyRequests:
		return tasks.Retryable(tasks.FailureRateLimited, err)
	case status == http.StatusRequestTimeout:
		return tasks.Retryable(tasks.FailureTimeout, err)
	case status >= 500:
		return tasks.Retryable(tasks.FailureUnavailable, err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return tasks.Permanent(tasks.FailureConfig, err)
	default:
		return tasks.Permanent(tasks.FailureInvalidInput, err)
	}
}

// classifyTransport treats network failures as transient.
func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return tasks.Retryable(tasks.FailureTimeout, err)
	}
	return tasks.Retryable(tasks.FailureUnavailable, err)
}

// configError wraps a property problem as a permanent failure.
func configError(err error) *tasks.ExecutionError {
	if !errors.Is(err, tasks.ErrInvalidConfig) {
		err = fmt.Errorf("%w: %w", tasks.ErrInvalidConfig, err)
	}
	return tasks.Permanent(tasks.FailureConfig, err)
}

// =============================================================================
// Pacing
// =============================================================================

// pacer holds one token bucket per key (model name or host).
type pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPacer() *pacer {
	return &pacer{limiters: make(map[string]*rate.Limiter)}
}

// wait blocks until a request for key may proceed at rpm requests per
// minute. A non-positive rpm never waits.
func (p *pacer) wait(ctx context.Context, key string, rpm float64) error {
	if rpm <= 0 {
		return nil
	}
	limit := rate.Limit(rpm / 60)

	p.mu.Lock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(limit, 1)
		p.limiters[key] = l
	} else if l.Limit() != limit {
		l.SetLimit(limit)
	}
	p.mu.Unlock()

	return l.Wait(ctx)
}

// =============================================================================
// Prompt templates
// =============================================================================

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_\-]*)\}`)

// render substitutes {name} placeholders with input values. Strings are
// inserted as-is and other values as JSON. Unknown names are left intact.
func render(template string, in tasks.Inputs) string {
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		v, ok := in.Get(m[1 : len(m)-1])
		if !ok {
			return m
		}
		return stringify(v)
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

// decodeJSON parses model output, tolerating a fenced code block.
func decodeJSON(content string) (any, error) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
