// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
	"github.com/wizenheimer/cyyrus/services/composer/types"
	"gopkg.in/yaml.v3"
)

type fakeChat struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	if len(f.replies) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	reply := f.replies[(len(f.requests)-1)%len(f.replies)]
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: reply}}},
	}, nil
}

func (f *fakeChat) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.Messages[len(r.Messages)-1].Content
	}
	return out
}

func testRegistry(t *testing.T) *types.Registry {
	t.Helper()
	var decls map[string]*types.Declaration
	require.NoError(t, yaml.Unmarshal([]byte("person:\n  type: object\n  properties:\n    name: string\n"), &decls))
	reg, err := types.NewRegistry(decls)
	require.NoError(t, err)
	return reg
}

func newGeneration(t *testing.T, chat *fakeChat) *Generation {
	t.Helper()
	return NewGeneration(newClientSource(chat), newPacer(), testRegistry(t), nil)
}

func row(pairs ...any) tasks.Inputs {
	var in tasks.Inputs
	for i := 0; i+1 < len(pairs); i += 2 {
		name := pairs[i].(string)
		in = append(in, tasks.Input{Column: name, Name: name, Value: pairs[i+1]})
	}
	return in
}

func requireExecutionError(t *testing.T, err error, kind string, retryable bool) {
	t.Helper()
	require.Error(t, err)
	var ee *tasks.ExecutionError
	require.True(t, errors.As(err, &ee), "got %T: %v", err, err)
	assert.Equal(t, kind, ee.Kind)
	assert.Equal(t, retryable, ee.Retryable)
}

func TestGeneration_RendersPromptPerRow(t *testing.T) {
	chat := &fakeChat{replies: []string{"a summary"}}
	g := newGeneration(t, chat)

	cfg := tasks.NewConfig(map[string]any{
		"prompt":      "Summarize {doc} for {audience}. Keep {unknown}.",
		"temperature": 0.2,
	})
	out, err := g.Execute(context.Background(), cfg, row("doc", "hello", "audience", map[string]any{"role": "cto"}))
	require.NoError(t, err)

	assert.Equal(t, []any{"a summary"}, out)
	assert.Equal(t, []string{`Summarize hello for {"role":"cto"}. Keep {unknown}.`}, chat.prompts())
	assert.Equal(t, DefaultModel, chat.requests[0].Model)
	assert.InDelta(t, 0.2, chat.requests[0].Temperature, 1e-6)
	assert.Nil(t, chat.requests[0].ResponseFormat)
}

func TestGeneration_RootFansOutEpochs(t *testing.T) {
	chat := &fakeChat{replies: []string{"one", "two"}}
	g := newGeneration(t, chat)

	cfg := tasks.NewConfig(map[string]any{"prompt": "Write a product name", "max_epochs": 3})
	out, err := g.Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two", "one"}, out)
}

func TestGeneration_ResponseFormat(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  any
		kind  string
	}{
		{"conforming object", `{"name":"Ada","extra":1}`, map[string]any{"name": "Ada", "extra": float64(1)}, ""},
		{"fenced object", "```json\n{\"name\":\"Ada\"}\n```", map[string]any{"name": "Ada"}, ""},
		{"not json", "Ada", nil, tasks.FailureInvalidOutput},
		{"wrong shape", `{"name":7}`, nil, tasks.FailureInvalidOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{replies: []string{tt.reply}}
			cfg := tasks.NewConfig(map[string]any{"prompt": "Who?", "response_format": "person"})
			out, err := newGeneration(t, chat).Execute(context.Background(), cfg, row("q", "x"))
			if tt.kind != "" {
				requireExecutionError(t, err, tt.kind, true)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []any{tt.want}, out)
			require.NotNil(t, chat.requests[0].ResponseFormat)
			assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, chat.requests[0].ResponseFormat.Type)
		})
	}
}

func TestGeneration_ClassifiesModelErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      string
		retryable bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, tasks.FailureRateLimited, true},
		{"server error", &openai.APIError{HTTPStatusCode: http.StatusBadGateway}, tasks.FailureUnavailable, true},
		{"bad request", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, tasks.FailureInvalidInput, false},
		{"unauthorized", &openai.RequestError{HTTPStatusCode: http.StatusUnauthorized, Err: errors.New("no")}, tasks.FailureConfig, false},
		{"network", fmt.Errorf("dial: %w", errors.New("connection refused")), tasks.FailureUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat := &fakeChat{err: tt.err}
			cfg := tasks.NewConfig(map[string]any{"prompt": "hi"})
			_, err := newGeneration(t, chat).Execute(context.Background(), cfg, row("a", 1))
			requireExecutionError(t, err, tt.kind, tt.retryable)
		})
	}

	t.Run("empty response", func(t *testing.T) {
		chat := &fakeChat{}
		cfg := tasks.NewConfig(map[string]any{"prompt": "hi"})
		_, err := newGeneration(t, chat).Execute(context.Background(), cfg, row("a", 1))
		requireExecutionError(t, err, tasks.FailureInvalidOutput, true)
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		chat := &fakeChat{err: context.Canceled}
		cfg := tasks.NewConfig(map[string]any{"prompt": "hi"})
		_, err := newGeneration(t, chat).Execute(context.Background(), cfg, row("a", 1))
		assert.ErrorIs(t, err, context.Canceled)
		var ee *tasks.ExecutionError
		assert.False(t, errors.As(err, &ee))
	})
}

func TestGeneration_ConfigErrors(t *testing.T) {
	g := newGeneration(t, &fakeChat{replies: []string{"x"}})

	_, err := g.Execute(context.Background(), tasks.NewConfig(nil), row("a", 1))
	requireExecutionError(t, err, tasks.FailureConfig, false)
	assert.ErrorIs(t, err, tasks.ErrInvalidConfig)

	_, err = g.Execute(context.Background(), tasks.NewConfig(map[string]any{"prompt": "x", "max_epochs": 0}), nil)
	requireExecutionError(t, err, tasks.FailureConfig, false)
}

func TestClientSource_MissingAPIKey(t *testing.T) {
	t.Setenv("CYYRUS_TEST_API_KEY", "")
	src := newClientSource(nil)

	_, err := src.get(tasks.NewConfig(map[string]any{"api_key_env": "CYYRUS_TEST_API_KEY"}))
	requireExecutionError(t, err, tasks.FailureConfig, false)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	t.Setenv("CYYRUS_TEST_API_KEY", "sk-test")
	a, err := src.get(tasks.NewConfig(map[string]any{"api_key_env": "CYYRUS_TEST_API_KEY"}))
	require.NoError(t, err)
	b, err := src.get(tasks.NewConfig(map[string]any{"api_key_env": "CYYRUS_TEST_API_KEY"}))
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestLabelling(t *testing.T) {
	labels := []any{"positive", "negative", "neutral"}

	t.Run("single label", func(t *testing.T) {
		chat := &fakeChat{replies: []string{`{"labels": ["Positive"]}`}}
		l := NewLabelling(newClientSource(chat), newPacer(), nil)
		out, err := l.Execute(context.Background(), tasks.NewConfig(map[string]any{"labels": labels}), row("review", "great"))
		require.NoError(t, err)
		assert.Equal(t, []any{"positive"}, out)
		assert.Contains(t, chat.prompts()[0], "review: great")
		assert.Contains(t, chat.prompts()[0], "positive, negative, neutral")
	})

	t.Run("multi label", func(t *testing.T) {
		chat := &fakeChat{replies: []string{`{"labels": ["negative", "neutral", "negative"]}`}}
		l := NewLabelling(newClientSource(chat), newPacer(), nil)
		cfg := tasks.NewConfig(map[string]any{"labels": labels, "multi_label": true})
		out, err := l.Execute(context.Background(), cfg, row("review", "meh"))
		require.NoError(t, err)
		assert.Equal(t, []any{[]any{"negative", "neutral"}}, out)
	})

	t.Run("unknown label is retryable", func(t *testing.T) {
		chat := &fakeChat{replies: []string{`{"labels": ["angry"]}`}}
		l := NewLabelling(newClientSource(chat), newPacer(), nil)
		_, err := l.Execute(context.Background(), tasks.NewConfig(map[string]any{"labels": labels}), row("review", "!"))
		requireExecutionError(t, err, tasks.FailureInvalidOutput, true)
	})

	t.Run("two labels for single label task", func(t *testing.T) {
		chat := &fakeChat{replies: []string{`{"labels": ["positive", "negative"]}`}}
		l := NewLabelling(newClientSource(chat), newPacer(), nil)
		_, err := l.Execute(context.Background(), tasks.NewConfig(map[string]any{"labels": labels}), row("review", "?"))
		requireExecutionError(t, err, tasks.FailureInvalidOutput, true)
	})

	t.Run("root", func(t *testing.T) {
		l := NewLabelling(newClientSource(&fakeChat{}), newPacer(), nil)
		_, err := l.Execute(context.Background(), tasks.NewConfig(map[string]any{"labels": labels}), nil)
		requireExecutionError(t, err, tasks.FailureInvalidInput, false)
	})

	t.Run("no labels", func(t *testing.T) {
		l := NewLabelling(newClientSource(&fakeChat{}), newPacer(), nil)
		_, err := l.Execute(context.Background(), tasks.NewConfig(nil), row("review", "x"))
		requireExecutionError(t, err, tasks.FailureConfig, false)
	})
}

func TestDefault_CoversEveryKind(t *testing.T) {
	set := Default(Options{Chat: &fakeChat{}})
	for _, k := range tasks.Kinds() {
		assert.Contains(t, set, k)
	}
	_, ok := set[tasks.KindGeneration].(tasks.RetryClassifier)
	assert.True(t, ok)
}
