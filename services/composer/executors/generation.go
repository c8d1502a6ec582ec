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
	"fmt"
	"log/slog"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
	"github.com/wizenheimer/cyyrus/services/composer/types"
)

// Generation property keys.
const (
	PropPrompt    = "prompt"
	PropMaxEpochs = "max_epochs"

	DefaultMaxEpochs = 100
)

// Generation prompts a chat model.
//
// Description:
//
//	Per-row invocations render the prompt with the row's inputs and return
//	one value. Root invocations call the model max_epochs times and return
//	every answer. With a response_format the model runs in JSON mode and
//	the decoded value must conform to that type.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Generation struct {
	clients *clientSource
	pace    *pacer
	types   *types.Registry
	logger  *slog.Logger
}

// NewGeneration creates a generation executor.
func NewGeneration(clients *clientSource, pace *pacer, reg *types.Registry, logger *slog.Logger) *Generation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generation{clients: clients, pace: pace, types: reg, logger: logger}
}

// RetryableKinds marks malformed model output as worth another attempt.
func (g *Generation) RetryableKinds() []string {
	return []string{tasks.FailureInvalidOutput}
}

// Execute implements tasks.Executor.
func (g *Generation) Execute(ctx context.Context, cfg tasks.Config, in tasks.Inputs) ([]any, error) {
	if err := cfg.Require(PropPrompt); err != nil {
		return nil, configError(err)
	}
	client, err := g.clients.get(cfg)
	if err != nil {
		return nil, err
	}

	epochs := 1
	if in.IsRoot() {
		epochs = cfg.Int(PropMaxEpochs, DefaultMaxEpochs)
		if epochs <= 0 {
			return nil, configError(fmt.Errorf("%s must be positive, got %d", PropMaxEpochs, epochs))
		}
	}

	format := cfg.String(schema.PropertyResponseFormat, "")
	prompt := render(cfg.String(PropPrompt, ""), in)
	req := chatRequest(cfg, prompt, format != "")

	out := make([]any, 0, epochs)
	for epoch := 0; epoch < epochs; epoch++ {
		if err := g.pace.wait(ctx, req.Model, cfg.Float(PropRPM, 0)); err != nil {
			return nil, err
		}
		content, err := complete(ctx, client, req)
		if err != nil {
			return nil, err
		}
		value, err := g.decode(format, content)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}

	g.logger.Debug("generation complete",
		slog.String("model", req.Model),
		slog.Int("values", len(out)),
	)
	return out, nil
}

func (g *Generation) decode(format, content string) (any, error) {
	if format == "" {
		return content, nil
	}
	value, err := decodeJSON(content)
	if err != nil {
		return nil, tasks.Retryable(tasks.FailureInvalidOutput, fmt.Errorf("decoding %s response: %w", format, err))
	}
	if g.types != nil && g.types.Has(format) {
		if err := g.types.Conform(format, value); err != nil {
			return nil, tasks.Retryable(tasks.FailureInvalidOutput, err)
		}
	}
	return value, nil
}
