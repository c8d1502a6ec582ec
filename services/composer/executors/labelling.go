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
	"slices"
	"strings"

	"github.com/wizenheimer/cyyrus/services/composer/tasks"
)

// Labelling property keys.
const (
	PropLabels     = "labels"
	PropMultiLabel = "multi_label"

	defaultLabelPrompt = "Classify the following input."
)

// Labelling asks a chat model to pick labels from a fixed set.
type Labelling struct {
	clients *clientSource
	pace    *pacer
	logger  *slog.Logger
}

// NewLabelling creates a labelling executor.
func NewLabelling(clients *clientSource, pace *pacer, logger *slog.Logger) *Labelling {
	if logger == nil {
		logger = slog.Default()
	}
	return &Labelling{clients: clients, pace: pace, logger: logger}
}

// RetryableKinds marks answers outside the label set as worth another attempt.
func (l *Labelling) RetryableKinds() []string {
	return []string{tasks.FailureInvalidOutput}
}

// Execute implements tasks.Executor. Single-label tasks return the label;
// multi-label tasks return the list of chosen labels.
func (l *Labelling) Execute(ctx context.Context, cfg tasks.Config, in tasks.Inputs) ([]any, error) {
	if in.IsRoot() {
		return nil, tasks.Permanent(tasks.FailureInvalidInput, ErrRootUnsupported)
	}
	labels := cfg.Strings(PropLabels)
	if len(labels) == 0 {
		return nil, configError(fmt.Errorf("%s must list at least one label", PropLabels))
	}
	client, err := l.clients.get(cfg)
	if err != nil {
		return nil, err
	}
	multi := cfg.Bool(PropMultiLabel, false)

	prompt := labelPrompt(render(cfg.String(PropPrompt, defaultLabelPrompt), in), labels, multi, in)
	req := chatRequest(cfg, prompt, true)

	if err := l.pace.wait(ctx, req.Model, cfg.Float(PropRPM, 0)); err != nil {
		return nil, err
	}
	content, err := complete(ctx, client, req)
	if err != nil {
		return nil, err
	}

	chosen, err := parseLabels(content, labels)
	if err != nil {
		return nil, tasks.Retryable(tasks.FailureInvalidOutput, err)
	}
	if !multi {
		if len(chosen) != 1 {
			return nil, tasks.Retryable(tasks.FailureInvalidOutput, fmt.Errorf("expected one label, got %d", len(chosen)))
		}
		return []any{chosen[0]}, nil
	}

	list := make([]any, len(chosen))
	for i, c := range chosen {
		list[i] = c
	}
	return []any{list}, nil
}

func labelPrompt(instruction string, labels []string, multi bool, in tasks.Inputs) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nAllowed labels: ")
	b.WriteString(strings.Join(labels, ", "))
	if multi {
		b.WriteString("\nChoose every label that applies.")
	} else {
		b.WriteString("\nChoose exactly one label.")
	}
	b.WriteString("\nAnswer with a JSON object of the form {\"labels\": [...]}.\n\nInput:\n")
	for _, i := range in {
		fmt.Fprintf(&b, "%s: %s\n", i.Name, stringify(i.Value))
	}
	return b.String()
}

// parseLabels decodes the answer and maps each label onto the allowed set,
// ignoring case. Duplicates are dropped.
func parseLabels(content string, allowed []string) ([]string, error) {
	raw, err := decodeJSON(content)
	if err != nil {
		return nil, fmt.Errorf("decoding labels: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("labels answer is %T, want an object", raw)
	}

	var answers []any
	switch v := obj["labels"].(type) {
	case []any:
		answers = v
	case string:
		answers = []any{v}
	default:
		return nil, fmt.Errorf("labels answer has no labels list")
	}

	var chosen []string
	for _, a := range answers {
		s, _ := a.(string)
		match := ""
		for _, label := range allowed {
			if strings.EqualFold(strings.TrimSpace(s), label) {
				match = label
				break
			}
		}
		if match == "" {
			return nil, fmt.Errorf("label %q is not one of %s", s, strings.Join(allowed, ", "))
		}
		if !slices.Contains(chosen, match) {
			chosen = append(chosen, match)
		}
	}
	return chosen, nil
}
