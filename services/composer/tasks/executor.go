// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasks

import (
	"context"
	"fmt"
	"strings"
)

// Kind is the closed set of task kinds.
type Kind string

const (
	KindGeneration Kind = "generation"
	KindParsing    Kind = "parsing"
	KindExtraction Kind = "extraction"
	KindScraping   Kind = "scraping"
	KindLabelling  Kind = "labelling"
)

// Kinds returns every kind in a fixed order.
func Kinds() []Kind {
	return []Kind{KindGeneration, KindParsing, KindExtraction, KindScraping, KindLabelling}
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// =============================================================================
// Executor contract
// =============================================================================

// Executor runs one task kind.
//
// Description:
//
//	Execute receives the task configuration and the input tuple for one
//	row. Roots receive an empty Inputs and may return many values (fan-out);
//	per-row invocations return zero, one, or many values which the engine
//	keeps together at that row.
//
//	Failures should be *ExecutionError so the engine can decide whether to
//	retry. Execute must be safe to call again with the same arguments.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use; the engine calls
//	Execute from many goroutines.
type Executor interface {
	Execute(ctx context.Context, cfg Config, in Inputs) ([]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, cfg Config, in Inputs) ([]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, cfg Config, in Inputs) ([]any, error) {
	return f(ctx, cfg, in)
}

// RetryClassifier is implemented by executors that declare which failure
// kinds are transient regardless of the Retryable flag on the error.
type RetryClassifier interface {
	RetryableKinds() []string
}

// Input is one value of an input tuple.
type Input struct {
	// Column is the upstream column id.
	Column string

	// Name is the alias the task sees, usually the column id.
	Name string

	// Value is the upstream value at this row. May be nil.
	Value any
}

// Inputs is the ordered input tuple of one invocation.
type Inputs []Input

// IsRoot reports whether the invocation has no inputs.
func (in Inputs) IsRoot() bool {
	return len(in) == 0
}

// Get returns the value exposed under name (alias or column id).
func (in Inputs) Get(name string) (any, bool) {
	for _, i := range in {
		if i.Name == name || i.Column == name {
			return i.Value, true
		}
	}
	return nil, false
}

// Values returns the tuple values in order.
func (in Inputs) Values() []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v.Value
	}
	return out
}

// Map returns the tuple keyed by name.
func (in Inputs) Map() map[string]any {
	out := make(map[string]any, len(in))
	for _, v := range in {
		out[v.Name] = v.Value
	}
	return out
}

// First returns the first value, or nil for a root invocation.
func (in Inputs) First() any {
	if len(in) == 0 {
		return nil
	}
	return in[0].Value
}
