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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wizenheimer/cyyrus/services/composer/tasks"
)

// Extraction property keys.
const (
	PropField  = "field"
	PropFields = "fields"
	PropInput  = "input"
)

// ErrNotStructured is returned when a path is applied to a scalar value.
var ErrNotStructured = errors.New("value is not an object or array")

// Extraction pulls fields out of structured upstream values by dot path,
// e.g. "customer.address.city" or "items.0.sku".
//
// With "field" the result is the value at that path. With "fields" the
// result is an object keyed by path. Missing paths yield null.
type Extraction struct{}

// NewExtraction creates an extraction executor.
func NewExtraction() *Extraction {
	return &Extraction{}
}

// Execute implements tasks.Executor.
func (x *Extraction) Execute(_ context.Context, cfg tasks.Config, in tasks.Inputs) ([]any, error) {
	if in.IsRoot() {
		return nil, tasks.Permanent(tasks.FailureInvalidInput, ErrRootUnsupported)
	}

	field := cfg.String(PropField, "")
	fields := cfg.Strings(PropFields)
	if field == "" && len(fields) == 0 {
		return nil, configError(fmt.Errorf("one of %s or %s is required", PropField, PropFields))
	}

	source := in.First()
	if name := cfg.String(PropInput, ""); name != "" {
		v, ok := in.Get(name)
		if !ok {
			return nil, configError(fmt.Errorf("%s %q is not an input of this task", PropInput, name))
		}
		source = v
	}
	if source == nil {
		return []any{nil}, nil
	}

	doc, err := structured(source)
	if err != nil {
		return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
	}

	if field != "" {
		v, err := lookup(doc, field)
		if err != nil {
			return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
		}
		return []any{v}, nil
	}

	out := make(map[string]any, len(fields))
	for _, path := range fields {
		v, err := lookup(doc, path)
		if err != nil {
			return nil, tasks.Permanent(tasks.FailureInvalidInput, err)
		}
		out[path] = v
	}
	return []any{out}, nil
}

// structured decodes JSON text; other values pass through.
func structured(v any) (any, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
			return nil, fmt.Errorf("%w: string input is not JSON", ErrNotStructured)
		}
		var doc any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("decoding input: %w", err)
		}
		return doc, nil
	case []byte:
		return structured(string(t))
	default:
		return v, nil
	}
}

// lookup walks a dot path. Numeric segments index arrays.
func lookup(doc any, path string) (any, error) {
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case nil:
			return nil, nil
		case map[string]any:
			cur = node[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, fmt.Errorf("path %q: segment %q does not index an array", path, seg)
			}
			if i < 0 || i >= len(node) {
				return nil, nil
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("path %q at %q: %w", path, seg, ErrNotStructured)
		}
	}
	return cur, nil
}
