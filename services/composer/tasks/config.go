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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Config is a read-only view over task_properties.
//
// Getters never fail: a missing or mistyped key yields the supplied
// default. Use Require for keys without a sensible default.
type Config struct {
	props map[string]any
}

// NewConfig wraps props. The map is copied shallowly.
func NewConfig(props map[string]any) Config {
	cp := make(map[string]any, len(props))
	for k, v := range props {
		cp[k] = v
	}
	return Config{props: cp}
}

// Has reports whether key is set to a non-nil value.
func (c Config) Has(key string) bool {
	v, ok := c.props[key]
	return ok && v != nil
}

// Get returns the raw value for key.
func (c Config) Get(key string) (any, bool) {
	v, ok := c.props[key]
	return v, ok
}

// Require returns an ErrInvalidConfig error when key is missing.
func (c Config) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if !c.Has(k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// String returns key as a string.
func (c Config) String(key, def string) string {
	switch v := c.props[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// Int returns key as an int. Integral floats and numeric strings are accepted.
func (c Config) Int(key string, def int) int {
	switch v := c.props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		if v == math.Trunc(v) {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

// Float returns key as a float64.
func (c Config) Float(key string, def float64) float64 {
	switch v := c.props[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns key as a bool. "true"/"false" strings are accepted.
func (c Config) Bool(key string, def bool) bool {
	switch v := c.props[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

// Duration returns key as a duration. Strings use time.ParseDuration,
// numbers are seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c.props[key].(type) {
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}

// Strings returns key as a string list. A single string becomes a
// one-element list.
func (c Config) Strings(key string) []string {
	switch v := c.props[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Map returns key as a nested mapping.
func (c Config) Map(key string) map[string]any {
	if m, ok := c.props[key].(map[string]any); ok {
		return m
	}
	return nil
}

// Keys returns the configured keys.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.props))
	for k := range c.props {
		keys = append(keys, k)
	}
	return keys
}
