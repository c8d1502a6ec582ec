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
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned for a task kind outside the closed set.
	ErrUnknownKind = errors.New("unknown task kind")

	// ErrNoExecutor is returned when a kind has no registered executor.
	ErrNoExecutor = errors.New("no executor registered for task kind")

	// ErrUnknownTask is returned when a task id is not in the registry.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when two tasks share an id.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidConfig is returned by executors for unusable task properties.
	ErrInvalidConfig = errors.New("invalid task configuration")
)

// Failure kinds carried by ExecutionError.
const (
	FailureTimeout       = "timeout"
	FailureInternal      = "internal"
	FailureRateLimited   = "rate_limited"
	FailureUnavailable   = "unavailable"
	FailureInvalidInput  = "invalid_input"
	FailureInvalidOutput = "invalid_output"
	FailureConfig        = "config"
)

// ExecutionError is a task failure with a retry classification.
type ExecutionError struct {
	// Kind classifies the failure, e.g. "timeout" or "rate_limited".
	Kind string

	// Retryable marks the failure as transient.
	Retryable bool

	// Column and Row locate the failed invocation. Row is -1 for roots.
	Column string
	Row    int

	Err error
}

// Error returns the error message.
func (e *ExecutionError) Error() string {
	loc := ""
	if e.Column != "" {
		if e.Row >= 0 {
			loc = fmt.Sprintf("column %q row %d: ", e.Column, e.Row)
		} else {
			loc = fmt.Sprintf("column %q: ", e.Column)
		}
	}
	return fmt.Sprintf("%stask failed (%s): %v", loc, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure of the given kind.
func Retryable(kind string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Retryable: true, Row: -1, Err: err}
}

// Permanent wraps err as a failure that retrying will not fix.
func Permanent(kind string, err error) *ExecutionError {
	return &ExecutionError{Kind: kind, Row: -1, Err: err}
}

// AsExecutionError normalizes any error returned by an executor.
//
// Description:
//
//	Deadline expiry becomes a retryable "timeout" failure. Other errors
//	that are not already *ExecutionError become permanent "internal"
//	failures. The returned value is a copy, safe to annotate.
func AsExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		cp := *ee
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable(FailureTimeout, err)
	}
	return Permanent(FailureInternal, err)
}
