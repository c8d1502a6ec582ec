// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the engine.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned for invalid constructor or method arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrFanInAlignment is returned when a column's inputs disagree on row count.
	ErrFanInAlignment = errors.New("fan-in alignment violation")

	// ErrEmptyRoot is returned when a root column produces no values.
	ErrEmptyRoot = errors.New("root column produced no values")

	// ErrNoRows is returned when every row of a column was skipped.
	ErrNoRows = errors.New("column produced no rows")

	// ErrColumnCanceled marks a column stopped because another column failed.
	ErrColumnCanceled = errors.New("column canceled")

	// ErrRunFailed wraps the first column failure of a run.
	ErrRunFailed = errors.New("run failed")

	// ErrCheckpointCorrupt is returned when a checkpoint checksum does not match.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrCheckpointVersionMismatch is returned for checkpoints in another format version.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrCheckpointMismatch is returned when a checkpoint belongs to another plan.
	ErrCheckpointMismatch = errors.New("checkpoint does not match plan")
)

// FanInError reports the row counts of the inputs of a misaligned column.
type FanInError struct {
	Column string
	Inputs []string
	Counts []int
}

// Error returns the error message.
func (e *FanInError) Error() string {
	parts := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		parts[i] = fmt.Sprintf("%s=%d", in, e.Counts[i])
	}
	return fmt.Sprintf("column %q: inputs have different row counts (%s)", e.Column, strings.Join(parts, ", "))
}

// Unwrap returns ErrFanInAlignment.
func (e *FanInError) Unwrap() error {
	return ErrFanInAlignment
}

// ColumnError wraps an error with the column that failed.
type ColumnError struct {
	Column string
	Err    error
}

// Error returns the error message.
func (e *ColumnError) Error() string {
	prefix := fmt.Sprintf("column %q", e.Column)
	if msg := e.Err.Error(); strings.HasPrefix(msg, prefix) {
		return msg
	}
	return prefix + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ColumnError) Unwrap() error {
	return e.Err
}
