// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"errors"
	"fmt"
)

// Sentinel errors for dataset assembly.
var (
	// ErrInvalidPolicy is returned when the row policy is inconsistent on its own.
	ErrInvalidPolicy = errors.New("invalid dataset policy")

	// ErrPolicyConflict is returned when a column is both excluded and used by
	// another policy.
	ErrPolicyConflict = errors.New("conflicting dataset policy")

	// ErrUnknownColumn is returned when a policy names a column or field that
	// does not exist.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrMisaligned is returned when included columns have different row counts.
	ErrMisaligned = errors.New("columns are not aligned")

	// ErrFlattenShape is returned when a flattened column mixes objects,
	// arrays, and scalars, or holds scalars only.
	ErrFlattenShape = errors.New("column cannot be flattened")

	// ErrFieldCollision is returned when a flattened field name already exists.
	ErrFieldCollision = errors.New("field name collision")

	// ErrNoColumns is returned when every column is excluded or the table is empty.
	ErrNoColumns = errors.New("no columns to assemble")
)

// Assembly stages reported in AssemblyError.Op.
const (
	OpPolicy   = "policy"
	OpAlign    = "align"
	OpFlatten  = "flatten"
	OpExclude  = "exclude"
	OpRequired = "required"
	OpUnique   = "unique"
	OpSplit    = "split"
)

// AssemblyError reports which stage rejected the table and for which column.
type AssemblyError struct {
	Op     string
	Column string
	Err    error
}

// Error returns the error message.
func (e *AssemblyError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("assembly %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("assembly %s: column %q: %v", e.Op, e.Column, e.Err)
}

// Unwrap returns the underlying error.
func (e *AssemblyError) Unwrap() error {
	return e.Err
}

func assemblyError(op, column string, err error) *AssemblyError {
	return &AssemblyError{Op: op, Column: column, Err: err}
}
