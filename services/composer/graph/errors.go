// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph construction.
var (
	// ErrReference is returned when a column names a missing column, task, or type.
	ErrReference = errors.New("unresolved reference")

	// ErrCycleDetected is returned when column inputs form a cycle.
	ErrCycleDetected = errors.New("cyclic dependency")

	// ErrTypeMismatch is returned when declared types cannot be satisfied.
	ErrTypeMismatch = errors.New("type consistency violation")

	// ErrDuplicateColumn is returned when two columns share an id.
	ErrDuplicateColumn = errors.New("duplicate column")

	// ErrEmptyGraph is returned when Build is called with no columns.
	ErrEmptyGraph = errors.New("graph has no columns")
)

// Reference kinds reported by ReferenceError.
const (
	RefColumn = "column"
	RefTask   = "task"
	RefType   = "type"
)

// ReferenceError names a missing id and the column that referenced it.
type ReferenceError struct {
	// Column is the referencing column.
	Column string

	// Kind is what was referenced: "column", "task", or "type".
	Kind string

	// Missing is the id that did not resolve.
	Missing string
}

// Error returns the error message.
func (e *ReferenceError) Error() string {
	return fmt.Sprintf("column %q references unknown %s %q", e.Column, e.Kind, e.Missing)
}

// Unwrap returns ErrReference.
func (e *ReferenceError) Unwrap() error {
	return ErrReference
}

// CycleError carries the cycle as an ordered list of column ids. The first
// and last entries are the same column.
type CycleError struct {
	Path []string
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Path, " -> ")
}

// Unwrap returns ErrCycleDetected.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// TypeError describes a declared type that the graph cannot satisfy.
type TypeError struct {
	Column   string
	Task     string
	Expected string
	Actual   string
	Reason   string
}

// Error returns the error message.
func (e *TypeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "column %q", e.Column)
	if e.Task != "" {
		fmt.Fprintf(&b, " (task %q)", e.Task)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Expected != "" || e.Actual != "" {
		fmt.Fprintf(&b, ": expected %s, got %s", orUntyped(e.Expected), orUntyped(e.Actual))
	}
	return b.String()
}

// Unwrap returns ErrTypeMismatch.
func (e *TypeError) Unwrap() error {
	return ErrTypeMismatch
}

func orUntyped(id string) string {
	if id == "" {
		return "untyped"
	}
	return id
}
