// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the types package.
var (
	// ErrUnknownType is returned when a type id resolves to nothing.
	ErrUnknownType = errors.New("unknown type")

	// ErrInvalidDeclaration is returned for malformed type declarations.
	ErrInvalidDeclaration = errors.New("invalid type declaration")

	// ErrRecursiveType is returned when a declaration refers back to itself.
	ErrRecursiveType = errors.New("recursive type declaration")

	// ErrMaxDepth is returned when nesting exceeds MaxDepth.
	ErrMaxDepth = errors.New("type nesting exceeds maximum depth")

	// ErrNonConforming is returned when a value does not match its type.
	ErrNonConforming = errors.New("value does not conform to type")
)

// DeclarationError wraps an error with the type id whose declaration failed.
type DeclarationError struct {
	TypeID string
	Err    error
}

// Error returns the error message.
func (e *DeclarationError) Error() string {
	return fmt.Sprintf("type %q: %v", e.TypeID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// ConformanceError describes where in a value conformance failed.
type ConformanceError struct {
	// Path locates the offending value, e.g. "$.address.zip" or "$[2]".
	Path string

	// Expected is the kind the type required at Path.
	Expected Kind

	// Reason is a short description of the mismatch.
	Reason string
}

// Error returns the error message.
func (e *ConformanceError) Error() string {
	return fmt.Sprintf("%s: expected %s: %s", e.Path, e.Expected, e.Reason)
}

// Unwrap returns ErrNonConforming.
func (e *ConformanceError) Unwrap() error {
	return ErrNonConforming
}
