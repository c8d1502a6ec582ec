// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"errors"
	"strings"
)

var (
	// ErrMalformed is returned when the document cannot be decoded.
	ErrMalformed = errors.New("malformed schema")

	// ErrDuplicateID is returned when a task or column id repeats.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrInvalid is returned when surface validation fails.
	ErrInvalid = errors.New("invalid schema")
)

// ValidationError lists every surface problem found in a schema.
type ValidationError struct {
	Problems []string
}

// Error returns the problems joined with "; ".
func (e *ValidationError) Error() string {
	return "invalid schema: " + strings.Join(e.Problems, "; ")
}

// Unwrap returns ErrInvalid.
func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}
