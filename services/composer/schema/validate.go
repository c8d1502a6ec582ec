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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

// fractionEpsilon absorbs float rounding when fractions are summed.
const fractionEpsilon = 1e-9

var (
	specValidate *validator.Validate

	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*$`)
)

func init() {
	specValidate = validator.New()
	_ = specValidate.RegisterValidation("identifier", validateIdentifier)
}

// validateIdentifier accepts ids usable as column names and prompt
// placeholders.
func validateIdentifier(fl validator.FieldLevel) bool {
	return identifierPattern.MatchString(fl.Field().String())
}

// Validate runs surface checks that need no registry: required fields,
// known task kinds, id syntax, null policy, split fractions, and duplicate
// split names.
//
// Description:
//
//	Graph-level checks (references, cycles, types) belong to the graph
//	builder. Validate reports every problem it finds at once.
//
// Outputs:
//
//	error - *ValidationError (wrapping ErrInvalid) or nil.
func (s *Spec) Validate() error {
	var problems []string

	if err := specValidate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validating schema: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	names := make(map[string]bool, len(s.Dataset.Splits))
	for _, sp := range s.Dataset.Splits {
		if names[sp.Name] {
			problems = append(problems, fmt.Sprintf("split %q declared twice", sp.Name))
		}
		names[sp.Name] = true
	}
	if total := s.Dataset.Splits.Total(); total > 1+fractionEpsilon {
		problems = append(problems, fmt.Sprintf("split fractions sum to %.4g, must be at most 1", total))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s is %q, must be one of [%s]", field, fe.Value(), fe.Param())
	case "eq":
		return fmt.Sprintf("%s is %q, must be %s", field, fe.Value(), fe.Param())
	case "identifier":
		return fmt.Sprintf("%s %q is not a valid identifier", field, fe.Value())
	case "gte", "lte":
		return fmt.Sprintf("%s is %v, must be between 0 and 1", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// Fingerprint returns a stable hex sha256 over tasks, columns, and types.
//
// Two schemas with the same fingerprint produce interchangeable column
// tables, which is what checkpoint resumption relies on. Dataset attributes
// are excluded: they only affect assembly.
func (s *Spec) Fingerprint() (string, error) {
	payload := struct {
		Tasks   Tasks   `json:"tasks"`
		Columns Columns `json:"columns"`
		Types   any     `json:"types,omitempty"`
	}{s.Tasks, s.Columns, s.Types}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprinting schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
