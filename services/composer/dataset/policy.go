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
	"fmt"
	"math"
	"slices"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// fractionEpsilon absorbs float error when fractions are summed.
const fractionEpsilon = 1e-9

// Policy is the row policy applied by the Assembler.
//
// Description:
//
//	Order fixes the field order of the assembled dataset. Columns missing
//	from Order keep the order the table reports them in, after the ordered
//	ones. Required and Unique may name flattened fields (e.g. "info_name")
//	or a flattened object column, which expands to all of its fields.
type Policy struct {
	Order     []string      `json:"-"`
	Required  []string      `json:"required_columns,omitempty"`
	Unique    []string      `json:"unique_columns,omitempty"`
	Flatten   []string      `json:"flatten_columns,omitempty"`
	Exclude   []string      `json:"exclude_columns,omitempty"`
	Nulls     string        `json:"nulls"`
	NullToken string        `json:"null_token,omitempty"`
	Shuffle   bool          `json:"shuffle"`
	Seed      int64         `json:"seed"`
	Splits    schema.Splits `json:"splits"`
}

// PolicyFromSpec derives the assembly policy from a parsed schema.
func PolicyFromSpec(spec *schema.Spec) Policy {
	ds := spec.Dataset
	return Policy{
		Order:     spec.Columns.IDs(),
		Required:  slices.Clone(ds.Attributes.RequiredColumns),
		Unique:    slices.Clone(ds.Attributes.UniqueColumns),
		Flatten:   slices.Clone(ds.Attributes.FlattenColumns),
		Exclude:   slices.Clone(ds.Attributes.ExcludeColumns),
		Nulls:     ds.Attributes.Nulls,
		NullToken: ds.Attributes.NullToken,
		Shuffle:   !ds.Shuffle.Disabled,
		Seed:      ds.Shuffle.Seed,
		Splits:    slices.Clone(ds.Splits),
	}
}

// Validate checks the policy on its own, without a table.
//
// Outputs:
//
//	error - An *AssemblyError with Op "policy" wrapping ErrInvalidPolicy or
//	        ErrPolicyConflict; nil if the policy is usable.
func (p Policy) Validate() error {
	switch p.Nulls {
	case "", schema.NullsInclude, schema.NullsExclude:
	case schema.NullsSpecialToken:
		if p.NullToken == "" {
			return assemblyError(OpPolicy, "", fmt.Errorf("%w: special_token nulls need a null_token", ErrInvalidPolicy))
		}
	default:
		return assemblyError(OpPolicy, "", fmt.Errorf("%w: unknown null mode %q", ErrInvalidPolicy, p.Nulls))
	}

	seen := make(map[string]bool, len(p.Splits))
	for _, sp := range p.Splits {
		if sp.Name == "" {
			return assemblyError(OpPolicy, "", fmt.Errorf("%w: split without a name", ErrInvalidPolicy))
		}
		if seen[sp.Name] {
			return assemblyError(OpPolicy, "", fmt.Errorf("%w: split %q declared twice", ErrInvalidPolicy, sp.Name))
		}
		seen[sp.Name] = true
		if math.IsNaN(sp.Fraction) || sp.Fraction < 0 || sp.Fraction > 1 {
			return assemblyError(OpPolicy, "", fmt.Errorf("%w: split %q fraction %v outside [0, 1]", ErrInvalidPolicy, sp.Name, sp.Fraction))
		}
	}
	if total := p.Splits.Total(); total > 1+fractionEpsilon {
		return assemblyError(OpPolicy, "", fmt.Errorf("%w: split fractions sum to %.4g", ErrInvalidPolicy, total))
	}

	uses := []struct {
		op   string
		list []string
	}{
		{OpRequired, p.Required},
		{OpUnique, p.Unique},
		{OpFlatten, p.Flatten},
	}
	for _, col := range p.Exclude {
		for _, use := range uses {
			if slices.Contains(use.list, col) {
				return assemblyError(OpPolicy, col, fmt.Errorf("%w: excluded column is also listed under %s", ErrPolicyConflict, use.op))
			}
		}
	}
	return nil
}
