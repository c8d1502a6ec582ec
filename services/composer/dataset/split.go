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
	"cmp"
	"math"
	"slices"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// splitSizes decides how many rows each split receives.
//
// Description:
//
//	Every split starts with floor(fraction * n). When the fractions sum to
//	one, leftover rows go one at a time to the splits with the largest
//	fractional remainder, ties broken by declaration order. Otherwise the
//	leftover belongs to the default split. When n covers every split with
//	a positive fraction, an empty such split takes one row from the
//	currently largest split.
//
// Outputs:
//
//	[]int - Row count per split, in declaration order.
//	int - Row count of the default split.
func splitSizes(n int, splits schema.Splits) ([]int, int) {
	sizes := make([]int, len(splits))
	if n <= 0 {
		return sizes, 0
	}

	assigned := 0
	remainders := make([]float64, len(splits))
	for i, sp := range splits {
		exact := sp.Fraction * float64(n)
		sizes[i] = int(math.Floor(exact + fractionEpsilon))
		remainders[i] = exact - float64(sizes[i])
		assigned += sizes[i]
	}

	leftover := n - assigned
	if math.Abs(splits.Total()-1) <= fractionEpsilon && leftover > 0 {
		byRemainder := make([]int, len(splits))
		for i := range byRemainder {
			byRemainder[i] = i
		}
		slices.SortStableFunc(byRemainder, func(a, b int) int {
			return cmp.Compare(remainders[b], remainders[a])
		})
		for i := 0; leftover > 0; i = (i + 1) % len(byRemainder) {
			sizes[byRemainder[i]]++
			leftover--
		}
	}

	positive := 0
	for _, sp := range splits {
		if sp.Fraction > 0 {
			positive++
		}
	}
	if n >= positive {
		for i, sp := range splits {
			if sp.Fraction <= 0 || sizes[i] > 0 {
				continue
			}
			donor := largest(sizes)
			switch {
			case donor >= 0 && sizes[donor] > 1:
				sizes[donor]--
			case leftover > 0:
				leftover--
			default:
				continue
			}
			sizes[i]++
		}
	}

	return sizes, leftover
}

// largest returns the index of the largest size, first one on ties, or -1.
func largest(sizes []int) int {
	best := -1
	for i, s := range sizes {
		if best < 0 || s > sizes[best] {
			best = i
		}
	}
	return best
}

// partition cuts rows into consecutive runs of the given sizes.
func partition(rows []Row, splits schema.Splits, sizes []int, rest int) []Partition {
	parts := make([]Partition, 0, len(splits)+1)
	offset := 0
	for i, sp := range splits {
		parts = append(parts, Partition{Name: sp.Name, Rows: rows[offset : offset+sizes[i] : offset+sizes[i]]})
		offset += sizes[i]
	}
	if rest > 0 {
		parts = append(parts, Partition{Name: DefaultSplit, Rows: rows[offset : offset+rest : offset+rest]})
	}
	return parts
}
