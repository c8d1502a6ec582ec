// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset turns a materialized column table into a filtered,
// shuffled, and split dataset.
//
// The Assembler applies the row policy in a fixed order: align, flatten,
// exclude, required, nulls, unique, shuffle, split. Assembly is pure: the
// same table and policy always produce the same dataset.
package dataset

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// Table is the read side of a materialized column table.
type Table interface {
	Columns() []string
	Values(column string) []any
}

// Assembler applies a Policy to column tables.
//
// Thread Safety:
//
//	Safe for concurrent use. Assemble does not modify the table.
type Assembler struct {
	policy   Policy
	metadata schema.Metadata
	logger   *slog.Logger
}

// NewAssembler creates an Assembler. A nil logger uses slog.Default().
func NewAssembler(policy Policy, metadata schema.Metadata, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		policy:   policy,
		metadata: metadata,
		logger:   logger.With(slog.String("component", "assembler")),
	}
}

// Assemble builds the dataset from a table.
//
// Inputs:
//
//	table - Completed columns. Columns named in the policy must be present.
//
// Outputs:
//
//	*Dataset - The split dataset.
//	error - An *AssemblyError naming the stage and column that failed.
func (a *Assembler) Assemble(table Table) (*Dataset, error) {
	if err := a.policy.Validate(); err != nil {
		return nil, err
	}

	f, err := a.align(table)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("columns aligned", slog.Int("fields", len(f.fields)), slog.Int("rows", len(f.rows)))

	expansions := make(map[string][]string)
	for _, col := range a.policy.Flatten {
		generated, err := f.flatten(col)
		if err != nil {
			return nil, err
		}
		if generated != nil {
			expansions[col] = generated
		}
	}

	if err := a.applyRequired(f, expansions); err != nil {
		return nil, err
	}

	switch a.policy.Nulls {
	case schema.NullsExclude:
		before := len(f.rows)
		f.filter(func(r Row) bool { return !slices.Contains(r, nil) })
		a.logger.Debug("rows with nulls dropped", slog.Int("dropped", before-len(f.rows)))
	}

	if err := a.applyUnique(f, expansions); err != nil {
		return nil, err
	}

	// Substituting after uniqueness keeps nulls distinct from each other.
	if a.policy.Nulls == schema.NullsSpecialToken {
		for _, r := range f.rows {
			for i, v := range r {
				if v == nil {
					r[i] = a.policy.NullToken
				}
			}
		}
	}

	if a.policy.Shuffle {
		rng := rand.New(rand.NewPCG(uint64(a.policy.Seed), uint64(len(f.rows))))
		rng.Shuffle(len(f.rows), func(i, j int) {
			f.rows[i], f.rows[j] = f.rows[j], f.rows[i]
		})
	}

	sizes, rest := splitSizes(len(f.rows), a.policy.Splits)
	ds := &Dataset{
		Metadata:   a.metadata,
		Policy:     a.policy,
		Fields:     f.fields,
		partitions: partition(f.rows, a.policy.Splits, sizes, rest),
	}

	attrs := []any{slog.Int("rows", ds.Len())}
	for _, p := range ds.partitions {
		name := p.Name
		if name == DefaultSplit {
			name = "default"
		}
		attrs = append(attrs, slog.Int(name, len(p.Rows)))
	}
	a.logger.Info("dataset assembled", attrs...)
	return ds, nil
}

// =============================================================================
// Stages
// =============================================================================

// align orders the included columns and turns them into rows.
func (a *Assembler) align(table Table) (*frame, error) {
	present := table.Columns()
	for _, col := range a.policy.Exclude {
		if !slices.Contains(present, col) {
			return nil, assemblyError(OpExclude, col, ErrUnknownColumn)
		}
	}
	for _, col := range a.policy.Flatten {
		if !slices.Contains(present, col) && !generatedName(present, col) {
			return nil, assemblyError(OpFlatten, col, ErrUnknownColumn)
		}
	}

	ordered := make([]string, 0, len(present))
	for _, col := range a.policy.Order {
		if slices.Contains(present, col) {
			ordered = append(ordered, col)
		}
	}
	for _, col := range present {
		if !slices.Contains(ordered, col) {
			ordered = append(ordered, col)
		}
	}

	fields := slices.DeleteFunc(ordered, func(col string) bool {
		return slices.Contains(a.policy.Exclude, col)
	})
	if len(fields) == 0 {
		return nil, assemblyError(OpAlign, "", ErrNoColumns)
	}

	n := len(table.Values(fields[0]))
	for _, col := range fields[1:] {
		if got := len(table.Values(col)); got != n {
			return nil, assemblyError(OpAlign, col, fmt.Errorf("%w: %d rows, %q has %d", ErrMisaligned, got, fields[0], n))
		}
	}

	f := &frame{fields: fields, rows: make([]Row, n)}
	for i := range f.rows {
		f.rows[i] = make(Row, len(fields))
	}
	for j, col := range fields {
		for i, v := range table.Values(col) {
			f.rows[i][j] = v
		}
	}
	return f, nil
}

// generatedName reports whether name could be a flattened field of one of
// the columns, e.g. "info_address" for column "info".
func generatedName(columns []string, name string) bool {
	for _, col := range columns {
		if len(name) > len(col)+1 && name[:len(col)+1] == col+"_" {
			return true
		}
	}
	return false
}

func (a *Assembler) applyRequired(f *frame, expansions map[string][]string) error {
	if len(a.policy.Required) == 0 {
		return nil
	}
	var idx []int
	for _, name := range a.policy.Required {
		cols, err := f.resolve(OpRequired, name, expansions)
		if err != nil {
			return err
		}
		idx = append(idx, cols...)
	}

	before := len(f.rows)
	f.filter(func(r Row) bool {
		for _, i := range idx {
			if r[i] == nil {
				return false
			}
		}
		return true
	})
	a.logger.Debug("rows missing required values dropped", slog.Int("dropped", before-len(f.rows)))
	return nil
}

// applyUnique keeps the first row for every value of each unique entry.
// Entries are applied one after another. A flattened object column is
// compared on all of its fields together.
func (a *Assembler) applyUnique(f *frame, expansions map[string][]string) error {
	for _, name := range a.policy.Unique {
		idx, err := f.resolve(OpUnique, name, expansions)
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		before := len(f.rows)
		f.filter(func(r Row) bool {
			key := make([]any, len(idx))
			null := true
			for k, i := range idx {
				key[k] = r[i]
				if r[i] != nil {
					null = false
				}
			}
			if null {
				return true
			}
			s := canonical(key)
			if seen[s] {
				return false
			}
			seen[s] = true
			return true
		})
		a.logger.Debug("duplicate rows dropped",
			slog.String("column", name),
			slog.Int("dropped", before-len(f.rows)),
		)
	}
	return nil
}

// canonical renders values for equality checks. encoding/json sorts map
// keys, so equal objects render identically.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}

// =============================================================================
// Frame
// =============================================================================

// frame is the working table during assembly.
type frame struct {
	fields []string
	rows   []Row
}

func (f *frame) index(name string) int {
	return slices.Index(f.fields, name)
}

// resolve maps a policy entry to field positions.
func (f *frame) resolve(op, name string, expansions map[string][]string) ([]int, error) {
	names := []string{name}
	if generated, ok := expansions[name]; ok {
		names = generated
	}
	idx := make([]int, 0, len(names))
	for _, n := range names {
		i := f.index(n)
		if i < 0 {
			return nil, assemblyError(op, name, ErrUnknownColumn)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

// filter keeps the rows for which keep returns true, preserving order.
func (f *frame) filter(keep func(Row) bool) {
	f.rows = slices.DeleteFunc(f.rows, func(r Row) bool { return !keep(r) })
}

type shape int

const (
	shapeNull shape = iota
	shapeObject
	shapeArray
	shapeScalar
)

func shapeOf(v any) shape {
	switch v.(type) {
	case nil:
		return shapeNull
	case map[string]any:
		return shapeObject
	case []any:
		return shapeArray
	default:
		return shapeScalar
	}
}

// flatten expands one column in place. Objects become "<column>_<key>"
// fields one level deep; arrays become one row per element. It returns the
// generated field names for object columns.
func (f *frame) flatten(column string) ([]string, error) {
	j := f.index(column)
	if j < 0 {
		return nil, assemblyError(OpFlatten, column, ErrUnknownColumn)
	}

	kind := shapeNull
	for _, r := range f.rows {
		s := shapeOf(r[j])
		if s == shapeNull {
			continue
		}
		if s == shapeScalar {
			return nil, assemblyError(OpFlatten, column, fmt.Errorf("%w: holds %T values", ErrFlattenShape, r[j]))
		}
		if kind != shapeNull && s != kind {
			return nil, assemblyError(OpFlatten, column, fmt.Errorf("%w: mixes objects and arrays", ErrFlattenShape))
		}
		kind = s
	}

	switch kind {
	case shapeObject:
		return f.flattenObject(column, j)
	case shapeArray:
		f.flattenArray(j)
	}
	return nil, nil
}

func (f *frame) flattenObject(column string, j int) ([]string, error) {
	var keys []string
	seen := make(map[string]bool)
	for _, r := range f.rows {
		obj, _ := r[j].(map[string]any)
		rowKeys := make([]string, 0, len(obj))
		for k := range obj {
			rowKeys = append(rowKeys, k)
		}
		sort.Strings(rowKeys)
		for _, k := range rowKeys {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}

	generated := make([]string, len(keys))
	for i, k := range keys {
		name := column + "_" + k
		if slices.Contains(f.fields, name) || slices.Contains(generated[:i], name) {
			return nil, assemblyError(OpFlatten, column, fmt.Errorf("%w: %q", ErrFieldCollision, name))
		}
		generated[i] = name
	}

	fields := make([]string, 0, len(f.fields)-1+len(generated))
	fields = append(fields, f.fields[:j]...)
	fields = append(fields, generated...)
	fields = append(fields, f.fields[j+1:]...)

	for i, r := range f.rows {
		obj, _ := r[j].(map[string]any)
		row := make(Row, 0, len(fields))
		row = append(row, r[:j]...)
		for _, k := range keys {
			row = append(row, obj[k])
		}
		row = append(row, r[j+1:]...)
		f.rows[i] = row
	}
	f.fields = fields
	return generated, nil
}

func (f *frame) flattenArray(j int) {
	rows := make([]Row, 0, len(f.rows))
	for _, r := range f.rows {
		items, ok := r[j].([]any)
		if !ok {
			rows = append(rows, r)
			continue
		}
		if len(items) == 0 {
			row := slices.Clone(r)
			row[j] = nil
			rows = append(rows, row)
			continue
		}
		for _, item := range items {
			row := slices.Clone(r)
			row[j] = item
			rows = append(rows, row)
		}
	}
	f.rows = rows
}
