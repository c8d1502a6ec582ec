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
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

type mapTable struct {
	order  []string
	values map[string][]any
}

func newMapTable() *mapTable {
	return &mapTable{values: make(map[string][]any)}
}

func (m *mapTable) with(column string, values ...any) *mapTable {
	m.order = append(m.order, column)
	m.values[column] = values
	return m
}

func (m *mapTable) Columns() []string       { return m.order }
func (m *mapTable) Values(col string) []any { return m.values[col] }

func unsplit() Policy {
	return Policy{Nulls: schema.NullsInclude}
}

func assemble(t *testing.T, p Policy, table Table) *Dataset {
	t.Helper()
	ds, err := NewAssembler(p, schema.Metadata{Name: "test"}, nil).Assemble(table)
	require.NoError(t, err)
	return ds
}

func column(ds *Dataset, split, field string) []any {
	idx := -1
	for i, f := range ds.Fields {
		if f == field {
			idx = i
		}
	}
	var out []any
	for _, r := range ds.Split(split) {
		out = append(out, r[idx])
	}
	return out
}

func TestAssemble_UniqueKeepsFirstOccurrence(t *testing.T) {
	table := newMapTable().
		with("invoice_id", "INV-1", "INV-2", "INV-1", nil, nil).
		with("total", 10, 20, 30, 40, 50)

	p := unsplit()
	p.Unique = []string{"invoice_id"}
	ds := assemble(t, p, table)

	assert.Equal(t, []string{"invoice_id", "total"}, ds.Fields)
	assert.Equal(t, []any{"INV-1", "INV-2", nil, nil}, column(ds, DefaultSplit, "invoice_id"))
	assert.Equal(t, []any{10, 20, 40, 50}, column(ds, DefaultSplit, "total"))
}

func TestAssemble_UniqueComparesStructuredValues(t *testing.T) {
	table := newMapTable().
		with("info",
			map[string]any{"a": 1, "b": "x"},
			map[string]any{"b": "x", "a": float64(1)},
			map[string]any{"a": 2},
		)

	p := unsplit()
	p.Unique = []string{"info"}
	ds := assemble(t, p, table)
	assert.Equal(t, 2, ds.Len())
}

func TestAssemble_SeededSplitIsReproducible(t *testing.T) {
	table := newMapTable()
	ids := make([]any, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("row-%d", i)
	}
	table.with("id", ids...)

	p := Policy{
		Nulls:   schema.NullsInclude,
		Shuffle: true,
		Seed:    42,
		Splits:  schema.Splits{{Name: "train", Fraction: 0.8}, {Name: "test", Fraction: 0.2}},
	}

	first := assemble(t, p, table)
	second := assemble(t, p, table)

	assert.Len(t, first.Split("train"), 8)
	assert.Len(t, first.Split("test"), 2)
	assert.Nil(t, first.Split(DefaultSplit))
	assert.Equal(t, []string{"train", "test"}, first.SplitNames())

	a, err := json.Marshal(first.Partitions())
	require.NoError(t, err)
	b, err := json.Marshal(second.Partitions())
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	seen := make(map[any]bool)
	for _, name := range first.SplitNames() {
		for _, r := range first.Split(name) {
			seen[r[0]] = true
		}
	}
	assert.Len(t, seen, 10, "every row lands in exactly one split")
}

func TestAssemble_DoesNotModifyTable(t *testing.T) {
	table := newMapTable().with("a", nil, "x", nil)

	p := unsplit()
	p.Nulls = schema.NullsSpecialToken
	p.NullToken = "<NULL>"
	ds := assemble(t, p, table)

	assert.Equal(t, []any{"<NULL>", "x", "<NULL>"}, column(ds, DefaultSplit, "a"))
	assert.Equal(t, []any{nil, "x", nil}, table.Values("a"))
}

func TestAssemble_NullPolicies(t *testing.T) {
	build := func() *mapTable {
		return newMapTable().
			with("a", "x", nil, "z").
			with("b", 1, 2, nil)
	}

	t.Run("include", func(t *testing.T) {
		ds := assemble(t, unsplit(), build())
		assert.Equal(t, 3, ds.Len())
	})

	t.Run("exclude", func(t *testing.T) {
		p := unsplit()
		p.Nulls = schema.NullsExclude
		ds := assemble(t, p, build())
		assert.Equal(t, []any{"x"}, column(ds, DefaultSplit, "a"))
	})

	t.Run("special token keeps nulls distinct", func(t *testing.T) {
		p := unsplit()
		p.Nulls = schema.NullsSpecialToken
		p.NullToken = "N/A"
		p.Unique = []string{"a"}
		table := newMapTable().with("a", nil, nil, "x")
		ds := assemble(t, p, table)
		assert.Equal(t, []any{"N/A", "N/A", "x"}, column(ds, DefaultSplit, "a"))
	})

	t.Run("required", func(t *testing.T) {
		p := unsplit()
		p.Required = []string{"a"}
		ds := assemble(t, p, build())
		assert.Equal(t, []any{"x", "z"}, column(ds, DefaultSplit, "a"))
		assert.Equal(t, []any{1, nil}, column(ds, DefaultSplit, "b"))
	})
}

func TestAssemble_FlattenObjects(t *testing.T) {
	table := newMapTable().
		with("id", 1, 2, 3).
		with("info",
			map[string]any{"name": "Ada", "age": 36},
			map[string]any{"name": "Alan", "city": "London"},
			nil,
		)

	p := unsplit()
	p.Flatten = []string{"info"}
	p.Required = []string{"info"}
	ds := assemble(t, p, table)

	assert.Equal(t, []string{"id", "info_age", "info_name", "info_city"}, ds.Fields)
	assert.Equal(t, 0, ds.Len(), "required expands to every generated field")

	p.Required = []string{"info_name"}
	ds = assemble(t, p, table)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, map[string]any{"id": 2, "info_age": nil, "info_name": "Alan", "info_city": "London"},
		ds.Record(ds.Split(DefaultSplit)[1]))
}

func TestAssemble_FlattenArrays(t *testing.T) {
	table := newMapTable().
		with("doc", "a", "b", "c").
		with("tags", []any{"x", "y"}, []any{}, nil)

	p := unsplit()
	p.Flatten = []string{"tags"}
	ds := assemble(t, p, table)

	assert.Equal(t, []any{"a", "a", "b", "c"}, column(ds, DefaultSplit, "doc"))
	assert.Equal(t, []any{"x", "y", nil, nil}, column(ds, DefaultSplit, "tags"))
}

func TestAssemble_FlattenArrayOfObjects(t *testing.T) {
	table := newMapTable().
		with("items", []any{
			map[string]any{"sku": "A1", "qty": 1},
			map[string]any{"sku": "B2", "qty": 4},
		})

	p := unsplit()
	p.Flatten = []string{"items", "items"}
	ds := assemble(t, p, table)

	assert.Equal(t, []string{"items_qty", "items_sku"}, ds.Fields)
	assert.Equal(t, []any{"A1", "B2"}, column(ds, DefaultSplit, "items_sku"))
}

func TestAssemble_FieldOrder(t *testing.T) {
	table := newMapTable().with("b", 1).with("extra", 2).with("a", 3)

	p := unsplit()
	p.Order = []string{"a", "b", "missing"}
	ds := assemble(t, p, table)
	assert.Equal(t, []string{"a", "b", "extra"}, ds.Fields)

	p.Exclude = []string{"extra"}
	ds = assemble(t, p, table)
	assert.Equal(t, []string{"a", "b"}, ds.Fields)
}

func TestAssemble_Errors(t *testing.T) {
	tests := []struct {
		name    string
		table   *mapTable
		mutate  func(*Policy)
		op      string
		column  string
		wantErr error
	}{
		{
			name:    "misaligned",
			table:   newMapTable().with("a", 1, 2).with("b", 1, 2, 3),
			op:      OpAlign,
			column:  "b",
			wantErr: ErrMisaligned,
		},
		{
			name:  "misaligned excluded column is ignored",
			table: newMapTable().with("a", 1, 2).with("b", 1, 2, 3),
			mutate: func(p *Policy) {
				p.Exclude = []string{"b"}
			},
		},
		{
			name:    "unknown flatten target",
			table:   newMapTable().with("a", 1),
			mutate:  func(p *Policy) { p.Flatten = []string{"nope"} },
			op:      OpFlatten,
			column:  "nope",
			wantErr: ErrUnknownColumn,
		},
		{
			name:    "unknown excluded column",
			table:   newMapTable().with("a", 1),
			mutate:  func(p *Policy) { p.Exclude = []string{"nope"} },
			op:      OpExclude,
			wantErr: ErrUnknownColumn,
		},
		{
			name:    "unknown required field",
			table:   newMapTable().with("a", 1),
			mutate:  func(p *Policy) { p.Required = []string{"b"} },
			op:      OpRequired,
			column:  "b",
			wantErr: ErrUnknownColumn,
		},
		{
			name:    "excluded and required",
			table:   newMapTable().with("a", 1).with("b", 2),
			mutate:  func(p *Policy) { p.Exclude = []string{"a"}; p.Required = []string{"a"} },
			op:      OpPolicy,
			column:  "a",
			wantErr: ErrPolicyConflict,
		},
		{
			name:    "mixed shapes",
			table:   newMapTable().with("a", map[string]any{"k": 1}, []any{1}),
			mutate:  func(p *Policy) { p.Flatten = []string{"a"} },
			op:      OpFlatten,
			wantErr: ErrFlattenShape,
		},
		{
			name:    "scalar flatten",
			table:   newMapTable().with("a", "plain"),
			mutate:  func(p *Policy) { p.Flatten = []string{"a"} },
			op:      OpFlatten,
			wantErr: ErrFlattenShape,
		},
		{
			name:    "generated field collides",
			table:   newMapTable().with("a", map[string]any{"b": 1}).with("a_b", 2),
			mutate:  func(p *Policy) { p.Flatten = []string{"a"} },
			op:      OpFlatten,
			wantErr: ErrFieldCollision,
		},
		{
			name:    "all columns excluded",
			table:   newMapTable().with("a", 1),
			mutate:  func(p *Policy) { p.Exclude = []string{"a"} },
			op:      OpAlign,
			wantErr: ErrNoColumns,
		},
		{
			name:  "fractions above one",
			table: newMapTable().with("a", 1),
			mutate: func(p *Policy) {
				p.Splits = schema.Splits{{Name: "x", Fraction: 0.7}, {Name: "y", Fraction: 0.7}}
			},
			op:      OpPolicy,
			wantErr: ErrInvalidPolicy,
		},
		{
			name:    "special token without token",
			table:   newMapTable().with("a", 1),
			mutate:  func(p *Policy) { p.Nulls = schema.NullsSpecialToken },
			op:      OpPolicy,
			wantErr: ErrInvalidPolicy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := unsplit()
			if tt.mutate != nil {
				tt.mutate(&p)
			}
			_, err := NewAssembler(p, schema.Metadata{}, nil).Assemble(tt.table)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var ae *AssemblyError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.op, ae.Op)
			if tt.column != "" {
				assert.Equal(t, tt.column, ae.Column)
			}
		})
	}
}

func TestSplitSizes(t *testing.T) {
	tests := []struct {
		name     string
		n        int
		splits   schema.Splits
		want     []int
		wantRest int
	}{
		{"even", 10, schema.Splits{{Name: "train", Fraction: 0.8}, {Name: "test", Fraction: 0.2}}, []int{8, 2}, 0},
		{"largest remainder", 5, schema.Splits{{Name: "a", Fraction: 0.5}, {Name: "b", Fraction: 0.5}}, []int{3, 2}, 0},
		{"minimum one row each", 3, schema.Splits{{Name: "a", Fraction: 0.98}, {Name: "b", Fraction: 0.01}, {Name: "c", Fraction: 0.01}}, []int{1, 1, 1}, 0},
		{"too few rows for minimum", 1, schema.Splits{{Name: "a", Fraction: 0.8}, {Name: "b", Fraction: 0.2}}, []int{1, 0}, 0},
		{"partial fractions leave default", 7, schema.Splits{{Name: "a", Fraction: 0.5}, {Name: "b", Fraction: 0.3}}, []int{3, 2}, 2},
		{"minimum taken from default", 2, schema.Splits{{Name: "a", Fraction: 0.9}, {Name: "b", Fraction: 0.05}}, []int{1, 1}, 0},
		{"zero fraction stays empty", 4, schema.Splits{{Name: "a", Fraction: 1}, {Name: "b", Fraction: 0}}, []int{4, 0}, 0},
		{"no splits", 4, nil, []int{}, 4},
		{"no rows", 0, schema.Splits{{Name: "a", Fraction: 1}}, []int{0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, rest := splitSizes(tt.n, tt.splits)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantRest, rest)
		})
	}
}

func TestPolicyFromSpec(t *testing.T) {
	spec, err := schema.Parse([]byte(`
spec: v0
dataset:
  shuffle: {seed: 9}
  attributes:
    unique_columns: [a]
    nulls: special_token
tasks: {gen: {task_type: generation}}
columns:
  b: {task_id: gen}
  a: {task_id: gen}
`))
	require.NoError(t, err)

	p := PolicyFromSpec(spec)
	assert.Equal(t, []string{"b", "a"}, p.Order)
	assert.Equal(t, []string{"a"}, p.Unique)
	assert.Equal(t, schema.NullsSpecialToken, p.Nulls)
	assert.Equal(t, schema.DefaultNullToken, p.NullToken)
	assert.True(t, p.Shuffle)
	assert.Equal(t, int64(9), p.Seed)
	assert.NoError(t, p.Validate())
}
