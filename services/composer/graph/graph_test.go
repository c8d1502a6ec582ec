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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wizenheimer/cyyrus/services/composer/schema"
	"github.com/wizenheimer/cyyrus/services/composer/types"
	"gopkg.in/yaml.v3"
)

func col(id, task string, inputs ...string) schema.Column {
	c := schema.Column{ID: id, TaskID: task}
	for _, in := range inputs {
		c.Inputs = append(c.Inputs, schema.Input{Column: in})
	}
	return c
}

var genericTasks = schema.Tasks{
	{ID: "parse", Kind: "parsing"},
	{ID: "gen", Kind: "generation"},
}

func registry(t *testing.T, doc string) *types.Registry {
	t.Helper()
	var decls map[string]*types.Declaration
	require.NoError(t, yaml.Unmarshal([]byte(doc), &decls))
	reg, err := types.NewRegistry(decls)
	require.NoError(t, err)
	return reg
}

func TestBuild_Levels(t *testing.T) {
	plan, err := NewBuilder("invoices", genericTasks, nil).
		AddColumns(
			col("summary", "gen", "customer", "items"),
			col("parsed", "parse"),
			col("customer", "gen", "parsed"),
			col("items", "gen", "parsed"),
			col("topics", "gen"),
		).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "invoices", plan.Name())
	assert.Equal(t, 5, plan.Len())
	assert.Equal(t, [][]string{
		{"parsed", "topics"},
		{"customer", "items"},
		{"summary"},
	}, plan.Levels())
	assert.Equal(t, []string{"parsed", "topics", "customer", "items", "summary"}, plan.Order())
	assert.Equal(t, []string{"parsed", "topics"}, plan.Roots())
	assert.Equal(t, 2, plan.Level("summary"))
	assert.Equal(t, -1, plan.Level("missing"))
	assert.Equal(t, []string{"customer", "items"}, plan.Dependents("parsed"))
	assert.Equal(t, []string{"summary", "customer", "items"}, plan.Descendants("parsed"))
	assert.Empty(t, plan.Descendants("summary"))

	c, ok := plan.Column("customer")
	require.True(t, ok)
	assert.Equal(t, "gen", c.TaskID)
}

func TestBuild_OrderIsTopological(t *testing.T) {
	cols := []schema.Column{
		col("e", "gen", "d", "b"),
		col("d", "gen", "c"),
		col("c", "gen", "a", "b"),
		col("b", "gen", "a"),
		col("a", "parse"),
	}
	plan, err := NewBuilder("topo", genericTasks, nil).AddColumns(cols...).Build()
	require.NoError(t, err)

	position := make(map[string]int)
	for i, id := range plan.Order() {
		position[id] = i
	}
	for _, c := range cols {
		for _, in := range c.Inputs {
			assert.Less(t, position[in.Column], position[c.ID], "%s must precede %s", in.Column, c.ID)
			assert.Less(t, plan.Level(in.Column), plan.Level(c.ID))
		}
	}
}

func TestBuild_Cycles(t *testing.T) {
	tests := []struct {
		name string
		cols []schema.Column
		path []string
	}{
		{
			name: "self reference",
			cols: []schema.Column{col("a", "gen", "a")},
			path: []string{"a", "a"},
		},
		{
			name: "two columns",
			cols: []schema.Column{col("a", "gen", "b"), col("b", "gen", "a")},
			path: []string{"a", "b", "a"},
		},
		{
			name: "cycle behind a root",
			cols: []schema.Column{
				col("root", "parse"),
				col("x", "gen", "root", "z"),
				col("y", "gen", "x"),
				col("z", "gen", "y"),
			},
			path: []string{"x", "z", "y", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder("cyclic", genericTasks, nil).AddColumns(tt.cols...).Build()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCycleDetected)

			var ce *CycleError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.path, ce.Path)
		})
	}
}

func TestBuild_References(t *testing.T) {
	tests := []struct {
		name    string
		cols    []schema.Column
		kind    string
		missing string
	}{
		{"unknown task", []schema.Column{col("a", "nope")}, RefTask, "nope"},
		{"unknown input", []schema.Column{col("a", "parse"), col("b", "gen", "ghost")}, RefColumn, "ghost"},
		{"unknown column type", []schema.Column{{ID: "a", TaskID: "parse", Type: "invoice"}}, RefType, "invoice"},
		{"task checked before inputs", []schema.Column{col("a", "gen", "ghost"), col("b", "nope")}, RefTask, "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuilder("refs", genericTasks, nil).AddColumns(tt.cols...).Build()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrReference)

			var re *ReferenceError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, tt.missing, re.Missing)
		})
	}
}

func TestBuild_ReferenceCheckedBeforeCycle(t *testing.T) {
	_, err := NewBuilder("x", genericTasks, nil).
		AddColumns(col("a", "gen", "b"), col("b", "gen", "a", "ghost")).
		Build()
	assert.ErrorIs(t, err, ErrReference)
}

func TestBuild_DuplicateAndEmpty(t *testing.T) {
	_, err := NewBuilder("dup", genericTasks, nil).
		AddColumn(col("a", "parse")).
		AddColumn(col("a", "gen")).
		Build()
	assert.ErrorIs(t, err, ErrDuplicateColumn)

	_, err = NewBuilder("empty", genericTasks, nil).Build()
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

const typeDecls = `
customer_info:
  type: object
  properties:
    name: string
    email: string
person:
  type: object
  properties:
    name: string
review_input:
  type: object
  properties:
    customer: person
    total: float
`

func TestBuild_TypeConsistency(t *testing.T) {
	reg := registry(t, typeDecls)
	tasks := schema.Tasks{
		{ID: "parse", Kind: "parsing"},
		{ID: "extract", Kind: "generation", ResponseFormat: "customer_info"},
		{ID: "greet", Kind: "generation", InputType: "person"},
		{ID: "total", Kind: "generation", ResponseFormat: "integer"},
		{ID: "review", Kind: "generation", InputType: "review_input"},
		{ID: "raw", Kind: "generation"},
	}

	tests := []struct {
		name    string
		cols    []schema.Column
		wantErr error
	}{
		{
			name: "compatible single input",
			cols: []schema.Column{col("doc", "parse"), col("customer", "extract", "doc"), col("hello", "greet", "customer")},
		},
		{
			name: "untyped passthrough",
			cols: []schema.Column{col("doc", "parse"), col("anything", "raw", "doc")},
		},
		{
			name:    "untyped upstream for typed input",
			cols:    []schema.Column{col("doc", "parse"), col("hello", "greet", "doc")},
			wantErr: ErrTypeMismatch,
		},
		{
			name:    "incompatible upstream",
			cols:    []schema.Column{col("doc", "parse"), col("amount", "total", "doc"), col("hello", "greet", "amount")},
			wantErr: ErrTypeMismatch,
		},
		{
			name: "column type narrower than response format",
			cols: []schema.Column{
				col("doc", "parse"),
				{ID: "customer", TaskID: "extract", Inputs: []schema.Input{{Column: "doc"}}, Type: "person"},
			},
		},
		{
			name: "column type wider than response format",
			cols: []schema.Column{
				col("doc", "parse"),
				{ID: "amount", TaskID: "total", Inputs: []schema.Input{{Column: "doc"}}, Type: "string"},
			},
			wantErr: ErrTypeMismatch,
		},
		{
			name: "multi input object type",
			cols: []schema.Column{
				col("doc", "parse"),
				col("customer", "extract", "doc"),
				col("total", "total", "doc"),
				col("verdict", "review", "customer", "total"),
			},
		},
		{
			name: "multi input with alias",
			cols: []schema.Column{
				col("doc", "parse"),
				col("buyer", "extract", "doc"),
				col("total", "total", "doc"),
				{ID: "verdict", TaskID: "review", Inputs: []schema.Input{{Column: "buyer", Alias: "customer"}, {Column: "total"}}},
			},
		},
		{
			name: "multi input missing property",
			cols: []schema.Column{
				col("doc", "parse"),
				col("buyer", "extract", "doc"),
				col("total", "total", "doc"),
				col("verdict", "review", "buyer", "total"),
			},
			wantErr: ErrTypeMismatch,
		},
		{
			name:    "typed input on a root",
			cols:    []schema.Column{col("hello", "greet")},
			wantErr: ErrTypeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := NewBuilder("types", tasks, reg).AddColumns(tt.cols...).Build()
			if tt.wantErr == nil {
				require.NoError(t, err)
				require.NotNil(t, plan)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			var te *TypeError
			assert.True(t, errors.As(err, &te))
		})
	}
}

func TestPlan_ColumnType(t *testing.T) {
	reg := registry(t, typeDecls)
	tasks := schema.Tasks{{ID: "parse", Kind: "parsing"}, {ID: "extract", Kind: "generation", ResponseFormat: "customer_info"}}
	plan, err := NewBuilder("t", tasks, reg).
		AddColumns(col("doc", "parse"), col("customer", "extract", "doc"), schema.Column{ID: "p", TaskID: "extract", Type: "person"}).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "", plan.ColumnType("doc"))
	assert.Equal(t, "customer_info", plan.ColumnType("customer"))
	assert.Equal(t, "person", plan.ColumnType("p"))
}

func TestPlan_Mermaid(t *testing.T) {
	plan, err := NewBuilder("m", genericTasks, nil).
		AddColumns(col("parsed", "parse"), col("customer", "gen", "parsed"), col("lonely", "gen")).
		Build()
	require.NoError(t, err)
	assert.Equal(t, "graph LR\n    parsed --> customer\n    lonely\n", plan.Mermaid())
}

func TestFromSpec(t *testing.T) {
	spec, err := schema.Parse([]byte(`
spec: v0
dataset:
  metadata: {name: invoices}
tasks:
  parse: {task_type: parsing}
  gen: {task_type: generation}
columns:
  a: {task_id: parse}
  b: {task_id: gen, task_input: [a]}
`))
	require.NoError(t, err)
	plan, err := FromSpec(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, "invoices", plan.Name())
	assert.Equal(t, [][]string{{"a"}, {"b"}}, plan.Levels())
}
