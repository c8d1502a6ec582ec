// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph builds the column dependency graph and its execution plan.
//
// Columns are nodes; an edge U -> D exists when column D lists U in its
// task_input. Build rejects unresolved references, cycles, and type
// inconsistencies before anything executes, then groups columns into
// levels: level 0 holds roots, level k holds columns whose inputs all sit
// in levels below k. Ties are broken by column declaration order.
package graph

import (
	"fmt"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
	"github.com/wizenheimer/cyyrus/services/composer/types"
)

// Builder constructs a Plan with validation.
//
// Description:
//
//	Builder provides a fluent API over schema columns. Duplicate ids are
//	recorded as they are added; all other checks run in Build, in this
//	order: references (tasks, then inputs), cycles, types, levels.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use.
//
// Example:
//
//	plan, err := graph.NewBuilder("invoices", spec.Tasks, reg).
//	    AddColumns(spec.Columns...).
//	    Build()
type Builder struct {
	name    string
	tasks   schema.Tasks
	types   *types.Registry
	columns []schema.Column
	index   map[string]int
	errors  []error
}

// NewBuilder creates a builder.
//
// Inputs:
//
//	name - The plan name (used in logging and tracing).
//	tasks - Task definitions referenced by columns.
//	reg - The type registry. Nil means only built-in types resolve.
func NewBuilder(name string, tasks schema.Tasks, reg *types.Registry) *Builder {
	return &Builder{
		name:  name,
		tasks: tasks,
		types: reg,
		index: make(map[string]int),
	}
}

// AddColumn adds one column.
func (b *Builder) AddColumn(c schema.Column) *Builder {
	if _, exists := b.index[c.ID]; exists {
		b.errors = append(b.errors, fmt.Errorf("%w: %q", ErrDuplicateColumn, c.ID))
		return b
	}
	b.index[c.ID] = len(b.columns)
	b.columns = append(b.columns, c)
	return b
}

// AddColumns adds columns in order.
func (b *Builder) AddColumns(cs ...schema.Column) *Builder {
	for _, c := range cs {
		b.AddColumn(c)
	}
	return b
}

// Build validates the graph and computes its levels.
//
// Outputs:
//
//	*Plan - The immutable execution plan.
//	error - The first problem found: *ReferenceError, *CycleError,
//	        *TypeError, ErrDuplicateColumn, or ErrEmptyGraph.
func (b *Builder) Build() (*Plan, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.columns) == 0 {
		return nil, ErrEmptyGraph
	}
	if b.types == nil {
		reg, err := types.NewRegistry(nil)
		if err != nil {
			return nil, err
		}
		b.types = reg
	}

	if err := b.checkReferences(); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	colTypes, err := b.checkTypes()
	if err != nil {
		return nil, err
	}

	return newPlan(b.name, b.columns, colTypes), nil
}

// FromSpec builds the plan for a whole schema.
func FromSpec(spec *schema.Spec, reg *types.Registry) (*Plan, error) {
	return NewBuilder(spec.Dataset.Metadata.Name, spec.Tasks, reg).
		AddColumns(spec.Columns...).
		Build()
}

func (b *Builder) checkReferences() error {
	for _, c := range b.columns {
		if _, ok := b.tasks.Get(c.TaskID); !ok {
			return &ReferenceError{Column: c.ID, Kind: RefTask, Missing: c.TaskID}
		}
	}
	for _, c := range b.columns {
		for _, in := range c.Inputs {
			if _, ok := b.index[in.Column]; !ok {
				return &ReferenceError{Column: c.ID, Kind: RefColumn, Missing: in.Column}
			}
		}
	}
	return nil
}

// detectCycles walks inputs depth first in declaration order so the
// reported cycle is deterministic.
func (b *Builder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, in := range b.columns[b.index[id]].Inputs {
			dep := in.Column
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				cycleStart := 0
				for i, n := range path {
					if n == dep {
						cycleStart = i
						break
					}
				}
				cyclePath := append(append([]string(nil), path[cycleStart:]...), dep)
				return NewCycleError(cyclePath)
			}
		}

		path = path[:len(path)-1]
		recStack[id] = false
		return nil
	}

	for _, c := range b.columns {
		if !visited[c.ID] {
			if err := dfs(c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkTypes resolves every declared type and returns the effective type
// of each column: its column_type, else its task's response_format, else
// untyped ("").
func (b *Builder) checkTypes() (map[string]string, error) {
	effective := make(map[string]string, len(b.columns))

	for _, c := range b.columns {
		task, _ := b.tasks.Get(c.TaskID)

		if c.Type != "" && !b.types.Has(c.Type) {
			return nil, &ReferenceError{Column: c.ID, Kind: RefType, Missing: c.Type}
		}
		if task.ResponseFormat != "" && !b.types.Has(task.ResponseFormat) {
			return nil, &ReferenceError{Column: c.ID, Kind: RefType, Missing: task.ResponseFormat}
		}
		if task.InputType != "" && !b.types.Has(task.InputType) {
			return nil, &ReferenceError{Column: c.ID, Kind: RefType, Missing: task.InputType}
		}

		if c.Type != "" && task.ResponseFormat != "" && !b.types.Compatible(c.Type, task.ResponseFormat) {
			return nil, &TypeError{
				Column: c.ID, Task: task.ID,
				Expected: c.Type, Actual: task.ResponseFormat,
				Reason: "task response format does not satisfy column type",
			}
		}

		switch {
		case c.Type != "":
			effective[c.ID] = c.Type
		default:
			effective[c.ID] = task.ResponseFormat
		}
	}

	for _, c := range b.columns {
		task, _ := b.tasks.Get(c.TaskID)
		if task.InputType == "" {
			continue
		}
		if err := b.checkInputType(c, task, effective); err != nil {
			return nil, err
		}
	}
	return effective, nil
}

// checkInputType verifies that a column's inputs satisfy its task's
// declared input type. A single input must be compatible with the type
// itself; several inputs need an object type with one compatible property
// per input name.
func (b *Builder) checkInputType(c schema.Column, task schema.Task, effective map[string]string) error {
	switch len(c.Inputs) {
	case 0:
		return &TypeError{
			Column: c.ID, Task: task.ID, Expected: task.InputType,
			Reason: "task declares an input type but the column has no inputs",
		}

	case 1:
		upstream := effective[c.Inputs[0].Column]
		if upstream == "" || !b.types.Compatible(task.InputType, upstream) {
			return &TypeError{
				Column: c.ID, Task: task.ID,
				Expected: task.InputType, Actual: upstream,
				Reason: fmt.Sprintf("input %q is not compatible", c.Inputs[0].Column),
			}
		}
		return nil

	default:
		want, err := b.types.Resolve(task.InputType)
		if err != nil {
			return &ReferenceError{Column: c.ID, Kind: RefType, Missing: task.InputType}
		}
		if want.Kind != types.KindObject || len(want.Properties) == 0 {
			return &TypeError{
				Column: c.ID, Task: task.ID, Expected: task.InputType,
				Reason: "several inputs require an object input type with one property per input",
			}
		}
		for _, in := range c.Inputs {
			prop, ok := want.Property(in.Name())
			if !ok {
				return &TypeError{
					Column: c.ID, Task: task.ID, Expected: task.InputType,
					Reason: fmt.Sprintf("input type has no property for input %q", in.Name()),
				}
			}
			upstream := effective[in.Column]
			if upstream == "" {
				return &TypeError{
					Column: c.ID, Task: task.ID, Expected: prop.String(),
					Reason: fmt.Sprintf("input %q is untyped", in.Column),
				}
			}
			got, err := b.types.Resolve(upstream)
			if err != nil || !types.Compatible(prop, got) {
				return &TypeError{
					Column: c.ID, Task: task.ID,
					Expected: prop.String(), Actual: upstream,
					Reason: fmt.Sprintf("input %q is not compatible", in.Column),
				}
			}
		}
		return nil
	}
}
