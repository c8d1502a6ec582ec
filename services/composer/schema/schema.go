// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema holds the parsed records of a dataset schema document.
//
// A schema declares tasks (what to run), types (what values look like),
// columns (which task fills which slot, from which upstream columns), and
// dataset attributes (how rows are filtered, shuffled, and split).
//
// Records are plain values. Once Parse returns they are treated as
// immutable and shared by reference with the graph builder, the engine,
// and the assembler.
package schema

import (
	"github.com/wizenheimer/cyyrus/services/composer/types"
)

// Version is the only supported schema version.
const Version = "v0"

// Property keys that the schema lifts out of task_properties.
const (
	PropertyResponseFormat = "response_format"
	PropertyInputType      = "input_type"
)

// Defaults applied by Parse when a document leaves a field unset.
const (
	DefaultName        = "Dataset"
	DefaultDescription = "Dataset generated using cyyrus"
	DefaultLicense     = "MIT"
	DefaultSeed        = int64(42)
	DefaultNullToken   = "<NULL>"
)

// Null handling modes.
const (
	NullsInclude      = "include"
	NullsExclude      = "exclude"
	NullsSpecialToken = "special_token"
)

// Spec is a complete schema document.
type Spec struct {
	Version string                        `json:"spec" validate:"required,eq=v0"`
	Dataset Dataset                       `json:"dataset"`
	Tasks   Tasks                         `json:"tasks" validate:"required,min=1,dive"`
	Types   map[string]*types.Declaration `json:"types,omitempty"`
	Columns Columns                       `json:"columns" validate:"required,min=1,dive"`

	// Path is the file the schema was loaded from, if any.
	Path string `json:"-"`
}

// Task is a configured unit of work.
type Task struct {
	ID   string `json:"id" validate:"required,identifier"`
	Kind string `json:"task_type" validate:"required,oneof=generation parsing extraction scraping labelling"`

	// Properties is the opaque configuration handed to the task's executor.
	Properties map[string]any `json:"task_properties,omitempty"`

	// ResponseFormat is the declared output type id, if any.
	ResponseFormat string `json:"-"`

	// InputType is the declared required input type id, if any.
	InputType string `json:"-"`
}

// Input is one upstream column feeding a task.
type Input struct {
	// Column is the upstream column id.
	Column string `json:"column" validate:"required"`

	// Alias is the name the value is exposed under to the executor,
	// e.g. in prompt placeholders. Defaults to Column.
	Alias string `json:"alias,omitempty"`
}

// Name returns the alias, falling back to the column id.
func (i Input) Name() string {
	if i.Alias != "" {
		return i.Alias
	}
	return i.Column
}

// Column binds a dataset slot to a task and its upstream columns.
type Column struct {
	ID          string  `json:"id" validate:"required,identifier"`
	TaskID      string  `json:"task_id" validate:"required"`
	Inputs      []Input `json:"task_input,omitempty" validate:"dive"`
	Type        string  `json:"column_type,omitempty"`
	Description string  `json:"description,omitempty"`
}

// InputIDs returns the upstream column ids in declaration order.
func (c Column) InputIDs() []string {
	ids := make([]string, len(c.Inputs))
	for i, in := range c.Inputs {
		ids[i] = in.Column
	}
	return ids
}

// IsRoot reports whether the column has no upstream columns.
func (c Column) IsRoot() bool {
	return len(c.Inputs) == 0
}

// Tasks is an ordered task list.
type Tasks []Task

// Get returns the task with the given id.
func (ts Tasks) Get(id string) (Task, bool) {
	for _, t := range ts {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Columns is an ordered column list. Order is declaration order.
type Columns []Column

// Get returns the column with the given id.
func (cs Columns) Get(id string) (Column, bool) {
	for _, c := range cs {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// IDs returns the column ids in declaration order.
func (cs Columns) IDs() []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

// =============================================================================
// Dataset attributes
// =============================================================================

// Dataset groups metadata and the row policy of the assembled dataset.
type Dataset struct {
	Metadata   Metadata   `json:"metadata"`
	Shuffle    Shuffle    `json:"shuffle"`
	Splits     Splits     `json:"splits" validate:"dive"`
	Attributes Attributes `json:"attributes"`
}

// Metadata describes the dataset for exporters.
type Metadata struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Description string   `json:"description" yaml:"description"`
	Tags        []string `json:"tags" yaml:"tags"`
	License     string   `json:"license" yaml:"license"`
	Languages   []string `json:"languages" yaml:"languages"`
}

// Shuffle configures the seeded permutation applied before splitting.
type Shuffle struct {
	Seed     int64 `json:"seed"`
	Disabled bool  `json:"disabled,omitempty"`
}

// Split is one named partition and its fraction of the rows.
type Split struct {
	Name     string  `json:"name" validate:"required"`
	Fraction float64 `json:"fraction" validate:"gte=0,lte=1"`
}

// Splits is an ordered list of partitions. Order decides which rows land in
// which split after shuffling.
type Splits []Split

// Total returns the sum of all fractions.
func (s Splits) Total() float64 {
	var total float64
	for _, sp := range s {
		total += sp.Fraction
	}
	return total
}

// Attributes is the row policy applied during assembly.
type Attributes struct {
	RequiredColumns []string `json:"required_columns,omitempty" yaml:"required_columns"`
	UniqueColumns   []string `json:"unique_columns,omitempty" yaml:"unique_columns"`
	FlattenColumns  []string `json:"flatten_columns,omitempty" yaml:"flatten_columns"`
	ExcludeColumns  []string `json:"exclude_columns,omitempty" yaml:"exclude_columns"`
	Nulls           string   `json:"nulls" yaml:"nulls" validate:"oneof=include exclude special_token"`
	NullToken       string   `json:"null_token,omitempty" yaml:"null_token"`
}

// applyDefaults fills unset dataset fields.
func (s *Spec) applyDefaults(seedSet bool) {
	md := &s.Dataset.Metadata
	if md.Name == "" {
		md.Name = DefaultName
	}
	if md.Description == "" {
		md.Description = DefaultDescription
	}
	if len(md.Tags) == 0 {
		md.Tags = []string{"dataset"}
	}
	if md.License == "" {
		md.License = DefaultLicense
	}
	if len(md.Languages) == 0 {
		md.Languages = []string{"en"}
	}

	if !seedSet {
		s.Dataset.Shuffle.Seed = DefaultSeed
	}

	if len(s.Dataset.Splits) == 0 {
		s.Dataset.Splits = Splits{
			{Name: "train", Fraction: 0.8},
			{Name: "test", Fraction: 0.2},
		}
	}

	attrs := &s.Dataset.Attributes
	if attrs.Nulls == "" {
		attrs.Nulls = NullsInclude
	}
	if attrs.NullToken == "" {
		attrs.NullToken = DefaultNullToken
	}

	for i := range s.Tasks {
		t := &s.Tasks[i]
		if v, ok := t.Properties[PropertyResponseFormat].(string); ok {
			t.ResponseFormat = v
		}
		if v, ok := t.Properties[PropertyInputType].(string); ok {
			t.InputType = v
		}
	}
}
