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
	"slices"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// DefaultSplit is the name of the split that receives rows no named split
// claims.
const DefaultSplit = ""

// Row is one dataset record. Values are positional and follow Dataset.Fields.
type Row []any

// Partition is one named split and its rows.
type Partition struct {
	Name string
	Rows []Row
}

// Dataset is the assembled, filtered, shuffled, and split table.
type Dataset struct {
	// Metadata is carried through for exporters.
	Metadata schema.Metadata

	// Policy is the policy the dataset was assembled with.
	Policy Policy

	// Fields names the row positions.
	Fields []string

	partitions []Partition
}

// Split returns the rows of the named split, or nil if it does not exist.
// The default split is named DefaultSplit.
func (d *Dataset) Split(name string) []Row {
	for _, p := range d.partitions {
		if p.Name == name {
			return p.Rows
		}
	}
	return nil
}

// SplitNames returns the declared split names in order, followed by
// DefaultSplit when it holds rows.
func (d *Dataset) SplitNames() []string {
	names := make([]string, len(d.partitions))
	for i, p := range d.partitions {
		names[i] = p.Name
	}
	return names
}

// Partitions returns every split with its rows.
func (d *Dataset) Partitions() []Partition {
	return slices.Clone(d.partitions)
}

// Len returns the total number of rows across all splits.
func (d *Dataset) Len() int {
	n := 0
	for _, p := range d.partitions {
		n += len(p.Rows)
	}
	return n
}

// Record returns a row as a field-keyed map.
func (d *Dataset) Record(row Row) map[string]any {
	rec := make(map[string]any, len(d.Fields))
	for i, f := range d.Fields {
		if i < len(row) {
			rec[f] = row[i]
		}
	}
	return rec
}
