// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"sync"
)

// Table holds the materialized values of completed columns.
//
// Description:
//
//	A column enters the table only once every row has been decided, so
//	readers never observe a partial column. Row slots are written by a
//	single goroutine each before the column is committed.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	order  []string
	values map[string][]any
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{values: make(map[string][]any)}
}

// Set commits a complete column. Setting an existing column replaces it
// without changing its position.
func (t *Table) Set(column string, values []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.values[column]; !exists {
		t.order = append(t.order, column)
	}
	t.values[column] = values
}

// Has reports whether the column is committed.
func (t *Table) Has(column string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.values[column]
	return ok
}

// Columns returns committed column ids in commit order.
func (t *Table) Columns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// Values returns a column's values. The slice must not be modified.
func (t *Table) Values(column string) []any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.values[column]
}

// RowCount returns the number of rows of a committed column.
func (t *Table) RowCount(column string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[column]
	return len(v), ok
}

// snapshot copies the column map for checkpointing.
func (t *Table) snapshot() map[string][]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]any, len(t.values))
	for k, v := range t.values {
		out[k] = v
	}
	return out
}
