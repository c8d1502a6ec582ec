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
	"time"
)

// ColumnStatus is the lifecycle state of a column in a run.
type ColumnStatus string

const (
	StatusPending     ColumnStatus = "pending"
	StatusReady       ColumnStatus = "ready"
	StatusRunning     ColumnStatus = "running"
	StatusCompleted   ColumnStatus = "completed"
	StatusFailed      ColumnStatus = "failed"
	StatusUnreachable ColumnStatus = "unreachable"
)

// IsTerminal reports whether the status can no longer change.
func (s ColumnStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusUnreachable
}

// RowStats counts invocation outcomes of one column. Roots make a single
// invocation; other columns make one per row.
type RowStats struct {
	// Succeeded invocations returned values, possibly after retries.
	Succeeded int `json:"succeeded"`

	// Retried invocations needed at least one retry.
	Retried int `json:"retried"`

	// Skipped invocations were given up and stored as null.
	Skipped int `json:"skipped"`

	// Failed invocations aborted the column.
	Failed int `json:"failed"`
}

// Add returns the element-wise sum.
func (s RowStats) Add(o RowStats) RowStats {
	return RowStats{
		Succeeded: s.Succeeded + o.Succeeded,
		Retried:   s.Retried + o.Retried,
		Skipped:   s.Skipped + o.Skipped,
		Failed:    s.Failed + o.Failed,
	}
}

// ColumnReport is the outcome of one column.
type ColumnReport struct {
	Column   string        `json:"column"`
	Task     string        `json:"task"`
	Level    int           `json:"level"`
	Status   ColumnStatus  `json:"status"`
	Rows     int           `json:"rows"`
	Stats    RowStats      `json:"stats"`
	Duration time.Duration `json:"duration"`
	Resumed  bool          `json:"resumed,omitempty"`
	Error    string        `json:"error,omitempty"`

	// Err is the failure cause, for errors.Is/As. Not serialized.
	Err error `json:"-"`
}

// Report summarizes a run.
type Report struct {
	RunID     string         `json:"run_id"`
	Plan      string         `json:"plan"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Columns   []ColumnReport `json:"columns"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
}

// Column returns the report of one column.
func (r *Report) Column(id string) (ColumnReport, bool) {
	for _, c := range r.Columns {
		if c.Column == id {
			return c, true
		}
	}
	return ColumnReport{}, false
}

// Failed returns the ids of failed columns in plan order.
func (r *Report) Failed() []string {
	var out []string
	for _, c := range r.Columns {
		if c.Status == StatusFailed {
			out = append(out, c.Column)
		}
	}
	return out
}

// Totals sums the stats of every column.
func (r *Report) Totals() RowStats {
	var total RowStats
	for _, c := range r.Columns {
		total = total.Add(c.Stats)
	}
	return total
}

// Result is the output of a run.
type Result struct {
	RunID  string
	Table  *Table
	Report *Report
}
