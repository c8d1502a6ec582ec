// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/wizenheimer/cyyrus/pkg/ux"
	"github.com/wizenheimer/cyyrus/services/composer/engine"
	"github.com/wizenheimer/cyyrus/services/composer/export"
	"github.com/wizenheimer/cyyrus/services/composer/store"
)

// statusColumn styles the status cell of report and run tables.
func statusColumn(index int) func(int, string) (lipgloss.Style, bool) {
	return func(col int, cell string) (lipgloss.Style, bool) {
		if col != index {
			return lipgloss.Style{}, false
		}
		return ux.StatusStyle(cell)
	}
}

func reportTable(r *engine.Report) *ux.Table {
	tbl := &ux.Table{
		Headers: []string{"Column", "Task", "Level", "Status", "Rows", "Succeeded", "Retried", "Skipped", "Duration"},
		Styler:  statusColumn(3),
	}
	for _, c := range r.Columns {
		status := string(c.Status)
		if c.Resumed {
			status = "resumed"
		}
		tbl.AddRow(c.Column, c.Task, c.Level, status, c.Rows,
			c.Stats.Succeeded, c.Stats.Retried, c.Stats.Skipped, c.Duration.Round(time.Millisecond))
	}
	return tbl
}

func (a *app) printReport(r *engine.Report) {
	a.out.Title("Run " + r.RunID)
	fmt.Fprint(a.out.Writer(), reportTable(r).Render(a.out.Mode()))

	totals := r.Totals()
	a.out.KeyValue("duration", r.Duration.Round(time.Millisecond))
	a.out.KeyValue("succeeded", totals.Succeeded)
	a.out.KeyValue("retried", totals.Retried)
	a.out.KeyValue("skipped", totals.Skipped)
	if r.Success {
		a.out.Success("run " + r.RunID + " completed")
	}
}

func (a *app) printExport(dir string, info *export.Info) {
	a.out.Success(fmt.Sprintf("exported %d rows of %q as %s", info.Rows, info.Name, info.Format))
	for _, s := range info.Splits {
		a.out.KeyValue(s.Name, fmt.Sprintf("%d rows  %s", s.Rows, filepath.Join(dir, s.File)))
	}
}

func runsTable(records []store.Record) *ux.Table {
	tbl := &ux.Table{
		Headers: []string{"Run ID", "Dataset", "Started", "Duration", "Status"},
		Styler:  statusColumn(4),
	}
	for _, rec := range records {
		status := "success"
		if !rec.Success {
			status = "failed"
		}
		tbl.AddRow(rec.RunID, rec.Dataset,
			rec.StartedAt.Local().Format(time.DateTime),
			rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond),
			status)
	}
	return tbl
}
