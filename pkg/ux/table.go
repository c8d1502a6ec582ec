// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Table is a left-aligned text table. Full mode draws a rounded border,
// minimal mode pads plain columns, machine mode is tab-separated.
type Table struct {
	Headers []string
	Rows    [][]string

	// Styler optionally styles one cell in full mode.
	Styler func(col int, cell string) (lipgloss.Style, bool)
}

// AddRow appends a row. Values are formatted with %v.
func (t *Table) AddRow(values ...any) {
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = fmt.Sprint(v)
	}
	t.Rows = append(t.Rows, row)
}

// Render returns the table for the given mode. Machine mode is
// tab-separated with a lower-case header line.
func (t *Table) Render(mode Mode) string {
	var b strings.Builder
	if mode == ModeMachine {
		header := make([]string, len(t.Headers))
		for i, h := range t.Headers {
			header[i] = strings.ToLower(strings.ReplaceAll(h, " ", "_"))
		}
		b.WriteString(strings.Join(header, "\t"))
		b.WriteByte('\n')
		for _, row := range t.Rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		return b.String()
	}
	if mode == ModeFull {
		return t.renderFull()
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	cells := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		cells[i] = pad(h, widths[i])
	}
	writeLine(&b, cells)

	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("─", w)
	}
	writeLine(&b, rule)

	for _, row := range t.Rows {
		cells := make([]string, len(widths))
		for i := range widths {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			cells[i] = pad(cell, widths[i])
		}
		writeLine(&b, cells)
	}
	return b.String()
}

func (t *Table) renderFull() string {
	cell := lipgloss.NewStyle().Padding(0, 1)
	header := Styles.Header.Padding(0, 1)

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Muted).
		Headers(t.Headers...).
		Rows(t.Rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			if t.Styler == nil || row < 0 || row >= len(t.Rows) || col >= len(t.Rows[row]) {
				return cell
			}
			if style, ok := t.Styler(col, t.Rows[row][col]); ok {
				return style.Padding(0, 1)
			}
			return cell
		})
	return tbl.String() + "\n"
}

// StatusStyle maps run and column states to colors.
func StatusStyle(status string) (lipgloss.Style, bool) {
	switch strings.ToLower(status) {
	case "completed", "success", "ok", "resumed":
		return Styles.Success, true
	case "failed", "error":
		return Styles.Error, true
	case "unreachable", "skipped", "pending":
		return Styles.Warning, true
	default:
		return lipgloss.Style{}, false
	}
}

func pad(s string, width int) string {
	if gap := width - lipgloss.Width(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}

func writeLine(b *strings.Builder, cells []string) {
	b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " "))
	b.WriteByte('\n')
}
