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
	"strings"

	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// Plan is a validated column graph grouped into execution levels.
//
// Thread Safety:
//
//	Immutable; safe for concurrent use.
type Plan struct {
	name       string
	columns    []schema.Column
	index      map[string]int
	dependents map[string][]string
	levels     [][]string
	levelOf    map[string]int
	types      map[string]string
}

func newPlan(name string, columns []schema.Column, colTypes map[string]string) *Plan {
	p := &Plan{
		name:       name,
		columns:    columns,
		index:      make(map[string]int, len(columns)),
		dependents: make(map[string][]string, len(columns)),
		levelOf:    make(map[string]int, len(columns)),
		types:      colTypes,
	}
	for i, c := range columns {
		p.index[c.ID] = i
	}
	for _, c := range columns {
		for _, in := range c.Inputs {
			if !contains(p.dependents[in.Column], c.ID) {
				p.dependents[in.Column] = append(p.dependents[in.Column], c.ID)
			}
		}
	}

	var level func(id string) int
	level = func(id string) int {
		if l, ok := p.levelOf[id]; ok {
			return l
		}
		l := 0
		for _, in := range p.columns[p.index[id]].Inputs {
			if dl := level(in.Column) + 1; dl > l {
				l = dl
			}
		}
		p.levelOf[id] = l
		return l
	}

	depth := 0
	for _, c := range columns {
		if l := level(c.ID); l+1 > depth {
			depth = l + 1
		}
	}
	p.levels = make([][]string, depth)
	for _, c := range columns {
		l := p.levelOf[c.ID]
		p.levels[l] = append(p.levels[l], c.ID)
	}
	return p
}

// Name returns the plan name.
func (p *Plan) Name() string { return p.name }

// Len returns the number of columns.
func (p *Plan) Len() int { return len(p.columns) }

// Levels returns the column ids grouped by level.
func (p *Plan) Levels() [][]string {
	out := make([][]string, len(p.levels))
	for i, l := range p.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// Order returns the levels flattened into one topological order.
func (p *Plan) Order() []string {
	out := make([]string, 0, len(p.columns))
	for _, l := range p.levels {
		out = append(out, l...)
	}
	return out
}

// Level returns the level of a column, or -1 when unknown.
func (p *Plan) Level(id string) int {
	if l, ok := p.levelOf[id]; ok {
		return l
	}
	return -1
}

// Column returns the column definition.
func (p *Plan) Column(id string) (schema.Column, bool) {
	i, ok := p.index[id]
	if !ok {
		return schema.Column{}, false
	}
	return p.columns[i], true
}

// Columns returns the column ids in declaration order.
func (p *Plan) Columns() []string {
	return schema.Columns(p.columns).IDs()
}

// ColumnType returns the effective declared type of a column, or "" when
// the column is untyped.
func (p *Plan) ColumnType(id string) string {
	return p.types[id]
}

// Roots returns the columns without inputs in declaration order.
func (p *Plan) Roots() []string {
	if len(p.levels) == 0 {
		return nil
	}
	return append([]string(nil), p.levels[0]...)
}

// Dependents returns the columns that list id as a direct input.
func (p *Plan) Dependents(id string) []string {
	return append([]string(nil), p.dependents[id]...)
}

// Descendants returns every column reachable from id, in declaration order.
func (p *Plan) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range p.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for _, c := range p.columns {
		if seen[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out
}

// Mermaid renders the graph as a Mermaid flowchart.
//
// Each edge becomes "dep --> col"; columns with neither inputs nor
// dependents are listed on their own line.
func (p *Plan) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph LR\n")
	for _, c := range p.columns {
		if len(c.Inputs) == 0 && len(p.dependents[c.ID]) == 0 {
			b.WriteString("    " + c.ID + "\n")
			continue
		}
		for _, in := range c.Inputs {
			b.WriteString("    " + in.Column + " --> " + c.ID + "\n")
		}
	}
	return b.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
