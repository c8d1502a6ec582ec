// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes assembled datasets to disk.
//
// Each split goes to <dir>/<dataset>_<split>.<ext>, and dataset_info.json
// records metadata, split sizes, and the policy the dataset was built with.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/wizenheimer/cyyrus/services/composer/dataset"
)

// Format names an output format.
type Format string

const (
	FormatJSONL       Format = "jsonl"
	FormatJSON        Format = "json"
	FormatCSV         Format = "csv"
	FormatPickle      Format = "pickle"
	FormatParquet     Format = "parquet"
	FormatHuggingFace Format = "huggingface"
)

var (
	// ErrUnsupportedFormat is returned for formats that are recognized but
	// have no exporter.
	ErrUnsupportedFormat = errors.New("unsupported export format")

	// ErrUnknownFormat is returned for names that are not formats at all.
	ErrUnknownFormat = errors.New("unknown export format")
)

// ParseFormat returns the Format named by s.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FormatJSONL, FormatJSON, FormatCSV:
		return f, nil
	case FormatPickle, FormatParquet, FormatHuggingFace:
		return f, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Exporter encodes the rows of one split.
type Exporter interface {
	Format() Format
	Extension() string
	Write(w io.Writer, fields []string, rows []dataset.Row) error
}

// New returns the exporter for a format.
func New(f Format) (Exporter, error) {
	switch f {
	case FormatJSONL:
		return jsonlExporter{}, nil
	case FormatJSON:
		return jsonExporter{}, nil
	case FormatCSV:
		return csvExporter{}, nil
	case FormatPickle, FormatParquet, FormatHuggingFace:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// =============================================================================
// Encoders
// =============================================================================

// record marshals a row as a JSON object with keys in field order.
type record struct {
	fields []string
	row    dataset.Row
}

func (r record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		var v any
		if i < len(r.row) {
			v = r.row[i]
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type jsonlExporter struct{}

func (jsonlExporter) Format() Format    { return FormatJSONL }
func (jsonlExporter) Extension() string { return "jsonl" }

func (jsonlExporter) Write(w io.Writer, fields []string, rows []dataset.Row) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, r := range rows {
		if err := enc.Encode(record{fields, r}); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

type jsonExporter struct{}

func (jsonExporter) Format() Format    { return FormatJSON }
func (jsonExporter) Extension() string { return "json" }

func (jsonExporter) Write(w io.Writer, fields []string, rows []dataset.Row) error {
	records := make([]record, len(rows))
	for i, r := range rows {
		records[i] = record{fields, r}
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}

type csvExporter struct{}

func (csvExporter) Format() Format    { return FormatCSV }
func (csvExporter) Extension() string { return "csv" }

// Write renders strings as-is, nulls as empty cells, and every other value
// as JSON.
func (csvExporter) Write(w io.Writer, fields []string, rows []dataset.Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(fields); err != nil {
		return err
	}
	cells := make([]string, len(fields))
	for i, r := range rows {
		for j := range fields {
			var v any
			if j < len(r) {
				v = r[j]
			}
			cell, err := csvCell(v)
			if err != nil {
				return fmt.Errorf("row %d field %q: %w", i, fields[j], err)
			}
			cells[j] = cell
		}
		if err := cw.Write(cells); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvCell(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
