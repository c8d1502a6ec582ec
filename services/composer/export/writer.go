// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/wizenheimer/cyyrus/services/composer/dataset"
	"github.com/wizenheimer/cyyrus/services/composer/schema"
)

// InfoFile is the name of the manifest written beside the split files.
const InfoFile = "dataset_info.json"

// DefaultSplitLabel names the default split in file names and the manifest.
const DefaultSplitLabel = "default"

// Info is the dataset_info.json manifest.
type Info struct {
	schema.Metadata
	Format Format         `json:"format"`
	Fields []string       `json:"fields"`
	Rows   int            `json:"rows"`
	Splits []SplitInfo    `json:"splits"`
	Policy dataset.Policy `json:"policy"`
	RunID  string         `json:"run_id,omitempty"`
}

// SplitInfo describes one written split.
type SplitInfo struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	File string `json:"file"`
}

// Writer exports datasets into a directory.
type Writer struct {
	dir      string
	exporter Exporter
	runID    string
	logger   *slog.Logger
}

// NewWriter creates a Writer for a format. runID is recorded in the
// manifest when non-empty. A nil logger uses slog.Default().
func NewWriter(dir string, format Format, runID string, logger *slog.Logger) (*Writer, error) {
	exp, err := New(format)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{dir: dir, exporter: exp, runID: runID, logger: logger}, nil
}

// Write exports every split and the manifest.
//
// Outputs:
//
//	*Info - The manifest as written.
//	error - Non-nil if a file could not be created or a value could not be
//	        encoded.
func (w *Writer) Write(ds *dataset.Dataset) (*Info, error) {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}

	base := Slug(ds.Metadata.Name)
	info := &Info{
		Metadata: ds.Metadata,
		Format:   w.exporter.Format(),
		Fields:   ds.Fields,
		Policy:   ds.Policy,
		RunID:    w.runID,
	}

	for _, name := range ds.SplitNames() {
		rows := ds.Split(name)
		label := name
		if label == dataset.DefaultSplit {
			label = DefaultSplitLabel
		}
		file := fmt.Sprintf("%s_%s.%s", base, Slug(label), w.exporter.Extension())

		if err := w.writeFile(file, func(f *bufio.Writer) error {
			return w.exporter.Write(f, ds.Fields, rows)
		}); err != nil {
			return nil, fmt.Errorf("exporting split %q: %w", label, err)
		}

		info.Splits = append(info.Splits, SplitInfo{Name: label, Rows: len(rows), File: file})
		info.Rows += len(rows)
	}

	if err := w.writeFile(InfoFile, func(f *bufio.Writer) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}); err != nil {
		return nil, fmt.Errorf("writing %s: %w", InfoFile, err)
	}

	w.logger.Info("dataset exported",
		slog.String("dir", w.dir),
		slog.String("format", string(info.Format)),
		slog.Int("rows", info.Rows),
		slog.Int("splits", len(info.Splits)),
	)
	return info, nil
}

// writeFile writes to a temporary file and renames it into place.
func (w *Writer) writeFile(name string, fill func(*bufio.Writer) error) error {
	path := filepath.Join(w.dir, name)
	tmp, err := os.CreateTemp(w.dir, "."+name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	buf := bufio.NewWriter(tmp)
	if err := fill(buf); err != nil {
		tmp.Close()
		return err
	}
	if err := buf.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Slug lowercases s and replaces runs of other characters with "_".
func Slug(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			sep = false
			continue
		}
		sep = true
	}
	if b.Len() == 0 {
		return "dataset"
	}
	return b.String()
}
