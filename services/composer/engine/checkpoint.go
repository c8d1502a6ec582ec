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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CheckpointVersion is the current checkpoint format version (semver).
const CheckpointVersion = "1.0.0"

// Checkpoint captures the completed columns of a run so it can resume
// without re-invoking their tasks.
type Checkpoint struct {
	RunID       string           `json:"run_id"`
	Plan        string           `json:"plan"`
	Fingerprint string           `json:"fingerprint"`
	Columns     map[string][]any `json:"columns"`
	Timestamp   int64            `json:"timestamp"` // Unix milliseconds UTC
	Version     string           `json:"version"`
	Checksum    string           `json:"checksum"`
}

// computeChecksum hashes every field except the checksum itself.
func computeChecksum(c *Checkpoint) (string, error) {
	data := struct {
		RunID       string           `json:"run_id"`
		Plan        string           `json:"plan"`
		Fingerprint string           `json:"fingerprint"`
		Columns     map[string][]any `json:"columns"`
		Timestamp   int64            `json:"timestamp"`
		Version     string           `json:"version"`
	}{c.RunID, c.Plan, c.Fingerprint, c.Columns, c.Timestamp, c.Version}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:]), nil
}

// NewCheckpoint snapshots the completed columns of a run.
//
// Description:
//
//	Column values are deep-copied through a JSON round trip, so the
//	checkpoint holds exactly what a reload would produce. Values must
//	therefore be JSON-serializable.
//
// Inputs:
//
//	runID - The run being checkpointed.
//	plan - The plan name.
//	fingerprint - The schema fingerprint resumption will require.
//	table - The column table. Must not be nil.
func NewCheckpoint(runID, plan, fingerprint string, table *Table) (*Checkpoint, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: table must not be nil", ErrInvalidInput)
	}

	columns := make(map[string][]any)
	if snap := table.snapshot(); len(snap) > 0 {
		data, err := json.Marshal(snap)
		if err != nil {
			return nil, fmt.Errorf("marshal columns: %w", err)
		}
		if err := json.Unmarshal(data, &columns); err != nil {
			return nil, fmt.Errorf("copy columns: %w", err)
		}
	}

	cp := &Checkpoint{
		RunID:       runID,
		Plan:        plan,
		Fingerprint: fingerprint,
		Columns:     columns,
		Timestamp:   time.Now().UnixMilli(),
		Version:     CheckpointVersion,
	}
	sum, err := computeChecksum(cp)
	if err != nil {
		return nil, err
	}
	cp.Checksum = sum
	return cp, nil
}

// Checkpoint snapshots a result of this engine.
func (e *Engine) Checkpoint(result *Result) (*Checkpoint, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: result must not be nil", ErrInvalidInput)
	}
	return NewCheckpoint(result.RunID, e.plan.Name(), e.fingerprint, result.Table)
}

// Verify recomputes the checksum and compares it to the stored value.
func (c *Checkpoint) Verify() bool {
	if c == nil || c.Version != CheckpointVersion {
		return false
	}
	sum, err := computeChecksum(c)
	if err != nil {
		return false
	}
	return c.Checksum == sum
}

// Marshal encodes the checkpoint as indented JSON.
func (c *Checkpoint) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// UnmarshalCheckpoint decodes and verifies a checkpoint.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCheckpointVersionMismatch, cp.Version, CheckpointVersion)
	}
	if !cp.Verify() {
		return nil, ErrCheckpointCorrupt
	}
	if cp.Columns == nil {
		cp.Columns = make(map[string][]any)
	}
	return &cp, nil
}

// SaveCheckpoint writes a checkpoint atomically (temp file + rename).
func SaveCheckpoint(cp *Checkpoint, path string) error {
	if cp == nil {
		return fmt.Errorf("%w: checkpoint must not be nil", ErrInvalidInput)
	}
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}

	data, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	success = true
	return nil
}

// LoadCheckpoint reads and verifies a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidInput)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return UnmarshalCheckpoint(data)
}

// Resume continues a run from a checkpoint.
//
// Description:
//
//	Verifies integrity and plan compatibility, preloads every checkpointed
//	column that still exists in the plan, and executes the rest under the
//	checkpoint's run id. Previously failed columns run again.
//
// Outputs:
//
//	*Result - As for Run.
//	error - ErrCheckpointCorrupt, ErrCheckpointMismatch, or a run error.
func (e *Engine) Resume(ctx context.Context, cp *Checkpoint) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cp == nil {
		return nil, fmt.Errorf("%w: checkpoint must not be nil", ErrInvalidInput)
	}

	ctx, span := tracer.Start(ctx, "composer.checkpoint.resume",
		trace.WithAttributes(
			attribute.String("composer.plan", e.plan.Name()),
			attribute.String("checkpoint.run_id", cp.RunID),
			attribute.Int("checkpoint.columns", len(cp.Columns)),
		),
	)
	defer span.End()

	if !cp.Verify() {
		span.SetStatus(codes.Error, ErrCheckpointCorrupt.Error())
		return nil, ErrCheckpointCorrupt
	}
	if cp.Fingerprint != e.fingerprint {
		err := fmt.Errorf("%w: checkpoint fingerprint %.12s, plan fingerprint %.12s",
			ErrCheckpointMismatch, cp.Fingerprint, e.fingerprint)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	table := NewTable()
	resumed := make(map[string]bool, len(cp.Columns))
	for _, id := range e.plan.Order() {
		values, ok := cp.Columns[id]
		if !ok {
			continue
		}
		table.Set(id, values)
		resumed[id] = true
	}

	e.logger.Info("resuming from checkpoint",
		slog.String("run_id", cp.RunID),
		slog.Int("completed_columns", len(resumed)),
		slog.Time("checkpoint_time", time.UnixMilli(cp.Timestamp)),
	)

	return e.execute(ctx, "composer.Resume", cp.RunID, table, resumed)
}
