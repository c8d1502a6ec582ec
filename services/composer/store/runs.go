// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no record exists for a run id.
var ErrNotFound = errors.New("run not found")

const runPrefix = "run/"

// Record is the persisted summary of one run.
type Record struct {
	RunID       string    `json:"run_id"`
	Dataset     string    `json:"dataset"`
	SchemaPath  string    `json:"schema_path,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`

	// ResumedFrom is the run this run continued, if any.
	ResumedFrom string `json:"resumed_from,omitempty"`

	// Report and Checkpoint are stored as produced by the engine.
	Report     json.RawMessage `json:"report,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// RunStore saves and loads run records.
//
// Thread Safety:
//
//	Safe for concurrent use.
type RunStore struct {
	db *DB
}

// NewRunStore creates a store over an open database.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

func runKey(id string) []byte {
	return []byte(runPrefix + id)
}

// Save writes a record, replacing any record with the same run id.
func (s *RunStore) Save(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return errors.New("record has no run id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", rec.RunID, err)
	}
	return s.db.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(runKey(rec.RunID), data)
	})
}

// Get loads the record for a run id.
func (s *RunStore) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every record, newest first. Report and Checkpoint are
// omitted; use Get for the full record.
func (s *RunStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decoding %s: %w", it.Item().Key(), err)
			}
			rec.Report = nil
			rec.Checkpoint = nil
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(out, func(a, b Record) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.RunID, b.RunID)
	})
	return out, nil
}

// Delete removes a record.
func (s *RunStore) Delete(ctx context.Context, id string) error {
	return s.db.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return txn.Delete(runKey(id))
	})
}
