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
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizenheimer/cyyrus/services/composer/tasks"
)

func TestCheckpoint_ResumeSkipsCompletedColumns(t *testing.T) {
	var healthy atomic.Bool
	f := newFixture(map[string]tasks.ExecutorFunc{
		"root": values("a", "b"),
		"copy": identity(),
		"flaky": func(_ context.Context, _ tasks.Config, in tasks.Inputs) ([]any, error) {
			if !healthy.Load() {
				return nil, tasks.Permanent(tasks.FailureUnavailable, errors.New("down"))
			}
			return []any{in.First()}, nil
		},
	})
	plan, reg := f.build(t,
		column("src", "root"),
		column("mid", "copy", "src"),
		column("out", "flaky", "mid"),
	)

	cfg := testConfig()
	cfg.Retry.OnExhausted = ExhaustAbort
	e := newEngine(t, plan, reg, cfg, WithFingerprint("fp-1"))

	first, err := e.Run(context.Background())
	require.Error(t, err)
	assert.True(t, first.Table.Has("mid"))
	assert.False(t, first.Table.Has("out"))

	cp, err := e.Checkpoint(first)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, cp.RunID)
	assert.Equal(t, "fp-1", cp.Fingerprint)
	assert.True(t, cp.Verify())

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, SaveCheckpoint(cp, path))
	loaded, err := LoadCheckpoint(path)
	require.NoError(t, err)

	healthy.Store(true)
	rootCalls, copyCalls := f.Calls("root"), f.Calls("copy")

	second, err := e.Resume(context.Background(), loaded)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, rootCalls, f.Calls("root"), "completed root is not re-run")
	assert.Equal(t, copyCalls, f.Calls("copy"), "completed column is not re-run")
	assert.Equal(t, []any{"a", "b"}, second.Table.Values("out"))

	mid, _ := second.Report.Column("mid")
	assert.True(t, mid.Resumed)
	assert.Equal(t, StatusCompleted, mid.Status)
	assert.True(t, second.Report.Success)
}

func TestCheckpoint_Rejections(t *testing.T) {
	f := newFixture(map[string]tasks.ExecutorFunc{"root": values(1, 2)})
	plan, reg := f.build(t, column("src", "root"))
	e := newEngine(t, plan, reg, testConfig(), WithFingerprint("fp-1"))

	result, err := e.Run(context.Background())
	require.NoError(t, err)

	t.Run("corrupt", func(t *testing.T) {
		cp, err := e.Checkpoint(result)
		require.NoError(t, err)
		cp.Columns["src"] = []any{float64(9)}
		assert.False(t, cp.Verify())
		_, err = e.Resume(context.Background(), cp)
		assert.ErrorIs(t, err, ErrCheckpointCorrupt)
	})

	t.Run("other schema", func(t *testing.T) {
		other := newEngine(t, plan, reg, testConfig(), WithFingerprint("fp-2"))
		cp, err := other.Checkpoint(result)
		require.NoError(t, err)
		_, err = e.Resume(context.Background(), cp)
		assert.ErrorIs(t, err, ErrCheckpointMismatch)
	})

	t.Run("version", func(t *testing.T) {
		cp, err := e.Checkpoint(result)
		require.NoError(t, err)
		cp.Version = "0.9.0"
		data, err := cp.Marshal()
		require.NoError(t, err)
		_, err = UnmarshalCheckpoint(data)
		assert.ErrorIs(t, err, ErrCheckpointVersionMismatch)
	})

	t.Run("tampered file", func(t *testing.T) {
		cp, err := e.Checkpoint(result)
		require.NoError(t, err)
		cp.RunID = "someone-else"
		data, err := cp.Marshal()
		require.NoError(t, err)
		_, err = UnmarshalCheckpoint(data)
		assert.ErrorIs(t, err, ErrCheckpointCorrupt)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := e.Resume(context.Background(), nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Error(t, SaveCheckpoint(nil, "x"))
		_, err = LoadCheckpoint("")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestCheckpoint_ValuesSurviveRoundTrip(t *testing.T) {
	table := NewTable()
	table.Set("obj", []any{map[string]any{"name": "Ada", "tags": []any{"x"}}, nil})

	cp, err := NewCheckpoint("run", "plan", "fp", table)
	require.NoError(t, err)
	data, err := cp.Marshal()
	require.NoError(t, err)

	back, err := UnmarshalCheckpoint(data)
	require.NoError(t, err)
	assert.Equal(t, cp.Columns, back.Columns)
	assert.Equal(t, []any{map[string]any{"name": "Ada", "tags": []any{"x"}}, nil}, back.Columns["obj"])
}

func TestRetryPolicy_Decide(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 4, Backoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond, OnExhausted: ExhaustSkip}
	transient := tasks.Retryable(tasks.FailureTimeout, errors.New("slow"))
	permanent := tasks.Permanent(tasks.FailureInvalidInput, errors.New("bad"))

	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		err     *tasks.ExecutionError
		want    Decision
	}{
		{"first retry", policy, 1, transient, Decision{ActionRetry, 100 * time.Millisecond}},
		{"doubles", policy, 2, transient, Decision{ActionRetry, 200 * time.Millisecond}},
		{"capped", policy, 3, transient, Decision{ActionRetry, 250 * time.Millisecond}},
		{"exhausted skips", policy, 4, transient, Decision{Action: ActionSkip}},
		{"permanent skips at once", policy, 1, permanent, Decision{Action: ActionSkip}},
		{"abort policy", RetryPolicy{MaxAttempts: 1, OnExhausted: ExhaustAbort}, 1, transient, Decision{Action: ActionAbort}},
		{"no backoff", RetryPolicy{MaxAttempts: 2}, 1, transient, Decision{Action: ActionRetry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Decide(tt.attempt, tt.err))
		})
	}
	assert.Equal(t, "abort", ActionAbort.String())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := Config{Retry: RetryPolicy{OnExhausted: "shrug", Backoff: -1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	for _, want := range []string{"Concurrency", "InvocationTimeout", "MaxAttempts", "Backoff", "OnExhausted"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestTable(t *testing.T) {
	table := NewTable()
	table.Set("b", []any{1, 2})
	table.Set("a", []any{3})
	table.Set("b", []any{4, 5, 6})

	assert.Equal(t, []string{"b", "a"}, table.Columns())
	n, ok := table.RowCount("b")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
	_, ok = table.RowCount("zzz")
	assert.False(t, ok)
	assert.True(t, table.Has("a"))
	assert.Nil(t, table.Values("zzz"))
}
