// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine executes a column plan level by level.
//
// Roots are invoked once and fix the base row count of their lineage.
// Every other column is invoked once per row with the tuple of its input
// values at that row; all inputs must agree on row count. Failed
// invocations are retried, skipped (null at the row), or abort the
// column according to the RetryPolicy. A failed column makes all of its
// descendants unreachable.
//
// Columns of one level run concurrently; every invocation in the run
// draws from one weighted semaphore sized Config.Concurrency.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wizenheimer/cyyrus/services/composer/graph"
	"github.com/wizenheimer/cyyrus/services/composer/schema"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
)

var (
	tracer = otel.Tracer("cyyrus.composer")
	meter  = otel.Meter("cyyrus.composer")
)

// Row outcome labels recorded on the outcome counter.
const (
	outcomeSucceeded = "succeeded"
	outcomeRetried   = "retried"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFingerprint sets the schema fingerprint stamped on checkpoints and
// required of checkpoints passed to Resume.
func WithFingerprint(fp string) Option {
	return func(e *Engine) {
		e.fingerprint = fp
	}
}

// Engine runs a plan.
//
// Thread Safety:
//
//	Engine is safe for concurrent use. Each Run owns its table and
//	semaphore; only metric instruments are shared.
type Engine struct {
	plan        *graph.Plan
	registry    *tasks.Registry
	config      Config
	logger      *slog.Logger
	fingerprint string

	metricsOnce       sync.Once
	invocationLatency metric.Float64Histogram
	rowOutcomes       metric.Int64Counter
	activeInvocations metric.Int64UpDownCounter
	runLatency        metric.Float64Histogram
}

// New creates an engine.
//
// Inputs:
//
//	plan - The validated plan. Must not be nil.
//	reg - Task bindings. Every column's task must be registered.
//	cfg - Engine configuration. Validated here.
//	opts - Optional settings.
//
// Outputs:
//
//	*Engine - The engine.
//	error - ErrInvalidInput or tasks.ErrUnknownTask.
func New(plan *graph.Plan, reg *tasks.Registry, cfg Config, opts ...Option) (*Engine, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: plan must not be nil", ErrInvalidInput)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: task registry must not be nil", ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, id := range plan.Columns() {
		col, _ := plan.Column(id)
		if _, err := reg.Get(col.TaskID); err != nil {
			return nil, fmt.Errorf("column %q: %w", id, err)
		}
	}

	e := &Engine{
		plan:     plan,
		registry: reg,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Plan returns the plan the engine runs.
func (e *Engine) Plan() *graph.Plan {
	return e.plan
}

// initMetrics lazily creates instruments. Failures degrade observability
// but never the run.
func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.invocationLatency, err = meter.Float64Histogram("composer_invocation_duration_seconds",
			metric.WithDescription("Time spent in a single executor invocation"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "invocation_latency: "+err.Error())
		}

		e.rowOutcomes, err = meter.Int64Counter("composer_row_outcomes_total",
			metric.WithDescription("Invocation outcomes by column and outcome"),
		)
		if err != nil {
			initErrors = append(initErrors, "row_outcomes: "+err.Error())
		}

		e.activeInvocations, err = meter.Int64UpDownCounter("composer_active_invocations",
			metric.WithDescription("Number of in-flight executor invocations"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_invocations: "+err.Error())
		}

		e.runLatency, err = meter.Float64Histogram("composer_run_duration_seconds",
			metric.WithDescription("Total run time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some composer metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes the whole plan.
//
// Description:
//
//	Levels run strictly in order. A column failure is recorded in the
//	report, its descendants become unreachable, and with FailFast the
//	remaining levels are not scheduled. Cancelling ctx stops new
//	invocations; columns in flight are discarded.
//
// Outputs:
//
//	*Result - Always non-nil once the run starts, even on failure.
//	error - ErrRunFailed wrapping the first column failure, or the
//	        context error when the run was cancelled.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	return e.execute(ctx, "composer.Run", uuid.NewString()[:12], NewTable(), nil)
}

// run is the mutable state of one execution.
type run struct {
	id      string
	table   *Table
	sem     *semaphore.Weighted
	reports map[string]*ColumnReport
}

func (e *Engine) execute(
	ctx context.Context,
	spanName string,
	runID string,
	table *Table,
	resumed map[string]bool,
) (*Result, error) {
	e.initMetrics()

	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("composer.plan", e.plan.Name()),
			attribute.String("composer.run_id", runID),
			attribute.Int("composer.column_count", e.plan.Len()),
			attribute.Int("composer.resumed_columns", len(resumed)),
		),
	)
	defer span.End()

	start := time.Now()
	logger := e.logger.With(slog.String("run_id", runID))
	logger.Info("run started",
		slog.String("plan", e.plan.Name()),
		slog.Int("columns", e.plan.Len()),
		slog.Int("levels", len(e.plan.Levels())),
		slog.Int("concurrency", e.config.Concurrency),
	)

	r := &run{
		id:      runID,
		table:   table,
		sem:     semaphore.NewWeighted(int64(e.config.Concurrency)),
		reports: make(map[string]*ColumnReport, e.plan.Len()),
	}
	for _, id := range e.plan.Order() {
		col, _ := e.plan.Column(id)
		rep := &ColumnReport{Column: id, Task: col.TaskID, Level: e.plan.Level(id), Status: StatusPending}
		if resumed[id] {
			rep.Status = StatusCompleted
			rep.Resumed = true
			rep.Rows, _ = table.RowCount(id)
		}
		r.reports[id] = rep
	}

	var firstErr, ctxErr error
	for _, level := range e.plan.Levels() {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			break
		}
		if firstErr != nil && e.config.FailFast {
			break
		}

		var runnable []string
		for _, id := range level {
			if rep := r.reports[id]; rep.Status == StatusPending {
				rep.Status = StatusReady
				runnable = append(runnable, id)
			}
		}
		if len(runnable) == 0 {
			continue
		}

		g, gctx := &errgroup.Group{}, ctx
		if e.config.FailFast {
			g, gctx = errgroup.WithContext(ctx)
		}
		materialized := make([][]any, len(runnable))
		for i, id := range runnable {
			g.Go(func() error {
				values, err := e.runColumn(gctx, r, logger, id)
				materialized[i] = values
				return err
			})
		}
		_ = g.Wait()

		var levelErr error
		for i, id := range runnable {
			rep := r.reports[id]
			if rep.Status == StatusCompleted {
				r.table.Set(id, materialized[i])
				continue
			}
			if rep.Status != StatusFailed {
				continue
			}
			if levelErr == nil || (errors.Is(levelErr, ErrColumnCanceled) && !errors.Is(rep.Err, ErrColumnCanceled)) {
				levelErr = &ColumnError{Column: id, Err: rep.Err}
			}
			e.markUnreachable(r, logger, id)
		}
		if levelErr != nil && firstErr == nil {
			firstErr = levelErr
		}
	}
	if err := ctx.Err(); err != nil {
		ctxErr = err
	}

	duration := time.Since(start)
	if e.runLatency != nil {
		e.runLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("plan", e.plan.Name())),
		)
	}

	report := &Report{
		RunID:     runID,
		Plan:      e.plan.Name(),
		StartedAt: start,
		Duration:  duration,
		Columns:   make([]ColumnReport, 0, e.plan.Len()),
		Success:   true,
	}
	for _, id := range e.plan.Order() {
		rep := r.reports[id]
		if rep.Status != StatusCompleted {
			report.Success = false
		}
		report.Columns = append(report.Columns, *rep)
	}

	result := &Result{RunID: runID, Table: table, Report: report}

	switch {
	case ctxErr != nil:
		report.Success = false
		report.Error = ctxErr.Error()
		span.RecordError(ctxErr)
		span.SetStatus(codes.Error, "context canceled")
		logger.Warn("run canceled", slog.Duration("duration", duration))
		return result, ctxErr

	case firstErr != nil:
		report.Error = firstErr.Error()
		span.RecordError(firstErr)
		span.SetStatus(codes.Error, firstErr.Error())
		logger.Error("run failed",
			slog.Duration("duration", duration),
			slog.Any("failed_columns", report.Failed()),
			slog.String("error", firstErr.Error()),
		)
		return result, fmt.Errorf("%w: %w", ErrRunFailed, firstErr)

	default:
		span.SetStatus(codes.Ok, "")
		logger.Info("run completed",
			slog.Duration("duration", duration),
			slog.Int("columns", e.plan.Len()),
		)
		return result, nil
	}
}

// markUnreachable marks every not-yet-run descendant of a failed column.
func (e *Engine) markUnreachable(r *run, logger *slog.Logger, failed string) {
	for _, id := range e.plan.Descendants(failed) {
		rep := r.reports[id]
		if rep.Status.IsTerminal() {
			continue
		}
		rep.Status = StatusUnreachable
		rep.Error = fmt.Sprintf("upstream column %q failed", failed)
		logger.Debug("column unreachable",
			slog.String("column", id),
			slog.String("failed_upstream", failed),
		)
	}
}

// runColumn materializes one column. The caller commits it to the table
// at the level barrier.
func (e *Engine) runColumn(ctx context.Context, r *run, logger *slog.Logger, id string) ([]any, error) {
	rep := r.reports[id]
	col, _ := e.plan.Column(id)
	binding, err := e.registry.Get(col.TaskID)
	if err != nil {
		rep.Status = StatusFailed
		rep.Err = err
		rep.Error = err.Error()
		return nil, &ColumnError{Column: id, Err: err}
	}

	ctx, span := tracer.Start(ctx, "composer.Column",
		trace.WithAttributes(
			attribute.String("composer.column", id),
			attribute.String("composer.task", col.TaskID),
			attribute.String("composer.task_kind", string(binding.Kind)),
			attribute.Int("composer.level", rep.Level),
			attribute.StringSlice("composer.inputs", col.InputIDs()),
		),
	)
	defer span.End()

	rep.Status = StatusRunning
	logger.Debug("column starting",
		slog.String("column", id),
		slog.String("task", col.TaskID),
		slog.Int("level", rep.Level),
	)

	start := time.Now()
	values, stats, err := e.materialize(ctx, r, logger, col, binding)
	rep.Duration = time.Since(start)
	rep.Stats = stats

	if err != nil {
		rep.Status = StatusFailed
		rep.Err = err
		rep.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("column failed",
			slog.String("column", id),
			slog.Duration("duration", rep.Duration),
			slog.String("error", err.Error()),
		)
		return nil, &ColumnError{Column: id, Err: err}
	}

	rep.Status = StatusCompleted
	rep.Rows = len(values)
	span.SetAttributes(attribute.Int("composer.rows", len(values)))
	span.SetStatus(codes.Ok, "")
	logger.Info("column completed",
		slog.String("column", id),
		slog.Int("rows", len(values)),
		slog.Int("skipped", stats.Skipped),
		slog.Int("retried", stats.Retried),
		slog.Duration("duration", rep.Duration),
	)
	return values, nil
}

// materialize produces the values of one column.
func (e *Engine) materialize(
	ctx context.Context,
	r *run,
	logger *slog.Logger,
	col schema.Column,
	binding *tasks.Binding,
) ([]any, RowStats, error) {
	var counter rowCounter

	if col.IsRoot() {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, RowStats{}, canceled(ctx)
		}
		inv := e.invoke(ctx, r, logger, col, binding, nil, -1)
		r.sem.Release(1)
		counter.record(inv)

		if inv.outcome != outcomeSucceeded {
			return nil, counter.snapshot(), inv.err
		}
		if len(inv.values) == 0 {
			return nil, counter.snapshot(), ErrEmptyRoot
		}
		return inv.values, counter.snapshot(), nil
	}

	inputs := make([][]any, len(col.Inputs))
	counts := make([]int, len(col.Inputs))
	aligned := true
	for i, in := range col.Inputs {
		n, ok := r.table.RowCount(in.Column)
		if !ok {
			return nil, RowStats{}, fmt.Errorf("%w: input %q is not materialized", ErrInvalidInput, in.Column)
		}
		inputs[i] = r.table.Values(in.Column)
		counts[i] = n
		if n != counts[0] {
			aligned = false
		}
	}
	if !aligned {
		return nil, RowStats{}, &FanInError{Column: col.ID, Inputs: col.InputIDs(), Counts: counts}
	}

	rows := counts[0]
	out := make([]any, rows)
	g, gctx := errgroup.WithContext(ctx)
	for row := 0; row < rows; row++ {
		if err := r.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer r.sem.Release(1)

			tuple := make(tasks.Inputs, len(col.Inputs))
			for i, in := range col.Inputs {
				tuple[i] = tasks.Input{Column: in.Column, Name: in.Name(), Value: inputs[i][row]}
			}

			inv := e.invoke(gctx, r, logger, col, binding, tuple, row)
			counter.record(inv)
			switch inv.outcome {
			case outcomeSucceeded:
				out[row] = collapse(inv.values)
			case outcomeSkipped:
				out[row] = nil
			default:
				return inv.err
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = canceled(ctx)
	}
	stats := counter.snapshot()
	if err != nil {
		return nil, stats, err
	}
	if rows > 0 && stats.Skipped == rows {
		return nil, stats, fmt.Errorf("%w: all %d rows skipped", ErrNoRows, rows)
	}
	return out, stats, nil
}

// callResult is what one executor call returned.
type callResult struct {
	values []any
	err    error
}

// invocation is the final outcome of one row after retries.
type invocation struct {
	values  []any
	outcome string
	retried bool
	err     error
}

// invoke runs one invocation with the retry policy applied.
func (e *Engine) invoke(
	ctx context.Context,
	r *run,
	logger *slog.Logger,
	col schema.Column,
	binding *tasks.Binding,
	in tasks.Inputs,
	row int,
) invocation {
	inv := invocation{}
	for attempt := 1; ; attempt++ {
		values, err := e.attempt(ctx, r, col, binding, in, row, attempt)
		if err == nil {
			inv.values = values
			inv.outcome = outcomeSucceeded
			e.recordOutcome(ctx, col.ID, outcomeSucceeded)
			return inv
		}
		if ctx.Err() != nil {
			inv.outcome = outcomeFailed
			inv.err = canceled(ctx)
			return inv
		}

		ee := tasks.AsExecutionError(err)
		if binding.IsRetryable(err) {
			ee.Retryable = true
		}
		ee.Column, ee.Row = col.ID, row

		decision := e.config.Retry.Decide(attempt, ee)
		if decision.Action == ActionSkip && col.IsRoot() {
			decision.Action = ActionAbort
		}
		switch decision.Action {
		case ActionRetry:
			inv.retried = true
			e.recordOutcome(ctx, col.ID, outcomeRetried)
			logger.Warn("invocation failed, retrying",
				slog.String("column", col.ID),
				slog.Int("row", row),
				slog.Int("attempt", attempt),
				slog.String("kind", ee.Kind),
				slog.Duration("backoff", decision.Delay),
				slog.String("error", ee.Error()),
			)
			select {
			case <-ctx.Done():
				inv.outcome = outcomeFailed
				inv.err = canceled(ctx)
				return inv
			case <-time.After(decision.Delay):
			}

		case ActionSkip:
			inv.outcome = outcomeSkipped
			inv.err = ee
			e.recordOutcome(ctx, col.ID, outcomeSkipped)
			logger.Warn("row skipped",
				slog.String("column", col.ID),
				slog.Int("row", row),
				slog.Int("attempts", attempt),
				slog.String("kind", ee.Kind),
				slog.String("error", ee.Error()),
			)
			return inv

		default:
			inv.outcome = outcomeFailed
			inv.err = ee
			e.recordOutcome(ctx, col.ID, outcomeFailed)
			return inv
		}
	}
}

// attempt makes a single executor call under the invocation timeout.
func (e *Engine) attempt(
	ctx context.Context,
	r *run,
	col schema.Column,
	binding *tasks.Binding,
	in tasks.Inputs,
	row int,
	attempt int,
) (values []any, err error) {
	ctx, span := tracer.Start(ctx, "composer.Invoke",
		trace.WithAttributes(
			attribute.String("composer.column", col.ID),
			attribute.Int("composer.row", row),
			attribute.Int("composer.attempt", attempt),
			attribute.String("composer.run_id", r.id),
		),
	)
	defer span.End()

	if e.activeInvocations != nil {
		e.activeInvocations.Add(ctx, 1)
		defer e.activeInvocations.Add(ctx, -1)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.InvocationTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan callResult, 1)
	go func() {
		var res callResult
		defer func() {
			if p := recover(); p != nil {
				res = callResult{err: tasks.Permanent(tasks.FailureInternal, fmt.Errorf("executor panic: %v", p))}
			}
			done <- res
		}()
		res.values, res.err = binding.Invoke(callCtx, in)
	}()

	timedOut := false
	select {
	case res := <-done:
		values, err = res.values, res.err
		timedOut = err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	case <-callCtx.Done():
		// A result arriving after the deadline is dropped.
		values, err = nil, callCtx.Err()
		timedOut = errors.Is(err, context.DeadlineExceeded)
	}

	if e.invocationLatency != nil {
		e.invocationLatency.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("column", col.ID)),
		)
	}

	if timedOut && ctx.Err() == nil {
		err = tasks.Retryable(tasks.FailureTimeout,
			fmt.Errorf("invocation exceeded %s: %w", e.config.InvocationTimeout, context.DeadlineExceeded))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return values, nil
}

func (e *Engine) recordOutcome(ctx context.Context, column, outcome string) {
	if e.rowOutcomes != nil {
		e.rowOutcomes.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("column", column),
				attribute.String("outcome", outcome),
			),
		)
	}
}

// collapse maps an invocation's values to the single value stored at a
// row: none is null, one is itself, several stay a list.
func collapse(values []any) any {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrColumnCanceled, context.Cause(ctx))
}

// rowCounter accumulates RowStats from concurrent invocations.
type rowCounter struct {
	succeeded, retried, skipped, failed atomic.Int64
}

func (c *rowCounter) record(inv invocation) {
	if inv.retried {
		c.retried.Add(1)
	}
	switch inv.outcome {
	case outcomeSucceeded:
		c.succeeded.Add(1)
	case outcomeSkipped:
		c.skipped.Add(1)
	case outcomeFailed:
		if !errors.Is(inv.err, ErrColumnCanceled) {
			c.failed.Add(1)
		}
	}
}

func (c *rowCounter) snapshot() RowStats {
	return RowStats{
		Succeeded: int(c.succeeded.Load()),
		Retried:   int(c.retried.Load()),
		Skipped:   int(c.skipped.Load()),
		Failed:    int(c.failed.Load()),
	}
}
