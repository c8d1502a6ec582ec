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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/wizenheimer/cyyrus/pkg/ux"
	"github.com/wizenheimer/cyyrus/services/composer/dataset"
	"github.com/wizenheimer/cyyrus/services/composer/engine"
	"github.com/wizenheimer/cyyrus/services/composer/executors"
	"github.com/wizenheimer/cyyrus/services/composer/export"
	"github.com/wizenheimer/cyyrus/services/composer/store"
	"github.com/wizenheimer/cyyrus/services/composer/tasks"
	"github.com/wizenheimer/cyyrus/services/composer/telemetry"
)

// runOptions are the flags of the run command.
type runOptions struct {
	resume      string
	metricsAddr string
	outputDir   string
	format      string
	concurrency int
}

func (a *app) runCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <schema.yaml>",
		Short: "Run a schema and export the dataset",
		Long: `Run validates the schema, executes its tasks level by level, stores the
run record, and exports the assembled dataset. A failed run keeps a
checkpoint of its completed columns; pass --resume <run-id> to continue it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.resume, "resume", "", "continue the run with this id from its checkpoint")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address during the run")
	f.StringVarP(&opts.outputDir, "output", "o", "", "export directory (default from config)")
	f.StringVarP(&opts.format, "format", "f", "", "export format: jsonl, json, csv (default from config)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "maximum concurrent task invocations (default from config)")
	return cmd
}

func (a *app) run(ctx context.Context, path string, opts runOptions) error {
	logger := a.logger.Slog()

	p, err := loadPipeline(path)
	if err != nil {
		return err
	}

	format := a.cfg.Export.Format
	if opts.format != "" {
		format = opts.format
	}
	outFormat, err := export.ParseFormat(format)
	if err != nil {
		return err
	}
	outDir := a.cfg.Export.Dir
	if opts.outputDir != "" {
		outDir = opts.outputDir
	}
	engineCfg := a.cfg.Engine
	if opts.concurrency > 0 {
		engineCfg.Concurrency = opts.concurrency
	}

	telCfg := a.cfg.Telemetry
	if opts.metricsAddr != "" {
		telCfg.MetricsAddr = opts.metricsAddr
		telCfg.MetricExporter = telemetry.ExporterPrometheus
	}
	shutdown, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()
	if telCfg.MetricsAddr != "" {
		addr, err := telemetry.ServeMetrics(ctx, telCfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		a.out.Info("metrics on http://" + addr + "/metrics")
	}

	db, err := store.OpenDB(a.cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()
	runs := store.NewRunStore(db)

	reg, err := tasks.NewRegistry(p.spec.Tasks, executors.Default(executors.Options{
		Chat:       a.chat,
		HTTPClient: a.httpClient,
		Types:      p.types,
		Logger:     logger,
	}))
	if err != nil {
		return err
	}
	eng, err := engine.New(p.plan, reg, engineCfg,
		engine.WithLogger(logger),
		engine.WithFingerprint(p.fingerprint),
	)
	if err != nil {
		return err
	}

	var (
		result *engine.Result
		runErr error
	)
	started := time.Now().UTC()
	spin := ux.NewSpinner(a.out, "running "+p.plan.Name())
	spin.Start()
	if opts.resume != "" {
		var cp *engine.Checkpoint
		cp, err = loadCheckpoint(ctx, runs, opts.resume)
		if err == nil {
			result, runErr = eng.Resume(ctx, cp)
		}
	} else {
		result, runErr = eng.Run(ctx)
	}
	spin.Stop()
	if err != nil {
		return err
	}
	if result == nil {
		return runErr
	}

	rec := store.Record{
		RunID:       result.RunID,
		Dataset:     p.spec.Dataset.Metadata.Name,
		SchemaPath:  p.spec.Path,
		Fingerprint: p.fingerprint,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
		Success:     runErr == nil,
		ResumedFrom: opts.resume,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if rec.Report, err = json.Marshal(result.Report); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	cp, err := eng.Checkpoint(result)
	if err != nil {
		return err
	}
	if rec.Checkpoint, err = cp.Marshal(); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := runs.Save(context.WithoutCancel(ctx), rec); err != nil {
		return err
	}

	a.printReport(result.Report)
	if runErr != nil {
		a.errOut.Error(runErr.Error())
		a.out.Info(fmt.Sprintf("resume with: cyyrus run %s --resume %s", path, result.RunID))
		return reported(runErr)
	}

	ds, err := dataset.NewAssembler(dataset.PolicyFromSpec(p.spec), p.spec.Dataset.Metadata, logger).
		Assemble(result.Table)
	if err != nil {
		return err
	}
	w, err := export.NewWriter(outDir, outFormat, result.RunID, logger)
	if err != nil {
		return err
	}
	info, err := w.Write(ds)
	if err != nil {
		return err
	}
	a.printExport(outDir, info)
	return nil
}

func loadCheckpoint(ctx context.Context, runs *store.RunStore, runID string) (*engine.Checkpoint, error) {
	rec, err := runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(rec.Checkpoint) == 0 {
		return nil, fmt.Errorf("run %s has no checkpoint", runID)
	}
	return engine.UnmarshalCheckpoint(rec.Checkpoint)
}
