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
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wizenheimer/cyyrus/services/composer/engine"
	"github.com/wizenheimer/cyyrus/services/composer/store"
)

func (a *app) runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored runs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Short:   "List runs, newest first",
			Aliases: []string{"ls"},
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withRuns(func(runs *store.RunStore) error {
					records, err := runs.List(cmd.Context())
					if err != nil {
						return err
					}
					if len(records) == 0 {
						a.out.Info("no runs")
						return nil
					}
					fmt.Fprint(a.out.Writer(), runsTable(records).Render(a.out.Mode()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "show <run-id>",
			Short: "Show the record and column report of a run",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRuns(func(runs *store.RunStore) error {
					rec, err := runs.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return a.showRun(rec)
				})
			},
		},
		&cobra.Command{
			Use:     "delete <run-id>",
			Short:   "Delete a stored run",
			Aliases: []string{"rm"},
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRuns(func(runs *store.RunStore) error {
					if err := runs.Delete(cmd.Context(), args[0]); err != nil {
						return err
					}
					a.out.Success("deleted run " + args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withRuns(fn func(*store.RunStore) error) error {
	db, err := store.OpenDB(a.cfg.Store)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(store.NewRunStore(db))
}

func (a *app) showRun(rec *store.Record) error {
	a.out.Title("Run " + rec.RunID)
	a.out.KeyValue("dataset", rec.Dataset)
	if rec.SchemaPath != "" {
		a.out.KeyValue("schema", rec.SchemaPath)
	}
	a.out.KeyValue("fingerprint", rec.Fingerprint)
	a.out.KeyValue("started", rec.StartedAt.Local().Format(time.DateTime))
	a.out.KeyValue("duration", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	a.out.KeyValue("success", rec.Success)
	if rec.ResumedFrom != "" {
		a.out.KeyValue("resumed", rec.ResumedFrom)
	}
	if rec.Error != "" {
		a.out.KeyValue("error", rec.Error)
	}
	if len(rec.Checkpoint) > 0 {
		cp, err := engine.UnmarshalCheckpoint(rec.Checkpoint)
		if err != nil {
			a.out.Warning("checkpoint unreadable: " + err.Error())
		} else {
			a.out.KeyValue("checkpoint", fmt.Sprintf("%d columns", len(cp.Columns)))
		}
	}

	if len(rec.Report) == 0 {
		return nil
	}
	var report engine.Report
	if err := json.Unmarshal(rec.Report, &report); err != nil {
		return fmt.Errorf("decoding report of run %s: %w", rec.RunID, err)
	}
	fmt.Fprint(a.out.Writer(), reportTable(&report).Render(a.out.Mode()))
	return nil
}
