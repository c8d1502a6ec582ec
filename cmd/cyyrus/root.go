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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/wizenheimer/cyyrus/pkg/logging"
	"github.com/wizenheimer/cyyrus/pkg/ux"
	"github.com/wizenheimer/cyyrus/services/composer/config"
	"github.com/wizenheimer/cyyrus/services/composer/executors"
)

var version = "0.1.0"

// errReported marks failures whose details were already printed.
var errReported = errors.New("reported")

// app holds the state shared by every command of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// Global flags
	configPath string
	logLevel   string
	logDir     string
	jsonLogs   bool
	outputMode string

	cfg    config.Config
	logger *logging.Logger
	out    *ux.Printer
	errOut *ux.Printer

	// Overrides for tests. Nil means the real clients.
	chat       executors.ChatCompleter
	httpClient *http.Client
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cyyrus",
		Short: "Compose datasets from a declarative schema",
		Long: `cyyrus reads a schema of tasks, types, and columns, runs the tasks as a
dependency graph, and exports the resulting rows as a split dataset.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "run configuration file (default $CYYRUS_HOME/config.yaml)")
	pf.StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&a.logDir, "log-dir", "", "also write JSON logs to daily files in this directory")
	pf.BoolVar(&a.jsonLogs, "json-logs", false, "write stderr logs as JSON")
	pf.StringVar(&a.outputMode, "output-mode", "", "terminal output: full, minimal, machine (default: detect)")

	root.AddCommand(
		a.runCmd(),
		a.validateCmd(),
		a.graphCmd(),
		a.runsCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	level, err := logging.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.logDir,
		Service: "cyyrus",
		JSON:    a.jsonLogs,
	})
	slog.SetDefault(a.logger.Slog())

	mode := ux.Mode("")
	if a.outputMode != "" {
		mode = ux.ParseMode(a.outputMode)
	}
	a.out = ux.NewPrinter(a.stdout, mode)
	a.errOut = ux.NewPrinter(a.stderr, mode)

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	cfg.Store.Logger = a.logger.Slog()
	a.cfg = cfg
	return nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, a *app, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	defer a.close()
	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			errOut := a.errOut
			if errOut == nil {
				errOut = ux.NewPrinter(a.stderr, "")
			}
			errOut.Error(err.Error())
		}
		return 1
	}
	return 0
}

func reported(err error) error {
	return fmt.Errorf("%w: %w", errReported, err)
}
