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
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wizenheimer/cyyrus/services/composer/watch"
)

func (a *app) validateCmd() *cobra.Command {
	var watchFile bool

	cmd := &cobra.Command{
		Use:   "validate <schema.yaml>",
		Short: "Check a schema without running any task",
		Long: `Validate runs every build-time check: document shape, type declarations,
column references, cycles, and input/output type compatibility.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watchFile {
				return a.validateOnce(args[0])
			}
			_ = a.validateOnce(args[0])
			w, err := watch.New(args[0], func(_ context.Context, path string) {
				_ = a.validateOnce(path)
			}, watch.WithLogger(a.logger.Slog()))
			if err != nil {
				return err
			}
			a.out.Info("watching " + args[0] + " for changes (Ctrl-C to stop)")
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&watchFile, "watch", "w", false, "re-validate whenever the file changes")
	return cmd
}

func (a *app) validateOnce(path string) error {
	p, err := loadPipeline(path)
	if err != nil {
		a.errOut.Error(err.Error())
		return reported(err)
	}
	a.out.Success(fmt.Sprintf("%s is valid: %d columns in %d levels", path, p.plan.Len(), len(p.plan.Levels())))
	return nil
}

func (a *app) graphCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "graph <schema.yaml>",
		Short: "Print the column graph as Mermaid and its execution levels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPipeline(args[0])
			if err != nil {
				return err
			}
			a.out.Title(p.plan.Name())
			fmt.Fprint(a.out.Writer(), p.plan.Mermaid())
			fmt.Fprintln(a.out.Writer())
			for i, level := range p.plan.Levels() {
				a.out.KeyValue(fmt.Sprintf("level %d", i), strings.Join(level, ", "))
			}
			return nil
		},
	}
}
