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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Inverness/Spinner-sub001/services/weave/report"
)

func (a *app) reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect and compare recorded builds",
	}
	cmd.AddCommand(a.reportListCmd(), a.reportShowCmd(), a.reportDiffCmd())
	return cmd
}

// withStore runs fn against the configured report store.
func (a *app) withStore(cmd *cobra.Command, fn func(s *report.Store) error) error {
	if err := a.setup(cmd, ""); err != nil {
		return err
	}
	db, err := report.Open(a.cfg.Report.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	s, err := report.NewStore(db, a.logger)
	if err != nil {
		return err
	}
	return fn(s)
}

func (a *app) reportListCmd() *cobra.Command {
	var (
		module string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded builds, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd, func(s *report.Store) error {
				metas, err := s.List(cmd.Context(), module, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BUILD\tMODULE\tBUILT\tTARGETS\tINSTANCES")
				for _, m := range metas {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", m.BuildID, m.Module,
						time.UnixMilli(m.BuiltAtMilli).UTC().Format(time.RFC3339), m.Targets, m.Instances)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "only builds of this module")
	cmd.Flags().IntVar(&limit, "limit", report.DefaultListLimit, "maximum number of builds")
	return cmd
}

func (a *app) reportShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <build>",
		Short: "Print the manifest of a build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(s *report.Store) error {
				m, _, err := s.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(m)
			})
		},
	}
}

func (a *app) reportDiffCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "diff <base-build> [<target-build>]",
		Short: "Compare two builds",
		Long: `Compares the woven targets of two builds. Without a target build the base
is compared with the latest build of the same module.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(s *report.Store) error {
				ctx := cmd.Context()
				base, _, err := s.Load(ctx, args[0])
				if err != nil {
					return err
				}
				var target *report.Manifest
				if len(args) == 2 {
					target, _, err = s.Load(ctx, args[1])
				} else {
					target, _, err = s.Latest(ctx, base.Module)
				}
				if err != nil {
					return err
				}
				d, err := report.DiffManifests(base, target)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(a.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(d)
				}
				printDiff(a, d)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printDiff(a *app, d *report.Diff) {
	fmt.Fprintf(a.stdout, "%s -> %s: %d changes (%.0f%% of targets)\n",
		d.BaseBuildID, d.TargetBuildID, d.Summary.TotalChanges, d.Summary.ChangeRatio*100)
	for _, id := range d.TargetsAdded {
		fmt.Fprintf(a.stdout, "+ %s\n", id)
	}
	for _, id := range d.TargetsRemoved {
		fmt.Fprintf(a.stdout, "- %s\n", id)
	}
	for _, t := range d.TargetsModified {
		fmt.Fprintf(a.stdout, "~ %s (%s)\n", t.ID, t.ChangeType)
		if len(t.AspectsAdded) > 0 {
			fmt.Fprintf(a.stdout, "    + %s\n", strings.Join(t.AspectsAdded, ", "))
		}
		if len(t.AspectsRemoved) > 0 {
			fmt.Fprintf(a.stdout, "    - %s\n", strings.Join(t.AspectsRemoved, ", "))
		}
	}
}
