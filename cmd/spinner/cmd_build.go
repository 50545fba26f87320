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
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Inverness/Spinner-sub001/services/weave/build"
	"github.com/Inverness/Spinner-sub001/services/weave/elements"
	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/report"
)

func (a *app) buildCmd() *cobra.Command {
	var (
		out        string
		workers    int
		noVerify   bool
		noReport   bool
		metricsOut string
	)
	cmd := &cobra.Command{
		Use:   "build <program>",
		Short: "Weave the aspects of a program",
		Long: `Resolves every marker of the program, weaves the aspects and writes the
woven program. Without --output the program is rewritten in place. Nothing
is written when any stage fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := args[0]
			if err := a.setup(cmd, in); err != nil {
				return err
			}
			if noVerify {
				a.cfg.Build.Verify = false
			}
			if out == "" {
				out = in
			}

			opts := []build.Option{build.WithLogger(a.logger), build.WithWorkers(workers)}
			if a.cfg.Report.Enabled && !noReport {
				db, err := report.Open(a.cfg.Report.Path)
				if err != nil {
					return err
				}
				defer db.Close()
				store, err := report.NewStore(db, a.logger)
				if err != nil {
					return err
				}
				opts = append(opts, build.WithStore(store))
			}

			r, err := build.New(a.cfg, opts...).File(cmd.Context(), in, out)
			if metricsOut != "" {
				if merr := build.WriteMetrics(metricsOut); merr != nil && err == nil {
					err = merr
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "build %s: wove %d targets of %s into %s\n",
				r.BuildID, r.Stats.Targets, r.Program.Main.Name, out)
			for _, kind := range slices.Sorted(maps.Keys(r.Stats.Applied)) {
				fmt.Fprintf(a.stdout, "  %-12s %d\n", kind, r.Stats.Applied[kind])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "woven program path (default: rewrite the input)")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel weaving workers (default: from config)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip structural verification")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "do not record the build in the report store")
	cmd.Flags().StringVar(&metricsOut, "metrics-out", "", "write Prometheus metrics to this file")
	return cmd
}

func (a *app) resolveCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "resolve <program>",
		Short: "Print the aspects each element would receive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd, args[0]); err != nil {
				return err
			}
			p, err := il.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := a.cfg.CheckSupport(p); err != nil {
				return err
			}
			g, res, err := build.New(a.cfg, build.WithLogger(a.logger)).Resolve(cmd.Context(), p)
			if err != nil {
				return err
			}

			if asJSON {
				m, err := report.NewManifest("resolve", g, res)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(m.Targets)
			}
			for _, id := range res.Targets() {
				el, _ := g.Element(id)
				fmt.Fprintf(a.stdout, "%s (%s)\n", id, kindOf(el))
				for i, inst := range res.Resolve(id) {
					fmt.Fprintf(a.stdout, "  %d. %s [%s]\n", i+1, inst, inst.Kind())
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func kindOf(el *elements.Element) string {
	if el == nil {
		return "unknown"
	}
	return el.Kind.String()
}
