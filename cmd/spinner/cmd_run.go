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
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/pointcut"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/vm"
)

func (a *app) inspectCmd() *cobra.Command {
	var typeName string
	cmd := &cobra.Command{
		Use:   "inspect <program>",
		Short: "Disassemble a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd, args[0]); err != nil {
				return err
			}
			p, err := il.LoadFile(args[0])
			if err != nil {
				return err
			}
			if typeName == "" {
				return il.FormatModule(a.stdout, p.Main)
			}
			t, err := p.ResolveType(typeName)
			if err != nil {
				return err
			}
			return il.FormatType(a.stdout, t)
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "only this type")
	return cmd
}

func (a *app) runCmd() *cobra.Command {
	var steps int64
	cmd := &cobra.Command{
		Use:   "run <program> <Type::Method> [args...]",
		Short: "Execute a static method of a program",
		Long: `Executes a static method in the interpreter. Arguments that parse as
integers are passed as integers, everything else as strings. The return
value, if any, is printed after the program's own output.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd, args[0]); err != nil {
				return err
			}
			typ, method, ok := pointcut.SplitPointcut(args[1])
			if !ok {
				return fmt.Errorf("%q is not of the form Type::Method", args[1])
			}
			p, err := il.LoadFile(args[0])
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("steps") {
				steps = a.cfg.Run.StepLimit
			}

			m := vm.New(p, vm.WithOutput(a.stdout), vm.WithStepLimit(steps), vm.WithLogger(a.logger))
			v, err := m.Run(typ, method, parseArgs(args[2:])...)
			if err != nil {
				if exc, ok := vm.AsException(err); ok {
					return fmt.Errorf("unhandled %s: %s", exc.TypeName(), exc.Message())
				}
				return err
			}
			if v != nil {
				fmt.Fprintln(a.stdout, runtime.FormatValue(v))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&steps, "steps", 0, "instruction budget, 0 for unlimited (default: from config)")
	return cmd
}

func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, s := range args {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			out[i] = n
		} else {
			out[i] = s
		}
	}
	return out
}
