// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package il

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FormatInstruction renders one instruction in assembler syntax.
func FormatInstruction(in *Instruction) string {
	switch in.Op {
	case OpLabel:
		return fmt.Sprintf("L%d:", in.Label)
	case OpLdArg, OpLdArgA, OpStArg, OpLdLoc, OpLdLocA, OpStLoc, OpLdcI:
		return in.Op.String() + " " + strconv.FormatInt(in.Int, 10)
	case OpLdcF:
		return in.Op.String() + " " + strconv.FormatFloat(in.Float, 'g', -1, 64)
	case OpLdStr:
		return in.Op.String() + " " + strconv.Quote(in.Str)
	case OpBr, OpBrTrue, OpBrFalse, OpLeave:
		return fmt.Sprintf("%s L%d", in.Op, in.Label)
	case OpSwitch:
		parts := make([]string, len(in.Labels))
		for i, l := range in.Labels {
			parts[i] = fmt.Sprintf("L%d", l)
		}
		return in.Op.String() + " (" + strings.Join(parts, ", ") + ")"
	}
	switch {
	case in.Method != nil:
		return in.Op.String() + " " + in.Method.String()
	case in.Field != nil:
		return in.Op.String() + " " + in.Field.String()
	case in.Type != "":
		return in.Op.String() + " " + string(in.Type)
	}
	return in.Op.String()
}

// FormatMethod writes the method's signature, locals, handlers and body.
func FormatMethod(w io.Writer, m *MethodDef) error {
	var b strings.Builder
	mods := []string{m.Visibility.String()}
	if m.IsStatic() {
		mods = append(mods, "static")
	}
	if m.IsAbstract() {
		mods = append(mods, "abstract")
	} else if m.IsVirtual() {
		mods = append(mods, "virtual")
	}
	params := make([]string, len(m.Parameters))
	for i, p := range m.Parameters {
		prefix := ""
		if p.IsOut() {
			prefix = "out "
		}
		params[i] = prefix + string(p.Type) + " " + p.Name
	}
	fmt.Fprintf(&b, "  .method %s %s %s(%s)\n", strings.Join(mods, " "), m.ReturnType, m.Name, strings.Join(params, ", "))
	for _, a := range m.CustomAttributes {
		fmt.Fprintf(&b, "    .custom %s\n", a)
	}
	if body := m.Body; body != nil {
		for i, l := range body.Locals {
			fmt.Fprintf(&b, "    .local %d %s %s\n", i, l.Type, l.Name)
		}
		for _, h := range body.Handlers {
			catch := ""
			if h.Kind == HandlerCatch {
				catch = " " + string(h.CatchType)
			}
			fmt.Fprintf(&b, "    .try L%d to L%d %s%s handler L%d to L%d\n",
				h.TryStart, h.TryEnd, h.Kind, catch, h.HandlerStart, h.HandlerEnd)
		}
		for _, in := range body.Instructions {
			if in.Op == OpLabel {
				fmt.Fprintf(&b, "   %s\n", FormatInstruction(in))
				continue
			}
			fmt.Fprintf(&b, "      %s\n", FormatInstruction(in))
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// FormatType writes a type and all of its members, nested types last.
func FormatType(w io.Writer, t *TypeDef) error {
	var b strings.Builder
	fmt.Fprintf(&b, ".%s %s %s", t.Kind, t.Visibility, t.FullName())
	if t.BaseType != "" {
		fmt.Fprintf(&b, " : %s", t.BaseType)
	}
	if len(t.Interfaces) > 0 {
		fmt.Fprintf(&b, " implements %s", strings.Join(t.Interfaces, ", "))
	}
	b.WriteString("\n")
	for _, a := range t.CustomAttributes {
		fmt.Fprintf(&b, "  .custom %s\n", a)
	}
	for _, f := range t.Fields {
		static := ""
		if f.IsStatic() {
			static = "static "
		}
		fmt.Fprintf(&b, "  .field %s %s%s %s\n", f.Visibility, static, f.Type, f.Name)
	}
	for _, p := range t.Properties {
		fmt.Fprintf(&b, "  .property %s %s { get=%s set=%s }\n", p.Type, p.Name, p.Getter, p.Setter)
	}
	for _, e := range t.Events {
		fmt.Fprintf(&b, "  .event %s %s { add=%s remove=%s field=%s }\n", e.DelegateType, e.Name, e.Adder, e.Remover, e.BackingField)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	for _, m := range t.Methods {
		if err := FormatMethod(w, m); err != nil {
			return err
		}
	}
	for _, n := range t.NestedTypes {
		if err := FormatType(w, n); err != nil {
			return err
		}
	}
	return nil
}

// FormatModule writes every type of the module.
func FormatModule(w io.Writer, m *Module) error {
	if _, err := fmt.Fprintf(w, ".module %s %s\n", m.Name, m.Version); err != nil {
		return err
	}
	for _, r := range m.References {
		if _, err := fmt.Fprintf(w, ".ref %s %s\n", r.Name, r.Version); err != nil {
			return err
		}
	}
	for _, t := range m.Types {
		if err := FormatType(w, t); err != nil {
			return err
		}
	}
	return nil
}
