// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pointcut

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Inverness/Spinner-sub001/services/weave/il"
	"github.com/Inverness/Spinner-sub001/services/weave/runtime"
	"github.com/Inverness/Spinner-sub001/services/weave/vm"
)

var sandboxTracer = otel.Tracer("spinner.weave.pointcut")

// ErrClosed is returned by Select after Close.
var ErrClosed = errors.New("pointcut sandbox closed")

// DefaultStepLimit bounds the instructions one selection may execute.
const DefaultStepLimit int64 = 1_000_000

// SandboxOptions configures a Sandbox.
type SandboxOptions struct {
	Logger    *slog.Logger
	StepLimit int64
	Output    io.Writer
}

// SandboxOption configures SandboxOptions.
type SandboxOption func(*SandboxOptions)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SandboxOption {
	return func(o *SandboxOptions) { o.Logger = l }
}

// WithStepLimit sets the instruction budget of one selection.
func WithStepLimit(n int64) SandboxOption {
	return func(o *SandboxOptions) { o.StepLimit = n }
}

// WithOutput sets where console output of selection methods goes.
// Default: io.Discard.
func WithOutput(w io.Writer) SandboxOption {
	return func(o *SandboxOptions) { o.Output = w }
}

// Sandbox runs selection methods over a private copy of the program.
//
// Description:
//
//	NewSandbox deep-copies the program, so selection code never observes
//	the weaver's mutations and cannot mutate the program being woven.
//	Every Select runs on a fresh machine over that copy. A selection
//	method is static, takes the applied type's name and returns an array
//	of MemberInfo or of member names.
//
// Thread Safety:
//
//	Safe for concurrent use; selections are serialised.
type Sandbox struct {
	opts   SandboxOptions
	logger *slog.Logger

	mu     sync.Mutex
	prog   *il.Program
	closed bool
}

// NewSandbox creates a sandbox over a copy of p.
func NewSandbox(p *il.Program, opts ...SandboxOption) (*Sandbox, error) {
	o := SandboxOptions{StepLimit: DefaultStepLimit, Output: io.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	clone, err := p.Clone()
	if err != nil {
		return nil, fmt.Errorf("copying program for pointcut sandbox: %w", err)
	}
	return &Sandbox{
		opts:   o,
		logger: o.Logger.With(slog.String("component", "pointcut")),
		prog:   clone,
	}, nil
}

// Select implements Executor.
//
// Outputs:
//
//	[]Member - The selected members; empty when the selection method, its
//	type or the applied type cannot be located in the named modules.
//	error - Non-nil when the selection method throws, exceeds its step
//	budget, returns a value that is not a member list, or the sandbox is
//	closed.
func (s *Sandbox) Select(ctx context.Context, req Request) ([]Member, error) {
	_, span := sandboxTracer.Start(ctx, "pointcut.Sandbox.Select")
	defer span.End()
	span.SetAttributes(attribute.String("request", req.String()))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	md, applied := s.locate(req)
	if md == nil || applied == nil {
		s.logger.Debug("pointcut selection not found", slog.String("request", req.String()))
		return nil, nil
	}

	m := vm.New(s.prog,
		vm.WithOutput(s.opts.Output),
		vm.WithStepLimit(s.opts.StepLimit),
		vm.WithLogger(s.logger))
	v, err := m.Invoke(md, applied.FullName())
	if err != nil {
		err = fmt.Errorf("running %s: %w", req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	members, err := toMembers(v, applied.FullName())
	if err != nil {
		err = fmt.Errorf("%s: %w", req, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("members", len(members)))
	return members, nil
}

// locate finds the selection method and the applied type in the modules
// the request names.
func (s *Sandbox) locate(req Request) (*il.MethodDef, *il.TypeDef) {
	decl := s.prog.LookupType(req.DeclaringType)
	if decl == nil || (req.DeclaringAssembly != "" && (decl.Module == nil || decl.Module.Name != req.DeclaringAssembly)) {
		return nil, nil
	}
	applied := s.prog.LookupType(req.AppliedType)
	if applied == nil || (req.AppliedAssembly != "" && (applied.Module == nil || applied.Module.Name != req.AppliedAssembly)) {
		return nil, nil
	}
	for _, md := range decl.MethodsNamed(req.Method) {
		if md.IsStatic() && md.Body != nil && len(md.Parameters) == 1 {
			return md, applied
		}
	}
	return nil, nil
}

// toMembers converts a selection result. Names without a declaring type
// belong to the applied type.
func toMembers(v any, applied string) ([]Member, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.(*runtime.Array)
	if !ok {
		return nil, fmt.Errorf("selection returned %s, want an array", runtime.FormatValue(v))
	}
	out := make([]Member, 0, len(arr.Items))
	for i, item := range arr.Items {
		switch x := item.(type) {
		case nil:
		case string:
			out = append(out, Member{Type: applied, Name: x})
		case *runtime.MemberInfo:
			typ := x.DeclaringType
			if typ == "" {
				typ = applied
			}
			out = append(out, Member{Type: typ, Name: x.Name})
		default:
			return nil, fmt.Errorf("selection item %d is %s, want a member", i, runtime.FormatValue(item))
		}
	}
	return out, nil
}

// Close releases the program copy. Select fails afterwards.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.prog = nil
	return nil
}
