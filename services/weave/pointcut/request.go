// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pointcut runs user-supplied member selection methods in an
// isolated execution context.
package pointcut

import (
	"context"
	"fmt"
	"strings"
)

// Request identifies a selection method and the type it is applied to.
type Request struct {
	DeclaringAssembly string
	DeclaringType     string
	Method            string
	AppliedAssembly   string
	AppliedType       string
}

func (r Request) String() string {
	return fmt.Sprintf("[%s]%s::%s on [%s]%s", r.DeclaringAssembly, r.DeclaringType, r.Method, r.AppliedAssembly, r.AppliedType)
}

// Member is a member reference yielded by a selection method.
type Member struct {
	Type string
	Name string
}

// Executor selects members for a pointcut request. A selection method or
// type that cannot be located yields an empty result, not an error.
type Executor interface {
	Select(ctx context.Context, req Request) ([]Member, error)
}

// SplitPointcut splits "Type::Method".
func SplitPointcut(s string) (typ, method string, ok bool) {
	typ, method, ok = strings.Cut(s, "::")
	return typ, method, ok && typ != "" && method != ""
}
