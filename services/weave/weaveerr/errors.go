// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaveerr defines the error taxonomy shared by every weaving stage.
//
// Every error produced during a build is fatal. The three kinds below carry
// the offending element and the rule that failed so the CLI can print a
// single descriptive line before halting.
package weaveerr

import (
	"errors"
	"fmt"
)

// Sentinel errors used as causes inside the typed errors below.
var (
	// ErrNotFound indicates a referenced type, method or field could not be resolved.
	ErrNotFound = errors.New("not found")

	// ErrUnsupported indicates a construct the weaver cannot safely transform.
	ErrUnsupported = errors.New("unsupported")
)

// MarkerResolutionError reports a marker whose filters, aspect type or base
// aspect interface could not be resolved in the reference closure.
type MarkerResolutionError struct {
	// Element is the structural ID of the element carrying the marker.
	Element string

	// Rule names the check that failed (e.g. "aspect-base", "matcher").
	Rule string

	// Err is the underlying cause.
	Err error
}

func (e *MarkerResolutionError) Error() string {
	return fmt.Sprintf("marker resolution failed on %s (%s): %v", e.Element, e.Rule, e.Err)
}

func (e *MarkerResolutionError) Unwrap() error { return e.Err }

// WeavingError reports a missing runtime support member or a target body
// whose shape cannot be transformed.
type WeavingError struct {
	// Element is the structural ID of the element being woven.
	Element string

	// Rule names the weaving step that failed.
	Rule string

	// Err is the underlying cause.
	Err error
}

func (e *WeavingError) Error() string {
	return fmt.Sprintf("weaving failed on %s (%s): %v", e.Element, e.Rule, e.Err)
}

func (e *WeavingError) Unwrap() error { return e.Err }

// InvariantViolation reports a failed post-weave structural check.
type InvariantViolation struct {
	// Element is the structural ID of the method whose body is malformed.
	Element string

	// Rule names the invariant (e.g. "label-marked", "ret-in-protected-region").
	Rule string

	// Detail describes the specific violation.
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %q violated in %s: %s", e.Rule, e.Element, e.Detail)
}

// Marker builds a MarkerResolutionError.
func Marker(element, rule string, err error) error {
	return &MarkerResolutionError{Element: element, Rule: rule, Err: err}
}

// Weaving builds a WeavingError.
func Weaving(element, rule string, err error) error {
	return &WeavingError{Element: element, Rule: rule, Err: err}
}

// Invariant builds an InvariantViolation with a formatted detail message.
func Invariant(element, rule, format string, args ...any) error {
	return &InvariantViolation{Element: element, Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Kind returns a short label for the error category, used by metrics.
func Kind(err error) string {
	var mre *MarkerResolutionError
	var we *WeavingError
	var iv *InvariantViolation
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &mre):
		return "marker_resolution"
	case errors.As(err, &we):
		return "weaving"
	case errors.As(err, &iv):
		return "invariant"
	default:
		return "other"
	}
}
