// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package marker

import (
	"fmt"
	"regexp"
	"strings"
)

// RegexPrefix selects a regular expression pattern instead of a glob.
const RegexPrefix = "regex:"

// Matcher tests element names against a marker pattern.
//
// Description:
//
//	An empty pattern matches every name. A pattern starting with
//	RegexPrefix is an unanchored regular expression. Anything else is a
//	case-sensitive glob where '*' matches any run of characters and '?'
//	matches exactly one; the glob must match the whole name.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
}

// NewMatcher compiles pattern.
func NewMatcher(pattern string) (Matcher, error) {
	if pattern == "" {
		return Matcher{}, nil
	}
	expr, ok := strings.CutPrefix(pattern, RegexPrefix)
	if !ok {
		expr = globToRegexp(pattern)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return Matcher{}, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	return Matcher{pattern: pattern, re: re}, nil
}

// MustMatcher is NewMatcher that panics on error, for literal patterns.
func MustMatcher(pattern string) Matcher {
	m, err := NewMatcher(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether name satisfies the pattern.
func (m Matcher) Match(name string) bool {
	if m.re == nil {
		return true
	}
	return m.re.MatchString(name)
}

// IsAny reports whether the matcher accepts every name.
func (m Matcher) IsAny() bool { return m.re == nil }

// Pattern returns the source pattern.
func (m Matcher) Pattern() string { return m.pattern }

func (m Matcher) String() string {
	if m.pattern == "" {
		return "*"
	}
	return m.pattern
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}
