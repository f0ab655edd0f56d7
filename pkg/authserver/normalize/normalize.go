// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package normalize trims incoming request parameters before they reach the
// validators. Values whose exact bytes matter (PKCE verifiers, state) are
// listed as exclusions and passed through untouched.
package normalize

import (
	"net/url"
	"strings"
)

// DefaultExclusions are parameters that must never be altered.
var DefaultExclusions = []string{"code_verifier", "state", "code", "refresh_token", "client_secret"}

// Normalizer trims parameter values.
type Normalizer struct {
	exclusions map[string]struct{}
}

// New returns a Normalizer that leaves the named parameters untouched.
func New(exclusions ...string) *Normalizer {
	n := &Normalizer{exclusions: make(map[string]struct{}, len(exclusions))}
	for _, name := range exclusions {
		n.exclusions[name] = struct{}{}
	}
	return n
}

// Excluded reports whether name is passed through untouched.
func (n *Normalizer) Excluded(name string) bool {
	_, ok := n.exclusions[name]
	return ok
}

// String returns value trimmed unless name is excluded.
func (n *Normalizer) String(name, value string) string {
	if n.Excluded(name) {
		return value
	}
	return strings.TrimSpace(value)
}

// Optional returns nil for an absent or blank value, else a pointer to the
// normalized value.
func (n *Normalizer) Optional(name, value string) *string {
	v := n.String(name, value)
	if v == "" {
		return nil
	}
	return &v
}

// Fields splits a space separated parameter such as scope or prompt and
// drops empty entries. Excluded parameters are returned as a single element.
func (n *Normalizer) Fields(name, value string) []string {
	if n.Excluded(name) {
		if value == "" {
			return nil
		}
		return []string{value}
	}
	return strings.Fields(value)
}

// Values returns a copy of values with every non-excluded entry trimmed.
func (n *Normalizer) Values(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for name, vs := range values {
		cp := make([]string, len(vs))
		for i, v := range vs {
			cp[i] = n.String(name, v)
		}
		out[name] = cp
	}
	return out
}
