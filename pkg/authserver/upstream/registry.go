// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"slices"
)

// Registry holds the configured upstream providers.
type Registry struct {
	providers   map[string]Provider
	defaultName string
}

// NewRegistry returns a registry whose default provider is the first one.
func NewRegistry(providers ...Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, errors.New("at least one upstream provider is required")
	}
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate upstream provider %q", p.Name())
		}
		r.providers[p.Name()] = p
	}
	r.defaultName = providers[0].Name()
	return r, nil
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Default returns the provider used when a request names none.
func (r *Registry) Default() Provider {
	return r.providers[r.defaultName]
}

// ByIssuer returns the provider configured for issuer.
func (r *Registry) ByIssuer(issuer string) (Provider, error) {
	for _, name := range r.Names() {
		if p := r.providers[name]; p.Issuer() == issuer {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: issuer %s", ErrUnknownProvider, issuer)
}

// Names lists provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
