// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ticket resolves legacy authentication tickets into identities so
// sessions established by older login flows can be carried over.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/stacklok/idbroker/pkg/logger"
	"github.com/stacklok/idbroker/pkg/networking"
)

//go:generate mockgen -destination=mocks/mock_resolver.go -package=mocks -source=resolver.go Resolver

// ErrInvalidTicket is returned for tickets that are unknown, expired or malformed.
var ErrInvalidTicket = errors.New("invalid ticket")

// Identity is the user behind a legacy ticket.
type Identity struct {
	Subject  string            `json:"sub"`
	Acr      string            `json:"acr,omitempty"`
	Amr      []string          `json:"amr,omitempty"`
	AuthTime time.Time         `json:"auth_time"`
	Claims   map[string]string `json:"claims,omitempty"`
}

// Resolver resolves a ticket value to an identity.
type Resolver interface {
	Resolve(ctx context.Context, ticket string) (*Identity, error)
}

// StaticResolver resolves tickets from a fixed table.
type StaticResolver struct {
	mu      sync.RWMutex
	tickets map[string]*Identity
}

// NewStaticResolver returns a resolver for the given tickets.
func NewStaticResolver(tickets map[string]*Identity) *StaticResolver {
	r := &StaticResolver{tickets: make(map[string]*Identity, len(tickets))}
	for k, v := range tickets {
		r.tickets[k] = v
	}
	return r
}

// Add registers ticket for identity.
func (r *StaticResolver) Add(ticket string, identity *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets[ticket] = identity
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, ticket string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tickets[ticket]
	if !ok || ticket == "" {
		return nil, ErrInvalidTicket
	}
	cp := *id
	return &cp, nil
}

// maxResponseBytes bounds the body read from the ticket service.
const maxResponseBytes = 64 << 10

// HTTPResolver asks a remote ticket service to decrypt tickets. The service
// answers POST {"ticket": "..."} with an Identity, or 401/404 for tickets it
// does not accept.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPResolver returns a resolver calling endpoint with client.
func NewHTTPResolver(endpoint string, client *http.Client) (*HTTPResolver, error) {
	if err := networking.ValidateEndpointURL(endpoint); err != nil {
		return nil, fmt.Errorf("invalid ticket service endpoint: %w", err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{endpoint: endpoint, client: client}, nil
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, ticket string) (*Identity, error) {
	if ticket == "" {
		return nil, ErrInvalidTicket
	}
	body, err := json.Marshal(map[string]string{"ticket": ticket})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ticket service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusBadRequest:
		logger.Debugw("ticket rejected by ticket service", "status", resp.StatusCode)
		return nil, ErrInvalidTicket
	}
	if err := networking.StatusError(resp.StatusCode, r.endpoint, data); err != nil {
		return nil, err
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, fmt.Errorf("failed to decode ticket response: %w", err)
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("%w: ticket service returned no subject", ErrInvalidTicket)
	}
	return &identity, nil
}

var (
	_ Resolver = (*StaticResolver)(nil)
	_ Resolver = (*HTTPResolver)(nil)
)
