// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients holds the registry of downstream relying parties.
package clients

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/idbroker/pkg/authserver/changelog"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// ErrInvalidCredentials is returned by Authenticate for any failed check.
var ErrInvalidCredentials = errors.New("invalid client credentials")

// Registration describes a client to register.
type Registration struct {
	ClientID string
	Name     string
	// Secret is hashed with bcrypt at registration. Leave empty for public clients.
	Secret                 string
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	AllowedScopes          []string
	FrontchannelLogoutURI  string
	RefreshTokensEnabled   bool
}

// Registry is a ClientRegistry kept in memory and seeded from configuration.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*storage.OidcClient
	log     changelog.Log
	cost    int
}

// Option configures a Registry.
type Option func(*Registry)

// WithChangeLog records every mutation in log.
func WithChangeLog(log changelog.Log) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithBcryptCost overrides the bcrypt cost used to hash secrets.
func WithBcryptCost(cost int) Option {
	return func(r *Registry) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			r.cost = cost
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]*storage.OidcClient),
		log:     changelog.NewMemoryLog(),
		cost:    bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new client.
func (r *Registry) Register(ctx context.Context, actor string, reg Registration) (*storage.OidcClient, error) {
	client, err := r.build(reg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.clients[client.ClientID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: client %s", storage.ErrAlreadyExists, client.ClientID)
	}
	r.clients[client.ClientID] = client
	r.mu.Unlock()

	r.record(ctx, actor, changelog.Create{
		ClientID:     client.ClientID,
		Name:         client.Name,
		RedirectURIs: slices.Clone(client.RedirectURIs),
		Scopes:       slices.Clone(client.AllowedScopes),
	})
	return cloneClient(client), nil
}

// Update replaces an existing client's registration. An empty Secret keeps
// the current secret.
func (r *Registry) Update(ctx context.Context, actor string, reg Registration) (*storage.OidcClient, error) {
	client, err := r.build(reg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.clients[client.ClientID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, client.ClientID)
	}
	if reg.Secret == "" {
		client.HashedSecret = existing.HashedSecret
	}
	changed := diff(existing, client, reg.Secret != "")
	r.clients[client.ClientID] = client
	r.mu.Unlock()

	if len(changed) > 0 {
		r.record(ctx, actor, changelog.Update{ClientID: client.ClientID, Changed: changed})
	}
	return cloneClient(client), nil
}

// Delete removes a client.
func (r *Registry) Delete(ctx context.Context, actor, clientID string) error {
	r.mu.Lock()
	if _, ok := r.clients[clientID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	delete(r.clients, clientID)
	r.mu.Unlock()

	r.record(ctx, actor, changelog.Delete{ClientID: clientID})
	return nil
}

// GetClient implements storage.ClientRegistry.
func (r *Registry) GetClient(_ context.Context, clientID string) (*storage.OidcClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return cloneClient(client), nil
}

// ListClients implements storage.ClientRegistry. Clients are ordered by id.
func (r *Registry) ListClients(_ context.Context) ([]*storage.OidcClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*storage.OidcClient, 0, len(r.clients))
	for _, id := range slices.Sorted(maps.Keys(r.clients)) {
		out = append(out, cloneClient(r.clients[id]))
	}
	return out, nil
}

// Authenticate verifies a client's credentials. Public clients authenticate
// with an empty secret; confidential clients must present theirs.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*storage.OidcClient, error) {
	client, err := r.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if client.IsPublic() {
		if secret != "" {
			return nil, ErrInvalidCredentials
		}
		return client, nil
	}
	if err := bcrypt.CompareHashAndPassword(client.HashedSecret, []byte(secret)); err != nil {
		logger.Debugw("client secret mismatch", "client_id", clientID)
		return nil, ErrInvalidCredentials
	}
	return client, nil
}

// ChangeLog returns the log mutations are recorded in.
func (r *Registry) ChangeLog() changelog.Log {
	return r.log
}

func (r *Registry) build(reg Registration) (*storage.OidcClient, error) {
	if strings.TrimSpace(reg.ClientID) == "" {
		return nil, errors.New("client_id is required")
	}
	if len(reg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("client %s: at least one redirect URI is required", reg.ClientID)
	}
	for _, uri := range slices.Concat(reg.RedirectURIs, reg.PostLogoutRedirectURIs) {
		if !validation.IsAbsoluteWithoutFragment(uri) {
			return nil, fmt.Errorf("client %s: redirect URI %q must be absolute without fragment", reg.ClientID, uri)
		}
	}
	if reg.FrontchannelLogoutURI != "" && !validation.IsAbsoluteWithoutFragment(reg.FrontchannelLogoutURI) {
		return nil, fmt.Errorf("client %s: frontchannel logout URI must be absolute", reg.ClientID)
	}

	scopes := reg.AllowedScopes
	if len(scopes) == 0 {
		scopes = []string{validation.ScopeOpenID}
	}

	client := &storage.OidcClient{
		ClientID:               reg.ClientID,
		Name:                   reg.Name,
		RedirectURIs:           slices.Clone(reg.RedirectURIs),
		PostLogoutRedirectURIs: slices.Clone(reg.PostLogoutRedirectURIs),
		AllowedScopes:          slices.Clone(scopes),
		FrontchannelLogoutURI:  reg.FrontchannelLogoutURI,
		RefreshTokensEnabled:   reg.RefreshTokensEnabled,
	}
	if reg.Secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(reg.Secret), r.cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.HashedSecret = hash
	}
	return client, nil
}

func (r *Registry) record(ctx context.Context, actor string, payload changelog.Payload) {
	if _, err := r.log.Append(ctx, actor, payload); err != nil {
		logger.Warnw("failed to record client change", "kind", payload.Kind(), "error", err)
	}
}

func diff(before, after *storage.OidcClient, secretChanged bool) map[string]string {
	changed := map[string]string{}
	if before.Name != after.Name {
		changed["name"] = after.Name
	}
	if !slices.Equal(before.RedirectURIs, after.RedirectURIs) {
		changed["redirect_uris"] = strings.Join(after.RedirectURIs, " ")
	}
	if !slices.Equal(before.PostLogoutRedirectURIs, after.PostLogoutRedirectURIs) {
		changed["post_logout_redirect_uris"] = strings.Join(after.PostLogoutRedirectURIs, " ")
	}
	if !slices.Equal(before.AllowedScopes, after.AllowedScopes) {
		changed["scopes"] = strings.Join(after.AllowedScopes, " ")
	}
	if before.FrontchannelLogoutURI != after.FrontchannelLogoutURI {
		changed["frontchannel_logout_uri"] = after.FrontchannelLogoutURI
	}
	if before.RefreshTokensEnabled != after.RefreshTokensEnabled {
		changed["refresh_tokens_enabled"] = fmt.Sprint(after.RefreshTokensEnabled)
	}
	if secretChanged {
		changed["secret"] = "rotated"
	}
	return changed
}

func cloneClient(c *storage.OidcClient) *storage.OidcClient {
	cp := *c
	cp.HashedSecret = slices.Clone(c.HashedSecret)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.PostLogoutRedirectURIs = slices.Clone(c.PostLogoutRedirectURIs)
	cp.AllowedScopes = slices.Clone(c.AllowedScopes)
	return &cp
}

// SortedScopes returns the union of every client's allowed scopes.
func (r *Registry) SortedScopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := map[string]struct{}{}
	for _, c := range r.clients {
		for _, s := range c.AllowedScopes {
			set[s] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

var _ storage.ClientRegistry = (*Registry)(nil)
