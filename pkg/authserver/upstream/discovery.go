// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/idbroker/pkg/logger"
	"github.com/stacklok/idbroker/pkg/networking"
)

// Discovery cache defaults.
const (
	DefaultDiscoveryTTL     = time.Hour
	defaultDiscoveryTimeout = 10 * time.Second
)

// DiscoveryDocument holds the metadata fields the broker relies on.
type DiscoveryDocument struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	EndSessionEndpoint            string   `json:"end_session_endpoint,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
	FrontchannelLogoutSupported   bool     `json:"frontchannel_logout_supported,omitempty"`
}

// SupportsPKCE reports whether S256 is advertised.
func (d *DiscoveryDocument) SupportsPKCE() bool {
	return slices.Contains(d.CodeChallengeMethodsSupported, PKCEChallengeMethodS256)
}

// Validate checks required fields and that every endpoint keeps the issuer's
// security level: HTTPS for remote issuers, loopback for local ones.
func (d *DiscoveryDocument) Validate(expectedIssuer string) error {
	if d.AuthorizationEndpoint == "" {
		return errors.New("authorization_endpoint is missing")
	}
	if d.TokenEndpoint == "" {
		return errors.New("token_endpoint is missing")
	}
	if d.JWKSURI == "" {
		return errors.New("jwks_uri is missing")
	}
	if len(d.ResponseTypesSupported) > 0 && !slices.Contains(d.ResponseTypesSupported, "code") {
		return errors.New("response type 'code' is not supported")
	}

	endpoints := map[string]string{
		"authorization_endpoint": d.AuthorizationEndpoint,
		"token_endpoint":         d.TokenEndpoint,
		"jwks_uri":               d.JWKSURI,
		"userinfo_endpoint":      d.UserinfoEndpoint,
		"end_session_endpoint":   d.EndSessionEndpoint,
	}
	for name, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		if err := validateEndpointOrigin(endpoint, expectedIssuer); err != nil {
			return fmt.Errorf("%s origin mismatch: %w", name, err)
		}
	}
	return nil
}

// validateEndpointOrigin enforces scheme consistency with the issuer. Hosts
// are not compared: large providers serve endpoints from other domains.
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if networking.IsLocalhost(issuerURL.Host) {
		if !networking.IsLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}
	if endpointURL.Scheme != networking.HttpsScheme {
		return fmt.Errorf("scheme mismatch: endpoint uses %q but non-localhost issuers require https", endpointURL.Scheme)
	}
	return nil
}

// Discovery is a discovered provider.
type Discovery struct {
	Provider  *oidc.Provider
	Document  *DiscoveryDocument
	FetchedAt time.Time
}

type discoveryEntry struct {
	discovery *Discovery
	expiresAt time.Time
}

// DiscoveryCache caches discovery results per issuer. Expired entries are
// refetched lazily and concurrent fetches for one issuer are collapsed.
type DiscoveryCache struct {
	httpClient *http.Client
	ttl        time.Duration
	timeout    time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*discoveryEntry
	group   singleflight.Group
	fetches int
}

// DiscoveryOption configures a DiscoveryCache.
type DiscoveryOption func(*DiscoveryCache)

// WithDiscoveryTTL sets how long a document is reused. Non-positive values are ignored.
func WithDiscoveryTTL(ttl time.Duration) DiscoveryOption {
	return func(c *DiscoveryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithDiscoveryTimeout bounds a single fetch.
func WithDiscoveryTimeout(d time.Duration) DiscoveryOption {
	return func(c *DiscoveryCache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) DiscoveryOption {
	return func(c *DiscoveryCache) {
		c.now = now
	}
}

// NewDiscoveryCache returns an empty cache fetching through httpClient.
func NewDiscoveryCache(httpClient *http.Client, opts ...DiscoveryOption) *DiscoveryCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &DiscoveryCache{
		httpClient: httpClient,
		ttl:        DefaultDiscoveryTTL,
		timeout:    defaultDiscoveryTimeout,
		now:        time.Now,
		entries:    make(map[string]*discoveryEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached discovery for issuer, fetching it when absent or expired.
func (c *DiscoveryCache) Get(ctx context.Context, issuer string) (*Discovery, error) {
	c.mu.RLock()
	entry, ok := c.entries[issuer]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.discovery, nil
	}

	ch := c.group.DoChan(issuer, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx), issuer)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Discovery), nil
	}
}

// Invalidate drops the cached entry for issuer.
func (c *DiscoveryCache) Invalidate(issuer string) {
	c.mu.Lock()
	delete(c.entries, issuer)
	c.mu.Unlock()
}

func (c *DiscoveryCache) fetch(ctx context.Context, issuer string) (*Discovery, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()

	logger.Debugw("fetching upstream discovery document", "issuer", issuer)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	doc := &DiscoveryDocument{}
	if err := provider.Claims(doc); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if err := doc.Validate(issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	now := c.now()
	d := &Discovery{Provider: provider, Document: doc, FetchedAt: now}

	c.mu.Lock()
	c.entries[issuer] = &discoveryEntry{discovery: d, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return d, nil
}

func (c *DiscoveryCache) fetchCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetches
}
