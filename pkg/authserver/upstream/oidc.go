// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// standardClaims are decoded into Identity fields and left out of Extra.
var standardClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "nonce": {},
	"acr": {}, "amr": {}, "auth_time": {}, "jti": {}, "sid": {}, "azp": {}, "at_hash": {}, "c_hash": {},
}

// OIDCProvider is a Provider backed by OIDC discovery.
type OIDCProvider struct {
	config     *Config
	cache      *DiscoveryCache
	httpClient *http.Client
}

// NewOIDCProvider validates config and returns a provider resolving its
// endpoints through cache. No network call is made here.
func NewOIDCProvider(config *Config, cache *DiscoveryCache, httpClient *http.Client) (*OIDCProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if cache == nil {
		return nil, errors.New("discovery cache is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OIDCProvider{config: config, cache: cache, httpClient: httpClient}, nil
}

// Name implements Provider.
func (p *OIDCProvider) Name() string { return p.config.Name }

// Issuer implements Provider.
func (p *OIDCProvider) Issuer() string { return p.config.Issuer }

// ClientID implements Provider.
func (p *OIDCProvider) ClientID() string { return p.config.ClientID }

// RedirectURI implements Provider.
func (p *OIDCProvider) RedirectURI() string { return p.config.RedirectURI }

func (p *OIDCProvider) oauth2Config(d *Discovery) *oauth2.Config {
	endpoint := d.Provider.Endpoint()
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURI,
		Scopes:       p.config.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   endpoint.AuthURL,
			TokenURL:  endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizationURL implements Provider.
func (p *OIDCProvider) AuthorizationURL(
	ctx context.Context, state, codeChallenge, nonce string, opts ...AuthorizationOption,
) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}
	d, err := p.cache.Get(ctx, p.config.Issuer)
	if err != nil {
		return "", err
	}

	authOpts := &authorizationOptions{}
	for _, opt := range opts {
		opt(authOpts)
	}

	params := make([]oauth2.AuthCodeOption, 0, len(authOpts.params)+3)
	if codeChallenge != "" {
		if !d.Document.SupportsPKCE() {
			slog.Debug("sending PKCE to provider that does not advertise S256 support", "issuer", p.config.Issuer)
		}
		params = append(params,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", PKCEChallengeMethodS256))
	}
	if nonce != "" {
		params = append(params, oauth2.SetAuthURLParam("nonce", nonce))
	}
	for k, v := range authOpts.params {
		params = append(params, oauth2.SetAuthURLParam(k, v))
	}

	slog.Debug("building upstream authorization URL",
		"provider", p.config.Name,
		"has_pkce", codeChallenge != "",
		"has_nonce", nonce != "",
	)
	return p.oauth2Config(d).AuthCodeURL(state, params...), nil
}

// ExchangeCodeForIdentity implements Provider.
func (p *OIDCProvider) ExchangeCodeForIdentity(
	ctx context.Context, code, codeVerifier, nonce string,
) (*Identity, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrIdentityResolutionFailed)
	}
	d, err := p.cache.Get(ctx, p.config.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)
	}

	var exchangeOpts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(codeVerifier))
	}
	token, err := p.oauth2Config(d).Exchange(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), code, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange failed: %w", ErrIdentityResolutionFailed, err)
	}

	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: ID token required for OIDC provider", ErrIdentityResolutionFailed)
	}

	verifier := d.Provider.Verifier(&oidc.Config{ClientID: p.config.ClientID})
	idToken, err := verifier.Verify(oidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		slog.Debug("id token validation failed", "provider", p.config.Name, "error", err)
		return nil, fmt.Errorf("%w: failed to verify ID token: %w", ErrIdentityResolutionFailed, err)
	}
	if nonce != "" {
		if idToken.Nonce == "" {
			return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, ErrNonceMissing)
		}
		if idToken.Nonce != nonce {
			return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, ErrNonceMismatch)
		}
	}

	identity, err := identityFromIDToken(idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err)
	}
	identity.Tokens = &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		ExpiresAt:    token.Expiry,
	}

	slog.Debug("upstream code exchange successful",
		"provider", p.config.Name,
		"has_sid", identity.SessionSid != "",
	)
	return identity, nil
}

func identityFromIDToken(token *oidc.IDToken) (*Identity, error) {
	var claims struct {
		Acr      string   `json:"acr"`
		Amr      []string `json:"amr"`
		AuthTime int64    `json:"auth_time"`
		JTI      string   `json:"jti"`
		Sid      string   `json:"sid"`
	}
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}
	var raw map[string]any
	if err := token.Claims(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	identity := &Identity{
		Issuer:     token.Issuer,
		Subject:    token.Subject,
		Acr:        claims.Acr,
		Amr:        claims.Amr,
		JTI:        claims.JTI,
		SessionSid: claims.Sid,
	}
	if claims.AuthTime > 0 {
		t := time.Unix(claims.AuthTime, 0).UTC()
		identity.AuthTime = &t
	}
	for k, v := range raw {
		if _, std := standardClaims[k]; std {
			continue
		}
		if s, ok := v.(string); ok {
			if identity.Extra == nil {
				identity.Extra = make(map[string]string)
			}
			identity.Extra[k] = s
		}
	}
	return identity, nil
}

var _ Provider = (*OIDCProvider)(nil)
