// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks -source=types.go Provider

var (
	// ErrNonceMismatch is returned when the ID token nonce differs from the one sent.
	ErrNonceMismatch = errors.New("ID token nonce does not match expected value")

	// ErrNonceMissing is returned when a nonce was sent but the ID token has none.
	ErrNonceMissing = errors.New("ID token missing nonce claim when nonce was expected")

	// ErrIdentityResolutionFailed wraps every failure to obtain a verified identity.
	ErrIdentityResolutionFailed = errors.New("failed to resolve upstream identity")

	// ErrUnknownProvider is returned by Registry lookups.
	ErrUnknownProvider = errors.New("unknown upstream provider")
)

// Provider is an upstream OpenID Provider.
type Provider interface {
	// Name is the configured provider name, recorded on sessions.
	Name() string
	// Issuer is the configured issuer URL.
	Issuer() string
	ClientID() string
	RedirectURI() string

	// AuthorizationURL builds the redirect to the upstream authorization endpoint.
	AuthorizationURL(ctx context.Context, state, codeChallenge, nonce string, opts ...AuthorizationOption) (string, error)

	// ExchangeCodeForIdentity redeems code and verifies the returned ID token.
	// The exchange is attempted exactly once.
	ExchangeCodeForIdentity(ctx context.Context, code, codeVerifier, nonce string) (*Identity, error)
}

// AuthorizationOption adds parameters to the upstream authorization request.
type AuthorizationOption func(*authorizationOptions)

type authorizationOptions struct {
	params map[string]string
}

// WithAdditionalParams adds arbitrary parameters.
func WithAdditionalParams(params map[string]string) AuthorizationOption {
	return func(o *authorizationOptions) {
		if o.params == nil {
			o.params = make(map[string]string, len(params))
		}
		maps.Copy(o.params, params)
	}
}

// WithPrompt forwards prompt values.
func WithPrompt(prompts []string) AuthorizationOption {
	return withList("prompt", prompts)
}

// WithAcrValues forwards requested authentication context classes.
func WithAcrValues(acr []string) AuthorizationOption {
	return withList("acr_values", acr)
}

// WithUILocales forwards preferred UI locales.
func WithUILocales(locales []string) AuthorizationOption {
	return withList("ui_locales", locales)
}

func withList(name string, values []string) AuthorizationOption {
	if len(values) == 0 {
		return func(*authorizationOptions) {}
	}
	return WithAdditionalParams(map[string]string{name: strings.Join(values, " ")})
}

// Tokens are the tokens returned by the upstream token endpoint. They are not
// persisted.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Identity is the verified result of an upstream code exchange.
type Identity struct {
	Tokens *Tokens

	Issuer   string
	Subject  string
	Acr      string
	Amr      []string
	AuthTime *time.Time
	JTI      string
	// SessionSid is the upstream session id used by front-channel logout.
	SessionSid string
	// Extra holds the remaining string-valued claims.
	Extra map[string]string
}

// Claims converts the identity to its stored form.
func (i *Identity) Claims() *storage.UpstreamClaims {
	var authTime *time.Time
	if i.AuthTime != nil {
		t := *i.AuthTime
		authTime = &t
	}
	return &storage.UpstreamClaims{
		Issuer:     i.Issuer,
		Subject:    i.Subject,
		Acr:        i.Acr,
		Amr:        slices.Clone(i.Amr),
		AuthTime:   authTime,
		IDTokenJTI: i.JTI,
		SessionSid: i.SessionSid,
		Extra:      maps.Clone(i.Extra),
	}
}
