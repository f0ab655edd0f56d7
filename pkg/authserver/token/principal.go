// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the tokens handed to downstream clients:
// signed JWT access and ID tokens, and opaque authorization codes and refresh
// tokens whose stored form is a keyed HMAC signature.
package token

import (
	"slices"
	"strings"
	"time"
)

// Principal is the authenticated subject a token is minted for.
type Principal struct {
	Subject  string
	Sid      string
	ClientID string
	Scopes   []string
	Acr      string
	Amr      []string
	AuthTime time.Time
	// Nonce is echoed in ID tokens minted from an authorization code.
	Nonce string
	// Claims are extra string claims copied into ID tokens.
	Claims map[string]string
}

// HasScope reports whether scope was granted.
func (p *Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// Scope returns the granted scopes space-separated.
func (p *Principal) Scope() string {
	return strings.Join(p.Scopes, " ")
}

// Result is a successful token endpoint response.
type Result struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}
