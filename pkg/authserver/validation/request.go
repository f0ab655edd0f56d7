// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validation implements the two validation passes run on an incoming
// authorization request: protocol shape (ValidateBasics) and, once the client
// has been resolved, the client's registered policy (ValidateClientBinding).
package validation

import (
	"slices"
	"strings"
)

// OAuth 2.0 / OIDC error codes returned at the authorization endpoint.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidScope            = "invalid_scope"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorLoginRequired           = "login_required"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
)

// Protocol constants.
const (
	ResponseTypeCode     = "code"
	ScopeOpenID          = "openid"
	ScopeOfflineAccess   = "offline_access"
	CodeChallengeS256    = "S256"
	PromptNone           = "none"
	PromptLogin          = "login"
	PromptConsent        = "consent"
	MinCodeChallengeSize = 43
	MaxCodeChallengeSize = 128
)

// AllowedAcrValues is the fixed set of accepted acr_values.
var AllowedAcrValues = []string{
	"selfregistered-email",
	"idporten-loa-substantial",
	"idporten-loa-high",
	"level0",
}

// AllowedUILocales is the fixed set of accepted ui_locales, compared case-insensitively.
var AllowedUILocales = []string{"nb", "nn", "en"}

// AuthorizeRequest is a parsed /authorize request. It is built once by the
// HTTP layer and treated as read-only afterwards.
type AuthorizeRequest struct {
	ResponseType        string
	Scopes              []string
	RedirectURI         string
	ClientID            string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompts             []string
	// MaxAge is nil when the parameter was absent.
	MaxAge    *int
	AcrValues []string
	UILocales []string
}

// HasScope reports whether scope was requested.
func (r *AuthorizeRequest) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// HasPrompt reports whether prompt was requested.
func (r *AuthorizeRequest) HasPrompt(prompt string) bool {
	return slices.Contains(r.Prompts, prompt)
}

// ScopeString returns the scopes joined with spaces.
func (r *AuthorizeRequest) ScopeString() string {
	return strings.Join(r.Scopes, " ")
}

// AuthorizeValidationError is an RFC 6749 error produced by the validators.
// Code is the "error" parameter and Description the "error_description".
type AuthorizeValidationError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *AuthorizeValidationError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func newError(code, description string) *AuthorizeValidationError {
	return &AuthorizeValidationError{Code: code, Description: description}
}
