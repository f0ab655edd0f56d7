// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"encoding/base64"
	"net/url"
	"slices"
	"strings"
)

// ValidateBasics runs the protocol-shape checks on req in a fixed order and
// returns the first failure, or nil. It performs no I/O.
func ValidateBasics(req *AuthorizeRequest) *AuthorizeValidationError {
	if req == nil {
		return newError(ErrorInvalidRequest, "missing authorization request")
	}

	if req.ResponseType != ResponseTypeCode {
		return newError(ErrorUnsupportedResponseType, "response_type must be 'code'")
	}

	if req.Scopes == nil || !req.HasScope(ScopeOpenID) {
		return newError(ErrorInvalidScope, "scope must include 'openid'")
	}

	if !isAbsoluteURI(req.RedirectURI) {
		return newError(ErrorInvalidRequest, "redirect_uri must be an absolute URI")
	}

	if req.CodeChallenge == "" {
		return newError(ErrorInvalidRequest, "code_challenge is required")
	}

	if req.CodeChallengeMethod != CodeChallengeS256 {
		return newError(ErrorInvalidRequest, "code_challenge_method must be 'S256'")
	}

	if !isValidCodeChallenge(req.CodeChallenge) {
		return newError(ErrorInvalidRequest, "code_challenge must be 43-128 characters of base64url")
	}

	if req.HasPrompt(PromptNone) && (req.HasPrompt(PromptLogin) || req.HasPrompt(PromptConsent)) {
		return newError(ErrorInvalidRequest, "prompt 'none' cannot be combined with 'login' or 'consent'")
	}

	if req.State == "" {
		return newError(ErrorInvalidRequest, "state is required")
	}

	if req.MaxAge != nil && *req.MaxAge < 0 {
		return newError(ErrorInvalidRequest, "max_age must not be negative")
	}

	for _, acr := range req.AcrValues {
		if !slices.Contains(AllowedAcrValues, acr) {
			return newError(ErrorInvalidRequest, "unsupported acr_values entry")
		}
	}

	for _, locale := range req.UILocales {
		if !slices.ContainsFunc(AllowedUILocales, func(allowed string) bool {
			return strings.EqualFold(allowed, locale)
		}) {
			return newError(ErrorInvalidRequest, "unsupported ui_locales entry")
		}
	}

	if req.Nonce == "" {
		return newError(ErrorInvalidRequest, "nonce is required")
	}

	return nil
}

func isAbsoluteURI(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.IsAbs() && (u.Host != "" || u.Opaque != "" || u.Path != "")
}

func isValidCodeChallenge(challenge string) bool {
	if len(challenge) < MinCodeChallengeSize || len(challenge) > MaxCodeChallengeSize {
		return false
	}
	if strings.ContainsAny(challenge, "=+/") {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(challenge)
	return err == nil
}
