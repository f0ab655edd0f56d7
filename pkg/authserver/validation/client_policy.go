// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"slices"
	"strings"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

// ValidateClientBinding checks req against the resolved client's registered
// redirect URIs and scopes. Redirect URIs are compared as exact strings.
func ValidateClientBinding(req *AuthorizeRequest, client *storage.OidcClient) *AuthorizeValidationError {
	if client == nil {
		return newError(ErrorUnauthorizedClient, "unknown client")
	}
	if req == nil {
		return newError(ErrorInvalidRequest, "missing authorization request")
	}

	if !IsAbsoluteWithoutFragment(req.RedirectURI) {
		return newError(ErrorInvalidRequest, "redirect_uri must be absolute and must not contain a fragment")
	}

	if !slices.Contains(client.RedirectURIs, req.RedirectURI) {
		return newError(ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}

	for _, scope := range req.Scopes {
		if !slices.Contains(client.AllowedScopes, scope) {
			return newError(ErrorInvalidScope, "scope is not allowed for this client")
		}
	}

	return nil
}

// IsAbsoluteWithoutFragment reports whether raw is an absolute URI with no fragment.
func IsAbsoluteWithoutFragment(raw string) bool {
	return isAbsoluteURI(raw) && !strings.Contains(raw, "#")
}
