// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// Cache-Control max-age values for discovery endpoints.
const (
	// DefaultJWKSCacheMaxAge is the Cache-Control max-age for the JWKS endpoint (1 hour).
	DefaultJWKSCacheMaxAge = 3600

	// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery endpoint (1 hour).
	DefaultDiscoveryCacheMaxAge = 3600
)

// DiscoveryDocument is the OpenID Provider metadata served at PathDiscovery.
type DiscoveryDocument struct {
	Issuer                             string   `json:"issuer"`
	AuthorizationEndpoint              string   `json:"authorization_endpoint"`
	TokenEndpoint                      string   `json:"token_endpoint"`
	JWKSURI                            string   `json:"jwks_uri"`
	EndSessionEndpoint                 string   `json:"end_session_endpoint"`
	ResponseTypesSupported             []string `json:"response_types_supported"`
	GrantTypesSupported                []string `json:"grant_types_supported"`
	SubjectTypesSupported              []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported   []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                    []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported  []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported      []string `json:"code_challenge_methods_supported"`
	AcrValuesSupported                 []string `json:"acr_values_supported"`
	UILocalesSupported                 []string `json:"ui_locales_supported"`
	PromptValuesSupported              []string `json:"prompt_values_supported"`
	FrontchannelLogoutSupported        bool     `json:"frontchannel_logout_supported"`
	FrontchannelLogoutSessionSupported bool     `json:"frontchannel_logout_session_supported"`
}

// signingAlgorithms lists the algorithms of the published keys. It falls
// back to RS256, which OIDC Core section 15.1 requires every OP to accept.
func (h *Handler) signingAlgorithms(r *http.Request) []string {
	pubs, err := h.keys.PublicKeys(r.Context())
	if err != nil {
		logger.Warnw("failed to list public keys for discovery", "error", err)
	}
	seen := make(map[string]bool)
	var algs []string
	for _, k := range pubs {
		if k.Algorithm != "" && !seen[k.Algorithm] {
			seen[k.Algorithm] = true
			algs = append(algs, k.Algorithm)
		}
	}
	if len(algs) == 0 {
		return []string{"RS256"}
	}
	return algs
}

func (h *Handler) discoveryDocument(r *http.Request) *DiscoveryDocument {
	issuer := h.config.Issuer
	return &DiscoveryDocument{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + PathAuthorize,
		TokenEndpoint:                     issuer + PathToken,
		JWKSURI:                           issuer + PathJWKS,
		EndSessionEndpoint:                issuer + PathLogout,
		ResponseTypesSupported:            []string{validation.ResponseTypeCode},
		GrantTypesSupported:               []string{token.GrantTypeAuthorizationCode, token.GrantTypeRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  h.signingAlgorithms(r),
		ScopesSupported:                   []string{validation.ScopeOpenID, validation.ScopeOfflineAccess},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		CodeChallengeMethodsSupported:     []string{validation.CodeChallengeS256},
		AcrValuesSupported:                validation.AllowedAcrValues,
		UILocalesSupported:                validation.AllowedUILocales,
		PromptValuesSupported: []string{
			validation.PromptNone, validation.PromptLogin, validation.PromptConsent,
		},
		FrontchannelLogoutSupported:        true,
		FrontchannelLogoutSessionSupported: true,
	}
}

// DiscoveryHandler handles GET /.well-known/openid-configuration requests.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	data, err := json.Marshal(h.discoveryDocument(r))
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}

// JWKSHandler handles GET /.well-known/jwks.json requests.
// It returns the public keys used for verifying JWTs.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	set, err := keys.JWKS(r.Context(), h.keys)
	if err != nil {
		logger.Errorw("failed to build JWKS", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(set)
	if err != nil {
		logger.Errorw("failed to encode JWKS", "error", err.Error())
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultJWKSCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
