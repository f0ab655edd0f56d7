// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

func validRequest() *AuthorizeRequest {
	maxAge := 0
	return &AuthorizeRequest{
		ResponseType:        "code",
		Scopes:              []string{"openid", "profile"},
		RedirectURI:         "https://rp.example/cb",
		ClientID:            "client-a",
		State:               "s1",
		Nonce:               "n1",
		CodeChallenge:       validChallenge,
		CodeChallengeMethod: "S256",
		MaxAge:              &maxAge,
		AcrValues:           []string{"idporten-loa-substantial"},
		UILocales:           []string{"NB", "en"},
	}
}

func TestValidateBasics(t *testing.T) {
	t.Parallel()

	negative := -1

	tests := []struct {
		name     string
		mutate   func(r *AuthorizeRequest)
		wantCode string
		wantDesc string
	}{
		{
			name:   "valid request",
			mutate: func(*AuthorizeRequest) {},
		},
		{
			name:     "wrong response type",
			mutate:   func(r *AuthorizeRequest) { r.ResponseType = "token" },
			wantCode: ErrorUnsupportedResponseType,
		},
		{
			name:     "nil scopes",
			mutate:   func(r *AuthorizeRequest) { r.Scopes = nil },
			wantCode: ErrorInvalidScope,
		},
		{
			name:     "missing openid scope",
			mutate:   func(r *AuthorizeRequest) { r.Scopes = []string{"profile"} },
			wantCode: ErrorInvalidScope,
		},
		{
			name:     "relative redirect uri",
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "/cb" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "redirect_uri",
		},
		{
			name:     "missing redirect uri",
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "redirect_uri",
		},
		{
			name:     "missing code challenge",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallenge = "" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "code_challenge is required",
		},
		{
			name:     "plain challenge method",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "code_challenge_method",
		},
		{
			name:     "challenge too short",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallenge = strings.Repeat("a", 42) },
			wantCode: ErrorInvalidRequest,
			wantDesc: "43-128",
		},
		{
			name:     "challenge too long",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallenge = strings.Repeat("a", 129) },
			wantCode: ErrorInvalidRequest,
			wantDesc: "43-128",
		},
		{
			name:     "challenge with padding",
			mutate:   func(r *AuthorizeRequest) { r.CodeChallenge = strings.Repeat("a", 42) + "=" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "43-128",
		},
		{
			name:     "prompt none with login",
			mutate:   func(r *AuthorizeRequest) { r.Prompts = []string{"none", "login"} },
			wantCode: ErrorInvalidRequest,
			wantDesc: "prompt",
		},
		{
			name:     "prompt none with consent",
			mutate:   func(r *AuthorizeRequest) { r.Prompts = []string{"consent", "none"} },
			wantCode: ErrorInvalidRequest,
			wantDesc: "prompt",
		},
		{
			name:     "missing state",
			mutate:   func(r *AuthorizeRequest) { r.State = "" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "state",
		},
		{
			name:     "negative max age",
			mutate:   func(r *AuthorizeRequest) { r.MaxAge = &negative },
			wantCode: ErrorInvalidRequest,
			wantDesc: "max_age",
		},
		{
			name:     "unknown acr",
			mutate:   func(r *AuthorizeRequest) { r.AcrValues = []string{"level0", "level9"} },
			wantCode: ErrorInvalidRequest,
			wantDesc: "acr_values",
		},
		{
			name:     "unknown locale",
			mutate:   func(r *AuthorizeRequest) { r.UILocales = []string{"sv"} },
			wantCode: ErrorInvalidRequest,
			wantDesc: "ui_locales",
		},
		{
			name:     "missing nonce",
			mutate:   func(r *AuthorizeRequest) { r.Nonce = "" },
			wantCode: ErrorInvalidRequest,
			wantDesc: "nonce",
		},
		{
			name:     "absent max age is allowed",
			mutate:   func(r *AuthorizeRequest) { r.MaxAge = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.mutate(req)

			err := ValidateBasics(req)
			if tt.wantCode == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Contains(t, err.Description, tt.wantDesc)
		})
	}
}

func TestValidateBasics_NilRequest(t *testing.T) {
	t.Parallel()
	err := ValidateBasics(nil)
	require.NotNil(t, err)
	assert.Equal(t, ErrorInvalidRequest, err.Code)
}

func TestValidateBasics_FirstFailureWins(t *testing.T) {
	t.Parallel()

	req := validRequest()
	req.ResponseType = "id_token"
	req.Scopes = nil
	req.State = ""
	req.Nonce = ""

	err := ValidateBasics(req)
	require.NotNil(t, err)
	assert.Equal(t, ErrorUnsupportedResponseType, err.Code)

	req.ResponseType = "code"
	err = ValidateBasics(req)
	require.NotNil(t, err)
	assert.Equal(t, ErrorInvalidScope, err.Code)
}

func TestValidateBasics_DoesNotMutate(t *testing.T) {
	t.Parallel()
	req := validRequest()
	before := *req
	before.Scopes = append([]string(nil), req.Scopes...)

	require.Nil(t, ValidateBasics(req))
	assert.Equal(t, before.Scopes, req.Scopes)
	assert.Equal(t, before.State, req.State)
}

func TestAuthorizeValidationError_Error(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "invalid_request", (&AuthorizeValidationError{Code: "invalid_request"}).Error())
	assert.Equal(t, "invalid_scope: nope",
		(&AuthorizeValidationError{Code: "invalid_scope", Description: "nope"}).Error())
}
