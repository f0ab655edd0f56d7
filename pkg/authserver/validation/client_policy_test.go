// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

func TestValidateClientBinding(t *testing.T) {
	t.Parallel()

	client := &storage.OidcClient{
		ClientID:      "client-a",
		RedirectURIs:  []string{"https://rp.example/cb", "https://rp.example/other"},
		AllowedScopes: []string{"openid", "profile", "offline_access"},
	}

	tests := []struct {
		name     string
		client   *storage.OidcClient
		mutate   func(r *AuthorizeRequest)
		wantCode string
	}{
		{
			name:   "registered redirect and scopes",
			client: client,
			mutate: func(*AuthorizeRequest) {},
		},
		{
			name:     "unknown client",
			client:   nil,
			mutate:   func(*AuthorizeRequest) {},
			wantCode: ErrorUnauthorizedClient,
		},
		{
			name:     "redirect with fragment",
			client:   client,
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://rp.example/cb#frag" },
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "unregistered redirect",
			client:   client,
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" },
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "redirect differs by trailing slash",
			client:   client,
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://rp.example/cb/" },
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "redirect differs by case",
			client:   client,
			mutate:   func(r *AuthorizeRequest) { r.RedirectURI = "https://RP.example/cb" },
			wantCode: ErrorInvalidRequest,
		},
		{
			name:     "scope not allowed",
			client:   client,
			mutate:   func(r *AuthorizeRequest) { r.Scopes = []string{"openid", "admin"} },
			wantCode: ErrorInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.mutate(req)

			err := ValidateClientBinding(req, tt.client)
			if tt.wantCode == "" {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
		})
	}
}

func TestIsAbsoluteWithoutFragment(t *testing.T) {
	t.Parallel()

	assert.True(t, IsAbsoluteWithoutFragment("https://rp.example/cb?x=1"))
	assert.True(t, IsAbsoluteWithoutFragment("com.example.app:/callback"))
	assert.False(t, IsAbsoluteWithoutFragment("https://rp.example/cb#"))
	assert.False(t, IsAbsoluteWithoutFragment("//rp.example/cb"))
	assert.False(t, IsAbsoluteWithoutFragment(""))
}
