// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
)

func TestAuthorize_StartsUpstreamLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{
		Request: authorizeRequest(func(r *validation.AuthorizeRequest) {
			r.AcrValues = []string{"idporten-loa-high"}
			r.UILocales = []string{"nb"}
		}),
		Meta: broker.RequestMeta{ClientIP: "198.51.100.7", UserAgent: "test-agent", CorrelationID: "corr-1"},
	})
	require.NoError(t, err)
	require.Equal(t, broker.ResultRedirect, res.Kind)
	require.True(t, strings.HasPrefix(res.RedirectURL, f.idp.Issuer()+"/authorize"))

	u, err := url.Parse(res.RedirectURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, f.idp.ClientID, q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "idporten-loa-high", q.Get("acr_values"))
	assert.Equal(t, "nb", q.Get("ui_locales"))
	assert.NotEmpty(t, q.Get("nonce"))
	assert.NotEqual(t, "rp-state", q.Get("state"), "upstream state is generated, not forwarded")
	assert.NotEqual(t, "rp-nonce", q.Get("nonce"))

	stats := f.store.Stats()
	assert.Equal(t, 1, stats.LoginTransactions)
	assert.Equal(t, 1, stats.UpstreamTransactions)

	tx, err := f.store.GetUpstreamTransactionByState(context.Background(), q.Get("state"))
	require.NoError(t, err)
	login, err := f.store.GetLoginTransaction(context.Background(), tx.RequestID)
	require.NoError(t, err)
	assert.Equal(t, tx.UpstreamRequestID, login.UpstreamRequestID)
	assert.Equal(t, "198.51.100.7", login.CreatedByIP)
	assert.NotEqual(t, "test-agent", login.UserAgentHash)
	assert.Len(t, login.UserAgentHash, 64)
	assert.Contains(t, f.spanNames(), "broker.Authorize")
}

func TestAuthorize_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		mutate     func(*validation.AuthorizeRequest)
		wantKind   broker.ResultKind
		wantError  string
		noRedirect bool
	}{
		{
			name:      "unsupported response type",
			mutate:    func(r *validation.AuthorizeRequest) { r.ResponseType = "token" },
			wantKind:  broker.ResultError,
			wantError: validation.ErrorUnsupportedResponseType,
		},
		{
			name:      "unknown client",
			mutate:    func(r *validation.AuthorizeRequest) { r.ClientID = "nobody" },
			wantKind:  broker.ResultError,
			wantError: validation.ErrorUnauthorizedClient,
		},
		{
			name:      "unregistered redirect uri",
			mutate:    func(r *validation.AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" },
			wantKind:  broker.ResultError,
			wantError: validation.ErrorInvalidRequest,
		},
		{
			name:      "scope not allowed",
			mutate:    func(r *validation.AuthorizeRequest) { r.Scopes = []string{"openid", "admin"} },
			wantKind:  broker.ResultRedirect,
			wantError: validation.ErrorInvalidScope,
		},
		{
			name:      "prompt none without session",
			mutate:    func(r *validation.AuthorizeRequest) { r.Prompts = []string{validation.PromptNone} },
			wantKind:  broker.ResultRedirect,
			wantError: validation.ErrorLoginRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{
				Request: authorizeRequest(tt.mutate),
			})
			require.NoError(t, err)
			require.Equal(t, tt.wantKind, res.Kind)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantError, res.Error.Code)

			if tt.wantKind == broker.ResultRedirect {
				u, err := url.Parse(res.RedirectURL)
				require.NoError(t, err)
				assert.Equal(t, "rp.example", u.Host)
				assert.Equal(t, tt.wantError, u.Query().Get("error"))
				assert.Equal(t, "rp-state", u.Query().Get("state"))
			}
			assert.Zero(t, f.store.Stats().LoginTransactions)
		})
	}
}

func TestAuthorize_CancelledBeforeMutation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Authorize(ctx, &broker.AuthorizeInput{Request: authorizeRequest()})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.store.Stats().LoginTransactions)
	assert.Zero(t, f.store.Stats().UpstreamTransactions)
}

func TestAuthorize_ReusesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.login(t)

	t.Run("live session answers directly", func(t *testing.T) {
		res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{
			Request:    authorizeRequest(func(r *validation.AuthorizeRequest) { r.Prompts = []string{validation.PromptNone} }),
			SessionSid: first.SessionSid,
		})
		require.NoError(t, err)
		require.Equal(t, broker.ResultRedirect, res.Kind)
		require.True(t, strings.HasPrefix(res.RedirectURL, rpRedirectURI))

		result := f.redeem(t, res.RedirectURL)
		verified, err := f.tokens.Issuer().ParseAndVerify(context.Background(), result.IDToken)
		require.NoError(t, err)
		assert.Equal(t, first.SessionSid, verified.Claims.Sid)
	})

	t.Run("prompt login forces upstream", func(t *testing.T) {
		res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{
			Request:    authorizeRequest(func(r *validation.AuthorizeRequest) { r.Prompts = []string{validation.PromptLogin} }),
			SessionSid: first.SessionSid,
		})
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(res.RedirectURL, f.idp.Issuer()))
		u, err := url.Parse(res.RedirectURL)
		require.NoError(t, err)
		assert.Equal(t, validation.PromptLogin, u.Query().Get("prompt"))
	})

	t.Run("higher acr forces upstream", func(t *testing.T) {
		res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{
			Request:    authorizeRequest(func(r *validation.AuthorizeRequest) { r.AcrValues = []string{"idporten-loa-high"} }),
			SessionSid: first.SessionSid,
		})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(res.RedirectURL, f.idp.Issuer()))
	})

	t.Run("unknown session starts upstream login", func(t *testing.T) {
		res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{
			Request:    authorizeRequest(),
			SessionSid: "no-such-session",
		})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(res.RedirectURL, f.idp.Issuer()))
	})
}

func TestAuthorizeUnregisteredClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		gotoURL string
		acr     []string
		allowed bool
	}{
		{name: "allowed subdomain", gotoURL: "https://app.example.no/home", allowed: true},
		{name: "allowed apex", gotoURL: "https://example.no/", allowed: true},
		{name: "foreign host", gotoURL: "https://evil.example/", allowed: false},
		{name: "suffix trick", gotoURL: "https://evilexample.no/", allowed: false},
		{name: "plain http", gotoURL: "http://app.example.no/", allowed: false},
		{name: "relative", gotoURL: "/home", allowed: false},
		{name: "unknown acr", gotoURL: "https://app.example.no/", acr: []string{"level9"}, allowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			res, err := f.svc.AuthorizeUnregisteredClient(context.Background(), &broker.UnregisteredAuthorizeInput{
				GotoURL:   tt.gotoURL,
				AcrValues: tt.acr,
			})
			require.NoError(t, err)
			if !tt.allowed {
				assert.Equal(t, broker.ResultError, res.Kind)
				assert.Zero(t, f.store.Stats().UnregisteredRequests)
				return
			}
			assert.Equal(t, broker.ResultRedirect, res.Kind)
			assert.True(t, strings.HasPrefix(res.RedirectURL, f.idp.Issuer()))
			assert.Equal(t, 1, f.store.Stats().UnregisteredRequests)
		})
	}
}
