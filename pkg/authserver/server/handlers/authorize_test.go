// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/authserver/server/handlers"
)

func TestAuthorizeHandler_FullLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rp, cookie := f.login(t)
	assert.Equal(t, "rp.example", rp.Host)
	assert.Equal(t, "rp-state", rp.Query().Get("state"))
	assert.NotEmpty(t, rp.Query().Get("code"))
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	tokens := f.redeem(t, rp)
	assert.NotEmpty(t, tokens["access_token"])
	assert.NotEmpty(t, tokens["id_token"])
	assert.NotEmpty(t, tokens["refresh_token"])
	assert.Equal(t, "Bearer", tokens["token_type"])
}

func TestAuthorizeHandler_ForwardsToUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	q := authorizeQuery()
	q.Set("acr_values", "idporten-loa-high")
	q.Set("ui_locales", "nb")
	resp := f.get(t, handlers.PathAuthorize, q)

	u := location(t, resp)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "idporten-loa-high", u.Query().Get("acr_values"))
	assert.Equal(t, "nb", u.Query().Get("ui_locales"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.NotEqual(t, "rp-state", u.Query().Get("state"))
}

func TestAuthorizeHandler_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		mutate       func(url.Values)
		wantStatus   int
		wantError    string
		wantRedirect bool
	}{
		{
			name:       "repeated parameter",
			mutate:     func(q url.Values) { q.Add("state", "second") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "malformed max_age",
			mutate:     func(q url.Values) { q.Set("max_age", "soon") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "negative max_age",
			mutate:     func(q url.Values) { q.Set("max_age", "-1") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unknown client",
			mutate:     func(q url.Values) { q.Set("client_id", "nobody") },
			wantStatus: http.StatusBadRequest,
			wantError:  "unauthorized_client",
		},
		{
			name:       "unregistered redirect_uri",
			mutate:     func(q url.Values) { q.Set("redirect_uri", "https://evil.example/cb") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:         "prompt none without session",
			mutate:       func(q url.Values) { q.Set("prompt", "none") },
			wantStatus:   http.StatusFound,
			wantError:    "login_required",
			wantRedirect: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			q := authorizeQuery()
			tt.mutate(q)
			resp := f.get(t, handlers.PathAuthorize, q)
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			if tt.wantRedirect {
				u := location(t, resp)
				assert.Equal(t, "rp.example", u.Host)
				assert.Equal(t, tt.wantError, u.Query().Get("error"))
				assert.Equal(t, "rp-state", u.Query().Get("state"))
				return
			}
			body := decode[map[string]string](t, resp)
			assert.Equal(t, tt.wantError, body["error"])
			assert.Empty(t, resp.Header.Get("Location"))
		})
	}
}

func TestAuthorizeHandler_ReusesSessionCookie(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, cookie := f.login(t)
	before := f.idp.TokenRequests()

	resp := f.get(t, handlers.PathAuthorize, authorizeQuery(), cookie)
	u := location(t, resp)
	assert.Equal(t, "rp.example", u.Host)
	assert.NotEmpty(t, u.Query().Get("code"))
	assert.Equal(t, before, f.idp.TokenRequests())
}

func TestLoginHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		gotoURL    string
		wantStatus int
	}{
		{name: "allowed host", gotoURL: "https://app.example.no/home", wantStatus: http.StatusFound},
		{name: "foreign host", gotoURL: "https://evil.example/home", wantStatus: http.StatusBadRequest},
		{name: "missing goto", gotoURL: "", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)

			resp := f.get(t, handlers.PathLogin, url.Values{"goto": {tt.gotoURL}})
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusFound {
				return
			}

			back := location(t, f.do(t, mustRequest(t, location(t, resp).String())))
			cb := f.get(t, handlers.PathCallback, url.Values{
				"state": {back.Query().Get("state")},
				"code":  {back.Query().Get("code")},
			})
			assert.Equal(t, tt.gotoURL, location(t, cb).String())
			assert.NotNil(t, sessionCookie(cb))
		})
	}
}

func TestCallbackHandler(t *testing.T) {
	t.Parallel()

	t.Run("unknown state", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		resp := f.get(t, handlers.PathCallback, url.Values{"state": {"nope"}, "code": {"x"}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Nil(t, sessionCookie(resp))
	})

	t.Run("replayed callback", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		upstreamURL := location(t, f.get(t, handlers.PathAuthorize, authorizeQuery()))
		back := location(t, f.do(t, mustRequest(t, upstreamURL.String())))
		q := url.Values{"state": {back.Query().Get("state")}, "code": {back.Query().Get("code")}}

		location(t, f.get(t, handlers.PathCallback, q))
		resp := f.get(t, handlers.PathCallback, q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("upstream error is passed to the client", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		upstreamURL := location(t, f.get(t, handlers.PathAuthorize, authorizeQuery()))
		resp := f.get(t, handlers.PathCallback, url.Values{
			"state": {upstreamURL.Query().Get("state")},
			"error": {"access_denied"},
		})
		u := location(t, resp)
		assert.Equal(t, "access_denied", u.Query().Get("error"))
		assert.Equal(t, "rp-state", u.Query().Get("state"))
		assert.Nil(t, sessionCookie(resp))
	})

	t.Run("upstream exchange failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.idp.FailTokenRequests(true)

		upstreamURL := location(t, f.get(t, handlers.PathAuthorize, authorizeQuery()))
		back := location(t, f.do(t, mustRequest(t, upstreamURL.String())))
		resp := f.get(t, handlers.PathCallback, url.Values{
			"state": {back.Query().Get("state")},
			"code":  {back.Query().Get("code")},
		})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		body := decode[map[string]string](t, resp)
		assert.Empty(t, body["error_description"])
	})
}
