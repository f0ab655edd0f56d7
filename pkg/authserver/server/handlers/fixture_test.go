// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/clients"
	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/ticket"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/upstream/upstreamtest"
)

const (
	testIssuer        = "https://broker.example"
	clientID          = "rp"
	clientSecret      = "rp-secret"
	rpRedirectURI     = "https://rp.example/cb"
	rpPostLogoutURI   = "https://rp.example/logged-out"
	defaultPostLogout = "https://broker.example/logged-out"
	callbackURL       = "http://localhost:8080/upstream/callback"
	testVerifier      = "dBjftJeZ4CVP-mJ0kjmrHQPN5Pu8HoJKMK_EfzhM4WM"
)

type fixture struct {
	server   *httptest.Server
	client   *http.Client
	store    *storage.MemoryStorage
	idp      *upstreamtest.IdP
	tickets  *ticket.StaticResolver
	registry *prometheus.Registry
}

type fixtureOptions struct {
	rateLimit handlers.RateLimitConfig
	health    handlers.Pinger
}

func newFixture(t *testing.T, mutate ...func(*fixtureOptions)) *fixture {
	t.Helper()
	ctx := context.Background()

	opts := &fixtureOptions{}
	for _, m := range mutate {
		m(opts)
	}

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	registry := clients.NewRegistry(clients.WithBcryptCost(bcrypt.MinCost))
	_, err := registry.Register(ctx, "test", clients.Registration{
		ClientID:               clientID,
		Secret:                 clientSecret,
		RedirectURIs:           []string{rpRedirectURI},
		PostLogoutRedirectURIs: []string{rpPostLogoutURI},
		AllowedScopes:          []string{"openid", "profile", "offline_access"},
		RefreshTokensEnabled:   true,
	})
	require.NoError(t, err)

	idp := upstreamtest.New(t)
	provider, err := upstream.NewOIDCProvider(&upstream.Config{
		Name:         "idporten",
		Issuer:       idp.Issuer(),
		ClientID:     idp.ClientID,
		ClientSecret: idp.Secret,
		RedirectURI:  callbackURL,
	}, upstream.NewDiscoveryCache(http.DefaultClient), http.DefaultClient)
	require.NoError(t, err)
	upstreams, err := upstream.NewRegistry(provider)
	require.NoError(t, err)

	signingKeys := keys.NewGeneratingProvider(keys.DefaultAlgorithm)
	issuer, err := token.NewIssuer(testIssuer, signingKeys)
	require.NoError(t, err)
	secrets, err := token.NewSecretStrategy([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	tokens, err := token.NewService(store, registry, issuer, secrets, token.WithMetrics(m))
	require.NoError(t, err)

	tickets := ticket.NewStaticResolver(nil)
	svc, err := broker.New(broker.Config{
		AllowedGotoHosts:             []string{".example.no"},
		DefaultPostLogoutRedirectURI: defaultPostLogout,
	}, store, registry, upstreams, tokens, broker.WithTicketResolver(tickets), broker.WithMetrics(m))
	require.NoError(t, err)

	health := opts.health
	if health == nil {
		health = store
	}
	h := handlers.NewHandler(handlers.Config{
		Issuer:    testIssuer,
		Cookies:   handlers.CookieConfig{Insecure: true},
		RateLimit: opts.rateLimit,
	}, svc, tokens, signingKeys, health, handlers.WithMetricsGatherer(reg))

	server := httptest.NewServer(h.Routes())
	t.Cleanup(server.Close)

	return &fixture{
		server: server,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
		store:    store,
		idp:      idp,
		tickets:  tickets,
		registry: reg,
	}
}

func authorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"scope":                 {"openid profile"},
		"redirect_uri":          {rpRedirectURI},
		"client_id":             {clientID},
		"state":                 {"rp-state"},
		"nonce":                 {"rp-nonce"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// get issues a GET with optional cookies and returns the response with its
// body closed once the test ends.
func (f *fixture) get(t *testing.T, path string, query url.Values, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	target := f.server.URL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	return f.do(t, req)
}

func (f *fixture) postForm(t *testing.T, path string, form url.Values, mutate ...func(*http.Request)) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, m := range mutate {
		m(req)
	}
	return f.do(t, req)
}

func (f *fixture) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func location(t *testing.T, resp *http.Response) *url.URL {
	t.Helper()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	u, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return u
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == handlers.DefaultSessionCookieName {
			return c
		}
	}
	return nil
}

// login drives /authorize, the fake upstream and /upstream/callback. It
// returns the RP redirect and the session cookie.
func (f *fixture) login(t *testing.T) (*url.URL, *http.Cookie) {
	t.Helper()
	upstreamURL := location(t, f.get(t, handlers.PathAuthorize, authorizeQuery()))
	back := location(t, f.do(t, mustRequest(t, upstreamURL.String())))

	resp := f.get(t, handlers.PathCallback, url.Values{
		"state": {back.Query().Get("state")},
		"code":  {back.Query().Get("code")},
	})
	rp := location(t, resp)
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	return rp, cookie
}

func mustRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return req
}

// redeem posts the code to /token with client_secret_basic.
func (f *fixture) redeem(t *testing.T, rp *url.URL) map[string]any {
	t.Helper()
	resp := f.postForm(t, handlers.PathToken, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {rp.Query().Get("code")},
		"redirect_uri":  {rpRedirectURI},
		"code_verifier": {testVerifier},
	}, func(r *http.Request) { r.SetBasicAuth(clientID, clientSecret) })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[map[string]any](t, resp)
}
