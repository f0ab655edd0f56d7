// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package e2e runs an in-process identity broker against a fake upstream
// OpenID Provider for the end-to-end suite.
package e2e

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/oauth2"

	"github.com/stacklok/idbroker/pkg/authserver"
	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/upstream/upstreamtest"
)

// Registered relying party used by every scenario.
const (
	Issuer       = "http://localhost:8080"
	ClientID     = "rp1"
	ClientSecret = "rp1-secret"
	RedirectURI  = "https://rp.example/cb"
	Verifier     = "dBjftJeZ4CVP-mJ0kjmrHQPN5Pu8HoJKMK_EfzhM4WM"
)

const hmacSecret = "0123456789abcdef0123456789abcdef"

// mapEnv resolves config secrets from a fixed map.
type mapEnv map[string]string

func (m mapEnv) Getenv(key string) string { return m[key] }

// Broker is a running identity broker and the upstream it federates to.
type Broker struct {
	Server *httptest.Server
	IdP    *upstreamtest.IdP
	Store  *storage.MemoryStorage
	Client *http.Client
}

// StartBroker starts a broker backed by memory storage and a fresh fake IdP.
// Both are shut down through t.
func StartBroker(t upstreamtest.TB) (*Broker, error) {
	idp := upstreamtest.New(t)
	cfg := &authserver.Config{
		Issuer:        Issuer,
		HMACSecretEnv: "HMAC_SECRET",
		Upstreams: []upstream.Config{{
			Name:            "idporten",
			Issuer:          idp.Issuer(),
			ClientID:        idp.ClientID,
			ClientSecretEnv: "UPSTREAM_SECRET",
			RedirectURI:     Issuer + handlers.PathCallback,
		}},
		Clients: []authserver.ClientConfig{{
			ClientID:      ClientID,
			SecretEnv:     "RP1_SECRET",
			RedirectURIs:  []string{RedirectURI},
			AllowedScopes: []string{"openid", "profile"},
		}},
		HTTP: authserver.HTTPConfig{InsecureCookies: true},
	}
	err := cfg.Resolve(mapEnv{
		"HMAC_SECRET":     hmacSecret,
		"UPSTREAM_SECRET": idp.Secret,
		"RP1_SECRET":      ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	store := storage.NewMemoryStorage()
	srv, err := authserver.New(context.Background(), cfg,
		authserver.WithStorage(store),
		authserver.WithKeyProvider(keys.NewGeneratingProvider(keys.DefaultAlgorithm)),
		authserver.WithHTTPClient(http.DefaultClient),
		authserver.WithRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &Broker{
		Server: ts,
		IdP:    idp,
		Store:  store,
		Client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}, nil
}

// AuthorizeQuery is a valid authorization request for the registered client.
func AuthorizeQuery() url.Values {
	return url.Values{
		"response_type":         {"code"},
		"scope":                 {"openid"},
		"redirect_uri":          {RedirectURI},
		"client_id":             {ClientID},
		"state":                 {"s1"},
		"nonce":                 {"n1"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(Verifier)},
		"code_challenge_method": {"S256"},
	}
}

// Get issues a GET against the broker without following redirects.
func (b *Broker) Get(path string, query url.Values) (*http.Response, error) {
	target := b.Server.URL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return b.Client.Get(target)
}

// Follow issues a GET against an absolute URL without following redirects.
func (b *Broker) Follow(target string) (*http.Response, error) {
	return b.Client.Get(target)
}

// ExchangeCode redeems code at /token with client_secret_basic.
func (b *Broker) ExchangeCode(code, redirectURI, verifier string) (*http.Response, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}
	req, err := http.NewRequest(http.MethodPost, b.Server.URL+handlers.PathToken, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ClientID, ClientSecret)
	return b.Client.Do(req)
}
