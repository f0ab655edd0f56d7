// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/stacklok/idbroker/pkg/authserver/clients"
	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/token"
)

const (
	testIssuer       = "https://broker.example"
	confidentialID   = "rp-confidential"
	confidentialPass = "rp-secret"
	publicID         = "rp-public"
	redirectURI      = "https://rp.example/cb"
	testVerifier     = "dBjftJeZ4CVP-mJ0kjmrHQPN5Pu8HoJKMK_EfzhM4WM"
)

var hmacSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	svc      *token.Service
	store    *storage.MemoryStorage
	keys     keys.KeyProvider
	issuer   *token.Issuer
	secrets  *token.SecretStrategy
	registry *prometheus.Registry
}

func newFixture(t *testing.T, wrap ...func(token.Store) token.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	registry := clients.NewRegistry(clients.WithBcryptCost(bcrypt.MinCost))
	_, err := registry.Register(ctx, "test", clients.Registration{
		ClientID:             confidentialID,
		Secret:               confidentialPass,
		RedirectURIs:         []string{redirectURI},
		AllowedScopes:        []string{"openid", "profile", "offline_access"},
		RefreshTokensEnabled: true,
	})
	require.NoError(t, err)
	_, err = registry.Register(ctx, "test", clients.Registration{
		ClientID:     publicID,
		RedirectURIs: []string{redirectURI},
	})
	require.NoError(t, err)

	provider := keys.NewGeneratingProvider(keys.DefaultAlgorithm)
	issuer, err := token.NewIssuer(testIssuer, provider)
	require.NoError(t, err)
	secrets, err := token.NewSecretStrategy(hmacSecret)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	var backend token.Store = store
	for _, w := range wrap {
		backend = w(backend)
	}
	svc, err := token.NewService(backend, registry, issuer, secrets, token.WithMetrics(m))
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, keys: provider, issuer: issuer, secrets: secrets, registry: reg}
}

// seedSession stores a live session with sid.
func (f *fixture) seedSession(t *testing.T, sid string) *storage.OidcSession {
	t.Helper()
	now := time.Now()
	session, err := f.store.UpsertSessionByUpstreamSub(context.Background(), &storage.OidcSession{
		Sid:            sid,
		Provider:       "idporten",
		UpstreamIssuer: "https://idp.example",
		UpstreamSub:    "upstream-" + sid,
		Subject:        "user-1",
		Acr:            "idporten-loa-substantial",
		Amr:            []string{"BankID"},
		AuthTime:       now,
		Claims:         map[string]string{"pid": "12345678901"},
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSeenAt:     now,
		ExpiresAt:      now.Add(time.Hour),
	})
	require.NoError(t, err)
	return session
}

// seedCode stores an authorization code for clientID and returns its opaque value.
func (f *fixture) seedCode(t *testing.T, clientID, sid string, mutate ...func(*storage.AuthorizationCode)) string {
	t.Helper()
	raw, key, err := f.secrets.Generate(context.Background())
	require.NoError(t, err)
	now := time.Now()
	code := &storage.AuthorizationCode{
		Code:                key,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Sid:                 sid,
		Subject:             "user-1",
		Scopes:              []string{"openid", "profile"},
		Nonce:               "rp-nonce",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(testVerifier),
		CodeChallengeMethod: "S256",
		Acr:                 "idporten-loa-substantial",
		AuthTime:            now,
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultAuthCodeTTL),
	}
	for _, m := range mutate {
		m(code)
	}
	require.NoError(t, f.store.InsertAuthCode(context.Background(), code))
	return raw
}

func (f *fixture) exchangeRequest(code string) *token.CodeExchangeRequest {
	return &token.CodeExchangeRequest{
		GrantType:    token.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  redirectURI,
		ClientID:     confidentialID,
		ClientSecret: confidentialPass,
		CodeVerifier: testVerifier,
	}
}

// verifyJWT checks raw against the published JWKS independently of go-jose.
func (f *fixture) verifyJWT(t *testing.T, raw string) jwtv5.MapClaims {
	t.Helper()
	set, err := keys.JWKS(context.Background(), f.keys)
	require.NoError(t, err)
	data, err := json.Marshal(set)
	require.NoError(t, err)
	keySet, err := jwk.Parse(data)
	require.NoError(t, err)

	parsed, err := jwtv5.Parse(raw, func(tok *jwtv5.Token) (any, error) {
		kid, ok := tok.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token header missing kid")
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
		}
		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, err
		}
		return rawKey, nil
	}, jwtv5.WithValidMethods([]string{keys.DefaultAlgorithm}), jwtv5.WithIssuer(testIssuer))
	require.NoError(t, err)

	claims, ok := parsed.Claims.(jwtv5.MapClaims)
	require.True(t, ok)
	return claims
}
