// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/token"
)

func testPrincipal() *token.Principal {
	return &token.Principal{
		Subject:  "user-1",
		Sid:      "sid-1",
		ClientID: "rp",
		Scopes:   []string{"openid", "profile"},
		Acr:      "idporten-loa-high",
		Amr:      []string{"BankID"},
		AuthTime: time.Unix(1_700_000_000, 0).UTC(),
		Nonce:    "n-1",
		Claims:   map[string]string{"pid": "123", "sub": "ignored"},
	}
}

func TestIssuer_RoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	issuer, err := token.NewIssuer(testIssuer, keys.NewGeneratingProvider("ES384"))
	require.NoError(t, err)
	client := &storage.OidcClient{ClientID: "rp"}

	access, err := issuer.CreateAccessToken(ctx, testPrincipal(), time.Minute)
	require.NoError(t, err)
	verified, err := issuer.ParseAndVerify(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, token.TypeAccessToken, verified.Type)
	p := verified.Principal()
	assert.Equal(t, "user-1", p.Subject)
	assert.Equal(t, "sid-1", p.Sid)
	assert.Equal(t, "rp", p.ClientID)
	assert.Equal(t, []string{"openid", "profile"}, p.Scopes)
	assert.Equal(t, testPrincipal().AuthTime, p.AuthTime)

	idToken, ok, err := issuer.CreateIDToken(ctx, testPrincipal(), client, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	verified, err = issuer.ParseAndVerify(ctx, idToken)
	require.NoError(t, err)
	assert.Equal(t, token.TypeIDToken, verified.Type)
	assert.Equal(t, "user-1", verified.Claims.Subject, "extra claims cannot override sub")
	assert.Equal(t, "n-1", verified.Claims.Nonce)
	assert.Equal(t, map[string]string{"pid": "123"}, verified.Extra)
	assert.Equal(t, "rp", verified.Principal().ClientID)
}

func TestIssuer_CreateIDToken_WithoutOpenID(t *testing.T) {
	t.Parallel()
	issuer, err := token.NewIssuer(testIssuer, keys.NewGeneratingProvider(keys.DefaultAlgorithm))
	require.NoError(t, err)
	p := testPrincipal()
	p.Scopes = []string{"profile"}

	raw, ok, err := issuer.CreateIDToken(context.Background(), p, &storage.OidcClient{ClientID: "rp"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, raw)
}

func TestIssuer_ParseAndVerify_Rejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := keys.NewGeneratingProvider(keys.DefaultAlgorithm)
	issuer, err := token.NewIssuer(testIssuer, provider)
	require.NoError(t, err)

	valid, err := issuer.CreateAccessToken(ctx, testPrincipal(), time.Minute)
	require.NoError(t, err)

	foreign, err := token.NewIssuer(testIssuer, keys.NewGeneratingProvider(keys.DefaultAlgorithm))
	require.NoError(t, err)
	foreignToken, err := foreign.CreateAccessToken(ctx, testPrincipal(), time.Minute)
	require.NoError(t, err)

	otherIssuer, err := token.NewIssuer("https://other.example", provider)
	require.NoError(t, err)
	otherIssuerToken, err := otherIssuer.CreateAccessToken(ctx, testPrincipal(), time.Minute)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":        "not-a-jwt",
		"tampered":       valid[:len(valid)-4] + "AAAA",
		"foreign key":    foreignToken,
		"foreign issuer": otherIssuerToken,
		"empty":          "",
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := issuer.ParseAndVerify(ctx, raw)
			require.ErrorIs(t, err, token.ErrInvalidToken)
		})
	}
}

func TestIssuer_ParseAndVerify_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	provider := keys.NewGeneratingProvider(keys.DefaultAlgorithm)
	past := time.Now().Add(-time.Hour)
	minting, err := token.NewIssuer(testIssuer, provider, token.WithIssuerClock(func() time.Time { return past }))
	require.NoError(t, err)
	verifying, err := token.NewIssuer(testIssuer, provider)
	require.NoError(t, err)

	raw, _, err := minting.CreateIDToken(ctx, testPrincipal(), &storage.OidcClient{ClientID: "rp"}, time.Minute)
	require.NoError(t, err)

	_, err = verifying.ParseAndVerify(ctx, raw)
	require.ErrorIs(t, err, token.ErrInvalidToken)

	verified, err := verifying.ParseAndVerify(ctx, raw, token.SkipExpiryCheck())
	require.NoError(t, err)
	assert.Equal(t, "sid-1", verified.Claims.Sid)
}

func TestNewIssuer_Validation(t *testing.T) {
	t.Parallel()
	_, err := token.NewIssuer("", keys.NewGeneratingProvider(keys.DefaultAlgorithm))
	require.Error(t, err)
	_, err = token.NewIssuer(testIssuer, nil)
	require.Error(t, err)
}

func TestSecretStrategy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := token.NewSecretStrategy([]byte("too-short"))
	require.Error(t, err)

	old, err := token.NewSecretStrategy([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	oldToken, _, err := old.Generate(ctx)
	require.NoError(t, err)

	s, err := token.NewSecretStrategy(hmacSecret)
	require.NoError(t, err)
	raw, lookupKey, err := s.Generate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, raw, lookupKey)
	assert.Equal(t, lookupKey, s.LookupKey(raw))
	require.NoError(t, s.Validate(ctx, raw))
	require.Error(t, s.Validate(ctx, oldToken))

	rotated, err := token.NewSecretStrategy(hmacSecret, []byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	require.NoError(t, rotated.Validate(ctx, oldToken))
	require.NoError(t, rotated.Validate(ctx, raw))
}
