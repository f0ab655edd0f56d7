// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest holds the behavioural suite shared by every storage
// backend, and fixtures for building entities in tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run exercises the behaviour every backend must share.
func Run(t *testing.T, newStorage Factory) {
	t.Helper()

	suites := map[string]func(*testing.T, Factory){
		"login transactions":     testLoginTransactions,
		"unregistered requests":  testUnregisteredRequests,
		"upstream transactions":  testUpstreamTransactions,
		"authorization codes":    testAuthorizationCodes,
		"sessions":               testSessions,
		"refresh tokens":         testRefreshTokens,
		"refresh token families": testRefreshTokenFamilies,
	}
	for name, fn := range suites {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, newStorage)
		})
	}
}

// LoginTransaction returns a pending login transaction fixture.
func LoginTransaction(id string) *storage.LoginTransaction {
	now := time.Now().UTC()
	maxAge := 300
	return &storage.LoginTransaction{
		RequestID:           id,
		ClientID:            "client-a",
		RedirectURI:         "https://rp.example/cb",
		Scopes:              []string{"openid", "profile"},
		State:               "rp-state",
		Nonce:               "rp-nonce",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		MaxAge:              &maxAge,
		Status:              storage.LoginStatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultLoginTransactionTTL),
	}
}

func testLoginTransactions(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()
	s := newStorage(t)

	tx := LoginTransaction("req-1")
	require.NoError(t, s.InsertLoginTransaction(ctx, tx))
	require.ErrorIs(t, s.InsertLoginTransaction(ctx, tx), storage.ErrAlreadyExists)

	got, err := s.GetLoginTransaction(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.LoginStatusPending, got.Status)
	assert.Equal(t, tx.Scopes, got.Scopes)
	require.NotNil(t, got.MaxAge)
	assert.Equal(t, 300, *got.MaxAge)
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetLoginTransaction(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.CompleteLoginTransaction(ctx, "req-1", storage.LoginStatusPending, time.Now())
	require.Error(t, err, "pending is not a terminal status")

	at := time.Now().UTC()
	ok, err := s.CompleteLoginTransaction(ctx, "req-1", storage.LoginStatusCompleted, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompleteLoginTransaction(ctx, "req-1", storage.LoginStatusError, at)
	require.NoError(t, err)
	assert.False(t, ok, "terminal transactions never move again")

	ok, err = s.CompleteLoginTransaction(ctx, "missing", storage.LoginStatusCompleted, at)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetLoginTransaction(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, storage.LoginStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, at.Equal(*got.CompletedAt))
}

func testUnregisteredRequests(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()
	s := newStorage(t)

	now := time.Now().UTC()
	req := &storage.UnregisteredClientRequest{
		RequestID:    "ureq-1",
		GotoURL:      "https://portal.example/home",
		RequestedAcr: []string{"idporten-loa-high"},
		Status:       storage.LoginStatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(storage.DefaultLoginTransactionTTL),
	}
	require.NoError(t, s.InsertUnregisteredRequest(ctx, req))
	require.ErrorIs(t, s.InsertUnregisteredRequest(ctx, req), storage.ErrAlreadyExists)

	got, err := s.GetUnregisteredRequest(ctx, "ureq-1")
	require.NoError(t, err)
	assert.Equal(t, req.GotoURL, got.GotoURL)
	assert.Equal(t, req.RequestedAcr, got.RequestedAcr)

	ok, err := s.CompleteUnregisteredRequest(ctx, "ureq-1", storage.LoginStatusCancelled, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompleteUnregisteredRequest(ctx, "ureq-1", storage.LoginStatusCompleted, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetUnregisteredRequest(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// UpstreamTransaction returns a pending upstream transaction fixture linked to a login.
func UpstreamTransaction(id, state string) *storage.UpstreamLoginTransaction {
	now := time.Now().UTC()
	return &storage.UpstreamLoginTransaction{
		UpstreamRequestID:   id,
		RequestID:           "req-" + id,
		Provider:            "idporten",
		UpstreamClientID:    "broker",
		UpstreamRedirectURI: "https://broker.example/upstream/callback",
		State:               state,
		Nonce:               "n-" + id,
		CodeVerifier:        "verifier-" + id,
		CodeChallenge:       "challenge-" + id,
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultLoginTransactionTTL),
	}
}

func testUpstreamTransactions(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("insert validates links", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)

		both := UpstreamTransaction("u1", "s1")
		both.UnregisteredClientRequestID = "ureq"
		require.Error(t, s.InsertUpstreamTransaction(ctx, both))

		neither := UpstreamTransaction("u2", "s2")
		neither.RequestID = ""
		require.Error(t, s.InsertUpstreamTransaction(ctx, neither))

		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u3", "s3")))
		require.ErrorIs(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u3", "other")), storage.ErrAlreadyExists)
		require.ErrorIs(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u4", "s3")), storage.ErrAlreadyExists)
	})

	t.Run("lookup only by state", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u1", "state-1")))

		got, err := s.GetUpstreamTransactionByState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UpstreamRequestID)
		assert.Equal(t, storage.UpstreamStatusPending, got.Status)
		assert.Equal(t, "verifier-u1", got.CodeVerifier)

		_, err = s.GetUpstreamTransactionByState(ctx, "u1")
		require.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.GetUpstreamTransactionByState(ctx, "")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u1", "state-1")))
		at := time.Now().UTC()

		ok, err := s.SetTokenExchanged(ctx, "u1", &storage.UpstreamClaims{Subject: "x"}, at)
		require.NoError(t, err)
		assert.False(t, ok, "token exchange needs a callback first")

		ok, err = s.SetCallbackSuccess(ctx, "u1", "upstream-code", at)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.SetCallbackSuccess(ctx, "u1", "replayed", at)
		require.NoError(t, err)
		assert.False(t, ok, "callback is accepted once")

		claims := &storage.UpstreamClaims{
			Issuer:     "https://idp.example",
			Subject:    "user-1",
			Acr:        "idporten-loa-high",
			Amr:        []string{"BankID"},
			SessionSid: "op-sid-1",
			Extra:      map[string]string{"pid": "12345678901"},
		}
		ok, err = s.SetTokenExchanged(ctx, "u1", claims, at)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.MarkUpstreamCompleted(ctx, "u1", true, at)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.GetUpstreamTransactionByState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, storage.UpstreamStatusCompleted, got.Status)
		assert.Equal(t, "upstream-code", got.AuthCode)
		require.NotNil(t, got.Claims)
		assert.Equal(t, claims.Subject, got.Claims.Subject)
		assert.Equal(t, claims.Amr, got.Claims.Amr)
		assert.Equal(t, claims.Extra, got.Claims.Extra)
		assert.NotNil(t, got.CallbackAt)
		assert.NotNil(t, got.TokenExchangedAt)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u1", "state-1")))
		at := time.Now().UTC()

		ok, err := s.SetCallbackError(ctx, "u1", "access_denied", "user cancelled", at)
		require.NoError(t, err)
		require.True(t, ok)

		for name, fn := range map[string]func() (bool, error){
			"callback success": func() (bool, error) { return s.SetCallbackSuccess(ctx, "u1", "code", at) },
			"callback error":   func() (bool, error) { return s.SetCallbackError(ctx, "u1", "x", "", at) },
			"token exchanged":  func() (bool, error) { return s.SetTokenExchanged(ctx, "u1", &storage.UpstreamClaims{}, at) },
			"complete success": func() (bool, error) { return s.MarkUpstreamCompleted(ctx, "u1", true, at) },
			"complete failure": func() (bool, error) { return s.MarkUpstreamCompleted(ctx, "u1", false, at) },
		} {
			ok, err := fn()
			require.NoError(t, err, name)
			assert.False(t, ok, name)
		}

		got, err := s.GetUpstreamTransactionByState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, storage.UpstreamStatusError, got.Status)
		assert.Equal(t, "access_denied", got.Error)
		assert.Equal(t, "user cancelled", got.ErrorDescription)
	})

	t.Run("callback error only from pending", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u1", "state-1")))
		at := time.Now().UTC()

		ok, err := s.SetCallbackSuccess(ctx, "u1", "code", at)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.SetCallbackError(ctx, "u1", "server_error", "", at)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.MarkUpstreamCompleted(ctx, "u1", true, at)
		require.NoError(t, err)
		assert.False(t, ok, "success requires a token exchange")

		ok, err = s.MarkUpstreamCompleted(ctx, "u1", false, at)
		require.NoError(t, err)
		assert.True(t, ok, "failure is allowed from any non-terminal state")
	})

	t.Run("cancel only from pending", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u1", "state-1")))
		require.NoError(t, s.InsertUpstreamTransaction(ctx, UpstreamTransaction("u2", "state-2")))
		at := time.Now().UTC()

		ok, err := s.CancelUpstreamTransaction(ctx, "u1", "expired", at)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.CancelUpstreamTransaction(ctx, "u1", "expired", at)
		require.NoError(t, err)
		assert.False(t, ok, "cancelled is terminal")

		got, err := s.GetUpstreamTransactionByState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, storage.UpstreamStatusCancelled, got.Status)
		assert.Equal(t, "expired", got.Error)
		assert.NotNil(t, got.CompletedAt)

		ok, err = s.SetCallbackSuccess(ctx, "u2", "code", at)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.CancelUpstreamTransaction(ctx, "u2", "expired", at)
		require.NoError(t, err)
		assert.False(t, ok, "a received callback is not cancelled")
	})

	t.Run("missing transaction", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		ok, err := s.SetCallbackSuccess(ctx, "nope", "code", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

// AuthCode returns an unconsumed authorization code fixture.
func AuthCode(code string) *storage.AuthorizationCode {
	now := time.Now().UTC()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-a",
		RedirectURI:         "https://rp.example/cb",
		Sid:                 "sid-1",
		Subject:             "user-1",
		Scopes:              []string{"openid"},
		Nonce:               "nonce",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		AuthTime:            now,
		CreatedAt:           now,
		ExpiresAt:           now.Add(storage.DefaultAuthCodeTTL),
	}
}

func testAuthorizationCodes(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		code := AuthCode("code-1")
		require.NoError(t, s.InsertAuthCode(ctx, code))
		require.ErrorIs(t, s.InsertAuthCode(ctx, code), storage.ErrAlreadyExists)

		got, err := s.GetAuthCode(ctx, "code-1")
		require.NoError(t, err)
		assert.Equal(t, code.Subject, got.Subject)
		assert.False(t, got.Consumed)

		_, err = s.GetAuthCode(ctx, "missing")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.Error(t, s.InsertAuthCode(ctx, &storage.AuthorizationCode{Code: "unbound"}))
	})

	t.Run("try consume rejects mismatches", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		code := AuthCode("code-1")
		require.NoError(t, s.InsertAuthCode(ctx, code))
		now := time.Now().UTC()

		tests := []struct {
			name        string
			code        string
			clientID    string
			redirectURI string
			usedAt      time.Time
		}{
			{"unknown code", "other", code.ClientID, code.RedirectURI, now},
			{"client mismatch", "code-1", "client-b", code.RedirectURI, now},
			{"redirect mismatch", "code-1", code.ClientID, "https://rp.example/other", now},
			{"expired", "code-1", code.ClientID, code.RedirectURI, code.ExpiresAt.Add(time.Second)},
			{"expiry boundary", "code-1", code.ClientID, code.RedirectURI, code.ExpiresAt},
		}
		for _, tt := range tests {
			ok, err := s.TryConsumeAuthCode(ctx, tt.code, tt.clientID, tt.redirectURI, tt.usedAt)
			require.NoError(t, err, tt.name)
			assert.False(t, ok, tt.name)
		}

		ok, err := s.TryConsumeAuthCode(ctx, "code-1", code.ClientID, code.RedirectURI, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TryConsumeAuthCode(ctx, "code-1", code.ClientID, code.RedirectURI, now)
		require.NoError(t, err)
		assert.False(t, ok, "a code is consumed once")

		got, err := s.GetAuthCode(ctx, "code-1")
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.NotNil(t, got.ConsumedAt)
	})

	t.Run("concurrent consumers race for one winner", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		code := AuthCode("contested")
		require.NoError(t, s.InsertAuthCode(ctx, code))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.TryConsumeAuthCode(ctx, "contested", code.ClientID, code.RedirectURI, time.Now())
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

// Session returns a session fixture for an upstream identity.
func Session(sid, provider, sub, upstreamSid string) *storage.OidcSession {
	now := time.Now().UTC()
	return &storage.OidcSession{
		Sid:                sid,
		Provider:           provider,
		UpstreamIssuer:     "https://idp.example",
		UpstreamSub:        sub,
		UpstreamSessionSid: upstreamSid,
		Subject:            "subject-" + sub,
		Acr:                "idporten-loa-substantial",
		AuthTime:           now,
		Claims:             map[string]string{"pid": sub},
		CreatedAt:          now,
		UpdatedAt:          now,
		LastSeenAt:         now,
		ExpiresAt:          now.Add(storage.DefaultSessionTTL),
	}
}

func testSessions(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("upsert keeps one session per upstream identity", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)

		first, err := s.UpsertSessionByUpstreamSub(ctx, Session("sid-1", "idporten", "alice", "op-1"))
		require.NoError(t, err)
		assert.Equal(t, "sid-1", first.Sid)

		second := Session("sid-2", "idporten", "alice", "op-2")
		second.Acr = "idporten-loa-high"
		second.CreatedAt = first.CreatedAt.Add(time.Minute)
		got, err := s.UpsertSessionByUpstreamSub(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, "sid-1", got.Sid, "sid is reused")
		assert.True(t, first.CreatedAt.Equal(got.CreatedAt), "creation time is kept")
		assert.Equal(t, "idporten-loa-high", got.Acr)

		_, err = s.GetSession(ctx, "sid-2")
		require.ErrorIs(t, err, storage.ErrNotFound)

		stale, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-1")
		require.NoError(t, err)
		assert.Empty(t, stale, "index follows the latest upstream session")

		current, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-2")
		require.NoError(t, err)
		require.Len(t, current, 1)
		assert.Equal(t, "sid-1", current[0].Sid)

		other, err := s.UpsertSessionByUpstreamSub(ctx, Session("sid-3", "idporten", "bob", "op-2"))
		require.NoError(t, err)
		assert.Equal(t, "sid-3", other.Sid)

		shared, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-2")
		require.NoError(t, err)
		assert.Len(t, shared, 2)

		otherProvider, err := s.UpsertSessionByUpstreamSub(ctx, Session("sid-4", "minid", "alice", ""))
		require.NoError(t, err)
		assert.Equal(t, "sid-4", otherProvider.Sid, "identity is scoped by provider")
	})

	t.Run("concurrent upserts converge on one session", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)

		for round := range 20 {
			sub := fmt.Sprintf("carol-%d", round)
			sids := make([]string, 8)
			var wg sync.WaitGroup
			for i := range sids {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, err := s.UpsertSessionByUpstreamSub(ctx,
						Session(fmt.Sprintf("sid-%d-%d", round, i), "idporten", sub, "op-"+sub))
					if assert.NoError(t, err) {
						sids[i] = got.Sid
					}
				}()
			}
			wg.Wait()

			for _, sid := range sids[1:] {
				require.Equal(t, sids[0], sid, "round %d returned more than one sid", round)
			}
			live, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-"+sub)
			require.NoError(t, err)
			require.Len(t, live, 1, "round %d stored more than one session", round)
			assert.Equal(t, sids[0], live[0].Sid)
		}
	})

	t.Run("upsert validates input", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		_, err := s.UpsertSessionByUpstreamSub(ctx, Session("", "idporten", "alice", ""))
		require.Error(t, err)
		_, err = s.UpsertSessionByUpstreamSub(ctx, Session("sid", "", "alice", ""))
		require.Error(t, err)
	})

	t.Run("touch and delete", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		_, err := s.UpsertSessionByUpstreamSub(ctx, Session("sid-1", "idporten", "alice", "op-1"))
		require.NoError(t, err)

		seen := time.Now().UTC().Add(time.Minute)
		ok, err := s.TouchSession(ctx, "sid-1", seen, seen.Add(storage.DefaultSessionTTL))
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.True(t, seen.Equal(got.LastSeenAt))
		assert.Equal(t, map[string]string{"pid": "alice"}, got.Claims)

		ok, err = s.TouchSession(ctx, "missing", seen, seen)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.DeleteSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteSession(ctx, "sid-1")
		require.NoError(t, err)
		assert.False(t, ok)

		sessions, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-1")
		require.NoError(t, err)
		assert.Empty(t, sessions)

		recreated, err := s.UpsertSessionByUpstreamSub(ctx, Session("sid-9", "idporten", "alice", ""))
		require.NoError(t, err)
		assert.Equal(t, "sid-9", recreated.Sid, "a deleted session is not resurrected")
	})
}

// RefreshToken returns an active refresh token fixture in familyID.
func RefreshToken(id, familyID string) *storage.RefreshToken {
	now := time.Now().UTC()
	return &storage.RefreshToken{
		TokenID:   id,
		LookupKey: "lk-" + id,
		FamilyID:  familyID,
		ClientID:  "client-a",
		Subject:   "user-1",
		OpSid:     "sid-1",
		Scopes:    []string{"openid", "offline_access"},
		Status:    storage.RefreshTokenActive,
		CreatedAt: now,
		ExpiresAt: now.Add(storage.DefaultRefreshTokenTTL),
	}
}

func testRefreshTokens(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()

	t.Run("insert and lookup", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		familyID, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
		require.NoError(t, err)

		require.ErrorIs(t, s.InsertRefreshToken(ctx, RefreshToken("rt-0", "no-such-family")), storage.ErrNotFound)

		token := RefreshToken("rt-1", familyID)
		require.NoError(t, s.InsertRefreshToken(ctx, token))
		require.ErrorIs(t, s.InsertRefreshToken(ctx, token), storage.ErrAlreadyExists)

		got, err := s.GetRefreshTokenByLookupKey(ctx, "lk-rt-1")
		require.NoError(t, err)
		assert.Equal(t, "rt-1", got.TokenID)
		assert.Equal(t, storage.RefreshTokenActive, got.Status)
		assert.Equal(t, token.Scopes, got.Scopes)

		_, err = s.GetRefreshTokenByLookupKey(ctx, "rt-1")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("rotation marks used once", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		familyID, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
		require.NoError(t, err)
		require.NoError(t, s.InsertRefreshToken(ctx, RefreshToken("rt-1", familyID)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.MarkRefreshTokenUsed(ctx, "rt-1", fmt.Sprintf("rt-next-%d", i), time.Now())
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		got, err := s.GetRefreshTokenByLookupKey(ctx, "lk-rt-1")
		require.NoError(t, err)
		assert.Equal(t, storage.RefreshTokenUsed, got.Status)
		assert.NotEmpty(t, got.RotatedToTokenID)
		assert.NotNil(t, got.UsedAt)
	})

	t.Run("revoke", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		familyID, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
		require.NoError(t, err)
		require.NoError(t, s.InsertRefreshToken(ctx, RefreshToken("rt-1", familyID)))

		ok, err := s.RevokeRefreshToken(ctx, "rt-1", "logout", time.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.RevokeRefreshToken(ctx, "rt-1", "logout", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.MarkRefreshTokenUsed(ctx, "rt-1", "rt-2", time.Now())
		require.NoError(t, err)
		assert.False(t, ok, "revoked tokens cannot rotate")

		got, err := s.GetRefreshTokenByLookupKey(ctx, "lk-rt-1")
		require.NoError(t, err)
		assert.Equal(t, storage.RefreshTokenRevoked, got.Status)
		assert.Equal(t, "logout", got.RevokedReason)
	})

	t.Run("revoke family", func(t *testing.T) {
		t.Parallel()
		s := newStorage(t)
		familyID, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
		require.NoError(t, err)
		for _, id := range []string{"rt-1", "rt-2", "rt-3"} {
			require.NoError(t, s.InsertRefreshToken(ctx, RefreshToken(id, familyID)))
		}
		_, err = s.MarkRefreshTokenUsed(ctx, "rt-1", "rt-2", time.Now())
		require.NoError(t, err)
		_, err = s.RevokeRefreshToken(ctx, "rt-3", "manual", time.Now())
		require.NoError(t, err)

		n, err := s.RevokeRefreshTokenFamily(ctx, familyID, "reuse detected", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []string{"rt-1", "rt-2", "rt-3"} {
			got, err := s.GetRefreshTokenByLookupKey(ctx, "lk-"+id)
			require.NoError(t, err)
			assert.Equal(t, storage.RefreshTokenRevoked, got.Status, id)
		}

		n, err = s.RevokeRefreshTokenFamily(ctx, familyID, "again", time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.RevokeRefreshTokenFamily(ctx, "unknown", "x", time.Now())
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func testRefreshTokenFamilies(t *testing.T, newStorage Factory) {
	t.Helper()
	ctx := context.Background()
	s := newStorage(t)

	a, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
	require.NoError(t, err)
	require.NotEmpty(t, a)

	again, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := s.GetOrCreateFamily(ctx, "client-b", "user-1", "sid-1")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	c, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-2")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	families, err := s.GetFamiliesByOpSid(ctx, "sid-1")
	require.NoError(t, err)
	require.Len(t, families, 2)
	ids := []string{families[0].FamilyID, families[1].FamilyID}
	assert.ElementsMatch(t, []string{a, b}, ids)

	none, err := s.GetFamiliesByOpSid(ctx, "sid-unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}
