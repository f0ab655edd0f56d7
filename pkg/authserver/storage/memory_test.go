// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMemoryStorage(t *testing.T) {
	t.Parallel()
	storage := NewMemoryStorage()
	defer storage.Close()

	require.NotNil(t, storage)
	assert.NotNil(t, storage.loginTransactions)
	assert.NotNil(t, storage.upstreamTransactions)
	assert.NotNil(t, storage.authCodes)
	assert.NotNil(t, storage.sessions)
	assert.NotNil(t, storage.refreshTokens)
	assert.Equal(t, DefaultCleanupInterval, storage.cleanupInterval)
	assert.NoError(t, storage.Ping(context.Background()))
}

func TestNewMemoryStorage_WithCleanupInterval(t *testing.T) {
	t.Parallel()
	customInterval := 1 * time.Minute
	storage := NewMemoryStorage(WithCleanupInterval(customInterval))
	defer storage.Close()
	assert.Equal(t, customInterval, storage.cleanupInterval)

	ignored := NewMemoryStorage(WithCleanupInterval(0))
	defer ignored.Close()
	assert.Equal(t, DefaultCleanupInterval, ignored.cleanupInterval)
}

func TestMemoryStorage_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	tx := testLoginTransaction("req-1")
	require.NoError(t, s.InsertLoginTransaction(ctx, tx))
	tx.Scopes[0] = "mutated"

	got, err := s.GetLoginTransaction(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "openid", got.Scopes[0])

	got.Scopes[0] = "mutated-again"
	again, err := s.GetLoginTransaction(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "openid", again.Scopes[0])
}

func TestMemoryStorage_CleanupExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	past := time.Now().Add(-time.Hour)

	expiredLogin := testLoginTransaction("expired")
	expiredLogin.ExpiresAt = past
	require.NoError(t, s.InsertLoginTransaction(ctx, expiredLogin))
	require.NoError(t, s.InsertLoginTransaction(ctx, testLoginTransaction("valid")))

	expiredUpstream := testUpstreamTransaction("u-expired", "state-expired")
	expiredUpstream.ExpiresAt = past
	require.NoError(t, s.InsertUpstreamTransaction(ctx, expiredUpstream))

	expiredCode := testAuthCode("code-expired")
	expiredCode.ExpiresAt = past
	require.NoError(t, s.InsertAuthCode(ctx, expiredCode))
	require.NoError(t, s.InsertAuthCode(ctx, testAuthCode("code-valid")))

	expiredSession := testSession("sid-expired", "idporten", "alice", "op-1")
	expiredSession.ExpiresAt = past
	_, err := s.UpsertSessionByUpstreamSub(ctx, expiredSession)
	require.NoError(t, err)

	familyID, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
	require.NoError(t, err)
	expiredToken := testRefreshToken("rt-expired", familyID)
	expiredToken.ExpiresAt = past
	require.NoError(t, s.InsertRefreshToken(ctx, expiredToken))

	before := s.Stats()
	assert.Equal(t, 2, before.LoginTransactions)
	assert.Equal(t, 2, before.AuthCodes)
	assert.Equal(t, 1, before.Sessions)

	s.cleanupExpired(time.Now())

	after := s.Stats()
	assert.Equal(t, 1, after.LoginTransactions)
	assert.Equal(t, 0, after.UpstreamTransactions)
	assert.Equal(t, 1, after.AuthCodes)
	assert.Equal(t, 0, after.Sessions)
	assert.Equal(t, 0, after.RefreshTokens)
	assert.Equal(t, 1, after.RefreshTokenFamilies, "families outlive their tokens")

	_, err = s.GetUpstreamTransactionByState(ctx, "state-expired")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRefreshTokenByLookupKey(ctx, "lk-rt-expired")
	require.ErrorIs(t, err, ErrNotFound)
	sessions, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	recreated, err := s.UpsertSessionByUpstreamSub(ctx, testSession("sid-new", "idporten", "alice", ""))
	require.NoError(t, err)
	assert.Equal(t, "sid-new", recreated.Sid)
}

func TestMemoryStorage_TouchExtendsExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	session := testSession("sid-1", "idporten", "alice", "")
	session.ExpiresAt = time.Now().Add(time.Minute)
	_, err := s.UpsertSessionByUpstreamSub(ctx, session)
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Minute)
	ok, err := s.TouchSession(ctx, "sid-1", time.Now(), later.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	s.cleanupExpired(later)
	_, err = s.GetSession(ctx, "sid-1")
	require.NoError(t, err)
}

func TestMemoryStorage_CleanupLoop(t *testing.T) {
	t.Parallel()

	t.Run("cleanup runs periodically", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		storage := NewMemoryStorage(WithCleanupInterval(50 * time.Millisecond))
		defer storage.Close()

		code := testAuthCode("expired")
		code.ExpiresAt = time.Now().Add(-time.Hour)
		require.NoError(t, storage.InsertAuthCode(ctx, code))
		assert.Equal(t, 1, storage.Stats().AuthCodes)

		assert.Eventually(t, func() bool {
			return storage.Stats().AuthCodes == 0
		}, time.Second, 20*time.Millisecond)
	})

	t.Run("close stops cleanup goroutine", func(t *testing.T) {
		t.Parallel()
		storage := NewMemoryStorage(WithCleanupInterval(10 * time.Millisecond))

		done := make(chan struct{})
		go func() {
			_ = storage.Close()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(1 * time.Second):
			t.Fatal("Close did not return in time")
		}

		assert.NoError(t, storage.Close(), "close is idempotent")
	})
}
