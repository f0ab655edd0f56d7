// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "idbroker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Suite(t *testing.T) {
	t.Parallel()
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		t.Helper()
		return openTestStore(t)
	})
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "idbroker.db")

	first, err := Open(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, first.InsertAuthCode(t.Context(), storagetest.AuthCode("code-1")))
	require.NoError(t, first.Close())

	second, err := Open(t.Context(), path, WithCleanupInterval(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	assert.Equal(t, time.Hour, second.cleanupInterval)

	got, err := second.GetAuthCode(t.Context(), "code-1")
	require.NoError(t, err)
	assert.Equal(t, "client-a", got.ClientID)
	assert.NoError(t, second.Ping(t.Context()))
}

func TestStore_DeleteExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	past := time.Now().Add(-time.Hour)

	expiredCode := storagetest.AuthCode("expired")
	expiredCode.ExpiresAt = past
	require.NoError(t, s.InsertAuthCode(ctx, expiredCode))
	require.NoError(t, s.InsertAuthCode(ctx, storagetest.AuthCode("valid")))

	expiredLogin := storagetest.LoginTransaction("expired")
	expiredLogin.ExpiresAt = past
	require.NoError(t, s.InsertLoginTransaction(ctx, expiredLogin))

	familyID, err := s.GetOrCreateFamily(ctx, "client-a", "user-1", "sid-1")
	require.NoError(t, err)
	expiredToken := storagetest.RefreshToken("rt-expired", familyID)
	expiredToken.ExpiresAt = past
	require.NoError(t, s.InsertRefreshToken(ctx, expiredToken))

	n, err := s.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = s.GetAuthCode(ctx, "expired")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAuthCode(ctx, "valid")
	require.NoError(t, err)

	families, err := s.GetFamiliesByOpSid(ctx, "sid-1")
	require.NoError(t, err)
	assert.Len(t, families, 1, "families outlive their tokens")
}

func TestStore_SessionWithoutExpiryIsKept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	session := storagetest.Session("sid-1", "idporten", "alice", "")
	session.ExpiresAt = time.Time{}
	_, err := s.UpsertSessionByUpstreamSub(ctx, session)
	require.NoError(t, err)

	_, err = s.DeleteExpired(ctx, time.Now().Add(365*24*time.Hour))
	require.NoError(t, err)

	_, err = s.GetSession(ctx, "sid-1")
	require.NoError(t, err)
}
