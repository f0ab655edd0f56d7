// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStorageWithClient(client, "idbroker:test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStorage_Ping(t *testing.T) {
	t.Parallel()
	s, mr := newTestRedisStorage(t)
	require.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestRedisStorage_KeysArePrefixed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStorage(t)

	require.NoError(t, s.InsertAuthCode(ctx, testAuthCode("code-1")))
	assert.True(t, mr.Exists("idbroker:test:authcode:code-1"))

	require.NoError(t, s.InsertUpstreamTransaction(ctx, testUpstreamTransaction("u1", "state-1")))
	assert.True(t, mr.Exists("idbroker:test:upstream:u1"))
	assert.True(t, mr.Exists("idbroker:test:upstream:state:state-1"))
}

func TestRedisStorage_EntriesExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStorage(t)

	code := testAuthCode("short-lived")
	code.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, s.InsertAuthCode(ctx, code))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetAuthCode(ctx, "short-lived")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorage_StaleSessionIndexIsPruned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := newTestRedisStorage(t)

	session := testSession("sid-1", "idporten", "alice", "op-1")
	_, err := s.UpsertSessionByUpstreamSub(ctx, session)
	require.NoError(t, err)

	mr.Del("idbroker:test:session:sid-1")

	sessions, err := s.GetSessionsByUpstreamSid(ctx, "https://idp.example", "op-1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	recreated, err := s.UpsertSessionByUpstreamSub(ctx, testSession("sid-2", "idporten", "alice", ""))
	require.NoError(t, err)
	assert.Equal(t, "sid-2", recreated.Sid, "index pointing at a missing session is replaced")
}

func TestRedisCompositeKey(t *testing.T) {
	t.Parallel()

	a := redisCompositeKey("p:", "t", "a:b", "c")
	b := redisCompositeKey("p:", "t", "a", "b:c")
	assert.NotEqual(t, a, b)
	assert.Equal(t, "p:t:3.a:b:1.c", a)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	valid := func() RedisConfig {
		return RedisConfig{
			SentinelConfig: &SentinelConfig{MasterName: "mymaster", SentinelAddrs: []string{"sentinel:26379"}},
			ACLUserConfig:  &ACLUserConfig{Username: "broker", Password: "secret"},
			KeyPrefix:      "idbroker:",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*RedisConfig)
		wantErr string
	}{
		{"valid", func(*RedisConfig) {}, ""},
		{"missing sentinel", func(c *RedisConfig) { c.SentinelConfig = nil }, "sentinel configuration is required"},
		{"missing master", func(c *RedisConfig) { c.SentinelConfig.MasterName = "" }, "master name"},
		{"missing addrs", func(c *RedisConfig) { c.SentinelConfig.SentinelAddrs = nil }, "sentinel address"},
		{"missing acl", func(c *RedisConfig) { c.ACLUserConfig = nil }, "ACL user"},
		{"missing prefix", func(c *RedisConfig) { c.KeyPrefix = "" }, "key prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(&cfg)
			err := validateConfig(&cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
