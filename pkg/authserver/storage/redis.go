// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/idbroker/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Hash fields shared by the entities stored as Redis hashes. The immutable
// part of an entity lives in fieldData as JSON; everything a transition
// touches is a separate field so Lua scripts never re-encode documents.
const (
	fieldData             = "data"
	fieldStatus           = "status"
	fieldCompletedAt      = "completed_at"
	fieldAuthCode         = "auth_code"
	fieldError            = "error"
	fieldErrorDescription = "error_description"
	fieldCallbackAt       = "callback_at"
	fieldClaims           = "claims"
	fieldTokenExchangedAt = "token_exchanged_at"
	fieldConsumed         = "consumed"
	fieldConsumedAt       = "consumed_at"
	fieldClientID         = "client_id"
	fieldRedirectURI      = "redirect_uri"
	fieldExpiresAtMs      = "expires_at_ms"
	fieldUsedAt           = "used_at"
	fieldRotatedTo        = "rotated_to"
	fieldRevokedAt        = "revoked_at"
	fieldRevokedReason    = "revoked_reason"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// SentinelConfig is required - Sentinel-only deployment.
	SentinelConfig *SentinelConfig

	// ACLUserConfig is required - ACL user authentication only.
	ACLUserConfig *ACLUserConfig

	// KeyPrefix for multi-tenancy, e.g. "idbroker:{env}:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
	DB            int
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string
	Password string
}

// RedisStorage implements Storage on Redis Sentinel. Conditional transitions
// run as Lua scripts so they stay atomic across replicas of the server.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage creates Redis-backed storage with Sentinel failover support.
// Returns error if configuration validation fails or connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    cfg.SentinelConfig.MasterName,
		SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
		DB:            cfg.SentinelConfig.DB,
		Username:      cfg.ACLUserConfig.Username,
		Password:      cfg.ACLUserConfig.Password,
		DialTimeout:   cfg.DialTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func validateConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig == nil {
		return errors.New("sentinel configuration is required")
	}
	if cfg.SentinelConfig.MasterName == "" {
		return errors.New("sentinel master name is required")
	}
	if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
		return errors.New("at least one sentinel address is required")
	}
	if cfg.ACLUserConfig == nil {
		return errors.New("ACL user configuration is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ttlUntil converts an absolute expiry into a key TTL. Zero means no expiry.
func ttlUntil(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		// keep already-expired rows briefly so readers see them as expired
		return time.Second
	}
	return ttl
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return &t, nil
}

// insertHash writes a new hash entity. HSETNX on the data field makes the
// insert fail instead of overwriting an existing row.
func (s *RedisStorage) insertHash(
	ctx context.Context, key string, data []byte, ttl time.Duration, fields ...any,
) error {
	created, err := s.client.HSetNX(ctx, key, fieldData, data).Result()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	if !created {
		return ErrAlreadyExists
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields...)
		}
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// loadHash reads a hash entity and decodes its data field into v.
func (s *RedisStorage) loadHash(ctx context.Context, key string, v any, what string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", what, err)
	}
	data, ok := fields[fieldData]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, what)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return fields, nil
}

// -----------------------
// Login transactions
// -----------------------

// completePendingScript moves a pending login row to a terminal status.
// Returns 1 on success, 0 if the row is missing or not pending.
var completePendingScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status or status ~= 'pending' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'completed_at', ARGV[2])
return 1
`)

func (s *RedisStorage) completePending(
	ctx context.Context, key string, status LoginStatus, at time.Time,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	result, err := completePendingScript.Run(ctx, s.client, []string{key}, string(status), formatTime(at)).Int()
	if err != nil {
		return false, fmt.Errorf("failed to complete transaction: %w", err)
	}
	return result == 1, nil
}

// InsertLoginTransaction stores a new downstream login transaction.
func (s *RedisStorage) InsertLoginTransaction(ctx context.Context, tx *LoginTransaction) error {
	if tx == nil || tx.RequestID == "" {
		return errors.New("login transaction requires a request id")
	}

	stored := tx.clone()
	stored.Status = LoginStatusPending
	stored.CompletedAt = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal login transaction: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeLogin, tx.RequestID)
	if err := s.insertHash(ctx, key, data, ttlUntil(tx.ExpiresAt), fieldStatus, string(LoginStatusPending)); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: login transaction %s", ErrAlreadyExists, tx.RequestID)
		}
		return err
	}
	return nil
}

// GetLoginTransaction returns the login transaction with requestID.
func (s *RedisStorage) GetLoginTransaction(ctx context.Context, requestID string) (*LoginTransaction, error) {
	var tx LoginTransaction
	fields, err := s.loadHash(ctx, redisKey(s.keyPrefix, KeyTypeLogin, requestID), &tx, "login transaction")
	if err != nil {
		return nil, err
	}
	tx.Status = LoginStatus(fields[fieldStatus])
	if tx.CompletedAt, err = parseOptionalTime(fields[fieldCompletedAt]); err != nil {
		return nil, err
	}
	return &tx, nil
}

// CompleteLoginTransaction moves a pending login transaction to status.
func (s *RedisStorage) CompleteLoginTransaction(
	ctx context.Context, requestID string, status LoginStatus, at time.Time,
) (bool, error) {
	return s.completePending(ctx, redisKey(s.keyPrefix, KeyTypeLogin, requestID), status, at)
}

// -----------------------
// Unregistered client requests
// -----------------------

// InsertUnregisteredRequest stores a new first-party login request.
func (s *RedisStorage) InsertUnregisteredRequest(ctx context.Context, req *UnregisteredClientRequest) error {
	if req == nil || req.RequestID == "" {
		return errors.New("unregistered client request requires a request id")
	}

	stored := req.clone()
	stored.Status = LoginStatusPending
	stored.CompletedAt = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal unregistered client request: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeUnregistered, req.RequestID)
	if err := s.insertHash(ctx, key, data, ttlUntil(req.ExpiresAt), fieldStatus, string(LoginStatusPending)); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: unregistered client request %s", ErrAlreadyExists, req.RequestID)
		}
		return err
	}
	return nil
}

// GetUnregisteredRequest returns the request with requestID.
func (s *RedisStorage) GetUnregisteredRequest(ctx context.Context, requestID string) (*UnregisteredClientRequest, error) {
	var req UnregisteredClientRequest
	fields, err := s.loadHash(ctx, redisKey(s.keyPrefix, KeyTypeUnregistered, requestID), &req, "unregistered client request")
	if err != nil {
		return nil, err
	}
	req.Status = LoginStatus(fields[fieldStatus])
	if req.CompletedAt, err = parseOptionalTime(fields[fieldCompletedAt]); err != nil {
		return nil, err
	}
	return &req, nil
}

// CompleteUnregisteredRequest moves a pending request to status.
func (s *RedisStorage) CompleteUnregisteredRequest(
	ctx context.Context, requestID string, status LoginStatus, at time.Time,
) (bool, error) {
	return s.completePending(ctx, redisKey(s.keyPrefix, KeyTypeUnregistered, requestID), status, at)
}

// -----------------------
// Upstream transactions
// -----------------------

// upstreamTransitionScript sets status to ARGV[2] if the current status is in
// the comma separated list ARGV[1], then writes the remaining ARGV pairs.
var upstreamTransitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return 0
end
local allowed = false
for s in string.gmatch(ARGV[1], '[^,]+') do
	if s == status then
		allowed = true
	end
end
if not allowed then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// allowedSources renders TransitionSources for upstreamTransitionScript.
func allowedSources(from, next UpstreamStatus) string {
	sources := TransitionSources(from, next)
	parts := make([]string, len(sources))
	for i, st := range sources {
		parts[i] = string(st)
	}
	return strings.Join(parts, ",")
}

func (s *RedisStorage) transitionUpstream(
	ctx context.Context, id string, from, next UpstreamStatus, fields ...any,
) (bool, error) {
	args := append([]any{allowedSources(from, next), string(next)}, fields...)
	key := redisKey(s.keyPrefix, KeyTypeUpstream, id)
	result, err := upstreamTransitionScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to update upstream transaction: %w", err)
	}
	if result == 0 {
		logger.Debugw("rejected upstream transition", "upstream_request_id", id, "to", next)
	}
	return result == 1, nil
}

// InsertUpstreamTransaction stores tx in the pending state.
func (s *RedisStorage) InsertUpstreamTransaction(ctx context.Context, tx *UpstreamLoginTransaction) error {
	if tx == nil {
		return errors.New("upstream transaction is required")
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("invalid upstream transaction: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeUpstream, tx.UpstreamRequestID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check upstream transaction: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: upstream transaction %s", ErrAlreadyExists, tx.UpstreamRequestID)
	}

	ttl := ttlUntil(tx.ExpiresAt)
	stateKey := redisKey(s.keyPrefix, KeyTypeUpstreamState, tx.State)
	claimed, err := s.client.SetNX(ctx, stateKey, tx.UpstreamRequestID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to index upstream state: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: upstream state", ErrAlreadyExists)
	}

	stored := tx.clone()
	stored.Status = UpstreamStatusPending
	stored.AuthCode = ""
	stored.Error = ""
	stored.ErrorDescription = ""
	stored.CallbackAt = nil
	stored.Claims = nil
	stored.TokenExchangedAt = nil
	stored.CompletedAt = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream transaction: %w", err)
	}

	if err := s.insertHash(ctx, key, data, ttl, fieldStatus, string(UpstreamStatusPending)); err != nil {
		_ = s.client.Del(ctx, stateKey).Err()
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: upstream transaction %s", ErrAlreadyExists, tx.UpstreamRequestID)
		}
		return err
	}
	return nil
}

// GetUpstreamTransactionByState returns the transaction created with state.
func (s *RedisStorage) GetUpstreamTransactionByState(ctx context.Context, state string) (*UpstreamLoginTransaction, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: upstream transaction", ErrNotFound)
	}

	id, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeUpstreamState, state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: upstream transaction", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve upstream state: %w", err)
	}

	var tx UpstreamLoginTransaction
	fields, err := s.loadHash(ctx, redisKey(s.keyPrefix, KeyTypeUpstream, id), &tx, "upstream transaction")
	if err != nil {
		return nil, err
	}

	tx.Status = UpstreamStatus(fields[fieldStatus])
	tx.AuthCode = fields[fieldAuthCode]
	tx.Error = fields[fieldError]
	tx.ErrorDescription = fields[fieldErrorDescription]
	if raw := fields[fieldClaims]; raw != "" {
		var claims UpstreamClaims
		if err := json.Unmarshal([]byte(raw), &claims); err != nil {
			return nil, fmt.Errorf("failed to unmarshal upstream claims: %w", err)
		}
		tx.Claims = &claims
	}
	if tx.CallbackAt, err = parseOptionalTime(fields[fieldCallbackAt]); err != nil {
		return nil, err
	}
	if tx.TokenExchangedAt, err = parseOptionalTime(fields[fieldTokenExchangedAt]); err != nil {
		return nil, err
	}
	if tx.CompletedAt, err = parseOptionalTime(fields[fieldCompletedAt]); err != nil {
		return nil, err
	}
	return &tx, nil
}

// SetCallbackSuccess moves a pending transaction to callback_received.
func (s *RedisStorage) SetCallbackSuccess(
	ctx context.Context, upstreamRequestID, authCode string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(ctx, upstreamRequestID, "", UpstreamStatusCallbackReceived,
		fieldAuthCode, authCode,
		fieldCallbackAt, formatTime(at),
	)
}

// SetCallbackError moves a pending transaction to error.
func (s *RedisStorage) SetCallbackError(
	ctx context.Context, upstreamRequestID, errCode, description string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(ctx, upstreamRequestID, UpstreamStatusPending, UpstreamStatusError,
		fieldError, errCode,
		fieldErrorDescription, description,
		fieldCallbackAt, formatTime(at),
		fieldCompletedAt, formatTime(at),
	)
}

// SetTokenExchanged records the upstream identity claims.
func (s *RedisStorage) SetTokenExchanged(
	ctx context.Context, upstreamRequestID string, claims *UpstreamClaims, at time.Time,
) (bool, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return false, fmt.Errorf("failed to marshal upstream claims: %w", err)
	}
	return s.transitionUpstream(ctx, upstreamRequestID, "", UpstreamStatusTokenExchanged,
		fieldClaims, string(raw),
		fieldTokenExchangedAt, formatTime(at),
	)
}

// MarkUpstreamCompleted closes the transaction as completed or error.
func (s *RedisStorage) MarkUpstreamCompleted(
	ctx context.Context, upstreamRequestID string, success bool, at time.Time,
) (bool, error) {
	next := UpstreamStatusError
	if success {
		next = UpstreamStatusCompleted
	}
	return s.transitionUpstream(ctx, upstreamRequestID, "", next, fieldCompletedAt, formatTime(at))
}

// CancelUpstreamTransaction moves a pending transaction to cancelled.
func (s *RedisStorage) CancelUpstreamTransaction(
	ctx context.Context, upstreamRequestID, reason string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(ctx, upstreamRequestID, UpstreamStatusPending, UpstreamStatusCancelled,
		fieldError, reason,
		fieldCompletedAt, formatTime(at),
	)
}

// -----------------------
// Authorization codes
// -----------------------

// consumeAuthCodeScript returns "" when the code was consumed, otherwise the
// reason it was refused. The checks run in the same order as AuthorizationCode.MismatchReason.
var consumeAuthCodeScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'consumed', 'client_id', 'redirect_uri', 'expires_at_ms')
if not v[1] then
	return 'not found'
end
if v[1] == '1' then
	return 'already consumed'
end
if tonumber(ARGV[3]) >= tonumber(v[4]) then
	return 'expired'
end
if v[2] ~= ARGV[1] then
	return 'client mismatch'
end
if v[3] ~= ARGV[2] then
	return 'redirect uri mismatch'
end
redis.call('HSET', KEYS[1], 'consumed', '1', 'consumed_at', ARGV[4])
return ''
`)

// InsertAuthCode stores a new authorization code.
func (s *RedisStorage) InsertAuthCode(ctx context.Context, code *AuthorizationCode) error {
	if err := code.Validate(); err != nil {
		return err
	}

	stored := code.clone()
	stored.Consumed = false
	stored.ConsumedAt = nil
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeAuthCode, code.Code)
	err = s.insertHash(ctx, key, data, ttlUntil(code.ExpiresAt),
		fieldConsumed, "0",
		fieldClientID, code.ClientID,
		fieldRedirectURI, code.RedirectURI,
		fieldExpiresAtMs, strconv.FormatInt(code.ExpiresAt.UnixMilli(), 10),
	)
	if errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	return err
}

// GetAuthCode returns the code without consuming it.
func (s *RedisStorage) GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var ac AuthorizationCode
	fields, err := s.loadHash(ctx, redisKey(s.keyPrefix, KeyTypeAuthCode, code), &ac, "authorization code")
	if err != nil {
		return nil, err
	}
	ac.Consumed = fields[fieldConsumed] == "1"
	if ac.ConsumedAt, err = parseOptionalTime(fields[fieldConsumedAt]); err != nil {
		return nil, err
	}
	return &ac, nil
}

// TryConsumeAuthCode atomically consumes the code if it matches.
func (s *RedisStorage) TryConsumeAuthCode(
	ctx context.Context, code, clientID, redirectURI string, usedAt time.Time,
) (bool, error) {
	key := redisKey(s.keyPrefix, KeyTypeAuthCode, code)
	reason, err := consumeAuthCodeScript.Run(ctx, s.client, []string{key},
		clientID, redirectURI, usedAt.UnixMilli(), formatTime(usedAt),
	).Text()
	if err != nil {
		return false, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if reason != "" {
		logger.Debugw("authorization code not consumed", "reason", reason, "client_id", clientID)
		return false, nil
	}
	return true, nil
}

// -----------------------
// Sessions
// -----------------------

// createSessionScript claims the upstream identity index and writes the new
// session in one step. When the index already points at a live session its
// sid is returned with created=0 and nothing is written. A stale index entry
// is replaced.
//
// KEYS[1] index key, KEYS[2] new session key.
// ARGV[1] sid, ARGV[2] session key prefix, ARGV[3] session JSON,
// ARGV[4] ttl in ms (0 for none), ARGV[5] upstream sid set key or ''.
var createSessionScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing and redis.call('EXISTS', ARGV[2] .. existing) == 1 then
	return {existing, 0}
end
if ARGV[1] == '' then
	return {'', 0}
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
	redis.call('SET', KEYS[2], ARGV[3], 'PX', ttl)
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
	redis.call('SET', KEYS[2], ARGV[3])
	redis.call('SET', KEYS[1], ARGV[1])
end
if ARGV[5] ~= '' then
	redis.call('SADD', ARGV[5], ARGV[1])
end
return {ARGV[1], 1}
`)

// replaceSessionScript overwrites a session that still exists. Returns 0
// when the session was deleted in the meantime.
//
// KEYS[1] session key, KEYS[2] index key.
// ARGV[1] sid, ARGV[2] session JSON, ARGV[3] ttl in ms (0 for none),
// ARGV[4] previous upstream sid set key or '', ARGV[5] new one or ''.
var replaceSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
if ARGV[4] ~= '' and ARGV[4] ~= ARGV[5] then
	redis.call('SREM', ARGV[4], ARGV[1])
end
if ARGV[5] ~= '' then
	redis.call('SADD', ARGV[5], ARGV[1])
end
return 1
`)

// maxSessionUpsertAttempts bounds retries when a session disappears between
// lookup and replacement.
const maxSessionUpsertAttempts = 3

// deleteIfEqualsScript deletes KEYS[1] only while it still holds ARGV[1].
var deleteIfEqualsScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisStorage) upstreamSubKey(provider, sub string) string {
	return redisCompositeKey(s.keyPrefix, KeyTypeSessionUpstreamSub, provider, sub)
}

func (s *RedisStorage) upstreamSidKey(issuer, sid string) string {
	return redisCompositeKey(s.keyPrefix, KeyTypeSessionUpstreamSid, issuer, sid)
}

func (s *RedisStorage) sessionSetKey(session *OidcSession) string {
	if session == nil || session.UpstreamSessionSid == "" {
		return ""
	}
	return s.upstreamSidKey(session.UpstreamIssuer, session.UpstreamSessionSid)
}

// UpsertSessionByUpstreamSub creates or replaces the session for the upstream
// identity. Creation and the index claim happen in one script, so concurrent
// callers for one identity converge on a single sid.
func (s *RedisStorage) UpsertSessionByUpstreamSub(ctx context.Context, session *OidcSession) (*OidcSession, error) {
	if session == nil || session.Provider == "" || session.UpstreamSub == "" {
		return nil, errors.New("session requires provider and upstream subject")
	}
	subKey := s.upstreamSubKey(session.Provider, session.UpstreamSub)

	for attempt := 0; attempt < maxSessionUpsertAttempts; attempt++ {
		stored, done, err := s.upsertSessionOnce(ctx, subKey, session)
		if err != nil {
			return nil, err
		}
		if done {
			return stored, nil
		}
		logger.Debugw("session vanished during upsert, retrying", "provider", session.Provider, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("failed to store session: concurrent deletion after %d attempts", maxSessionUpsertAttempts)
}

func (s *RedisStorage) upsertSessionOnce(
	ctx context.Context, subKey string, session *OidcSession,
) (*OidcSession, bool, error) {
	stored := session.clone()
	ttl := ttlUntil(stored.ExpiresAt)

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal session: %w", err)
	}
	res, err := createSessionScript.Run(ctx, s.client,
		[]string{subKey, redisKey(s.keyPrefix, KeyTypeSession, stored.Sid)},
		stored.Sid, redisKeyPrefix(s.keyPrefix, KeyTypeSession), data, ttl.Milliseconds(), s.sessionSetKey(stored),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim session: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("failed to claim session: unexpected reply %v", res)
	}
	sid, _ := res[0].(string)
	created, _ := res[1].(int64)
	if sid == "" {
		return nil, false, errors.New("session requires a sid")
	}
	if created == 1 {
		return stored, true, nil
	}

	existing, err := s.GetSession(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	stored.Sid = sid
	stored.CreatedAt = existing.CreatedAt

	data, err = json.Marshal(stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal session: %w", err)
	}
	replaced, err := replaceSessionScript.Run(ctx, s.client,
		[]string{redisKey(s.keyPrefix, KeyTypeSession, sid), subKey},
		sid, data, ttl.Milliseconds(), s.sessionSetKey(existing), s.sessionSetKey(stored),
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("failed to store session: %w", err)
	}
	return stored, replaced == 1, nil
}

// GetSession returns the session with sid.
func (s *RedisStorage) GetSession(ctx context.Context, sid string) (*OidcSession, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeSession, sid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session OidcSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// GetSessionsByUpstreamSid returns the sessions created from one upstream session.
// Set members whose session expired are removed lazily.
func (s *RedisStorage) GetSessionsByUpstreamSid(
	ctx context.Context, upstreamIssuer, upstreamSid string,
) ([]*OidcSession, error) {
	setKey := s.upstreamSidKey(upstreamIssuer, upstreamSid)
	sids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	out := make([]*OidcSession, 0, len(sids))
	var stale []any
	for _, sid := range sids {
		session, err := s.GetSession(ctx, sid)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, sid)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, setKey, stale...).Err()
	}

	slices.SortFunc(out, func(a, b *OidcSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// TouchSession records activity on a session.
func (s *RedisStorage) TouchSession(ctx context.Context, sid string, lastSeen, expiresAt time.Time) (bool, error) {
	session, err := s.GetSession(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	session.LastSeenAt = lastSeen
	session.ExpiresAt = expiresAt
	data, err := json.Marshal(session)
	if err != nil {
		return false, fmt.Errorf("failed to marshal session: %w", err)
	}

	ttl := ttlUntil(expiresAt)
	updated, err := s.client.SetXX(ctx, redisKey(s.keyPrefix, KeyTypeSession, sid), data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	if updated && ttl > 0 {
		_ = s.client.PExpire(ctx, s.upstreamSubKey(session.Provider, session.UpstreamSub), ttl).Err()
	}
	return updated, nil
}

// DeleteSession removes the session with sid.
func (s *RedisStorage) DeleteSession(ctx context.Context, sid string) (bool, error) {
	session, err := s.GetSession(ctx, sid)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	deleted, err := s.client.Del(ctx, redisKey(s.keyPrefix, KeyTypeSession, sid)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	if deleted == 0 {
		return false, nil
	}

	if session.UpstreamSessionSid != "" {
		_ = s.client.SRem(ctx, s.upstreamSidKey(session.UpstreamIssuer, session.UpstreamSessionSid), sid).Err()
	}
	subKey := s.upstreamSubKey(session.Provider, session.UpstreamSub)
	if err := deleteIfEqualsScript.Run(ctx, s.client, []string{subKey}, sid).Err(); err != nil {
		logger.Debugw("failed to clear session index", "sid", sid, "error", err)
	}
	return true, nil
}

// -----------------------
// Refresh tokens
// -----------------------

// getOrCreateFamilyScript returns the family id indexed at KEYS[1], or
// creates the family from ARGV when the index is empty.
var getOrCreateFamilyScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return existing
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return ARGV[1]
`)

// markRefreshUsedScript moves an active token to used.
var markRefreshUsedScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'used', 'used_at', ARGV[1], 'rotated_to', ARGV[2])
return 1
`)

// revokeRefreshScript revokes a token that exists and is not revoked.
var revokeRefreshScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status or status == 'revoked' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'revoked', 'revoked_at', ARGV[1], 'revoked_reason', ARGV[2])
return 1
`)

// revokeRefreshFamilyScript revokes every member of the family set KEYS[1].
// Member keys are built from the prefix in ARGV[1].
var revokeRefreshFamilyScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
	local key = ARGV[1] .. id
	local status = redis.call('HGET', key, 'status')
	if status and status ~= 'revoked' then
		redis.call('HSET', key, 'status', 'revoked', 'revoked_at', ARGV[2], 'revoked_reason', ARGV[3])
		n = n + 1
	end
end
return n
`)

// GetOrCreateFamily returns the family id for the triple, creating it if absent.
func (s *RedisStorage) GetOrCreateFamily(ctx context.Context, clientID, subject, opSid string) (string, error) {
	family := &RefreshTokenFamily{
		FamilyID:  uuid.NewString(),
		ClientID:  clientID,
		Subject:   subject,
		OpSid:     opSid,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(family)
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh token family: %w", err)
	}

	keys := []string{
		redisCompositeKey(s.keyPrefix, KeyTypeRefreshFamilyTriple, clientID, subject, opSid),
		redisKey(s.keyPrefix, KeyTypeRefreshFamily, family.FamilyID),
		redisKey(s.keyPrefix, KeyTypeRefreshOpSid, opSid),
	}
	id, err := getOrCreateFamilyScript.Run(ctx, s.client, keys,
		family.FamilyID, data, DefaultRefreshTokenTTL.Milliseconds(),
	).Text()
	if err != nil {
		return "", fmt.Errorf("failed to get or create refresh token family: %w", err)
	}
	return id, nil
}

func (s *RedisStorage) getFamily(ctx context.Context, familyID string) (*RefreshTokenFamily, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeRefreshFamily, familyID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token family", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refresh token family: %w", err)
	}
	var family RefreshTokenFamily
	if err := json.Unmarshal(data, &family); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token family: %w", err)
	}
	return &family, nil
}

// InsertRefreshToken stores a new active refresh token. The family keys are
// extended to outlive the newest token.
func (s *RedisStorage) InsertRefreshToken(ctx context.Context, token *RefreshToken) error {
	if err := token.Validate(); err != nil {
		return err
	}

	family, err := s.getFamily(ctx, token.FamilyID)
	if err != nil {
		return err
	}

	ttl := ttlUntil(token.ExpiresAt)
	lookupKey := redisKey(s.keyPrefix, KeyTypeRefreshLookup, token.LookupKey)
	claimed, err := s.client.SetNX(ctx, lookupKey, token.TokenID, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	if !claimed {
		return fmt.Errorf("%w: refresh token lookup key", ErrAlreadyExists)
	}

	stored := token.clone()
	stored.Status = RefreshTokenActive
	stored.UsedAt = nil
	stored.RotatedToTokenID = ""
	stored.RevokedAt = nil
	stored.RevokedReason = ""
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeRefresh, token.TokenID)
	if err := s.insertHash(ctx, key, data, ttl, fieldStatus, string(RefreshTokenActive)); err != nil {
		_ = s.client.Del(ctx, lookupKey).Err()
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
		}
		return err
	}

	tokensKey := redisKey(s.keyPrefix, KeyTypeRefreshFamilyTokens, token.FamilyID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, tokensKey, token.TokenID)
		if ttl > 0 {
			pipe.PExpire(ctx, tokensKey, ttl)
			pipe.PExpire(ctx, redisKey(s.keyPrefix, KeyTypeRefreshFamily, family.FamilyID), ttl)
			pipe.PExpire(ctx, redisCompositeKey(s.keyPrefix, KeyTypeRefreshFamilyTriple,
				family.ClientID, family.Subject, family.OpSid), ttl)
			pipe.PExpire(ctx, redisKey(s.keyPrefix, KeyTypeRefreshOpSid, family.OpSid), ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to link refresh token to family: %w", err)
	}
	return nil
}

// GetRefreshTokenByLookupKey resolves a presented token by its lookup key.
func (s *RedisStorage) GetRefreshTokenByLookupKey(ctx context.Context, lookupKey string) (*RefreshToken, error) {
	id, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeRefreshLookup, lookupKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve refresh token: %w", err)
	}

	var token RefreshToken
	fields, err := s.loadHash(ctx, redisKey(s.keyPrefix, KeyTypeRefresh, id), &token, "refresh token")
	if err != nil {
		return nil, err
	}
	token.Status = RefreshTokenStatus(fields[fieldStatus])
	token.RotatedToTokenID = fields[fieldRotatedTo]
	token.RevokedReason = fields[fieldRevokedReason]
	if token.UsedAt, err = parseOptionalTime(fields[fieldUsedAt]); err != nil {
		return nil, err
	}
	if token.RevokedAt, err = parseOptionalTime(fields[fieldRevokedAt]); err != nil {
		return nil, err
	}
	return &token, nil
}

// MarkRefreshTokenUsed moves an active token to used.
func (s *RedisStorage) MarkRefreshTokenUsed(
	ctx context.Context, tokenID, rotatedToTokenID string, at time.Time,
) (bool, error) {
	key := redisKey(s.keyPrefix, KeyTypeRefresh, tokenID)
	result, err := markRefreshUsedScript.Run(ctx, s.client, []string{key}, formatTime(at), rotatedToTokenID).Int()
	if err != nil {
		return false, fmt.Errorf("failed to mark refresh token used: %w", err)
	}
	return result == 1, nil
}

// RevokeRefreshToken revokes a token that is not already revoked.
func (s *RedisStorage) RevokeRefreshToken(ctx context.Context, tokenID, reason string, at time.Time) (bool, error) {
	key := redisKey(s.keyPrefix, KeyTypeRefresh, tokenID)
	result, err := revokeRefreshScript.Run(ctx, s.client, []string{key}, formatTime(at), reason).Int()
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return result == 1, nil
}

// RevokeRefreshTokenFamily revokes every non-revoked token of the family.
func (s *RedisStorage) RevokeRefreshTokenFamily(
	ctx context.Context, familyID, reason string, at time.Time,
) (int, error) {
	tokensKey := redisKey(s.keyPrefix, KeyTypeRefreshFamilyTokens, familyID)
	n, err := revokeRefreshFamilyScript.Run(ctx, s.client, []string{tokensKey},
		redisKeyPrefix(s.keyPrefix, KeyTypeRefresh), formatTime(at), reason,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke refresh token family: %w", err)
	}
	return n, nil
}

// GetFamiliesByOpSid returns the families bound to an OP session.
func (s *RedisStorage) GetFamiliesByOpSid(ctx context.Context, opSid string) ([]*RefreshTokenFamily, error) {
	setKey := redisKey(s.keyPrefix, KeyTypeRefreshOpSid, opSid)
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh token families: %w", err)
	}

	out := make([]*RefreshTokenFamily, 0, len(ids))
	for _, id := range ids {
		family, err := s.getFamily(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, family)
	}
	slices.SortFunc(out, func(a, b *RefreshTokenFamily) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// Compile-time interface check.
var _ Storage = (*RedisStorage)(nil)
