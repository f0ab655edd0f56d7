// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/idbroker/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func newEntry[T any](value T, expiresAt time.Time) *timedEntry[T] {
	return &timedEntry[T]{value: value, createdAt: time.Now(), expiresAt: expiresAt}
}

// MemoryStorage implements Storage with in-memory maps guarded by one mutex.
// It is suitable for development, tests and single-replica deployments; the
// mutex is what makes its conditional transitions atomic.
type MemoryStorage struct {
	mu sync.RWMutex

	loginTransactions    map[string]*timedEntry[*LoginTransaction]
	unregisteredRequests map[string]*timedEntry[*UnregisteredClientRequest]

	// upstreamTransactions maps upstream request id -> transaction;
	// upstreamByState is the callback lookup index.
	upstreamTransactions map[string]*timedEntry[*UpstreamLoginTransaction]
	upstreamByState      map[string]string

	authCodes map[string]*timedEntry[*AuthorizationCode]

	// sessions maps sid -> session. sessionsByUpstreamSub enforces one session
	// per (provider, upstream subject); sessionsByUpstreamSid serves upstream
	// initiated logout.
	sessions              map[string]*timedEntry[*OidcSession]
	sessionsByUpstreamSub map[string]string
	sessionsByUpstreamSid map[string]map[string]struct{}

	refreshTokens    map[string]*timedEntry[*RefreshToken]
	refreshByLookup  map[string]string
	families         map[string]*RefreshTokenFamily
	familyByTriple   map[string]string
	familiesByOpSid  map[string][]string
	tokensByFamilyID map[string][]string

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// NewMemoryStorage creates a MemoryStorage and starts its cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		loginTransactions:     make(map[string]*timedEntry[*LoginTransaction]),
		unregisteredRequests:  make(map[string]*timedEntry[*UnregisteredClientRequest]),
		upstreamTransactions:  make(map[string]*timedEntry[*UpstreamLoginTransaction]),
		upstreamByState:       make(map[string]string),
		authCodes:             make(map[string]*timedEntry[*AuthorizationCode]),
		sessions:              make(map[string]*timedEntry[*OidcSession]),
		sessionsByUpstreamSub: make(map[string]string),
		sessionsByUpstreamSid: make(map[string]map[string]struct{}),
		refreshTokens:         make(map[string]*timedEntry[*RefreshToken]),
		refreshByLookup:       make(map[string]string),
		families:              make(map[string]*RefreshTokenFamily),
		familyByTriple:        make(map[string]string),
		familiesByOpSid:       make(map[string][]string),
		tokensByFamilyID:      make(map[string][]string),
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Ping always succeeds for in-memory storage.
func (*MemoryStorage) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired(time.Now())
		}
	}
}

func collectExpired[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var keys []string
	for k, v := range m {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys
}

// cleanupExpired collects expired keys under the read lock, then deletes them
// under the write lock.
func (s *MemoryStorage) cleanupExpired(now time.Time) {
	s.mu.RLock()
	expiredLogins := collectExpired(s.loginTransactions, now)
	expiredUnregistered := collectExpired(s.unregisteredRequests, now)
	expiredUpstream := collectExpired(s.upstreamTransactions, now)
	expiredCodes := collectExpired(s.authCodes, now)
	expiredSessions := collectExpired(s.sessions, now)
	expiredTokens := collectExpired(s.refreshTokens, now)
	s.mu.RUnlock()

	total := len(expiredLogins) + len(expiredUnregistered) + len(expiredUpstream) +
		len(expiredCodes) + len(expiredSessions) + len(expiredTokens)
	if total == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredLogins {
		delete(s.loginTransactions, k)
	}
	for _, k := range expiredUnregistered {
		delete(s.unregisteredRequests, k)
	}
	for _, k := range expiredUpstream {
		if e, ok := s.upstreamTransactions[k]; ok {
			delete(s.upstreamByState, e.value.State)
		}
		delete(s.upstreamTransactions, k)
	}
	for _, k := range expiredCodes {
		delete(s.authCodes, k)
	}
	for _, k := range expiredSessions {
		if e, ok := s.sessions[k]; ok {
			s.unindexSessionLocked(e.value)
		}
		delete(s.sessions, k)
	}
	for _, k := range expiredTokens {
		if e, ok := s.refreshTokens[k]; ok {
			delete(s.refreshByLookup, e.value.LookupKey)
		}
		delete(s.refreshTokens, k)
	}

	logger.Debugw("memory storage cleanup", "removed", total)
}

// -----------------------
// Login transactions
// -----------------------

// InsertLoginTransaction stores a new downstream login transaction.
func (s *MemoryStorage) InsertLoginTransaction(_ context.Context, tx *LoginTransaction) error {
	if tx == nil || tx.RequestID == "" {
		return fmt.Errorf("login transaction requires a request id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loginTransactions[tx.RequestID]; exists {
		return fmt.Errorf("%w: login transaction %s", ErrAlreadyExists, tx.RequestID)
	}
	s.loginTransactions[tx.RequestID] = newEntry(tx.clone(), tx.ExpiresAt)
	return nil
}

// GetLoginTransaction returns the login transaction with requestID.
func (s *MemoryStorage) GetLoginTransaction(_ context.Context, requestID string) (*LoginTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.loginTransactions[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: login transaction", ErrNotFound)
	}
	return e.value.clone(), nil
}

// CompleteLoginTransaction moves a pending login transaction to status.
func (s *MemoryStorage) CompleteLoginTransaction(
	_ context.Context, requestID string, status LoginStatus, at time.Time,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.loginTransactions[requestID]
	if !ok || e.value.Status.IsTerminal() {
		return false, nil
	}
	e.value.Status = status
	e.value.CompletedAt = &at
	return true, nil
}

// -----------------------
// Unregistered client requests
// -----------------------

// InsertUnregisteredRequest stores a new first-party login request.
func (s *MemoryStorage) InsertUnregisteredRequest(_ context.Context, req *UnregisteredClientRequest) error {
	if req == nil || req.RequestID == "" {
		return fmt.Errorf("unregistered client request requires a request id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.unregisteredRequests[req.RequestID]; exists {
		return fmt.Errorf("%w: unregistered client request %s", ErrAlreadyExists, req.RequestID)
	}
	s.unregisteredRequests[req.RequestID] = newEntry(req.clone(), req.ExpiresAt)
	return nil
}

// GetUnregisteredRequest returns the request with requestID.
func (s *MemoryStorage) GetUnregisteredRequest(_ context.Context, requestID string) (*UnregisteredClientRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.unregisteredRequests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: unregistered client request", ErrNotFound)
	}
	return e.value.clone(), nil
}

// CompleteUnregisteredRequest moves a pending request to status.
func (s *MemoryStorage) CompleteUnregisteredRequest(
	_ context.Context, requestID string, status LoginStatus, at time.Time,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.unregisteredRequests[requestID]
	if !ok || e.value.Status.IsTerminal() {
		return false, nil
	}
	e.value.Status = status
	e.value.CompletedAt = &at
	return true, nil
}

// -----------------------
// Upstream transactions
// -----------------------

// InsertUpstreamTransaction stores tx in the pending state.
func (s *MemoryStorage) InsertUpstreamTransaction(_ context.Context, tx *UpstreamLoginTransaction) error {
	if tx == nil {
		return fmt.Errorf("upstream transaction is required")
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("invalid upstream transaction: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.upstreamTransactions[tx.UpstreamRequestID]; exists {
		return fmt.Errorf("%w: upstream transaction %s", ErrAlreadyExists, tx.UpstreamRequestID)
	}
	if _, exists := s.upstreamByState[tx.State]; exists {
		return fmt.Errorf("%w: upstream state", ErrAlreadyExists)
	}

	stored := tx.clone()
	stored.Status = UpstreamStatusPending
	s.upstreamTransactions[tx.UpstreamRequestID] = newEntry(stored, tx.ExpiresAt)
	s.upstreamByState[tx.State] = tx.UpstreamRequestID
	return nil
}

// GetUpstreamTransactionByState returns the transaction created with state.
func (s *MemoryStorage) GetUpstreamTransactionByState(_ context.Context, state string) (*UpstreamLoginTransaction, error) {
	if state == "" {
		return nil, fmt.Errorf("%w: upstream transaction", ErrNotFound)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.upstreamByState[state]
	if !ok {
		return nil, fmt.Errorf("%w: upstream transaction", ErrNotFound)
	}
	e, ok := s.upstreamTransactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: upstream transaction", ErrNotFound)
	}
	return e.value.clone(), nil
}

// transitionUpstream applies mutate if the transaction can move to next. When
// from is non-empty the transaction must also currently be in from.
func (s *MemoryStorage) transitionUpstream(
	id string, from, next UpstreamStatus, mutate func(*UpstreamLoginTransaction),
) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.upstreamTransactions[id]
	if !ok {
		return false
	}
	if (from != "" && e.value.Status != from) || !e.value.Status.CanTransitionTo(next) {
		logger.Debugw("rejected upstream transition",
			"upstream_request_id", id,
			"from", e.value.Status,
			"to", next,
		)
		return false
	}
	e.value.Status = next
	mutate(e.value)
	return true
}

// SetCallbackSuccess moves a pending transaction to callback_received.
func (s *MemoryStorage) SetCallbackSuccess(
	_ context.Context, upstreamRequestID, authCode string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(upstreamRequestID, "", UpstreamStatusCallbackReceived, func(t *UpstreamLoginTransaction) {
		t.AuthCode = authCode
		t.CallbackAt = &at
	}), nil
}

// SetCallbackError moves a pending transaction to error.
func (s *MemoryStorage) SetCallbackError(
	_ context.Context, upstreamRequestID, errCode, description string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(upstreamRequestID, UpstreamStatusPending, UpstreamStatusError,
		func(t *UpstreamLoginTransaction) {
			t.Error = errCode
			t.ErrorDescription = description
			t.CallbackAt = &at
			t.CompletedAt = &at
		}), nil
}

// SetTokenExchanged records the upstream identity claims.
func (s *MemoryStorage) SetTokenExchanged(
	_ context.Context, upstreamRequestID string, claims *UpstreamClaims, at time.Time,
) (bool, error) {
	return s.transitionUpstream(upstreamRequestID, "", UpstreamStatusTokenExchanged, func(t *UpstreamLoginTransaction) {
		t.Claims = claims.clone()
		t.TokenExchangedAt = &at
	}), nil
}

// MarkUpstreamCompleted closes the transaction as completed or error.
func (s *MemoryStorage) MarkUpstreamCompleted(
	_ context.Context, upstreamRequestID string, success bool, at time.Time,
) (bool, error) {
	next := UpstreamStatusError
	if success {
		next = UpstreamStatusCompleted
	}
	return s.transitionUpstream(upstreamRequestID, "", next, func(t *UpstreamLoginTransaction) {
		t.CompletedAt = &at
	}), nil
}

// CancelUpstreamTransaction moves a pending transaction to cancelled.
func (s *MemoryStorage) CancelUpstreamTransaction(
	_ context.Context, upstreamRequestID, reason string, at time.Time,
) (bool, error) {
	return s.transitionUpstream(upstreamRequestID, UpstreamStatusPending, UpstreamStatusCancelled,
		func(t *UpstreamLoginTransaction) {
			t.Error = reason
			t.CompletedAt = &at
		}), nil
}

// -----------------------
// Authorization codes
// -----------------------

// InsertAuthCode stores a new authorization code.
func (s *MemoryStorage) InsertAuthCode(_ context.Context, code *AuthorizationCode) error {
	if err := code.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	stored := code.clone()
	stored.Consumed = false
	stored.ConsumedAt = nil
	s.authCodes[code.Code] = newEntry(stored, code.ExpiresAt)
	return nil
}

// GetAuthCode returns the code without consuming it.
func (s *MemoryStorage) GetAuthCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	return e.value.clone(), nil
}

// TryConsumeAuthCode atomically consumes the code if it matches.
func (s *MemoryStorage) TryConsumeAuthCode(
	_ context.Context, code, clientID, redirectURI string, usedAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.authCodes[code]
	if !ok {
		logger.Debugw("authorization code not consumed", "reason", "not found", "client_id", clientID)
		return false, nil
	}
	if reason := e.value.MismatchReason(clientID, redirectURI, usedAt); reason != "" {
		logger.Debugw("authorization code not consumed", "reason", reason, "client_id", clientID)
		return false, nil
	}
	e.value.Consumed = true
	e.value.ConsumedAt = &usedAt
	return true, nil
}

// -----------------------
// Sessions
// -----------------------

func upstreamSubKey(provider, sub string) string {
	return provider + "\x00" + sub
}

func (s *MemoryStorage) unindexSessionLocked(session *OidcSession) {
	subKey := upstreamSubKey(session.Provider, session.UpstreamSub)
	if s.sessionsByUpstreamSub[subKey] == session.Sid {
		delete(s.sessionsByUpstreamSub, subKey)
	}
	if session.UpstreamSessionSid != "" {
		sidKey := upstreamSubKey(session.UpstreamIssuer, session.UpstreamSessionSid)
		if set, ok := s.sessionsByUpstreamSid[sidKey]; ok {
			delete(set, session.Sid)
			if len(set) == 0 {
				delete(s.sessionsByUpstreamSid, sidKey)
			}
		}
	}
}

func (s *MemoryStorage) indexSessionLocked(session *OidcSession) {
	s.sessionsByUpstreamSub[upstreamSubKey(session.Provider, session.UpstreamSub)] = session.Sid
	if session.UpstreamSessionSid != "" {
		sidKey := upstreamSubKey(session.UpstreamIssuer, session.UpstreamSessionSid)
		set, ok := s.sessionsByUpstreamSid[sidKey]
		if !ok {
			set = make(map[string]struct{})
			s.sessionsByUpstreamSid[sidKey] = set
		}
		set[session.Sid] = struct{}{}
	}
}

// UpsertSessionByUpstreamSub creates or replaces the session for the upstream identity.
func (s *MemoryStorage) UpsertSessionByUpstreamSub(_ context.Context, session *OidcSession) (*OidcSession, error) {
	if session == nil || session.Provider == "" || session.UpstreamSub == "" {
		return nil, fmt.Errorf("session requires provider and upstream subject")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := session.clone()
	if sid, ok := s.sessionsByUpstreamSub[upstreamSubKey(session.Provider, session.UpstreamSub)]; ok {
		if existing, ok := s.sessions[sid]; ok {
			s.unindexSessionLocked(existing.value)
			stored.Sid = existing.value.Sid
			stored.CreatedAt = existing.value.CreatedAt
		}
	}
	if stored.Sid == "" {
		return nil, fmt.Errorf("session requires a sid")
	}
	if other, ok := s.sessions[stored.Sid]; ok &&
		(other.value.Provider != stored.Provider || other.value.UpstreamSub != stored.UpstreamSub) {
		return nil, fmt.Errorf("%w: session sid", ErrAlreadyExists)
	}

	s.sessions[stored.Sid] = newEntry(stored, stored.ExpiresAt)
	s.indexSessionLocked(stored)
	return stored.clone(), nil
}

// GetSession returns the session with sid.
func (s *MemoryStorage) GetSession(_ context.Context, sid string) (*OidcSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sid]
	if !ok {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	return e.value.clone(), nil
}

// GetSessionsByUpstreamSid returns the sessions created from one upstream session.
func (s *MemoryStorage) GetSessionsByUpstreamSid(
	_ context.Context, upstreamIssuer, upstreamSid string,
) ([]*OidcSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sessionsByUpstreamSid[upstreamSubKey(upstreamIssuer, upstreamSid)]
	out := make([]*OidcSession, 0, len(set))
	for sid := range set {
		if e, ok := s.sessions[sid]; ok {
			out = append(out, e.value.clone())
		}
	}
	slices.SortFunc(out, func(a, b *OidcSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// TouchSession records activity on a session.
func (s *MemoryStorage) TouchSession(_ context.Context, sid string, lastSeen, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sid]
	if !ok {
		return false, nil
	}
	e.value.LastSeenAt = lastSeen
	e.value.ExpiresAt = expiresAt
	e.expiresAt = expiresAt
	return true, nil
}

// DeleteSession removes the session with sid.
func (s *MemoryStorage) DeleteSession(_ context.Context, sid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sid]
	if !ok {
		return false, nil
	}
	s.unindexSessionLocked(e.value)
	delete(s.sessions, sid)
	return true, nil
}

// -----------------------
// Refresh tokens
// -----------------------

func familyTripleKey(clientID, subject, opSid string) string {
	return clientID + "\x00" + subject + "\x00" + opSid
}

// GetOrCreateFamily returns the family id for the triple, creating it if absent.
func (s *MemoryStorage) GetOrCreateFamily(_ context.Context, clientID, subject, opSid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := familyTripleKey(clientID, subject, opSid)
	if id, ok := s.familyByTriple[key]; ok {
		return id, nil
	}

	family := &RefreshTokenFamily{
		FamilyID:  uuid.NewString(),
		ClientID:  clientID,
		Subject:   subject,
		OpSid:     opSid,
		CreatedAt: time.Now().UTC(),
	}
	s.families[family.FamilyID] = family
	s.familyByTriple[key] = family.FamilyID
	s.familiesByOpSid[opSid] = append(s.familiesByOpSid[opSid], family.FamilyID)
	return family.FamilyID, nil
}

// InsertRefreshToken stores a new active refresh token.
func (s *MemoryStorage) InsertRefreshToken(_ context.Context, token *RefreshToken) error {
	if err := token.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.families[token.FamilyID]; !ok {
		return fmt.Errorf("%w: refresh token family", ErrNotFound)
	}
	if _, exists := s.refreshTokens[token.TokenID]; exists {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}
	if _, exists := s.refreshByLookup[token.LookupKey]; exists {
		return fmt.Errorf("%w: refresh token lookup key", ErrAlreadyExists)
	}

	stored := token.clone()
	stored.Status = RefreshTokenActive
	s.refreshTokens[token.TokenID] = newEntry(stored, token.ExpiresAt)
	s.refreshByLookup[token.LookupKey] = token.TokenID
	s.tokensByFamilyID[token.FamilyID] = append(s.tokensByFamilyID[token.FamilyID], token.TokenID)
	return nil
}

// GetRefreshTokenByLookupKey resolves a presented token by its lookup key.
func (s *MemoryStorage) GetRefreshTokenByLookupKey(_ context.Context, lookupKey string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refreshByLookup[lookupKey]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	e, ok := s.refreshTokens[id]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	return e.value.clone(), nil
}

// MarkRefreshTokenUsed moves an active token to used.
func (s *MemoryStorage) MarkRefreshTokenUsed(
	_ context.Context, tokenID, rotatedToTokenID string, at time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.refreshTokens[tokenID]
	if !ok || e.value.Status != RefreshTokenActive {
		return false, nil
	}
	e.value.Status = RefreshTokenUsed
	e.value.UsedAt = &at
	e.value.RotatedToTokenID = rotatedToTokenID
	return true, nil
}

// RevokeRefreshToken revokes a token that is not already revoked.
func (s *MemoryStorage) RevokeRefreshToken(_ context.Context, tokenID, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.refreshTokens[tokenID]
	if !ok || e.value.Status == RefreshTokenRevoked {
		return false, nil
	}
	revokeLocked(e.value, reason, at)
	return true, nil
}

func revokeLocked(token *RefreshToken, reason string, at time.Time) {
	token.Status = RefreshTokenRevoked
	token.RevokedAt = &at
	token.RevokedReason = reason
}

// RevokeRefreshTokenFamily revokes every non-revoked token of the family.
func (s *MemoryStorage) RevokeRefreshTokenFamily(
	_ context.Context, familyID, reason string, at time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, id := range s.tokensByFamilyID[familyID] {
		e, ok := s.refreshTokens[id]
		if !ok || e.value.Status == RefreshTokenRevoked {
			continue
		}
		revokeLocked(e.value, reason, at)
		revoked++
	}
	return revoked, nil
}

// GetFamiliesByOpSid returns the families bound to an OP session.
func (s *MemoryStorage) GetFamiliesByOpSid(_ context.Context, opSid string) ([]*RefreshTokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.familiesByOpSid[opSid]
	out := make([]*RefreshTokenFamily, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.families[id]; ok {
			out = append(out, f.clone())
		}
	}
	return out, nil
}


// Stats is a snapshot of the number of stored entries per type.
type Stats struct {
	LoginTransactions    int
	UnregisteredRequests int
	UpstreamTransactions int
	AuthCodes            int
	Sessions             int
	RefreshTokens        int
	RefreshTokenFamilies int
}

// Stats returns entry counts, including entries not yet swept by cleanup.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		LoginTransactions:    len(s.loginTransactions),
		UnregisteredRequests: len(s.unregisteredRequests),
		UpstreamTransactions: len(s.upstreamTransactions),
		AuthCodes:            len(s.authCodes),
		Sessions:             len(s.sessions),
		RefreshTokens:        len(s.refreshTokens),
		RefreshTokenFamilies: len(s.families),
	}
}

// Compile-time interface check.
var _ Storage = (*MemoryStorage)(nil)
