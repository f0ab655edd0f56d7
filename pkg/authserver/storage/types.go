// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the entities and repository contracts of the
// authorization server, with in-memory and Redis implementations.
//
// Lookups that find nothing return ErrNotFound. Conditional state transitions
// return (false, nil) when the row is missing or not in the required source
// state; a non-nil error always means the backend itself failed.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Default lifetimes.
const (
	DefaultLoginTransactionTTL = 15 * time.Minute
	DefaultAuthCodeTTL         = 2 * time.Minute
	DefaultSessionTTL          = 8 * time.Hour
	DefaultRefreshTokenTTL     = 30 * 24 * time.Hour
	DefaultCleanupInterval     = 5 * time.Minute
)

// LoginStatus is the status of a downstream login attempt.
type LoginStatus string

// Login statuses.
const (
	LoginStatusPending   LoginStatus = "pending"
	LoginStatusCompleted LoginStatus = "completed"
	LoginStatusError     LoginStatus = "error"
	LoginStatusCancelled LoginStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s LoginStatus) IsTerminal() bool {
	return s != LoginStatusPending
}

// UpstreamStatus is the state of a federated round-trip to an upstream IdP.
type UpstreamStatus string

// Upstream transaction states.
const (
	UpstreamStatusPending          UpstreamStatus = "pending"
	UpstreamStatusCallbackReceived UpstreamStatus = "callback_received"
	UpstreamStatusTokenExchanged   UpstreamStatus = "token_exchanged"
	UpstreamStatusCompleted        UpstreamStatus = "completed"
	UpstreamStatusError            UpstreamStatus = "error"
	UpstreamStatusCancelled        UpstreamStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s UpstreamStatus) IsTerminal() bool {
	switch s {
	case UpstreamStatusCompleted, UpstreamStatusError, UpstreamStatusCancelled:
		return true
	default:
		return false
	}
}

// RefreshTokenStatus is the lifecycle state of a refresh token row.
type RefreshTokenStatus string

// Refresh token states.
const (
	RefreshTokenActive  RefreshTokenStatus = "active"
	RefreshTokenUsed    RefreshTokenStatus = "used"
	RefreshTokenRevoked RefreshTokenStatus = "revoked"
)

// OidcClient is a registered downstream relying party.
type OidcClient struct {
	ClientID string
	Name     string
	// HashedSecret is a bcrypt hash; empty for public clients.
	HashedSecret           []byte
	RedirectURIs           []string
	PostLogoutRedirectURIs []string
	AllowedScopes          []string
	FrontchannelLogoutURI  string
	RefreshTokensEnabled   bool
}

// IsPublic reports whether the client authenticates with PKCE only.
func (c *OidcClient) IsPublic() bool {
	return len(c.HashedSecret) == 0
}

// LoginTransaction records a downstream /authorize call awaiting upstream completion.
type LoginTransaction struct {
	RequestID           string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Prompts             []string
	MaxAge              *int
	AcrValues           []string
	UILocales           []string

	Status            LoginStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	CompletedAt       *time.Time
	CreatedByIP       string
	UserAgentHash     string
	CorrelationID     string
	UpstreamRequestID string
}

// UnregisteredClientRequest records a first-party login started without a
// registered client. Completion yields a session and a redirect to GotoURL.
type UnregisteredClientRequest struct {
	RequestID         string
	GotoURL           string
	RequestedAcr      []string
	Status            LoginStatus
	CreatedAt         time.Time
	ExpiresAt         time.Time
	CompletedAt       *time.Time
	CreatedByIP       string
	UserAgentHash     string
	CorrelationID     string
	UpstreamRequestID string
}

// UpstreamClaims are the identity claims extracted after the upstream code exchange.
type UpstreamClaims struct {
	Issuer     string            `json:"iss"`
	Subject    string            `json:"sub"`
	Acr        string            `json:"acr,omitempty"`
	Amr        []string          `json:"amr,omitempty"`
	AuthTime   *time.Time        `json:"auth_time,omitempty"`
	IDTokenJTI string            `json:"jti,omitempty"`
	SessionSid string            `json:"sid,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// UpstreamLoginTransaction records the round-trip to an upstream IdP.
// Exactly one of RequestID and UnregisteredClientRequestID is set.
type UpstreamLoginTransaction struct {
	UpstreamRequestID           string
	RequestID                   string
	UnregisteredClientRequestID string

	Provider            string
	UpstreamClientID    string
	UpstreamRedirectURI string
	State               string
	Nonce               string
	CodeVerifier        string
	CodeChallenge       string

	Status           UpstreamStatus
	AuthCode         string
	Error            string
	ErrorDescription string
	CallbackAt       *time.Time
	Claims           *UpstreamClaims
	TokenExchangedAt *time.Time

	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

// Validate checks the structural invariants of a new transaction.
func (t *UpstreamLoginTransaction) Validate() error {
	if t.UpstreamRequestID == "" {
		return errors.New("upstream request id is required")
	}
	if t.State == "" {
		return errors.New("state is required")
	}
	if (t.RequestID == "") == (t.UnregisteredClientRequestID == "") {
		return errors.New("exactly one of request id and unregistered client request id must be set")
	}
	return nil
}

// AuthorizationCode is a one-time code binding a completed login to a token exchange.
// Code holds the lookup key derived from the opaque value handed to the client.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Sid                 string
	Subject             string
	Scopes              []string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Acr                 string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
	ConsumedAt          *time.Time
}

// OidcSession is the server-side session identified by Sid.
type OidcSession struct {
	Sid                string
	Provider           string
	UpstreamIssuer     string
	UpstreamSub        string
	UpstreamSessionSid string
	Subject            string
	Acr                string
	Amr                []string
	AuthTime           time.Time
	Claims             map[string]string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastSeenAt         time.Time
	ExpiresAt          time.Time
}

// IsExpired reports whether the session has passed its expiry at now.
func (s *OidcSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// RefreshTokenFamily groups every refresh token descended from one issuance.
type RefreshTokenFamily struct {
	FamilyID  string
	ClientID  string
	Subject   string
	OpSid     string
	CreatedAt time.Time
}

// RefreshToken is a stored refresh token. Only LookupKey, a keyed hash of the
// secret handed to the client, is persisted.
type RefreshToken struct {
	TokenID          string
	LookupKey        string
	FamilyID         string
	ClientID         string
	Subject          string
	OpSid            string
	Scopes           []string
	Status           RefreshTokenStatus
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UsedAt           *time.Time
	RotatedToTokenID string
	RevokedAt        *time.Time
	RevokedReason    string
}

// LoginTransactionStore persists downstream login attempts.
type LoginTransactionStore interface {
	InsertLoginTransaction(ctx context.Context, tx *LoginTransaction) error
	GetLoginTransaction(ctx context.Context, requestID string) (*LoginTransaction, error)
	// CompleteLoginTransaction moves a pending transaction to status.
	CompleteLoginTransaction(ctx context.Context, requestID string, status LoginStatus, at time.Time) (bool, error)
}

// UnregisteredRequestStore persists first-party logins without a client registration.
type UnregisteredRequestStore interface {
	InsertUnregisteredRequest(ctx context.Context, req *UnregisteredClientRequest) error
	GetUnregisteredRequest(ctx context.Context, requestID string) (*UnregisteredClientRequest, error)
	CompleteUnregisteredRequest(ctx context.Context, requestID string, status LoginStatus, at time.Time) (bool, error)
}

// UpstreamTransactionStore persists upstream round-trips. Every transition is
// keyed by upstream request id and refuses to leave a terminal state.
type UpstreamTransactionStore interface {
	// InsertUpstreamTransaction stores tx in the pending state.
	InsertUpstreamTransaction(ctx context.Context, tx *UpstreamLoginTransaction) error
	// GetUpstreamTransactionByState is the only lookup used by the callback.
	GetUpstreamTransactionByState(ctx context.Context, state string) (*UpstreamLoginTransaction, error)
	// SetCallbackSuccess moves pending to callback_received.
	SetCallbackSuccess(ctx context.Context, upstreamRequestID, authCode string, at time.Time) (bool, error)
	// SetCallbackError moves pending to error.
	SetCallbackError(ctx context.Context, upstreamRequestID, errCode, description string, at time.Time) (bool, error)
	// SetTokenExchanged moves callback_received to token_exchanged.
	SetTokenExchanged(ctx context.Context, upstreamRequestID string, claims *UpstreamClaims, at time.Time) (bool, error)
	// MarkUpstreamCompleted closes the transaction: token_exchanged to completed
	// when success is true, any non-terminal state to error otherwise.
	MarkUpstreamCompleted(ctx context.Context, upstreamRequestID string, success bool, at time.Time) (bool, error)
	// CancelUpstreamTransaction moves pending to cancelled, recording reason.
	CancelUpstreamTransaction(ctx context.Context, upstreamRequestID, reason string, at time.Time) (bool, error)
}

// AuthCodeStore persists one-time authorization codes.
type AuthCodeStore interface {
	InsertAuthCode(ctx context.Context, code *AuthorizationCode) error
	// GetAuthCode looks a code up without consuming it.
	GetAuthCode(ctx context.Context, code string) (*AuthorizationCode, error)
	// TryConsumeAuthCode atomically marks the code consumed. It returns true only
	// if the code exists, is unconsumed and unexpired at usedAt, and is bound to
	// exactly clientID and redirectURI.
	TryConsumeAuthCode(ctx context.Context, code, clientID, redirectURI string, usedAt time.Time) (bool, error)
}

// SessionStore persists OIDC sessions.
type SessionStore interface {
	// UpsertSessionByUpstreamSub stores session, reusing the Sid of an existing
	// session with the same Provider and UpstreamSub. The stored row is returned.
	UpsertSessionByUpstreamSub(ctx context.Context, session *OidcSession) (*OidcSession, error)
	GetSession(ctx context.Context, sid string) (*OidcSession, error)
	// GetSessionsByUpstreamSid returns the sessions created from one upstream session.
	GetSessionsByUpstreamSid(ctx context.Context, upstreamIssuer, upstreamSid string) ([]*OidcSession, error)
	// TouchSession records activity and moves the expiry.
	TouchSession(ctx context.Context, sid string, lastSeen, expiresAt time.Time) (bool, error)
	DeleteSession(ctx context.Context, sid string) (bool, error)
}

// RefreshTokenStore persists refresh tokens and their families. Reuse
// detection policy lives with the caller.
type RefreshTokenStore interface {
	// GetOrCreateFamily returns the family id for the triple, creating it if absent.
	GetOrCreateFamily(ctx context.Context, clientID, subject, opSid string) (string, error)
	InsertRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshTokenByLookupKey(ctx context.Context, lookupKey string) (*RefreshToken, error)
	// MarkRefreshTokenUsed moves an active token to used, recording its successor.
	MarkRefreshTokenUsed(ctx context.Context, tokenID, rotatedToTokenID string, at time.Time) (bool, error)
	// RevokeRefreshToken revokes a token that is not already revoked.
	RevokeRefreshToken(ctx context.Context, tokenID, reason string, at time.Time) (bool, error)
	// RevokeRefreshTokenFamily revokes every non-revoked token of the family and
	// returns how many changed.
	RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string, at time.Time) (int, error)
	GetFamiliesByOpSid(ctx context.Context, opSid string) ([]*RefreshTokenFamily, error)
}

// Storage is the full persistence contract of the authorization server.
type Storage interface {
	LoginTransactionStore
	UnregisteredRequestStore
	UpstreamTransactionStore
	AuthCodeStore
	SessionStore
	RefreshTokenStore

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// CanTransitionTo reports whether an upstream transaction may move from s to next.
func (s UpstreamStatus) CanTransitionTo(next UpstreamStatus) bool {
	switch next {
	case UpstreamStatusCallbackReceived:
		return s == UpstreamStatusPending
	case UpstreamStatusTokenExchanged:
		return s == UpstreamStatusCallbackReceived
	case UpstreamStatusCompleted:
		return s == UpstreamStatusTokenExchanged
	case UpstreamStatusError, UpstreamStatusCancelled:
		return !s.IsTerminal()
	default:
		return false
	}
}

// TransitionSources lists the states from which next is reachable. A non-empty
// from narrows the result to that single state.
func TransitionSources(from, next UpstreamStatus) []UpstreamStatus {
	var sources []UpstreamStatus
	for _, st := range []UpstreamStatus{
		UpstreamStatusPending,
		UpstreamStatusCallbackReceived,
		UpstreamStatusTokenExchanged,
	} {
		if (from == "" || st == from) && st.CanTransitionTo(next) {
			sources = append(sources, st)
		}
	}
	return sources
}

// MismatchReason explains why the code cannot be consumed by clientID at
// redirectURI at time at, or returns "".
func (c *AuthorizationCode) MismatchReason(clientID, redirectURI string, at time.Time) string {
	switch {
	case c.Consumed:
		return "already consumed"
	case !at.Before(c.ExpiresAt):
		return "expired"
	case c.ClientID != clientID:
		return "client mismatch"
	case c.RedirectURI != redirectURI:
		return "redirect uri mismatch"
	default:
		return ""
	}
}

// Validate checks that a new code is keyed and bound.
func (c *AuthorizationCode) Validate() error {
	if c == nil || c.Code == "" {
		return errors.New("authorization code is required")
	}
	if c.ClientID == "" || c.RedirectURI == "" {
		return fmt.Errorf("authorization code must be bound to a client and redirect uri")
	}
	return nil
}

// Validate checks that a new token carries its keys.
func (t *RefreshToken) Validate() error {
	if t == nil || t.TokenID == "" || t.LookupKey == "" || t.FamilyID == "" {
		return errors.New("refresh token requires token id, lookup key and family id")
	}
	return nil
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return slices.Clone(in)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
