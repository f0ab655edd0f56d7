// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/ory/fosite"
	"golang.org/x/oauth2"

	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/logger"
)

// Grant types.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Default lifetimes.
const (
	DefaultAccessTokenTTL = 5 * time.Minute
	DefaultIDTokenTTL     = 5 * time.Minute
)

// Refresh token revocation reasons.
const (
	RevokedReuseDetected  = "reuse_detected"
	RevokedSessionEnded   = "session_ended"
	RevokedRotationFailed = "rotation_failed"
)

// Store is the persistence the token service needs.
type Store interface {
	storage.AuthCodeStore
	storage.RefreshTokenStore
	storage.SessionStore
}

// CodeExchangeRequest is an authorization_code grant.
type CodeExchangeRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
}

// RefreshRequest is a refresh_token grant.
type RefreshRequest struct {
	GrantType    string
	RefreshToken string
	ClientID     string
	ClientSecret string
	// Scopes optionally narrows the scopes of the new access token.
	Scopes []string
}

// Service implements the token endpoint grants.
type Service struct {
	store   Store
	clients ClientAuthenticator
	issuer  *Issuer
	secrets *SecretStrategy
	metrics *metrics.Metrics

	accessTokenTTL  time.Duration
	idTokenTTL      time.Duration
	refreshTokenTTL time.Duration
	sessionTTL      time.Duration
	now             func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAccessTokenTTL sets the access token lifetime.
func WithAccessTokenTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.accessTokenTTL = d
		}
	}
}

// WithIDTokenTTL sets the ID token lifetime.
func WithIDTokenTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.idTokenTTL = d
		}
	}
}

// WithRefreshTokenTTL sets the refresh token lifetime.
func WithRefreshTokenTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.refreshTokenTTL = d
		}
	}
}

// WithSessionTTL sets the idle expiry applied to a session when its refresh
// token is used.
func WithSessionTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithMetrics records grant outcomes and reuse detections.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService returns a token service.
func NewService(
	store Store, clients ClientAuthenticator, issuer *Issuer, secrets *SecretStrategy, opts ...ServiceOption,
) (*Service, error) {
	if store == nil || clients == nil || issuer == nil || secrets == nil {
		return nil, errors.New("store, clients, issuer and secrets are required")
	}
	s := &Service{
		store:           store,
		clients:         clients,
		issuer:          issuer,
		secrets:         secrets,
		accessTokenTTL:  DefaultAccessTokenTTL,
		idTokenTTL:      DefaultIDTokenTTL,
		refreshTokenTTL: storage.DefaultRefreshTokenTTL,
		sessionTTL:      storage.DefaultSessionTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issuer returns the JWT issuer used by the service.
func (s *Service) Issuer() *Issuer {
	return s.issuer
}

// Secrets returns the opaque token strategy used by the service.
func (s *Service) Secrets() *SecretStrategy {
	return s.secrets
}

// AccessTokenTTL returns the access token lifetime.
func (s *Service) AccessTokenTTL() time.Duration {
	return s.accessTokenTTL
}

// errInvalidGrant is the single response for unknown, expired, consumed,
// reused and mismatched grants.
func errInvalidGrant() error {
	return fosite.ErrInvalidGrant.WithDescription("The provided authorization grant is invalid, expired or revoked.")
}

// ExchangeAuthorizationCode redeems an authorization code.
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, req *CodeExchangeRequest) (*Result, error) {
	res, err := s.exchangeAuthorizationCode(ctx, req)
	s.observe(GrantTypeAuthorizationCode, err)
	return res, err
}

func (s *Service) exchangeAuthorizationCode(ctx context.Context, req *CodeExchangeRequest) (*Result, error) {
	if req == nil {
		return nil, fosite.ErrInvalidRequest.WithHint("Missing token request.")
	}
	if req.GrantType != GrantTypeAuthorizationCode {
		return nil, fosite.ErrUnsupportedGrantType
	}
	switch {
	case req.Code == "":
		return nil, fosite.ErrInvalidRequest.WithHint("The 'code' parameter is required.")
	case req.RedirectURI == "":
		return nil, fosite.ErrInvalidRequest.WithHint("The 'redirect_uri' parameter is required.")
	case req.ClientID == "":
		return nil, fosite.ErrInvalidRequest.WithHint("The 'client_id' parameter is required.")
	case !isValidCodeVerifier(req.CodeVerifier):
		return nil, fosite.ErrInvalidRequest.WithHint("The 'code_verifier' parameter is missing or malformed.")
	}

	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		logger.Debugw("client authentication failed", "client_id", req.ClientID, "error", err)
		return nil, fosite.ErrInvalidClient
	}

	if err := s.secrets.Validate(ctx, req.Code); err != nil {
		return nil, errInvalidGrant()
	}
	lookupKey := s.secrets.LookupKey(req.Code)
	now := s.now()

	code, err := s.store.GetAuthCode(ctx, lookupKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidGrant()
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}
	if reason := code.MismatchReason(client.ClientID, req.RedirectURI, now); reason != "" {
		logger.Debugw("authorization code rejected", "client_id", client.ClientID, "reason", reason)
		return nil, errInvalidGrant()
	}
	if !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier) {
		logger.Debugw("PKCE verification failed", "client_id", client.ClientID)
		return nil, errInvalidGrant()
	}

	consumed, err := s.store.TryConsumeAuthCode(ctx, lookupKey, client.ClientID, req.RedirectURI, now)
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if !consumed {
		return nil, errInvalidGrant()
	}

	session, err := s.liveSession(ctx, code.Sid, now)
	if err != nil {
		return nil, err
	}

	principal := &Principal{
		Subject:  code.Subject,
		Sid:      code.Sid,
		ClientID: client.ClientID,
		Scopes:   code.Scopes,
		Acr:      code.Acr,
		Amr:      session.Amr,
		AuthTime: code.AuthTime,
		Nonce:    code.Nonce,
		Claims:   session.Claims,
	}
	result, err := s.mint(ctx, principal, client)
	if err != nil {
		return nil, err
	}
	if client.RefreshTokensEnabled {
		refresh, err := s.IssueRefreshToken(ctx, principal, client)
		if err != nil {
			return nil, err
		}
		result.RefreshToken = refresh
	}

	logger.Debugw("authorization code exchanged", "client_id", client.ClientID, "sid", code.Sid)
	return result, nil
}

// Refresh rotates a refresh token. Presenting a used or revoked token
// revokes its whole family.
func (s *Service) Refresh(ctx context.Context, req *RefreshRequest) (*Result, error) {
	res, err := s.refresh(ctx, req)
	s.observe(GrantTypeRefreshToken, err)
	return res, err
}

func (s *Service) refresh(ctx context.Context, req *RefreshRequest) (*Result, error) {
	if req == nil {
		return nil, fosite.ErrInvalidRequest.WithHint("Missing token request.")
	}
	if req.GrantType != GrantTypeRefreshToken {
		return nil, fosite.ErrUnsupportedGrantType
	}
	if req.RefreshToken == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'refresh_token' parameter is required.")
	}
	if req.ClientID == "" {
		return nil, fosite.ErrInvalidRequest.WithHint("The 'client_id' parameter is required.")
	}

	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		logger.Debugw("client authentication failed", "client_id", req.ClientID, "error", err)
		return nil, fosite.ErrInvalidClient
	}
	if !client.RefreshTokensEnabled {
		return nil, fosite.ErrUnauthorizedClient.WithHint("The client is not allowed to use refresh tokens.")
	}

	if err := s.secrets.Validate(ctx, req.RefreshToken); err != nil {
		return nil, errInvalidGrant()
	}
	now := s.now()

	current, err := s.store.GetRefreshTokenByLookupKey(ctx, s.secrets.LookupKey(req.RefreshToken))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errInvalidGrant()
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if current.ClientID != client.ClientID {
		logger.Debugw("refresh token presented by another client", "client_id", client.ClientID)
		return nil, errInvalidGrant()
	}
	if current.Status != storage.RefreshTokenActive {
		s.revokeFamily(ctx, current.FamilyID, RevokedReuseDetected, now)
		s.metrics.ObserveRefreshTokenReuse()
		logger.Warnw("refresh token reuse detected",
			"client_id", client.ClientID, "family_id", current.FamilyID, "status", current.Status)
		return nil, errInvalidGrant()
	}
	if !now.Before(current.ExpiresAt) {
		return nil, errInvalidGrant()
	}

	scopes := current.Scopes
	if len(req.Scopes) > 0 {
		for _, sc := range req.Scopes {
			if !slices.Contains(current.Scopes, sc) {
				return nil, fosite.ErrInvalidScope.WithHintf("The scope %q was not originally granted.", sc)
			}
		}
		scopes = req.Scopes
	}

	session, err := s.liveSession(ctx, current.OpSid, now)
	if err != nil {
		if errors.Is(err, fosite.ErrInvalidGrant) {
			s.revokeFamily(ctx, current.FamilyID, RevokedSessionEnded, now)
		}
		return nil, err
	}

	rawNext, nextKey, err := s.secrets.Generate(ctx)
	if err != nil {
		return nil, err
	}
	next := &storage.RefreshToken{
		TokenID:   uuid.NewString(),
		LookupKey: nextKey,
		FamilyID:  current.FamilyID,
		ClientID:  current.ClientID,
		Subject:   current.Subject,
		OpSid:     current.OpSid,
		Scopes:    current.Scopes,
		Status:    storage.RefreshTokenActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTokenTTL),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rotated, err := s.store.MarkRefreshTokenUsed(ctx, current.TokenID, next.TokenID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !rotated {
		logger.Debugw("lost refresh token rotation race", "family_id", current.FamilyID)
		return nil, errInvalidGrant()
	}
	if err := s.store.InsertRefreshToken(ctx, next); err != nil {
		// The presented token is already used and its successor was never
		// stored, so the family cannot be continued.
		logger.FromContext(ctx).Error("failed to store rotated refresh token, revoking family",
			"client_id", client.ClientID, "family_id", current.FamilyID, "error", err)
		s.revokeFamily(context.WithoutCancel(ctx), current.FamilyID, RevokedRotationFailed, now)
		return nil, fmt.Errorf("failed to store rotated refresh token: %w", err)
	}

	if _, err := s.store.TouchSession(ctx, session.Sid, now, now.Add(s.sessionTTL)); err != nil {
		logger.Warnw("failed to touch session on refresh", "sid", session.Sid, "error", err)
	}

	principal := &Principal{
		Subject:  current.Subject,
		Sid:      current.OpSid,
		ClientID: client.ClientID,
		Scopes:   scopes,
		Acr:      session.Acr,
		Amr:      session.Amr,
		AuthTime: session.AuthTime,
		Claims:   session.Claims,
	}
	result, err := s.mint(ctx, principal, client)
	if err != nil {
		return nil, err
	}
	result.RefreshToken = rawNext
	return result, nil
}

// IssueRefreshToken starts or extends the family of (client, subject, sid)
// with a new active token and returns its opaque value.
func (s *Service) IssueRefreshToken(ctx context.Context, p *Principal, client *storage.OidcClient) (string, error) {
	if p == nil || client == nil {
		return "", errors.New("principal and client are required")
	}
	familyID, err := s.store.GetOrCreateFamily(ctx, client.ClientID, p.Subject, p.Sid)
	if err != nil {
		return "", fmt.Errorf("failed to get refresh token family: %w", err)
	}
	raw, lookupKey, err := s.secrets.Generate(ctx)
	if err != nil {
		return "", err
	}
	now := s.now()
	err = s.store.InsertRefreshToken(ctx, &storage.RefreshToken{
		TokenID:   uuid.NewString(),
		LookupKey: lookupKey,
		FamilyID:  familyID,
		ClientID:  client.ClientID,
		Subject:   p.Subject,
		OpSid:     p.Sid,
		Scopes:    slices.Clone(p.Scopes),
		Status:    storage.RefreshTokenActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTokenTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	return raw, nil
}

// CreateAccessToken mints an access token with the service lifetime.
func (s *Service) CreateAccessToken(ctx context.Context, p *Principal) (string, error) {
	return s.issuer.CreateAccessToken(ctx, p, s.accessTokenTTL)
}

func (s *Service) mint(ctx context.Context, p *Principal, client *storage.OidcClient) (*Result, error) {
	access, err := s.issuer.CreateAccessToken(ctx, p, s.accessTokenTTL)
	if err != nil {
		return nil, err
	}
	idToken, _, err := s.issuer.CreateIDToken(ctx, p, client, s.idTokenTTL)
	if err != nil {
		return nil, err
	}
	return &Result{
		AccessToken: access,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTokenTTL / time.Second),
		Scope:       p.Scope(),
	}, nil
}

func (s *Service) liveSession(ctx context.Context, sid string, now time.Time) (*storage.OidcSession, error) {
	session, err := s.store.GetSession(ctx, sid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Debugw("session no longer exists", "sid", sid)
			return nil, errInvalidGrant()
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.IsExpired(now) {
		logger.Debugw("session expired", "sid", sid)
		return nil, errInvalidGrant()
	}
	return session, nil
}

func (s *Service) revokeFamily(ctx context.Context, familyID, reason string, at time.Time) {
	n, err := s.store.RevokeRefreshTokenFamily(ctx, familyID, reason, at)
	if err != nil {
		logger.Errorw("failed to revoke refresh token family", "family_id", familyID, "error", err)
		return
	}
	logger.Infow("revoked refresh token family", "family_id", familyID, "reason", reason, "revoked", n)
}

func (s *Service) observe(grantType string, err error) {
	outcome := metrics.OutcomeSuccess
	var rfcErr *fosite.RFC6749Error
	switch {
	case err == nil:
	case errors.As(err, &rfcErr):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	s.metrics.ObserveTokenGrant(grantType, outcome)
}

func verifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" || method != "S256" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// isValidCodeVerifier checks the RFC 7636 verifier syntax.
func isValidCodeVerifier(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-', r == '.', r == '_', r == '~':
		default:
			return false
		}
	}
	return true
}
