// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/ticket"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// SessionToken is an access token minted for a broker session.
type SessionToken struct {
	Sid         string `json:"sid"`
	Subject     string `json:"sub"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// HandleAuthenticateFromSessionResult mints an access token for the live
// session sid. It is used by first-party applications after an
// unregistered-client login has set the session cookie.
func (s *Service) HandleAuthenticateFromSessionResult(ctx context.Context, sid string) (_ *SessionToken, err error) {
	ctx, span := s.startSpan(ctx, "broker.HandleAuthenticateFromSessionResult")
	defer func() { endSpan(span, err) }()

	session, err := s.touchLiveSession(ctx, sid)
	if err != nil {
		return nil, err
	}
	return s.sessionToken(ctx, session, "", []string{validation.ScopeOpenID})
}

// HandleAuthenticateFromTicket exchanges a legacy login ticket for a broker
// session and an access token.
func (s *Service) HandleAuthenticateFromTicket(ctx context.Context, value string) (_ *SessionToken, err error) {
	ctx, span := s.startSpan(ctx, "broker.HandleAuthenticateFromTicket")
	defer func() { endSpan(span, err) }()

	if s.tickets == nil {
		return nil, ErrTicketsDisabled
	}
	identity, err := s.tickets.Resolve(ctx, value)
	if err != nil {
		if errors.Is(err, ticket.ErrInvalidTicket) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to resolve ticket: %w", err)
	}

	now := s.now()
	authTime := identity.AuthTime
	if authTime.IsZero() {
		authTime = now
	}
	session, err := s.upsertSession(ctx, &storage.OidcSession{
		Provider:       LegacyTicketProvider,
		UpstreamIssuer: LegacyTicketProvider,
		UpstreamSub:    identity.Subject,
		Subject:        identity.Subject,
		Acr:            identity.Acr,
		Amr:            identity.Amr,
		AuthTime:       authTime,
		Claims:         identity.Claims,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastSeenAt:     now,
		ExpiresAt:      now.Add(s.config.SessionTTL),
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("session created from ticket", "sid", session.Sid)
	return s.sessionToken(ctx, session, "", []string{validation.ScopeOpenID})
}

// HandleSessionRefresh extends the session behind a verified access token
// and mints a fresh access token for it.
func (s *Service) HandleSessionRefresh(ctx context.Context, p *token.Principal) (_ *SessionToken, err error) {
	ctx, span := s.startSpan(ctx, "broker.HandleSessionRefresh")
	defer func() { endSpan(span, err) }()

	if p == nil || p.Sid == "" {
		return nil, ErrSessionNotFound
	}
	session, err := s.touchLiveSession(ctx, p.Sid)
	if err != nil {
		return nil, err
	}
	if session.Subject != p.Subject {
		logger.Warnw("session refresh subject mismatch", "sid", p.Sid)
		return nil, ErrSessionNotFound
	}
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{validation.ScopeOpenID}
	}
	return s.sessionToken(ctx, session, p.ClientID, scopes)
}

// touchLiveSession loads sid, rejects expired sessions and slides the expiry.
func (s *Service) touchLiveSession(ctx context.Context, sid string) (*storage.OidcSession, error) {
	if sid == "" {
		return nil, ErrSessionNotFound
	}
	session, err := s.store.GetSession(ctx, sid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	now := s.now()
	if session.IsExpired(now) {
		return nil, ErrSessionNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.config.SessionTTL)
	ok, err := s.store.TouchSession(ctx, sid, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	session.LastSeenAt = now
	session.ExpiresAt = expiresAt
	return session, nil
}

func (s *Service) sessionToken(
	ctx context.Context, session *storage.OidcSession, clientID string, scopes []string,
) (*SessionToken, error) {
	access, err := s.tokens.CreateAccessToken(ctx, &token.Principal{
		Subject:  session.Subject,
		Sid:      session.Sid,
		ClientID: clientID,
		Scopes:   scopes,
		Acr:      session.Acr,
		Amr:      session.Amr,
		AuthTime: session.AuthTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}
	return &SessionToken{
		Sid:         session.Sid,
		Subject:     session.Subject,
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.tokens.AccessTokenTTL() / time.Second),
	}, nil
}
