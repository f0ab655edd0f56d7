// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/logger"
)

// RevokedLogout is the refresh token revocation reason used by the logout cascade.
const RevokedLogout = "logout"

// EndSessionInput is an RP-initiated logout request.
type EndSessionInput struct {
	// SessionSid is the broker session cookie, if any.
	SessionSid            string
	IDTokenHint           string
	ClientID              string
	PostLogoutRedirectURI string
	State                 string
}

// EndSessionResult tells the HTTP layer where to send the browser.
type EndSessionResult struct {
	// RedirectURL is empty when no redirect target is known.
	RedirectURL string
	// Sid is the session that was ended, if any.
	Sid string
}

// EndSession ends the broker session named by the cookie or the
// id_token_hint and redirects to a registered post-logout URI.
func (s *Service) EndSession(ctx context.Context, in *EndSessionInput) (_ *EndSessionResult, err error) {
	ctx, span := s.startSpan(ctx, "broker.EndSession")
	defer func() { endSpan(span, err) }()

	if in == nil {
		in = &EndSessionInput{}
	}
	sid := in.SessionSid
	clientID := in.ClientID

	if in.IDTokenHint != "" {
		verified, err := s.tokens.Issuer().ParseAndVerify(ctx, in.IDTokenHint, token.SkipExpiryCheck())
		if err != nil || verified.Type != token.TypeIDToken {
			logger.Debugw("rejected id_token_hint", "error", err)
			return nil, ErrInvalidIDTokenHint
		}
		hint := verified.Principal()
		if clientID != "" && clientID != hint.ClientID {
			return nil, ErrInvalidIDTokenHint
		}
		clientID = hint.ClientID
		if sid == "" {
			sid = hint.Sid
		}
	}

	target, err := s.postLogoutTarget(ctx, clientID, in.PostLogoutRedirectURI, in.State)
	if err != nil {
		return nil, err
	}

	if sid != "" {
		span.SetAttributes(attribute.String("sid", sid))
		if err := s.endSession(ctx, sid); err != nil {
			return nil, err
		}
	}
	return &EndSessionResult{RedirectURL: target, Sid: sid}, nil
}

// postLogoutTarget returns requested when it is registered for clientID,
// otherwise the configured default.
func (s *Service) postLogoutTarget(ctx context.Context, clientID, requested, state string) (string, error) {
	if requested == "" || clientID == "" {
		return s.config.DefaultPostLogoutRedirectURI, nil
	}
	client, err := s.clients.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.config.DefaultPostLogoutRedirectURI, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve client: %w", err)
	}
	if !slices.Contains(client.PostLogoutRedirectURIs, requested) {
		logger.Debugw("post_logout_redirect_uri is not registered", "client_id", clientID)
		return s.config.DefaultPostLogoutRedirectURI, nil
	}
	return withQuery(requested, url.Values{"state": {state}})
}

// HandleUpstreamFrontChannelLogout ends every broker session created from
// the upstream session (iss, sid) and returns how many were ended.
func (s *Service) HandleUpstreamFrontChannelLogout(ctx context.Context, iss, sid string) (_ int, err error) {
	ctx, span := s.startSpan(ctx, "broker.HandleUpstreamFrontChannelLogout",
		attribute.String("upstream.issuer", iss))
	defer func() { endSpan(span, err) }()

	if iss == "" || sid == "" {
		return 0, fmt.Errorf("%w: iss and sid are required", upstream.ErrUnknownProvider)
	}
	if _, err := s.upstreams.ByIssuer(iss); err != nil {
		return 0, err
	}
	sessions, err := s.store.GetSessionsByUpstreamSid(ctx, iss, sid)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, session := range sessions {
		if err := s.endSession(ctx, session.Sid); err != nil {
			return 0, err
		}
	}
	logger.Infow("upstream front-channel logout", "issuer", iss, "sessions", len(sessions))
	return len(sessions), nil
}

// endSession deletes the session, revokes every refresh token family bound
// to it and notifies the clients. Notification failures are not returned.
func (s *Service) endSession(ctx context.Context, sid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deleted, err := s.store.DeleteSession(ctx, sid)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	families, err := s.store.GetFamiliesByOpSid(ctx, sid)
	if err != nil {
		return fmt.Errorf("failed to list refresh token families: %w", err)
	}
	now := s.now()
	revoked := 0
	for _, f := range families {
		n, err := s.store.RevokeRefreshTokenFamily(ctx, f.FamilyID, RevokedLogout, now)
		if err != nil {
			return fmt.Errorf("failed to revoke refresh token family: %w", err)
		}
		revoked += n
	}
	if !deleted && len(families) == 0 {
		return nil
	}

	logger.FromContext(ctx).Info("session ended", "sid", sid, "revoked_refresh_tokens", revoked)
	s.notifier.Notify(ctx, sid)
	return nil
}
