// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// Upstream errors passed through to the downstream client unchanged. Every
// other upstream error becomes access_denied.
var passthroughUpstreamErrors = []string{
	validation.ErrorAccessDenied,
	validation.ErrorLoginRequired,
	"interaction_required",
	"consent_required",
}

// CallbackInput holds the query parameters of the upstream redirect.
type CallbackInput struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackResult is the outcome of a handled callback.
type CallbackResult struct {
	Kind        ResultKind
	RedirectURL string
	// SessionSid is set when a session was established and the browser
	// should receive the session cookie.
	SessionSid string
	// Error is set for ResultError.
	Error *validation.AuthorizeValidationError
}

// callbackContext is the transaction pair a callback resolves to.
type callbackContext struct {
	tx           *storage.UpstreamLoginTransaction
	login        *storage.LoginTransaction
	unregistered *storage.UnregisteredClientRequest
}

// HandleUpstreamCallback completes the upstream leg of a login. A state that
// matches no transaction yields ErrUnknownState without any mutation; the
// loser of a duplicate callback gets ErrCallbackAlreadyHandled. An expired
// login is cancelled and answered with access_denied.
func (s *Service) HandleUpstreamCallback(ctx context.Context, in *CallbackInput) (_ *CallbackResult, err error) {
	ctx, span := s.startSpan(ctx, "broker.HandleUpstreamCallback")
	defer func() { endSpan(span, err) }()

	result, err := s.handleUpstreamCallback(ctx, in)
	switch {
	case err != nil:
		s.metrics.ObserveCallback(metrics.OutcomeError)
	case result.SessionSid == "":
		s.metrics.ObserveCallback(metrics.OutcomeRejected)
	default:
		s.metrics.ObserveCallback(metrics.OutcomeSuccess)
	}
	return result, err
}

func (s *Service) handleUpstreamCallback(ctx context.Context, in *CallbackInput) (*CallbackResult, error) {
	if in == nil || in.State == "" {
		return nil, ErrUnknownState
	}
	cc, err := s.loadCallbackContext(ctx, in.State)
	if err != nil {
		return nil, err
	}
	tx := cc.tx
	now := s.now()

	if tx.Status != storage.UpstreamStatusPending {
		logger.FromContext(ctx).Debug("callback for completed upstream transaction",
			"upstream_request_id", tx.UpstreamRequestID, "status", tx.Status)
		return nil, ErrCallbackAlreadyHandled
	}
	if !now.Before(tx.ExpiresAt) || !cc.downstreamPending(now) {
		return s.cancelExpiredCallback(ctx, cc, now)
	}

	if in.Error != "" || in.Code == "" {
		return s.handleCallbackError(ctx, cc, in, now)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := s.store.SetCallbackSuccess(ctx, tx.UpstreamRequestID, in.Code, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record callback: %w", err)
	}
	if !ok {
		return nil, ErrCallbackAlreadyHandled
	}

	identity, err := s.exchange(ctx, tx)
	if err != nil {
		logger.FromContext(ctx).Warn("upstream code exchange failed",
			"provider", tx.Provider,
			"upstream_request_id", tx.UpstreamRequestID,
			"error", err)
		s.failTransaction(ctx, cc, now)
		return nil, ErrAuthenticationFailed
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err = s.store.SetTokenExchanged(ctx, tx.UpstreamRequestID, identity.Claims(), now)
	if err != nil {
		return nil, fmt.Errorf("failed to record token exchange: %w", err)
	}
	if !ok {
		return nil, ErrCallbackAlreadyHandled
	}

	session, err := s.upsertSession(ctx, sessionFromIdentity(tx.Provider, identity, now, s.config.SessionTTL))
	if err != nil {
		s.failTransaction(ctx, cc, now)
		return nil, err
	}

	var target string
	if cc.login != nil {
		login := cc.login
		code, err := s.insertAuthCode(ctx, &pendingCode{
			clientID:            login.ClientID,
			redirectURI:         login.RedirectURI,
			scopes:              login.Scopes,
			nonce:               login.Nonce,
			codeChallenge:       login.CodeChallenge,
			codeChallengeMethod: login.CodeChallengeMethod,
		}, session, now)
		if err != nil {
			s.failTransaction(ctx, cc, now)
			return nil, err
		}
		target, err = withQuery(login.RedirectURI, url.Values{"code": {code}, "state": {login.State}})
		if err != nil {
			return nil, err
		}
	} else {
		target = cc.unregistered.GotoURL
	}

	if _, err := s.store.MarkUpstreamCompleted(ctx, tx.UpstreamRequestID, true, now); err != nil {
		return nil, fmt.Errorf("failed to complete upstream transaction: %w", err)
	}
	s.completeDownstream(ctx, cc, storage.LoginStatusCompleted, now)

	logger.FromContext(ctx).Info("login completed",
		"provider", tx.Provider,
		"sid", session.Sid,
		"login_request_id", tx.RequestID,
		"unregistered_request_id", tx.UnregisteredClientRequestID)
	return &CallbackResult{Kind: ResultRedirect, RedirectURL: target, SessionSid: session.Sid}, nil
}

func (s *Service) loadCallbackContext(ctx context.Context, state string) (*callbackContext, error) {
	tx, err := s.store.GetUpstreamTransactionByState(ctx, state)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upstream transaction: %w", err)
	}

	cc := &callbackContext{tx: tx}
	if tx.RequestID != "" {
		cc.login, err = s.store.GetLoginTransaction(ctx, tx.RequestID)
	} else {
		cc.unregistered, err = s.store.GetUnregisteredRequest(ctx, tx.UnregisteredClientRequestID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load login transaction: %w", err)
	}
	return cc, nil
}

func (c *callbackContext) downstreamPending(now time.Time) bool {
	if c.login != nil {
		return c.login.Status == storage.LoginStatusPending && now.Before(c.login.ExpiresAt)
	}
	return c.unregistered.Status == storage.LoginStatusPending && now.Before(c.unregistered.ExpiresAt)
}

func (s *Service) handleCallbackError(
	ctx context.Context, cc *callbackContext, in *CallbackInput, now time.Time,
) (*CallbackResult, error) {
	code := in.Error
	if code == "" {
		code = validation.ErrorInvalidRequest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := s.store.SetCallbackError(ctx, cc.tx.UpstreamRequestID, code, in.ErrorDescription, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record callback error: %w", err)
	}
	if !ok {
		return nil, ErrCallbackAlreadyHandled
	}
	s.completeDownstream(ctx, cc, storage.LoginStatusError, now)
	logger.FromContext(ctx).Info("upstream login failed", "provider", cc.tx.Provider, "error", code)

	if !slices.Contains(passthroughUpstreamErrors, code) {
		code = validation.ErrorAccessDenied
	}
	verr := &validation.AuthorizeValidationError{Code: code, Description: "upstream authentication was not completed"}
	if cc.login == nil {
		return &CallbackResult{Kind: ResultError, Error: verr}, nil
	}
	target, err := errorRedirect(cc.login.RedirectURI, cc.login.State, verr)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Kind: ResultRedirect, RedirectURL: target, Error: verr}, nil
}

// cancelExpiredCallback closes a login whose transaction outlived its
// deadline. A registered client is sent back with access_denied.
func (s *Service) cancelExpiredCallback(
	ctx context.Context, cc *callbackContext, now time.Time,
) (*CallbackResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ok, err := s.store.CancelUpstreamTransaction(ctx, cc.tx.UpstreamRequestID, "expired", now)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel upstream transaction: %w", err)
	}
	if !ok {
		return nil, ErrCallbackAlreadyHandled
	}
	s.completeDownstream(ctx, cc, storage.LoginStatusCancelled, now)
	logger.FromContext(ctx).Info("callback for expired login",
		"provider", cc.tx.Provider,
		"upstream_request_id", cc.tx.UpstreamRequestID)

	verr := &validation.AuthorizeValidationError{Code: validation.ErrorAccessDenied, Description: "login cancelled"}
	if cc.login == nil {
		return &CallbackResult{Kind: ResultError, Error: verr}, nil
	}
	target, err := errorRedirect(cc.login.RedirectURI, cc.login.State, verr)
	if err != nil {
		return nil, err
	}
	return &CallbackResult{Kind: ResultRedirect, RedirectURL: target, Error: verr}, nil
}

func (s *Service) exchange(ctx context.Context, tx *storage.UpstreamLoginTransaction) (_ *upstream.Identity, err error) {
	ctx, span := s.startSpan(ctx, "broker.UpstreamExchange", attribute.String("provider", tx.Provider))
	defer func() { endSpan(span, err) }()

	provider, err := s.upstreams.Get(tx.Provider)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	identity, err := provider.ExchangeCodeForIdentity(ctx, tx.AuthCode, tx.CodeVerifier, tx.Nonce)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	s.metrics.ObserveUpstreamExchange(tx.Provider, outcome, time.Since(start))
	return identity, err
}

// failTransaction closes both legs as error. Failures are logged; the
// caller already has an error to return.
func (s *Service) failTransaction(ctx context.Context, cc *callbackContext, now time.Time) {
	if _, err := s.store.MarkUpstreamCompleted(ctx, cc.tx.UpstreamRequestID, false, now); err != nil {
		logger.FromContext(ctx).Error("failed to mark upstream transaction as failed",
			"upstream_request_id", cc.tx.UpstreamRequestID, "error", err)
	}
	s.completeDownstream(ctx, cc, storage.LoginStatusError, now)
}

func (s *Service) completeDownstream(ctx context.Context, cc *callbackContext, status storage.LoginStatus, now time.Time) {
	var err error
	if cc.login != nil {
		_, err = s.store.CompleteLoginTransaction(ctx, cc.login.RequestID, status, now)
	} else {
		_, err = s.store.CompleteUnregisteredRequest(ctx, cc.unregistered.RequestID, status, now)
	}
	if err != nil {
		logger.FromContext(ctx).Error("failed to complete login transaction", "status", status, "error", err)
	}
}

func sessionFromIdentity(provider string, id *upstream.Identity, now time.Time, ttl time.Duration) *storage.OidcSession {
	authTime := now
	if id.AuthTime != nil {
		authTime = *id.AuthTime
	}
	return &storage.OidcSession{
		Provider:           provider,
		UpstreamIssuer:     id.Issuer,
		UpstreamSub:        id.Subject,
		UpstreamSessionSid: id.SessionSid,
		Subject:            id.Subject,
		Acr:                id.Acr,
		Amr:                slices.Clone(id.Amr),
		AuthTime:           authTime,
		Claims:             maps.Clone(id.Extra),
		CreatedAt:          now,
		UpdatedAt:          now,
		LastSeenAt:         now,
		ExpiresAt:          now.Add(ttl),
	}
}

// upsertSession stores session under a fresh sid unless the upstream
// identity already has one.
func (s *Service) upsertSession(ctx context.Context, session *storage.OidcSession) (*storage.OidcSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session.Sid = uuid.NewString()
	stored, err := s.store.UpsertSessionByUpstreamSub(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	return stored, nil
}
