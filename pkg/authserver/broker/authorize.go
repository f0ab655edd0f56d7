// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// acrRank orders the accepted acr values by assurance.
var acrRank = map[string]int{
	"level0":                   0,
	"selfregistered-email":     1,
	"idporten-loa-substantial": 2,
	"idporten-loa-high":        3,
}

// RequestMeta is request context recorded on new transactions.
type RequestMeta struct {
	ClientIP      string
	UserAgent     string
	CorrelationID string
}

// AuthorizeInput is a parsed /authorize request plus browser context.
type AuthorizeInput struct {
	Request *validation.AuthorizeRequest
	// SessionSid is the broker session cookie, if any.
	SessionSid string
	// Provider selects an upstream IdP by name; empty means the default.
	Provider string
	Meta     RequestMeta
}

// AuthorizeResult is the outcome of Authorize.
type AuthorizeResult struct {
	Kind        ResultKind
	RedirectURL string
	// Error is set for ResultError.
	Error *validation.AuthorizeValidationError
}

func errorResult(verr *validation.AuthorizeValidationError) *AuthorizeResult {
	return &AuthorizeResult{Kind: ResultError, Error: verr}
}

// Authorize validates an /authorize request and either answers it from an
// existing session or starts an upstream login.
func (s *Service) Authorize(ctx context.Context, in *AuthorizeInput) (_ *AuthorizeResult, err error) {
	ctx, span := s.startSpan(ctx, "broker.Authorize")
	defer func() { endSpan(span, err) }()

	result, err := s.authorize(ctx, in)
	switch {
	case err != nil:
		s.metrics.ObserveAuthorize(metrics.OutcomeError)
	case result.Kind == ResultError:
		s.metrics.ObserveAuthorize(metrics.OutcomeRejected)
	default:
		s.metrics.ObserveAuthorize(metrics.OutcomeRedirect)
	}
	return result, err
}

func (s *Service) authorize(ctx context.Context, in *AuthorizeInput) (*AuthorizeResult, error) {
	if in == nil || in.Request == nil {
		return errorResult(&validation.AuthorizeValidationError{
			Code:        validation.ErrorInvalidRequest,
			Description: "missing authorization request",
		}), nil
	}
	req := in.Request

	if verr := validation.ValidateBasics(req); verr != nil {
		logger.Debugw("rejected authorization request", "client_id", req.ClientID, "error", verr.Code)
		return errorResult(verr), nil
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve client: %w", err)
	}
	if verr := validation.ValidateClientBinding(req, client); verr != nil {
		logger.Debugw("rejected authorization request", "client_id", req.ClientID, "error", verr.Code)
		if client != nil && slices.Contains(client.RedirectURIs, req.RedirectURI) {
			return s.redirectError(req, verr)
		}
		return errorResult(verr), nil
	}

	if !req.HasPrompt(validation.PromptLogin) {
		session, err := s.reusableSession(ctx, in.SessionSid, req)
		if err != nil {
			return nil, err
		}
		if session != nil {
			return s.issueCodeFromSession(ctx, req, session)
		}
	}
	if req.HasPrompt(validation.PromptNone) {
		return s.redirectError(req, &validation.AuthorizeValidationError{
			Code:        validation.ErrorLoginRequired,
			Description: "no active session",
		})
	}

	provider, err := s.provider(in.Provider)
	if err != nil {
		return errorResult(&validation.AuthorizeValidationError{
			Code:        validation.ErrorInvalidRequest,
			Description: "unknown identity provider",
		}), nil
	}

	now := s.now()
	login := &storage.LoginTransaction{
		RequestID:           uuid.NewString(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              slices.Clone(req.Scopes),
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Prompts:             slices.Clone(req.Prompts),
		MaxAge:              req.MaxAge,
		AcrValues:           slices.Clone(req.AcrValues),
		UILocales:           slices.Clone(req.UILocales),
		Status:              storage.LoginStatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.LoginTransactionTTL),
		CreatedByIP:         in.Meta.ClientIP,
		UserAgentHash:       hashUserAgent(in.Meta.UserAgent),
		CorrelationID:       in.Meta.CorrelationID,
	}
	tx := s.newUpstreamTransaction(provider, now)
	tx.RequestID = login.RequestID
	login.UpstreamRequestID = tx.UpstreamRequestID

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.store.InsertLoginTransaction(ctx, login); err != nil {
		return nil, fmt.Errorf("failed to store login transaction: %w", err)
	}
	if err := s.store.InsertUpstreamTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to store upstream transaction: %w", err)
	}

	opts := []upstream.AuthorizationOption{
		upstream.WithAcrValues(req.AcrValues),
		upstream.WithUILocales(req.UILocales),
	}
	if req.HasPrompt(validation.PromptLogin) {
		opts = append(opts, upstream.WithPrompt([]string{validation.PromptLogin}))
	}
	if req.MaxAge != nil {
		opts = append(opts, upstream.WithAdditionalParams(map[string]string{"max_age": strconv.Itoa(*req.MaxAge)}))
	}
	target, err := provider.AuthorizationURL(ctx, tx.State, tx.CodeChallenge, tx.Nonce, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream authorization url: %w", err)
	}

	logger.FromContext(ctx).Debug("started upstream login",
		"login_request_id", login.RequestID,
		"client_id", login.ClientID,
		"provider", provider.Name(),
		"correlation_id", login.CorrelationID)
	return &AuthorizeResult{Kind: ResultRedirect, RedirectURL: target}, nil
}

// UnregisteredAuthorizeInput starts a first-party login that ends with a
// session cookie and a redirect to GotoURL.
type UnregisteredAuthorizeInput struct {
	GotoURL   string
	AcrValues []string
	Provider  string
	Meta      RequestMeta
}

// AuthorizeUnregisteredClient starts an upstream login for a first-party
// application that is not a registered OIDC client.
func (s *Service) AuthorizeUnregisteredClient(
	ctx context.Context, in *UnregisteredAuthorizeInput,
) (_ *AuthorizeResult, err error) {
	ctx, span := s.startSpan(ctx, "broker.AuthorizeUnregisteredClient")
	defer func() { endSpan(span, err) }()

	if in == nil || !s.config.gotoAllowed(in.GotoURL) {
		s.metrics.ObserveAuthorize(metrics.OutcomeRejected)
		return errorResult(&validation.AuthorizeValidationError{
			Code:        validation.ErrorInvalidRequest,
			Description: "goto is not an allowed redirect target",
		}), nil
	}
	for _, acr := range in.AcrValues {
		if !slices.Contains(validation.AllowedAcrValues, acr) {
			s.metrics.ObserveAuthorize(metrics.OutcomeRejected)
			return errorResult(&validation.AuthorizeValidationError{
				Code:        validation.ErrorInvalidRequest,
				Description: "unsupported acr_values",
			}), nil
		}
	}
	provider, err := s.provider(in.Provider)
	if err != nil {
		s.metrics.ObserveAuthorize(metrics.OutcomeRejected)
		return errorResult(&validation.AuthorizeValidationError{
			Code:        validation.ErrorInvalidRequest,
			Description: "unknown identity provider",
		}), nil
	}

	now := s.now()
	req := &storage.UnregisteredClientRequest{
		RequestID:     uuid.NewString(),
		GotoURL:       in.GotoURL,
		RequestedAcr:  slices.Clone(in.AcrValues),
		Status:        storage.LoginStatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.config.LoginTransactionTTL),
		CreatedByIP:   in.Meta.ClientIP,
		UserAgentHash: hashUserAgent(in.Meta.UserAgent),
		CorrelationID: in.Meta.CorrelationID,
	}
	tx := s.newUpstreamTransaction(provider, now)
	tx.UnregisteredClientRequestID = req.RequestID
	req.UpstreamRequestID = tx.UpstreamRequestID

	if err := ctx.Err(); err != nil {
		s.metrics.ObserveAuthorize(metrics.OutcomeError)
		return nil, err
	}
	if err := s.store.InsertUnregisteredRequest(ctx, req); err != nil {
		s.metrics.ObserveAuthorize(metrics.OutcomeError)
		return nil, fmt.Errorf("failed to store unregistered client request: %w", err)
	}
	if err := s.store.InsertUpstreamTransaction(ctx, tx); err != nil {
		s.metrics.ObserveAuthorize(metrics.OutcomeError)
		return nil, fmt.Errorf("failed to store upstream transaction: %w", err)
	}

	target, err := provider.AuthorizationURL(ctx, tx.State, tx.CodeChallenge, tx.Nonce,
		upstream.WithAcrValues(in.AcrValues))
	if err != nil {
		s.metrics.ObserveAuthorize(metrics.OutcomeError)
		return nil, fmt.Errorf("failed to build upstream authorization url: %w", err)
	}
	span.SetAttributes(attribute.String("provider", provider.Name()))
	s.metrics.ObserveAuthorize(metrics.OutcomeRedirect)
	return &AuthorizeResult{Kind: ResultRedirect, RedirectURL: target}, nil
}

func (s *Service) provider(name string) (upstream.Provider, error) {
	if name == "" {
		return s.upstreams.Default(), nil
	}
	return s.upstreams.Get(name)
}

func (s *Service) newUpstreamTransaction(provider upstream.Provider, now time.Time) *storage.UpstreamLoginTransaction {
	verifier := upstream.GeneratePKCEVerifier()
	return &storage.UpstreamLoginTransaction{
		UpstreamRequestID:   uuid.NewString(),
		Provider:            provider.Name(),
		UpstreamClientID:    provider.ClientID(),
		UpstreamRedirectURI: provider.RedirectURI(),
		State:               newOpaqueValue(),
		Nonce:               newOpaqueValue(),
		CodeVerifier:        verifier,
		CodeChallenge:       upstream.ComputePKCEChallenge(verifier),
		Status:              storage.UpstreamStatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.LoginTransactionTTL),
	}
}

// reusableSession returns the live session named by sid when it satisfies
// max_age and acr_values, or nil.
func (s *Service) reusableSession(
	ctx context.Context, sid string, req *validation.AuthorizeRequest,
) (*storage.OidcSession, error) {
	if sid == "" {
		return nil, nil
	}
	session, err := s.store.GetSession(ctx, sid)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	now := s.now()
	if session.IsExpired(now) {
		return nil, nil
	}
	if req.MaxAge != nil && now.Sub(session.AuthTime) > time.Duration(*req.MaxAge)*time.Second {
		return nil, nil
	}
	if !acrSatisfied(session.Acr, req.AcrValues) {
		return nil, nil
	}
	return session, nil
}

// acrSatisfied reports whether a session authenticated at acr meets the
// weakest of the requested values.
func acrSatisfied(acr string, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	have, ok := acrRank[acr]
	if !ok {
		return false
	}
	for _, r := range requested {
		if want, known := acrRank[r]; known && have >= want {
			return true
		}
	}
	return false
}

func (s *Service) issueCodeFromSession(
	ctx context.Context, req *validation.AuthorizeRequest, session *storage.OidcSession,
) (*AuthorizeResult, error) {
	now := s.now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.store.TouchSession(ctx, session.Sid, now, now.Add(s.config.SessionTTL)); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	code, err := s.insertAuthCode(ctx, &pendingCode{
		clientID:            req.ClientID,
		redirectURI:         req.RedirectURI,
		scopes:              req.Scopes,
		nonce:               req.Nonce,
		codeChallenge:       req.CodeChallenge,
		codeChallengeMethod: req.CodeChallengeMethod,
	}, session, now)
	if err != nil {
		return nil, err
	}
	target, err := withQuery(req.RedirectURI, url.Values{"code": {code}, "state": {req.State}})
	if err != nil {
		return nil, err
	}
	logger.Debugw("answered authorization request from session", "client_id", req.ClientID, "sid", session.Sid)
	return &AuthorizeResult{Kind: ResultRedirect, RedirectURL: target}, nil
}

func (s *Service) redirectError(
	req *validation.AuthorizeRequest, verr *validation.AuthorizeValidationError,
) (*AuthorizeResult, error) {
	target, err := errorRedirect(req.RedirectURI, req.State, verr)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{Kind: ResultRedirect, RedirectURL: target, Error: verr}, nil
}

// pendingCode carries the downstream request fields an authorization code binds.
type pendingCode struct {
	clientID            string
	redirectURI         string
	scopes              []string
	nonce               string
	codeChallenge       string
	codeChallengeMethod string
}

// insertAuthCode stores a code for session and returns the opaque value
// handed to the client. Only its lookup key is persisted.
func (s *Service) insertAuthCode(
	ctx context.Context, p *pendingCode, session *storage.OidcSession, now time.Time,
) (string, error) {
	raw, key, err := s.tokens.Secrets().Generate(ctx)
	if err != nil {
		return "", err
	}
	err = s.store.InsertAuthCode(ctx, &storage.AuthorizationCode{
		Code:                key,
		ClientID:            p.clientID,
		RedirectURI:         p.redirectURI,
		Sid:                 session.Sid,
		Subject:             session.Subject,
		Scopes:              slices.Clone(p.scopes),
		Nonce:               p.nonce,
		CodeChallenge:       p.codeChallenge,
		CodeChallengeMethod: p.codeChallengeMethod,
		Acr:                 session.Acr,
		AuthTime:            session.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.config.AuthCodeTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	return raw, nil
}
