// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker orchestrates a login across the downstream client, the
// upstream IdP and the stores: /authorize, the upstream callback, session
// authentication, and the logout cascade.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/ticket"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
)

const instrumentationName = "github.com/stacklok/idbroker/pkg/authserver/broker"

// ResultKind tells the HTTP layer how to render a broker result.
type ResultKind int

const (
	// ResultRedirect sends the browser to RedirectURL.
	ResultRedirect ResultKind = iota + 1
	// ResultError renders an error page directly because no redirect target
	// is trusted yet.
	ResultError
)

// Service is the login orchestrator.
type Service struct {
	config    Config
	store     storage.Storage
	clients   storage.ClientRegistry
	upstreams *upstream.Registry
	tokens    *token.Service
	tickets   ticket.Resolver
	notifier  *FrontChannelNotifier
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTicketResolver enables HandleAuthenticateFromTicket.
func WithTicketResolver(r ticket.Resolver) Option {
	return func(s *Service) {
		s.tickets = r
	}
}

// WithFrontChannelNotifier replaces the notifier used by the logout cascade.
func WithFrontChannelNotifier(n *FrontChannelNotifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics records broker outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracerProvider sets the provider spans are created from.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a broker Service.
func New(
	config Config,
	store storage.Storage,
	clients storage.ClientRegistry,
	upstreams *upstream.Registry,
	tokens *token.Service,
	opts ...Option,
) (*Service, error) {
	if store == nil || clients == nil || upstreams == nil || tokens == nil {
		return nil, errors.New("broker requires storage, clients, upstreams and a token service")
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		config:    config,
		store:     store,
		clients:   clients,
		upstreams: upstreams,
		tokens:    tokens,
		tracer:    tracenoop.NewTracerProvider().Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewFrontChannelNotifier(clients, tokens.Issuer().IssuerURL(), WithNotifierMetrics(s.metrics))
	}
	return s, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// newOpaqueValue returns 32 random bytes, base64url encoded.
func newOpaqueValue() string {
	return oauth2.GenerateVerifier()
}

func hashUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

// withQuery appends params to base, keeping any query base already has.
func withQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect target: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errorRedirect builds the RFC 6749 error redirect to a trusted client URI.
func errorRedirect(redirectURI, state string, verr *validation.AuthorizeValidationError) (string, error) {
	return withQuery(redirectURI, url.Values{
		"error":             {verr.Code},
		"error_description": {verr.Description},
		"state":             {state},
	})
}
