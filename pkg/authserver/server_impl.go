// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/stacklok/toolhive-core/env"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/clients"
	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/ticket"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/logger"
	"github.com/stacklok/idbroker/pkg/networking"
)

// configActor is recorded in the client change log for clients seeded from
// the config file.
const configActor = "config"

// server is the internal implementation of the Server interface.
type server struct {
	handler http.Handler
	storage storage.Storage
}

// Option configures the server during construction.
type Option func(*serverOptions)

type serverOptions struct {
	registry       *prometheus.Registry
	tracerProvider trace.TracerProvider
	httpClient     *http.Client
	storage        storage.Storage
	keyProvider    keys.KeyProvider
	envReader      env.Reader
}

// WithRegistry exposes the broker metrics on registry instead of a private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(o *serverOptions) {
		o.registry = registry
	}
}

// WithTracerProvider records broker spans with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serverOptions) {
		o.tracerProvider = tp
	}
}

// WithHTTPClient replaces the outbound client built from Config.Outbound.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serverOptions) {
		o.httpClient = c
	}
}

// WithStorage uses s instead of the backend selected by Config.Storage. The
// server closes s on Close.
func WithStorage(s storage.Storage) Option {
	return func(o *serverOptions) {
		o.storage = s
	}
}

// WithKeyProvider replaces the provider selected by Config.Keys.
func WithKeyProvider(p keys.KeyProvider) Option {
	return func(o *serverOptions) {
		o.keyProvider = p
	}
}

// WithEnvReader reads backend secrets such as the Redis password through r.
func WithEnvReader(r env.Reader) Option {
	return func(o *serverOptions) {
		o.envReader = r
	}
}

func newServer(ctx context.Context, cfg *Config, opts ...Option) (_ *server, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	options := &serverOptions{}
	for _, opt := range opts {
		opt(options)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.hmacSecrets) == 0 {
		return nil, errors.New("config secrets have not been resolved")
	}

	registry := options.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m, err := metrics.New(registry)
	if err != nil {
		return nil, err
	}

	httpClient := options.httpClient
	if httpClient == nil {
		httpClient, err = networking.NewHttpClientBuilder().
			WithTimeout(cfg.Outbound.Timeout).
			WithCABundle(cfg.Outbound.CABundle).
			WithPrivateIPs(cfg.Outbound.AllowPrivateIPs).
			WithInsecureHTTP(cfg.Outbound.AllowInsecureHTTP).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build outbound HTTP client: %w", err)
		}
	}

	keyProvider := options.keyProvider
	if keyProvider == nil {
		keyProvider, err = keys.NewProviderFromConfig(cfg.Keys)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing keys: %w", err)
		}
	}

	clientRegistry, err := newClientRegistry(ctx, cfg.Clients)
	if err != nil {
		return nil, err
	}

	upstreams, err := newUpstreamRegistry(cfg, httpClient)
	if err != nil {
		return nil, err
	}

	stor := options.storage
	if stor == nil {
		stor, err = NewStorage(ctx, cfg.Storage, options.envReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
	}
	defer func() {
		if err != nil {
			_ = stor.Close()
		}
	}()

	issuer, err := token.NewIssuer(cfg.Issuer, keyProvider, token.WithAudience(cfg.Tokens.Audience))
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	secrets, err := token.NewSecretStrategy(cfg.hmacSecrets[0], cfg.hmacSecrets[1:]...)
	if err != nil {
		return nil, fmt.Errorf("failed to create opaque token strategy: %w", err)
	}
	tokens, err := token.NewService(stor, clientRegistry, issuer, secrets,
		token.WithAccessTokenTTL(cfg.Tokens.AccessTokenTTL),
		token.WithIDTokenTTL(cfg.Tokens.IDTokenTTL),
		token.WithRefreshTokenTTL(cfg.Tokens.RefreshTokenTTL),
		token.WithSessionTTL(cfg.Sessions.SessionTTL),
		token.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	notifierOpts := []broker.NotifierOption{
		broker.WithNotifyConcurrency(cfg.FrontChannel.Concurrency),
		broker.WithNotifyRetry(cfg.FrontChannel.MaxTries, cfg.FrontChannel.InitialInterval),
		broker.WithNotifierMetrics(m),
	}
	if cfg.FrontChannel.Timeout > 0 {
		notifierOpts = append(notifierOpts,
			broker.WithNotifierHTTPClient(&http.Client{Timeout: cfg.FrontChannel.Timeout}))
	}
	notifier := broker.NewFrontChannelNotifier(clientRegistry, cfg.Issuer, notifierOpts...)
	brokerOpts := []broker.Option{
		broker.WithFrontChannelNotifier(notifier),
		broker.WithMetrics(m),
	}
	if options.tracerProvider != nil {
		brokerOpts = append(brokerOpts, broker.WithTracerProvider(options.tracerProvider))
	}
	if cfg.Tickets.Endpoint != "" {
		resolver, err := ticket.NewHTTPResolver(cfg.Tickets.Endpoint, httpClient)
		if err != nil {
			return nil, err
		}
		brokerOpts = append(brokerOpts, broker.WithTicketResolver(resolver))
	}

	svc, err := broker.New(broker.Config{
		LoginTransactionTTL:          cfg.Sessions.LoginTransactionTTL,
		AuthCodeTTL:                  cfg.Sessions.AuthCodeTTL,
		SessionTTL:                   cfg.Sessions.SessionTTL,
		AllowedGotoHosts:             cfg.Sessions.AllowedGotoHosts,
		DefaultPostLogoutRedirectURI: cfg.Sessions.DefaultPostLogoutRedirectURI,
	}, stor, clientRegistry, upstreams, tokens, brokerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker: %w", err)
	}

	h := handlers.NewHandler(handlers.Config{
		Issuer: cfg.Issuer,
		Cookies: handlers.CookieConfig{
			SessionName: cfg.HTTP.SessionCookieName,
			TicketName:  cfg.Tickets.CookieName,
			Domain:      cfg.HTTP.CookieDomain,
			Insecure:    cfg.HTTP.InsecureCookies,
			MaxAge:      cfg.Sessions.SessionTTL,
		},
		RateLimit: handlers.RateLimitConfig{
			RequestsPerSecond: cfg.HTTP.RateLimitPerSecond,
			Burst:             cfg.HTTP.RateLimitBurst,
		},
		TrustForwardedHeaders: cfg.HTTP.TrustForwardedHeaders,
	}, svc, tokens, keyProvider, stor, handlers.WithMetricsGatherer(registry))

	logger.Infow("identity broker initialized",
		"issuer", cfg.Issuer,
		"storage", cfg.Storage.Type,
		"upstreams", upstreams.Names(),
		"clients", len(cfg.Clients),
		"tickets", cfg.Tickets.Endpoint != "",
	)

	return &server{
		handler: h.Routes(),
		storage: stor,
	}, nil
}

func newClientRegistry(ctx context.Context, configs []ClientConfig) (*clients.Registry, error) {
	registry := clients.NewRegistry()
	for _, c := range configs {
		_, err := registry.Register(ctx, configActor, clients.Registration{
			ClientID:               c.ClientID,
			Name:                   c.Name,
			Secret:                 c.secret,
			RedirectURIs:           c.RedirectURIs,
			PostLogoutRedirectURIs: c.PostLogoutRedirectURIs,
			AllowedScopes:          c.AllowedScopes,
			FrontchannelLogoutURI:  c.FrontchannelLogoutURI,
			RefreshTokensEnabled:   c.RefreshTokensEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register client %s: %w", c.ClientID, err)
		}
	}
	return registry, nil
}

func newUpstreamRegistry(cfg *Config, httpClient *http.Client) (*upstream.Registry, error) {
	cache := upstream.NewDiscoveryCache(httpClient,
		upstream.WithDiscoveryTTL(cfg.Outbound.DiscoveryTTL),
		upstream.WithDiscoveryTimeout(cfg.Outbound.Timeout),
	)
	providers := make([]upstream.Provider, 0, len(cfg.Upstreams))
	for i := range cfg.Upstreams {
		p, err := upstream.NewOIDCProvider(&cfg.Upstreams[i], cache, httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream provider %s: %w", cfg.Upstreams[i].Name, err)
		}
		providers = append(providers, p)
	}
	registry, err := upstream.NewRegistry(providers...)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream registry: %w", err)
	}
	return registry, nil
}

// Handler returns the HTTP handler that serves every endpoint.
func (s *server) Handler() http.Handler {
	return s.handler
}

// Close releases resources held by the server.
func (s *server) Close() error {
	logger.Debug("closing identity broker")
	return s.storage.Close()
}

func serve(ctx context.Context, srv Server, cfg *Config) error {
	cfg.applyDefaults()
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening", "address", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
