// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/normalize"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// Route paths.
const (
	PathAuthorize          = "/authorize"
	PathLogin              = "/login"
	PathCallback           = "/upstream/callback"
	PathToken              = "/token"
	PathAuthentication     = "/authentication"
	PathRefresh            = "/refresh"
	PathLogout             = "/logout"
	PathFrontChannelLogout = "/upstream/frontchannel-logout"
	PathDiscovery          = "/.well-known/openid-configuration"
	PathJWKS               = "/.well-known/jwks.json"
	PathHealth             = "/health"
	PathMetrics            = "/metrics"
)

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the HTTP-level settings of the handlers.
type Config struct {
	// Issuer is this server's public base URL.
	Issuer string
	Cookies CookieConfig
	// RateLimit guards /authorize and /token per client IP. A zero value
	// disables limiting.
	RateLimit RateLimitConfig
	// TrustForwardedHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustForwardedHeaders bool
}

// Handler provides HTTP handlers for the broker endpoints.
type Handler struct {
	config     Config
	broker     *broker.Service
	tokens     *token.Service
	keys       keys.KeyProvider
	health     Pinger
	normalizer *normalize.Normalizer
	limiter    *ipRateLimiter
	gatherer   prometheus.Gatherer
}

// Option configures a Handler.
type Option func(*Handler)

// WithNormalizer replaces the default parameter normalizer.
func WithNormalizer(n *normalize.Normalizer) Option {
	return func(h *Handler) {
		if n != nil {
			h.normalizer = n
		}
	}
}

// WithMetricsGatherer exposes g on /metrics.
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	config Config,
	b *broker.Service,
	tokens *token.Service,
	keyProvider keys.KeyProvider,
	health Pinger,
	opts ...Option,
) *Handler {
	config.Cookies.applyDefaults()
	h := &Handler{
		config:     config,
		broker:     b,
		tokens:     tokens,
		keys:       keyProvider,
		health:     health,
		normalizer: normalize.New(normalize.DefaultExclusions...),
		limiter:    newIPRateLimiter(config.RateLimit),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, requestLogger, middleware.Recoverer)
	if h.config.TrustForwardedHeaders {
		r.Use(middleware.RealIP)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.limiter.Middleware)
		r.Get(PathAuthorize, h.AuthorizeHandler)
		r.Post(PathToken, h.TokenHandler)
	})
	r.Get(PathLogin, h.LoginHandler)
	r.Get(PathCallback, h.CallbackHandler)
	r.Get(PathAuthentication, h.AuthenticationHandler)
	r.Get(PathRefresh, h.RefreshHandler)
	r.Get(PathLogout, h.LogoutHandler)
	r.Post(PathLogout, h.LogoutHandler)
	r.Get(PathFrontChannelLogout, h.FrontChannelLogoutHandler)
	r.Get(PathDiscovery, h.DiscoveryHandler)
	r.Get(PathJWKS, h.JWKSHandler)
	r.Get(PathHealth, h.HealthHandler)
	if h.gatherer != nil {
		r.Method(http.MethodGet, PathMetrics, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// requestLogger puts a logger tagged with the request id in the request context.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		l := logger.Get().With("request_id", middleware.GetReqID(ctx))
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx, l)))
	})
}

// HealthHandler handles GET /health by pinging the storage backend.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.health.Ping(ctx); err != nil {
		logger.FromContext(r.Context()).Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

// writeErrorPage renders a protocol error to the browser when no redirect
// target is trusted.
func writeErrorPage(w http.ResponseWriter, verr *validation.AuthorizeValidationError) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusBadRequest, verr)
}

// writeError renders err with the status attached by httperr.WithCode.
// Errors without a code become a generic 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httperr.Code(err)
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		logger.FromContext(r.Context()).Debug("request cancelled", "path", r.URL.Path)
		return
	}
	body := map[string]string{"error": http.StatusText(status)}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		body["error_description"] = err.Error()
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, status, body)
}

func requestMeta(r *http.Request) broker.RequestMeta {
	return broker.RequestMeta{
		ClientIP:      clientIP(r),
		UserAgent:     r.UserAgent(),
		CorrelationID: middleware.GetReqID(r.Context()),
	}
}
