// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the prometheus collectors of the broker. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "idbroker"

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomeRedirect = "redirect"
)

// Grant type labels.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Metrics groups the broker collectors.
type Metrics struct {
	authorizeRequests   *prometheus.CounterVec
	callbacks           *prometheus.CounterVec
	tokenGrants         *prometheus.CounterVec
	refreshTokenReuse   prometheus.Counter
	frontChannelLogouts *prometheus.CounterVec
	upstreamExchange    *prometheus.HistogramVec
}

// New creates the collectors and registers them with registerer. A nil
// registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		authorizeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_requests_total",
			Help:      "Authorization requests by outcome.",
		}, []string{"outcome"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_callbacks_total",
			Help:      "Upstream callbacks by outcome.",
		}, []string{"outcome"}),
		tokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_grants_total",
			Help:      "Token endpoint requests by grant type and outcome.",
		}, []string{"grant_type", "outcome"}),
		refreshTokenReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_token_reuse_total",
			Help:      "Presentations of used or revoked refresh tokens.",
		}),
		frontChannelLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frontchannel_logout_deliveries_total",
			Help:      "Front-channel logout notifications by outcome.",
		}, []string{"outcome"}),
		upstreamExchange: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_exchange_duration_seconds",
			Help:      "Latency of upstream code exchanges.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.authorizeRequests,
		m.callbacks,
		m.tokenGrants,
		m.refreshTokenReuse,
		m.frontChannelLogouts,
		m.upstreamExchange,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveAuthorize counts an /authorize outcome.
func (m *Metrics) ObserveAuthorize(outcome string) {
	if m == nil {
		return
	}
	m.authorizeRequests.WithLabelValues(outcome).Inc()
}

// ObserveCallback counts an upstream callback outcome.
func (m *Metrics) ObserveCallback(outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// ObserveTokenGrant counts a token endpoint outcome.
func (m *Metrics) ObserveTokenGrant(grantType, outcome string) {
	if m == nil {
		return
	}
	m.tokenGrants.WithLabelValues(grantType, outcome).Inc()
}

// ObserveRefreshTokenReuse counts a detected refresh token replay.
func (m *Metrics) ObserveRefreshTokenReuse() {
	if m == nil {
		return
	}
	m.refreshTokenReuse.Inc()
}

// ObserveFrontChannelLogout counts one notification delivery.
func (m *Metrics) ObserveFrontChannelLogout(outcome string) {
	if m == nil {
		return
	}
	m.frontChannelLogouts.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamExchange records how long a code exchange took.
func (m *Metrics) ObserveUpstreamExchange(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamExchange.WithLabelValues(provider, outcome).Observe(d.Seconds())
}
