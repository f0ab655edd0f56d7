// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/logger"
	"github.com/stacklok/idbroker/pkg/networking"
)

// Front-channel delivery defaults.
const (
	DefaultNotifyConcurrency     = 10
	DefaultNotifyMaxTries        = 3
	DefaultNotifyInitialInterval = 200 * time.Millisecond
	DefaultNotifyTimeout         = 5 * time.Second
)

// NotifyReport counts front-channel deliveries of one logout.
type NotifyReport struct {
	Delivered int
	Failed    int
}

// FrontChannelNotifier delivers OpenID Front-Channel Logout requests to
// every client with a registered frontchannel_logout_uri.
type FrontChannelNotifier struct {
	clients         storage.ClientRegistry
	issuer          string
	httpClient      *http.Client
	concurrency     int
	maxTries        uint
	initialInterval time.Duration
	metrics         *metrics.Metrics
}

// NotifierOption configures a FrontChannelNotifier.
type NotifierOption func(*FrontChannelNotifier)

// WithNotifierHTTPClient sets the client used for deliveries.
func WithNotifierHTTPClient(c *http.Client) NotifierOption {
	return func(n *FrontChannelNotifier) {
		if c != nil {
			n.httpClient = c
		}
	}
}

// WithNotifyConcurrency bounds parallel deliveries.
func WithNotifyConcurrency(limit int) NotifierOption {
	return func(n *FrontChannelNotifier) {
		if limit > 0 {
			n.concurrency = limit
		}
	}
}

// WithNotifyRetry sets the attempt count and first retry interval.
func WithNotifyRetry(maxTries uint, initialInterval time.Duration) NotifierOption {
	return func(n *FrontChannelNotifier) {
		if maxTries > 0 {
			n.maxTries = maxTries
		}
		if initialInterval > 0 {
			n.initialInterval = initialInterval
		}
	}
}

// WithNotifierMetrics records delivery outcomes.
func WithNotifierMetrics(m *metrics.Metrics) NotifierOption {
	return func(n *FrontChannelNotifier) {
		n.metrics = m
	}
}

// NewFrontChannelNotifier creates a notifier that identifies this server as issuer.
func NewFrontChannelNotifier(clients storage.ClientRegistry, issuer string, opts ...NotifierOption) *FrontChannelNotifier {
	n := &FrontChannelNotifier{
		clients:         clients,
		issuer:          issuer,
		httpClient:      &http.Client{Timeout: DefaultNotifyTimeout},
		concurrency:     DefaultNotifyConcurrency,
		maxTries:        DefaultNotifyMaxTries,
		initialInterval: DefaultNotifyInitialInterval,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify tells every client with a front-channel logout URI that sid has
// ended. Delivery is best effort: failures are logged and counted, never
// returned.
func (n *FrontChannelNotifier) Notify(ctx context.Context, sid string) NotifyReport {
	registered, err := n.clients.ListClients(ctx)
	if err != nil {
		logger.Errorw("failed to list clients for front-channel logout", "sid", sid, "error", err)
		return NotifyReport{}
	}

	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(n.concurrency)
	for _, client := range registered {
		if client.FrontchannelLogoutURI == "" {
			continue
		}
		g.Go(func() error {
			if err := n.deliver(ctx, client.FrontchannelLogoutURI, sid); err != nil {
				failed.Add(1)
				n.metrics.ObserveFrontChannelLogout(metrics.OutcomeError)
				logger.Warnw("front-channel logout delivery failed",
					"client_id", client.ClientID, "sid", sid, "error", err)
				return nil
			}
			delivered.Add(1)
			n.metrics.ObserveFrontChannelLogout(metrics.OutcomeSuccess)
			return nil
		})
	}
	_ = g.Wait()

	return NotifyReport{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
}

func (n *FrontChannelNotifier) deliver(ctx context.Context, logoutURI, sid string) error {
	target, err := withQuery(logoutURI, url.Values{"iss": {n.issuer}, "sid": {sid}})
	if err != nil {
		return backoff.Permanent(err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = n.initialInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return struct{}{}, networking.StatusError(resp.StatusCode, logoutURI, body)
		default:
			return struct{}{}, backoff.Permanent(networking.StatusError(resp.StatusCode, logoutURI, body))
		}
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(n.maxTries),
	)
	if err != nil {
		return fmt.Errorf("failed to deliver front-channel logout: %w", err)
	}
	return nil
}
