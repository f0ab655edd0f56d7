// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"net/http"

	"github.com/stacklok/idbroker/pkg/logger"
)

// Server is the identity broker.
type Server interface {
	// Handler returns an http.Handler that serves every endpoint:
	//   - /.well-known/openid-configuration and /.well-known/jwks.json
	//   - /authorize, /login and /upstream/callback
	//   - /token
	//   - /authentication and /refresh
	//   - /logout and /upstream/frontchannel-logout
	//   - /health and /metrics
	Handler() http.Handler

	// Close releases resources held by the server.
	Close() error
}

// New creates the broker described by cfg. cfg must have been resolved.
func New(ctx context.Context, cfg *Config, opts ...Option) (Server, error) {
	logger.Debug("creating identity broker")
	return newServer(ctx, cfg, opts...)
}

// Serve runs srv on cfg.Listen until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, srv Server, cfg *Config) error {
	return serve(ctx, srv, cfg)
}
