// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles the identity broker: an OpenID Provider for
// downstream relying parties that authenticates users at upstream OpenID
// Providers.
//
// The broker supports:
//   - OAuth 2.0 Authorization Code flow with mandatory PKCE (RFC 7636)
//   - Federation to one or more upstream OIDC providers
//   - Opaque authorization codes and rotating refresh tokens with reuse detection
//   - JWT access and ID tokens, published keys at /.well-known/jwks.json
//   - RP-initiated logout and upstream front-channel logout
//   - Legacy ticket authentication for first-party applications
//
// # Usage
//
// Load and resolve a Config, then create the server:
//
//	cfg, err := authserver.LoadConfig(path)
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Resolve(&env.OSReader{}); err != nil {
//	    return err
//	}
//	srv, err := authserver.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer srv.Close()
//	mux.Handle("/", srv.Handler())
//
// # Storage
//
// Transactions, codes, sessions and refresh tokens live in the backend
// selected by Config.Storage:
//   - memory: single instance, lost on restart
//   - redis: Redis Sentinel, shared by every replica
//   - sqlite: a local database file
//
// # Subpackages
//
//   - broker: the login, session and logout orchestrator
//   - token: token minting and the token endpoint grants
//   - upstream: the relying party toward upstream providers
//   - server/handlers: the HTTP surface
//   - storage: entities and backends
package authserver
