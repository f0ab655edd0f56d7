// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream is the relying-party side of the broker: it sends users to
// an upstream OpenID Provider and turns the returned authorization code into a
// verified identity.
//
// # Type Hierarchy
//
//	Provider (interface)
//	    └── OIDCProvider (discovery through a shared DiscoveryCache, ID token verification)
//
// Providers are looked up by name in a Registry. Discovery documents are
// cached per issuer by DiscoveryCache, which the composition root owns and
// injects into every provider so that concurrent logins against one issuer
// share a single fetch.
//
// # Usage
//
//	cache := upstream.NewDiscoveryCache(httpClient, upstream.WithDiscoveryTTL(time.Hour))
//	provider, err := upstream.NewOIDCProvider(&upstream.Config{
//	    Name:        "idporten",
//	    Issuer:      "https://idporten.example",
//	    ClientID:    "broker",
//	    RedirectURI: "https://broker.example/upstream/callback",
//	}, cache, httpClient)
//
//	authURL, err := provider.AuthorizationURL(ctx, state, challenge, nonce)
//	identity, err := provider.ExchangeCodeForIdentity(ctx, code, verifier, nonce)
package upstream
