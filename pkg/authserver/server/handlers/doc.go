// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the identity broker.
//
// It covers the OpenID Provider endpoints used by downstream clients
// (authorize, token, end-session, discovery and JWKS), the upstream callback
// and front-channel logout endpoints, and the first-party session endpoints
// (/login, /authentication, /refresh). Protocol decisions live in the broker
// and token packages; this package only parses, normalizes and renders.
package handlers
