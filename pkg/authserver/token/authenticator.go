// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

//go:generate mockgen -destination=mocks/mock_authenticator.go -package=mocks -source=authenticator.go ClientAuthenticator

// ClientAuthenticator authenticates a client at the token endpoint.
type ClientAuthenticator interface {
	Authenticate(ctx context.Context, clientID, secret string) (*storage.OidcClient, error)
}
