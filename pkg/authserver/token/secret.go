// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"

	"github.com/ory/fosite"
	"github.com/ory/fosite/token/hmac"

	"github.com/stacklok/idbroker/pkg/authserver/keys"
)

// SecretStrategy mints opaque authorization codes and refresh tokens. A
// token is "<random>.<signature>"; only the signature is stored, as the
// lookup key, so a leaked store cannot be replayed.
type SecretStrategy struct {
	hmac *hmac.HMACStrategy
}

// NewSecretStrategy returns a strategy keyed with secret. Older secrets are
// accepted for validation so the key can be rotated.
func NewSecretStrategy(secret []byte, rotated ...[]byte) (*SecretStrategy, error) {
	if len(secret) < keys.MinHMACSecretLength {
		return nil, fmt.Errorf("HMAC secret must be at least %d bytes", keys.MinHMACSecretLength)
	}
	return &SecretStrategy{
		hmac: &hmac.HMACStrategy{Config: &fosite.Config{
			GlobalSecret:         secret,
			RotatedGlobalSecrets: rotated,
			TokenEntropy:         32,
		}},
	}, nil
}

// Generate returns a new opaque token and its lookup key.
func (s *SecretStrategy) Generate(ctx context.Context) (token, lookupKey string, err error) {
	token, lookupKey, err = s.hmac.Generate(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate opaque token: %w", err)
	}
	return token, lookupKey, nil
}

// Validate checks that token was minted with one of the configured secrets.
func (s *SecretStrategy) Validate(ctx context.Context, token string) error {
	return s.hmac.Validate(ctx, token)
}

// LookupKey returns the stored key of token. It does not validate the token.
func (s *SecretStrategy) LookupKey(token string) string {
	return s.hmac.Signature(token)
}
