// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys supplies the keys used to sign ID and access tokens and
// publishes their public halves as a JWKS.
package keys

import (
	"crypto"
	"errors"
	"time"
)

// DefaultAlgorithm is used for generated keys.
const DefaultAlgorithm = "ES256"

// MinHMACSecretLength is the minimum size of the opaque token HMAC secret.
const MinHMACSecretLength = 32

// ErrNoSigningKey is returned when a provider has no usable key.
var ErrNoSigningKey = errors.New("no signing key available")

// SigningKey is a private key with its JOSE metadata.
type SigningKey struct {
	// KeyID is the RFC 7638 thumbprint unless configured explicitly.
	KeyID     string
	Algorithm string
	Key       crypto.Signer
	CreatedAt time.Time
}

// PublicKey is the part of a SigningKey published in the JWKS.
type PublicKey struct {
	KeyID     string
	Algorithm string
	Key       crypto.PublicKey
	CreatedAt time.Time
}

func (k *SigningKey) public() *PublicKey {
	return &PublicKey{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Key:       k.Key.Public(),
		CreatedAt: k.CreatedAt,
	}
}

func (k *SigningKey) clone() *SigningKey {
	cp := *k
	return &cp
}
