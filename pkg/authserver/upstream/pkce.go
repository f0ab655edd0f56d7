// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only challenge method sent upstream.
const PKCEChallengeMethodS256 = "S256"

// GeneratePKCEVerifier returns a 43 character RFC 7636 code verifier.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge returns BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
