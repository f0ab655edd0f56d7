// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

func testLoginTransaction(id string) *LoginTransaction {
	now := time.Now().UTC()
	maxAge := 300
	return &LoginTransaction{
		RequestID:           id,
		ClientID:            "client-a",
		RedirectURI:         "https://rp.example/cb",
		Scopes:              []string{"openid", "profile"},
		State:               "rp-state",
		Nonce:               "rp-nonce",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		MaxAge:              &maxAge,
		Status:              LoginStatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(DefaultLoginTransactionTTL),
	}
}

func testUpstreamTransaction(id, state string) *UpstreamLoginTransaction {
	now := time.Now().UTC()
	return &UpstreamLoginTransaction{
		UpstreamRequestID:   id,
		RequestID:           "req-" + id,
		Provider:            "idporten",
		UpstreamClientID:    "broker",
		UpstreamRedirectURI: "https://broker.example/upstream/callback",
		State:               state,
		Nonce:               "n-" + id,
		CodeVerifier:        "verifier-" + id,
		CodeChallenge:       "challenge-" + id,
		CreatedAt:           now,
		ExpiresAt:           now.Add(DefaultLoginTransactionTTL),
	}
}

func testAuthCode(code string) *AuthorizationCode {
	now := time.Now().UTC()
	return &AuthorizationCode{
		Code:                code,
		ClientID:            "client-a",
		RedirectURI:         "https://rp.example/cb",
		Sid:                 "sid-1",
		Subject:             "user-1",
		Scopes:              []string{"openid"},
		Nonce:               "nonce",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		AuthTime:            now,
		CreatedAt:           now,
		ExpiresAt:           now.Add(DefaultAuthCodeTTL),
	}
}

func testSession(sid, provider, sub, upstreamSid string) *OidcSession {
	now := time.Now().UTC()
	return &OidcSession{
		Sid:                sid,
		Provider:           provider,
		UpstreamIssuer:     "https://idp.example",
		UpstreamSub:        sub,
		UpstreamSessionSid: upstreamSid,
		Subject:            "subject-" + sub,
		Acr:                "idporten-loa-substantial",
		AuthTime:           now,
		Claims:             map[string]string{"pid": sub},
		CreatedAt:          now,
		UpdatedAt:          now,
		LastSeenAt:         now,
		ExpiresAt:          now.Add(DefaultSessionTTL),
	}
}

func testRefreshToken(id, familyID string) *RefreshToken {
	now := time.Now().UTC()
	return &RefreshToken{
		TokenID:   id,
		LookupKey: "lk-" + id,
		FamilyID:  familyID,
		ClientID:  "client-a",
		Subject:   "user-1",
		OpSid:     "sid-1",
		Scopes:    []string{"openid", "offline_access"},
		Status:    RefreshTokenActive,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultRefreshTokenTTL),
	}
}
