// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

// Deep copies handed across the memory backend boundary so callers never
// alias stored state.

func (t *LoginTransaction) clone() *LoginTransaction {
	c := *t
	c.Scopes = cloneStrings(t.Scopes)
	c.Prompts = cloneStrings(t.Prompts)
	c.AcrValues = cloneStrings(t.AcrValues)
	c.UILocales = cloneStrings(t.UILocales)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.MaxAge != nil {
		v := *t.MaxAge
		c.MaxAge = &v
	}
	return &c
}

func (r *UnregisteredClientRequest) clone() *UnregisteredClientRequest {
	c := *r
	c.RequestedAcr = cloneStrings(r.RequestedAcr)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

func (u *UpstreamClaims) clone() *UpstreamClaims {
	if u == nil {
		return nil
	}
	c := *u
	c.Amr = cloneStrings(u.Amr)
	c.AuthTime = cloneTime(u.AuthTime)
	c.Extra = cloneMap(u.Extra)
	return &c
}

func (t *UpstreamLoginTransaction) clone() *UpstreamLoginTransaction {
	c := *t
	c.CallbackAt = cloneTime(t.CallbackAt)
	c.TokenExchangedAt = cloneTime(t.TokenExchangedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.Claims = t.Claims.clone()
	return &c
}

func (a *AuthorizationCode) clone() *AuthorizationCode {
	c := *a
	c.Scopes = cloneStrings(a.Scopes)
	c.ConsumedAt = cloneTime(a.ConsumedAt)
	return &c
}

func (s *OidcSession) clone() *OidcSession {
	c := *s
	c.Amr = cloneStrings(s.Amr)
	c.Claims = cloneMap(s.Claims)
	return &c
}

func (f *RefreshTokenFamily) clone() *RefreshTokenFamily {
	c := *f
	return &c
}

func (r *RefreshToken) clone() *RefreshToken {
	c := *r
	c.Scopes = cloneStrings(r.Scopes)
	c.UsedAt = cloneTime(r.UsedAt)
	c.RevokedAt = cloneTime(r.RevokedAt)
	return &c
}
