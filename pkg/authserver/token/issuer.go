// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

// JOSE "typ" header values.
const (
	TypeAccessToken = "at+jwt"
	TypeIDToken     = "JWT"
)

const scopeOpenID = "openid"

// ErrInvalidToken is returned by ParseAndVerify for any token this issuer
// did not mint or that is no longer valid.
var ErrInvalidToken = errors.New("invalid token")

var supportedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.EdDSA,
}

// registeredClaims cannot be overridden by Principal.Claims.
var registeredClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {},
	"sid": {}, "acr": {}, "amr": {}, "auth_time": {}, "nonce": {}, "azp": {},
	"client_id": {}, "scope": {},
}

// Claims are the claims of a token minted by Issuer.
type Claims struct {
	jwt.Claims
	ClientID string   `json:"client_id,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	Sid      string   `json:"sid,omitempty"`
	Acr      string   `json:"acr,omitempty"`
	Amr      []string `json:"amr,omitempty"`
	AuthTime int64    `json:"auth_time,omitempty"`
	Nonce    string   `json:"nonce,omitempty"`
	Azp      string   `json:"azp,omitempty"`
}

// VerifiedToken is a token that passed ParseAndVerify.
type VerifiedToken struct {
	Type   string
	Claims Claims
	Extra  map[string]string
}

// Principal rebuilds the principal the token was minted for.
func (v *VerifiedToken) Principal() *Principal {
	p := &Principal{
		Subject:  v.Claims.Subject,
		Sid:      v.Claims.Sid,
		ClientID: v.Claims.ClientID,
		Acr:      v.Claims.Acr,
		Amr:      v.Claims.Amr,
		Nonce:    v.Claims.Nonce,
		Claims:   v.Extra,
	}
	if p.ClientID == "" {
		p.ClientID = v.Claims.Azp
	}
	if v.Claims.Scope != "" {
		p.Scopes = strings.Fields(v.Claims.Scope)
	}
	if v.Claims.AuthTime > 0 {
		p.AuthTime = time.Unix(v.Claims.AuthTime, 0).UTC()
	}
	return p
}

// Issuer signs JWTs with the current key of a keys.KeyProvider.
type Issuer struct {
	issuer   string
	audience string
	keys     keys.KeyProvider
	leeway   time.Duration
	now      func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithAudience sets the aud claim of access tokens. The default is the issuer URL.
func WithAudience(aud string) IssuerOption {
	return func(i *Issuer) {
		if aud != "" {
			i.audience = aud
		}
	}
}

// WithIssuerClock replaces time.Now.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer returns an Issuer for the issuer URL.
func NewIssuer(issuer string, provider keys.KeyProvider, opts ...IssuerOption) (*Issuer, error) {
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if provider == nil {
		return nil, errors.New("key provider is required")
	}
	i := &Issuer{
		issuer:   issuer,
		audience: issuer,
		keys:     provider,
		leeway:   jwt.DefaultLeeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// IssuerURL returns the iss claim value.
func (i *Issuer) IssuerURL() string {
	return i.issuer
}

func (i *Issuer) signer(ctx context.Context, typ string) (jose.Signer, error) {
	key, err := i.keys.SigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get signing key: %w", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.SignatureAlgorithm(key.Algorithm),
			Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID, Algorithm: key.Algorithm},
		},
		(&jose.SignerOptions{}).WithType(jose.ContentType(typ)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}

func (i *Issuer) baseClaims(p *Principal, aud string, expiry time.Duration) Claims {
	now := i.now()
	c := Claims{
		Claims: jwt.Claims{
			Issuer:   i.issuer,
			Subject:  p.Subject,
			Audience: jwt.Audience{aud},
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(expiry)),
			ID:       uuid.NewString(),
		},
		Sid: p.Sid,
		Acr: p.Acr,
		Amr: p.Amr,
	}
	if !p.AuthTime.IsZero() {
		c.AuthTime = p.AuthTime.Unix()
	}
	return c
}

// CreateAccessToken mints a JWT access token valid for expiry.
func (i *Issuer) CreateAccessToken(ctx context.Context, p *Principal, expiry time.Duration) (string, error) {
	if p == nil || p.Subject == "" {
		return "", errors.New("principal with subject is required")
	}
	signer, err := i.signer(ctx, TypeAccessToken)
	if err != nil {
		return "", err
	}
	claims := i.baseClaims(p, i.audience, expiry)
	claims.ClientID = p.ClientID
	claims.Scope = p.Scope()

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return raw, nil
}

// CreateIDToken mints an ID token for client. It returns false and no token
// when openid was not granted.
func (i *Issuer) CreateIDToken(
	ctx context.Context, p *Principal, client *storage.OidcClient, expiry time.Duration,
) (string, bool, error) {
	if p == nil || client == nil {
		return "", false, errors.New("principal and client are required")
	}
	if !p.HasScope(scopeOpenID) {
		return "", false, nil
	}
	signer, err := i.signer(ctx, TypeIDToken)
	if err != nil {
		return "", false, err
	}
	claims := i.baseClaims(p, client.ClientID, expiry)
	claims.Nonce = p.Nonce
	claims.Azp = client.ClientID

	extra := make(map[string]any, len(p.Claims))
	for k, v := range p.Claims {
		if _, reserved := registeredClaims[k]; !reserved {
			extra[k] = v
		}
	}

	raw, err := jwt.Signed(signer).Claims(extra).Claims(claims).Serialize()
	if err != nil {
		return "", false, fmt.Errorf("failed to sign ID token: %w", err)
	}
	return raw, true, nil
}

type verifyOptions struct {
	skipExpiry bool
}

// VerifyOption adjusts ParseAndVerify.
type VerifyOption func(*verifyOptions)

// SkipExpiryCheck accepts expired tokens, as id_token_hint allows.
func SkipExpiryCheck() VerifyOption {
	return func(o *verifyOptions) {
		o.skipExpiry = true
	}
}

// ParseAndVerify checks that raw was signed by one of the provider's keys
// for this issuer and is within its validity window.
func (i *Issuer) ParseAndVerify(ctx context.Context, raw string, opts ...VerifyOption) (*VerifiedToken, error) {
	o := &verifyOptions{}
	for _, opt := range opts {
		opt(o)
	}

	tok, err := jwt.ParseSigned(raw, supportedAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if len(tok.Headers) != 1 {
		return nil, fmt.Errorf("%w: expected one signature", ErrInvalidToken)
	}
	header := tok.Headers[0]

	pubs, err := i.keys.PublicKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list public keys: %w", err)
	}
	var key *keys.PublicKey
	for _, k := range pubs {
		if k.KeyID == header.KeyID {
			key = k
			break
		}
	}
	if key == nil || key.Algorithm != header.Algorithm {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidToken, header.KeyID)
	}

	var (
		claims Claims
		all    map[string]any
	)
	if err := tok.Claims(key.Key, &claims, &all); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	expected := jwt.Expected{Issuer: i.issuer, Time: i.now()}
	if o.skipExpiry {
		expected.Time = claims.IssuedAt.Time()
	}
	if err := claims.ValidateWithLeeway(expected, i.leeway); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	typ, _ := header.ExtraHeaders[jose.HeaderType].(string)
	verified := &VerifiedToken{Type: typ, Claims: claims}
	for k, v := range all {
		if _, reserved := registeredClaims[k]; reserved {
			continue
		}
		if s, ok := v.(string); ok {
			if verified.Extra == nil {
				verified.Extra = make(map[string]string)
			}
			verified.Extra[k] = s
		}
	}
	return verified, nil
}
