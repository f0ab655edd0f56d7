// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstreamtest runs an in-process OpenID Provider for tests. Its
// /authorize endpoint logs the configured user in without interaction and
// redirects straight back with a code.
package upstreamtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// User is the identity the IdP logs in.
type User struct {
	Subject    string
	SessionSid string
	Acr        string
	Amr        []string
	Extra      map[string]string
}

type pendingCode struct {
	clientID      string
	redirectURI   string
	nonce         string
	codeChallenge string
	user          User
}

// IdP is a fake upstream OpenID Provider.
type IdP struct {
	Server   *httptest.Server
	ClientID string
	Secret   string

	key   *rsa.PrivateKey
	keyID string

	mu            sync.Mutex
	user          User
	codes         map[string]*pendingCode
	nonceOverride string
	failToken     bool
	lastAuthorize url.Values

	tokenRequests atomic.Int32
}

// TB is the subset of testing.TB used by New. It is also satisfied by
// ginkgo's GinkgoT().
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// New starts an IdP and registers its shutdown with t.
func New(t TB) *IdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate IdP key: %v", err)
	}
	idp := &IdP{
		ClientID: "broker",
		Secret:   "broker-secret",
		key:      key,
		keyID:    "idp-key-1",
		user:     User{Subject: "upstream-user-1", SessionSid: "upstream-sid-1", Acr: "idporten-loa-substantial"},
		codes:    make(map[string]*pendingCode),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", idp.discovery)
	mux.HandleFunc("GET /jwks", idp.jwks)
	mux.HandleFunc("GET /authorize", idp.authorize)
	mux.HandleFunc("POST /token", idp.token)
	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Server.Close)
	return idp
}

// Issuer is the IdP's issuer URL.
func (i *IdP) Issuer() string {
	return i.Server.URL
}

// SetUser changes the identity returned by subsequent logins.
func (i *IdP) SetUser(u User) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.user = u
}

// SetNonceOverride makes issued ID tokens carry nonce instead of the requested one.
func (i *IdP) SetNonceOverride(nonce string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.nonceOverride = nonce
}

// FailTokenRequests makes the token endpoint answer 500.
func (i *IdP) FailTokenRequests(fail bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failToken = fail
}

// TokenRequests returns how many token requests were received.
func (i *IdP) TokenRequests() int {
	return int(i.tokenRequests.Load())
}

// LastAuthorizeParams returns the query of the latest /authorize request.
func (i *IdP) LastAuthorizeParams() url.Values {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastAuthorize
}

// IssueCode registers a code for the current user as if /authorize had been
// called with the given parameters.
func (i *IdP) IssueCode(redirectURI, nonce, codeChallenge string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	code := uuid.NewString()
	i.codes[code] = &pendingCode{
		clientID:      i.ClientID,
		redirectURI:   redirectURI,
		nonce:         nonce,
		codeChallenge: codeChallenge,
		user:          i.user,
	}
	return code
}

func (i *IdP) discovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                i.Issuer(),
		"authorization_endpoint":                i.Issuer() + "/authorize",
		"token_endpoint":                        i.Issuer() + "/token",
		"jwks_uri":                              i.Issuer() + "/jwks",
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"frontchannel_logout_supported":         true,
	})
}

func (i *IdP) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       i.key.Public(),
		KeyID:     i.keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (i *IdP) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	i.mu.Lock()
	i.lastAuthorize = q
	i.mu.Unlock()

	if q.Get("client_id") != i.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	code := i.IssueCode(q.Get("redirect_uri"), q.Get("nonce"), q.Get("code_challenge"))

	target, err := url.Parse(q.Get("redirect_uri"))
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	back := target.Query()
	back.Set("code", code)
	back.Set("state", q.Get("state"))
	target.RawQuery = back.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (i *IdP) token(w http.ResponseWriter, r *http.Request) {
	i.tokenRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	i.mu.Lock()
	fail := i.failToken
	pending, ok := i.codes[r.PostForm.Get("code")]
	delete(i.codes, r.PostForm.Get("code"))
	nonceOverride := i.nonceOverride
	i.mu.Unlock()

	switch {
	case fail:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	case r.PostForm.Get("grant_type") != "authorization_code":
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	case r.PostForm.Get("client_id") != i.ClientID || r.PostForm.Get("client_secret") != i.Secret:
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	case !ok || pending.redirectURI != r.PostForm.Get("redirect_uri"):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	case pending.codeChallenge != "" &&
		oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != pending.codeChallenge:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce"})
		return
	}

	nonce := pending.nonce
	if nonceOverride != "" {
		nonce = nonceOverride
	}
	idToken, err := i.signIDToken(pending.user, nonce)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": uuid.NewString(),
		"token_type":   "Bearer",
		"expires_in":   300,
		"id_token":     idToken,
	})
}

func (i *IdP) signIDToken(u User, nonce string) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: i.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", i.keyID),
	)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims := map[string]any{}
	maps.Copy(claims, stringMap(u.Extra))
	maps.Copy(claims, map[string]any{
		"iss":       i.Issuer(),
		"sub":       u.Subject,
		"aud":       i.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(5 * time.Minute).Unix(),
		"auth_time": now.Unix(),
		"jti":       uuid.NewString(),
	})
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if u.SessionSid != "" {
		claims["sid"] = u.SessionSid
	}
	if u.Acr != "" {
		claims["acr"] = u.Acr
	}
	if len(u.Amr) > 0 {
		claims["amr"] = u.Amr
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
