// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/clients"
	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/metrics"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/ticket"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/upstream/upstreamtest"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
)

const (
	testIssuer        = "https://broker.example"
	clientID          = "rp"
	clientSecret      = "rp-secret"
	rpRedirectURI     = "https://rp.example/cb"
	rpPostLogoutURI   = "https://rp.example/logged-out"
	defaultPostLogout = "https://broker.example/logged-out"
	callbackURL       = "http://localhost:8080/upstream/callback"
	testVerifier      = "dBjftJeZ4CVP-mJ0kjmrHQPN5Pu8HoJKMK_EfzhM4WM"
)

// logoutReceiver records front-channel logout requests.
type logoutReceiver struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []url.Values
}

func newLogoutReceiver(t *testing.T) *logoutReceiver {
	t.Helper()
	r := &logoutReceiver{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.requests = append(r.requests, req.URL.Query())
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *logoutReceiver) received() []url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]url.Values(nil), r.requests...)
}

type fixture struct {
	svc      *broker.Service
	store    *storage.MemoryStorage
	tokens   *token.Service
	keys     keys.KeyProvider
	idp      *upstreamtest.IdP
	tickets  *ticket.StaticResolver
	logout   *logoutReceiver
	spans    *tracetest.SpanRecorder
	registry *prometheus.Registry

	offset atomic.Int64
}

func (f *fixture) now() time.Time {
	return time.Now().Add(time.Duration(f.offset.Load()))
}

// advance moves the broker clock forward by d.
func (f *fixture) advance(d time.Duration) {
	f.offset.Add(int64(d))
}

func newFixture(t *testing.T, opts ...broker.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemoryStorage()
	t.Cleanup(func() { _ = store.Close() })

	receiver := newLogoutReceiver(t)
	registry := clients.NewRegistry(clients.WithBcryptCost(bcrypt.MinCost))
	_, err := registry.Register(ctx, "test", clients.Registration{
		ClientID:               clientID,
		Secret:                 clientSecret,
		RedirectURIs:           []string{rpRedirectURI},
		PostLogoutRedirectURIs: []string{rpPostLogoutURI},
		AllowedScopes:          []string{"openid", "profile", "offline_access"},
		FrontchannelLogoutURI:  receiver.server.URL + "/frontchannel",
		RefreshTokensEnabled:   true,
	})
	require.NoError(t, err)

	idp := upstreamtest.New(t)
	cache := upstream.NewDiscoveryCache(http.DefaultClient)
	provider, err := upstream.NewOIDCProvider(&upstream.Config{
		Name:         "idporten",
		Issuer:       idp.Issuer(),
		ClientID:     idp.ClientID,
		ClientSecret: idp.Secret,
		RedirectURI:  callbackURL,
	}, cache, http.DefaultClient)
	require.NoError(t, err)
	upstreams, err := upstream.NewRegistry(provider)
	require.NoError(t, err)

	signingKeys := keys.NewGeneratingProvider(keys.DefaultAlgorithm)
	issuer, err := token.NewIssuer(testIssuer, signingKeys)
	require.NoError(t, err)
	secrets, err := token.NewSecretStrategy([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	tokens, err := token.NewService(store, registry, issuer, secrets, token.WithMetrics(m))
	require.NoError(t, err)

	tickets := ticket.NewStaticResolver(nil)
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	f := &fixture{
		store:    store,
		tokens:   tokens,
		keys:     signingKeys,
		idp:      idp,
		tickets:  tickets,
		logout:   receiver,
		spans:    spans,
		registry: reg,
	}
	base := []broker.Option{
		broker.WithTicketResolver(tickets),
		broker.WithMetrics(m),
		broker.WithTracerProvider(tp),
		broker.WithClock(f.now),
	}
	f.svc, err = broker.New(broker.Config{
		AllowedGotoHosts:             []string{".example.no"},
		DefaultPostLogoutRedirectURI: defaultPostLogout,
	}, store, registry, upstreams, tokens, append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func authorizeRequest(mutate ...func(*validation.AuthorizeRequest)) *validation.AuthorizeRequest {
	req := &validation.AuthorizeRequest{
		ResponseType:        validation.ResponseTypeCode,
		Scopes:              []string{"openid", "profile"},
		RedirectURI:         rpRedirectURI,
		ClientID:            clientID,
		State:               "rp-state",
		Nonce:               "rp-nonce",
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(testVerifier),
		CodeChallengeMethod: validation.CodeChallengeS256,
	}
	for _, m := range mutate {
		m(req)
	}
	return req
}

// followUpstream sends the browser to the upstream IdP and returns the
// callback parameters it redirects back with.
func followUpstream(t *testing.T, authURL string) *broker.CallbackInput {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return &broker.CallbackInput{
		State: location.Query().Get("state"),
		Code:  location.Query().Get("code"),
	}
}

// startLogin runs /authorize and returns the upstream callback parameters.
func (f *fixture) startLogin(t *testing.T, req *validation.AuthorizeRequest) *broker.CallbackInput {
	t.Helper()
	res, err := f.svc.Authorize(context.Background(), &broker.AuthorizeInput{Request: req})
	require.NoError(t, err)
	require.Equal(t, broker.ResultRedirect, res.Kind)
	return followUpstream(t, res.RedirectURL)
}

// login runs a full registered-client login and returns the callback result.
func (f *fixture) login(t *testing.T) *broker.CallbackResult {
	t.Helper()
	cb := f.startLogin(t, authorizeRequest())
	res, err := f.svc.HandleUpstreamCallback(context.Background(), cb)
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionSid)
	return res
}

// redeem exchanges the code carried by a client redirect.
func (f *fixture) redeem(t *testing.T, redirect string) *token.Result {
	t.Helper()
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	result, err := f.tokens.ExchangeAuthorizationCode(context.Background(), &token.CodeExchangeRequest{
		GrantType:    token.GrantTypeAuthorizationCode,
		Code:         u.Query().Get("code"),
		RedirectURI:  rpRedirectURI,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: testVerifier,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) spanNames() []string {
	var names []string
	for _, s := range f.spans.Ended() {
		names = append(names, s.Name())
	}
	return names
}
