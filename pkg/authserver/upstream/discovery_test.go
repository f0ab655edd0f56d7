// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDiscoveryServer(t *testing.T, delay time.Duration) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   srv.URL,
			"authorization_endpoint":   srv.URL + "/authorize",
			"token_endpoint":           srv.URL + "/token",
			"jwks_uri":                 srv.URL + "/jwks",
			"response_types_supported": []string{"code"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDiscoveryCache_CachesAndExpires(t *testing.T) {
	t.Parallel()
	srv, hits := newDiscoveryServer(t, 0)

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	cache := NewDiscoveryCache(srv.Client(), WithDiscoveryTTL(time.Minute), WithClock(clock))
	ctx := context.Background()

	first, err := cache.Get(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/token", first.Document.TokenEndpoint)
	assert.False(t, first.Document.SupportsPKCE())

	second, err := cache.Get(ctx, srv.URL)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), hits.Load())

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	third, err := cache.Get(ctx, srv.URL)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, int32(2), hits.Load())

	cache.Invalidate(srv.URL)
	_, err = cache.Get(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDiscoveryCache_CollapsesConcurrentFetches(t *testing.T) {
	t.Parallel()
	srv, hits := newDiscoveryServer(t, 100*time.Millisecond)
	cache := NewDiscoveryCache(srv.Client())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), srv.URL)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, cache.fetchCount())
}

func TestDiscoveryCache_CallerCancellation(t *testing.T) {
	t.Parallel()
	srv, _ := newDiscoveryServer(t, 200*time.Millisecond)
	cache := NewDiscoveryCache(srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		_, err := cache.Get(context.Background(), srv.URL)
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestDiscoveryCache_FetchError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	cache := NewDiscoveryCache(srv.Client())

	_, err := cache.Get(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDiscoveryDocument_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *DiscoveryDocument {
		return &DiscoveryDocument{
			Issuer:                 "https://idp.example",
			AuthorizationEndpoint:  "https://idp.example/authorize",
			TokenEndpoint:          "https://tokens.idp-cdn.example/token",
			JWKSURI:                "https://idp.example/jwks",
			ResponseTypesSupported: []string{"code", "id_token"},
		}
	}

	tests := []struct {
		name    string
		issuer  string
		mutate  func(d *DiscoveryDocument)
		wantErr string
	}{
		{name: "valid with foreign token host", issuer: "https://idp.example", mutate: func(*DiscoveryDocument) {}},
		{
			name: "missing token endpoint", issuer: "https://idp.example",
			mutate: func(d *DiscoveryDocument) { d.TokenEndpoint = "" }, wantErr: "token_endpoint",
		},
		{
			name: "missing jwks", issuer: "https://idp.example",
			mutate: func(d *DiscoveryDocument) { d.JWKSURI = "" }, wantErr: "jwks_uri",
		},
		{
			name: "no code response type", issuer: "https://idp.example",
			mutate: func(d *DiscoveryDocument) { d.ResponseTypesSupported = []string{"id_token"} }, wantErr: "code",
		},
		{
			name: "http token endpoint", issuer: "https://idp.example",
			mutate: func(d *DiscoveryDocument) { d.TokenEndpoint = "http://idp.example/token" }, wantErr: "token_endpoint",
		},
		{
			name: "localhost issuer with remote endpoint", issuer: "http://localhost:9000",
			mutate: func(d *DiscoveryDocument) {
				d.AuthorizationEndpoint = "http://localhost:9000/authorize"
				d.TokenEndpoint = "http://localhost:9000/token"
				d.JWKSURI = "https://evil.example/jwks"
			},
			wantErr: "jwks_uri",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := valid()
			tt.mutate(d)
			err := d.Validate(tt.issuer)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
