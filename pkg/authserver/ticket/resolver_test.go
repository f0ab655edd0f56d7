// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idbroker/pkg/networking"
)

func TestStaticResolver(t *testing.T) {
	t.Parallel()
	r := NewStaticResolver(map[string]*Identity{"t-1": {Subject: "alice"}})
	r.Add("t-2", &Identity{Subject: "bob"})

	got, err := r.Resolve(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	got.Subject = "mutated"

	again, err := r.Resolve(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Subject)

	_, err = r.Resolve(context.Background(), "t-2")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, ErrInvalidTicket)
}

func TestHTTPResolver(t *testing.T) {
	t.Parallel()
	authTime := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch body["ticket"] {
		case "good":
			_ = json.NewEncoder(w).Encode(Identity{
				Subject:  "alice",
				Acr:      "idporten-loa-substantial",
				AuthTime: authTime,
				Claims:   map[string]string{"pid": "1"},
			})
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		case "empty":
			_ = json.NewEncoder(w).Encode(Identity{})
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(srv.Close)

	r, err := NewHTTPResolver(srv.URL, srv.Client())
	require.NoError(t, err)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.True(t, authTime.Equal(got.AuthTime))
	assert.Equal(t, "1", got.Claims["pid"])

	_, err = r.Resolve(ctx, "unknown")
	require.ErrorIs(t, err, ErrInvalidTicket)

	_, err = r.Resolve(ctx, "empty")
	require.ErrorIs(t, err, ErrInvalidTicket)

	_, err = r.Resolve(ctx, "")
	require.ErrorIs(t, err, ErrInvalidTicket)

	_, err = r.Resolve(ctx, "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTicket)
	assert.True(t, networking.IsHTTPError(err, http.StatusBadGateway))
}

func TestNewHTTPResolver_RejectsInsecureEndpoint(t *testing.T) {
	t.Parallel()
	_, err := NewHTTPResolver("http://tickets.example/resolve", nil)
	require.Error(t, err)
}
