// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package changelog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_JSONCarriesKind(t *testing.T) {
	t.Parallel()

	payloads := []Payload{
		Create{ClientID: "c1", Name: "App", RedirectURIs: []string{"https://app.example/cb"}},
		Update{ClientID: "c1", Changed: map[string]string{"name": "App 2"}},
		RightsUpdate{ClientID: "c1", Added: []string{"read"}},
		AccessPackageUpdate{ClientID: "c1", Packages: []string{"pkg-a"}},
		Delete{ClientID: "c1"},
	}

	for _, p := range payloads {
		t.Run(string(p.Kind()), func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(Entry{Sequence: 1, Actor: "admin", Payload: p})
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Equal(t, string(p.Kind()), raw["kind"])

			var decoded Entry
			require.NoError(t, json.Unmarshal(data, &decoded))
			assert.Equal(t, p, decoded.Payload)
		})
	}
}

func TestEntry_UnknownKind(t *testing.T) {
	t.Parallel()
	var e Entry
	err := json.Unmarshal([]byte(`{"sequence":1,"kind":"rename","payload":{}}`), &e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rename")
}

func TestEntry_MarshalWithoutPayload(t *testing.T) {
	t.Parallel()
	_, err := json.Marshal(Entry{Sequence: 1})
	require.Error(t, err)
}

func TestMemoryLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	log := NewMemoryLog()

	_, err := log.Append(ctx, "admin", nil)
	require.Error(t, err)

	first, err := log.Append(ctx, "admin", Create{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)

	_, err = log.Append(ctx, "admin", Delete{ClientID: "c1"})
	require.NoError(t, err)

	all, err := log.Since(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindDelete, all[1].Payload.Kind())

	tail, err := log.Since(ctx, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Sequence)

	none, err := log.Since(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}
