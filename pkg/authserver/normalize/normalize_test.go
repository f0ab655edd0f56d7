// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package normalize

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizer_String(t *testing.T) {
	t.Parallel()
	n := New("state")

	tests := []struct {
		name  string
		param string
		value string
		want  string
	}{
		{name: "trims ordinary values", param: "client_id", value: "  client-a\t", want: "client-a"},
		{name: "keeps excluded values", param: "state", value: " s1 ", want: " s1 "},
		{name: "empty stays empty", param: "nonce", value: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, n.String(tt.param, tt.value))
		})
	}
}

func TestNormalizer_Optional(t *testing.T) {
	t.Parallel()
	n := New()

	assert.Nil(t, n.Optional("max_age", "   "))
	got := n.Optional("max_age", " 30 ")
	require.NotNil(t, got)
	assert.Equal(t, "30", *got)
}

func TestNormalizer_Fields(t *testing.T) {
	t.Parallel()
	n := New(DefaultExclusions...)

	assert.Equal(t, []string{"openid", "profile"}, n.Fields("scope", "  openid   profile "))
	assert.Empty(t, n.Fields("prompt", "   "))
	assert.Equal(t, []string{"a b"}, n.Fields("state", "a b"))
	assert.Nil(t, n.Fields("state", ""))
}

func TestNormalizer_Values(t *testing.T) {
	t.Parallel()
	n := New(DefaultExclusions...)

	in := url.Values{
		"client_id":     {" client-a "},
		"code_verifier": {" verifier "},
	}
	out := n.Values(in)

	assert.Equal(t, "client-a", out.Get("client_id"))
	assert.Equal(t, " verifier ", out.Get("code_verifier"))
	assert.Equal(t, " client-a ", in.Get("client_id"), "input is not modified")
}
