// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"strconv"
	"strings"
)

// Key type segments used in Redis keys.
const (
	KeyTypeLogin               = "login"
	KeyTypeUnregistered        = "unregistered"
	KeyTypeUpstream            = "upstream"
	KeyTypeUpstreamState       = "upstream:state"
	KeyTypeAuthCode            = "authcode"
	KeyTypeSession             = "session"
	KeyTypeSessionUpstreamSub  = "session:upstream_sub"
	KeyTypeSessionUpstreamSid  = "session:upstream_sid"
	KeyTypeRefresh             = "refresh"
	KeyTypeRefreshLookup       = "refresh:lookup"
	KeyTypeRefreshFamily       = "refresh:family"
	KeyTypeRefreshFamilyTriple = "refresh:family_triple"
	KeyTypeRefreshFamilyTokens = "refresh:family_tokens"
	KeyTypeRefreshOpSid        = "refresh:op_sid"
)

// redisKey builds "{prefix}{type}:{id}".
func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// redisKeyPrefix returns the part of redisKey before the id. Lua scripts that
// walk a set of ids build member keys from it.
func redisKeyPrefix(prefix, keyType string) string {
	return prefix + keyType + ":"
}

// redisCompositeKey builds a key from several caller-controlled parts. Each
// part is length-prefixed so no choice of separator inside a part collides.
func redisCompositeKey(prefix, keyType string, parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte('.')
		b.WriteString(p)
	}
	return redisKey(prefix, keyType, b.String())
}
