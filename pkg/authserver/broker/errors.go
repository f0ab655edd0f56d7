// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

var (
	// ErrUnknownState is returned when a callback carries a state no pending
	// upstream transaction was created with. Nothing is mutated.
	ErrUnknownState = httperr.WithCode(errors.New("unknown or expired login state"), http.StatusBadRequest)

	// ErrCallbackAlreadyHandled is returned to the loser of a duplicate callback.
	ErrCallbackAlreadyHandled = httperr.WithCode(errors.New("login has already been completed"), http.StatusBadRequest)

	// ErrAuthenticationFailed is the generic failure shown after the upstream
	// exchange fails. The cause is logged, not returned.
	ErrAuthenticationFailed = httperr.WithCode(errors.New("authentication failed"), http.StatusBadGateway)

	// ErrSessionNotFound is returned when a session is unknown or expired.
	ErrSessionNotFound = httperr.WithCode(errors.New("session not found or expired"), http.StatusUnauthorized)

	// ErrTicketsDisabled is returned when no ticket resolver is configured.
	ErrTicketsDisabled = httperr.WithCode(errors.New("ticket authentication is not enabled"), http.StatusNotFound)

	// ErrInvalidIDTokenHint is returned when end_session receives a hint that
	// was not issued by this server.
	ErrInvalidIDTokenHint = httperr.WithCode(errors.New("invalid id_token_hint"), http.StatusBadRequest)
)
