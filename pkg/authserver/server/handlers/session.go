// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/ticket"
	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/logger"
)

var (
	errInvalidTicket = httperr.WithCode(errors.New("invalid ticket"), http.StatusUnauthorized)
	errBearerMissing = httperr.WithCode(errors.New("bearer access token is required"), http.StatusUnauthorized)
	errBearerInvalid = httperr.WithCode(errors.New("invalid access token"), http.StatusUnauthorized)
)

// AuthenticationHandler handles GET /authentication. A live session cookie
// yields an access token; otherwise a legacy ticket cookie is exchanged for
// a new session.
func (h *Handler) AuthenticationHandler(w http.ResponseWriter, r *http.Request) {
	if sid := h.sessionSid(r); sid != "" {
		res, err := h.broker.HandleAuthenticateFromSessionResult(r.Context(), sid)
		if err == nil {
			writeSessionToken(w, res)
			return
		}
		if !errors.Is(err, broker.ErrSessionNotFound) {
			writeError(w, r, err)
			return
		}
		h.clearSessionCookie(w)
	}

	cookie, err := r.Cookie(h.config.Cookies.TicketName)
	if err != nil || cookie.Value == "" {
		writeError(w, r, broker.ErrSessionNotFound)
		return
	}
	res, err := h.broker.HandleAuthenticateFromTicket(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, ticket.ErrInvalidTicket) {
			err = errInvalidTicket
		}
		writeError(w, r, err)
		return
	}
	h.setSessionCookie(w, res.Sid)
	writeSessionToken(w, res)
}

// RefreshHandler handles GET /refresh. The caller presents a broker access
// token as a bearer token and receives a fresh one for the same session.
func (h *Handler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, errBearerMissing)
		return
	}
	verified, err := h.tokens.Issuer().ParseAndVerify(r.Context(), raw)
	if err != nil || verified.Type != token.TypeAccessToken {
		logger.FromContext(r.Context()).Debug("rejected refresh bearer token", "error", err)
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeError(w, r, errBearerInvalid)
		return
	}

	res, err := h.broker.HandleSessionRefresh(r.Context(), verified.Principal())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSessionToken(w, res)
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func writeSessionToken(w http.ResponseWriter, res *broker.SessionToken) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, res)
}
