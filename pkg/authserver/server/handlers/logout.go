// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
)

var errUnknownUpstream = httperr.WithCode(errors.New("unknown upstream issuer or session"), http.StatusBadRequest)

// LogoutHandler handles RP-initiated logout on GET and POST /logout.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, httperr.WithCode(err, http.StatusBadRequest))
		return
	}
	n := h.normalizer
	res, err := h.broker.EndSession(r.Context(), &broker.EndSessionInput{
		SessionSid:            h.sessionSid(r),
		IDTokenHint:           r.Form.Get("id_token_hint"),
		ClientID:              n.String("client_id", r.Form.Get("client_id")),
		PostLogoutRedirectURI: n.String("post_logout_redirect_uri", r.Form.Get("post_logout_redirect_uri")),
		State:                 r.Form.Get("state"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.clearSessionCookie(w)
	w.Header().Set("Cache-Control", "no-store")
	if res.RedirectURL == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// FrontChannelLogoutHandler handles GET /upstream/frontchannel-logout,
// loaded by the upstream OP in an iframe when its session ends.
func (h *Handler) FrontChannelLogoutHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	q := r.URL.Query()
	if _, err := h.broker.HandleUpstreamFrontChannelLogout(r.Context(), q.Get("iss"), q.Get("sid")); err != nil {
		if errors.Is(err, upstream.ErrUnknownProvider) {
			err = errUnknownUpstream
		}
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}
