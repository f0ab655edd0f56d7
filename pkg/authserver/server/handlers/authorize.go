// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/stacklok/idbroker/pkg/authserver/broker"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
)

// singleValued are the /authorize parameters that must not be repeated.
var singleValued = []string{
	"response_type", "scope", "redirect_uri", "client_id", "state", "nonce",
	"code_challenge", "code_challenge_method", "prompt", "max_age", "acr_values", "ui_locales",
}

// parseAuthorizeRequest builds an AuthorizeRequest from normalized query values.
func (h *Handler) parseAuthorizeRequest(query url.Values) (*validation.AuthorizeRequest, *validation.AuthorizeValidationError) {
	for _, name := range singleValued {
		if len(query[name]) > 1 {
			return nil, &validation.AuthorizeValidationError{
				Code:        validation.ErrorInvalidRequest,
				Description: name + " must not be repeated",
			}
		}
	}

	n := h.normalizer
	req := &validation.AuthorizeRequest{
		ResponseType:        n.String("response_type", query.Get("response_type")),
		Scopes:              n.Fields("scope", query.Get("scope")),
		RedirectURI:         n.String("redirect_uri", query.Get("redirect_uri")),
		ClientID:            n.String("client_id", query.Get("client_id")),
		State:               n.String("state", query.Get("state")),
		Nonce:               n.String("nonce", query.Get("nonce")),
		CodeChallenge:       n.String("code_challenge", query.Get("code_challenge")),
		CodeChallengeMethod: n.String("code_challenge_method", query.Get("code_challenge_method")),
		Prompts:             n.Fields("prompt", query.Get("prompt")),
		AcrValues:           n.Fields("acr_values", query.Get("acr_values")),
		UILocales:           n.Fields("ui_locales", query.Get("ui_locales")),
	}
	if raw := n.Optional("max_age", query.Get("max_age")); raw != nil {
		maxAge, err := strconv.Atoi(*raw)
		if err != nil || maxAge < 0 {
			return nil, &validation.AuthorizeValidationError{
				Code:        validation.ErrorInvalidRequest,
				Description: "max_age must be a non-negative integer",
			}
		}
		req.MaxAge = &maxAge
	}
	return req, nil
}

// AuthorizeHandler handles GET /authorize.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	req, verr := h.parseAuthorizeRequest(r.URL.Query())
	if verr != nil {
		writeErrorPage(w, verr)
		return
	}

	res, err := h.broker.Authorize(r.Context(), &broker.AuthorizeInput{
		Request:    req,
		SessionSid: h.sessionSid(r),
		Meta:       requestMeta(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeAuthorizeResult(w, r, res)
}

// LoginHandler handles GET /login?goto= for first-party applications that
// are not registered clients.
func (h *Handler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.broker.AuthorizeUnregisteredClient(r.Context(), &broker.UnregisteredAuthorizeInput{
		GotoURL:   h.normalizer.String("goto", q.Get("goto")),
		AcrValues: h.normalizer.Fields("acr_values", q.Get("acr_values")),
		Meta:      requestMeta(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeAuthorizeResult(w, r, res)
}

func (*Handler) writeAuthorizeResult(w http.ResponseWriter, r *http.Request, res *broker.AuthorizeResult) {
	if res.Kind == broker.ResultError {
		writeErrorPage(w, res.Error)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// CallbackHandler handles GET /upstream/callback and sets the session cookie
// once a login completes.
func (h *Handler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.broker.HandleUpstreamCallback(r.Context(), &broker.CallbackInput{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            h.normalizer.String("error", q.Get("error")),
		ErrorDescription: h.normalizer.String("error_description", q.Get("error_description")),
	})
	if err != nil {
		if errors.Is(err, broker.ErrUnknownState) || errors.Is(err, broker.ErrCallbackAlreadyHandled) {
			logger.FromContext(r.Context()).Debug("rejected upstream callback", "error", err)
		}
		writeError(w, r, err)
		return
	}
	if res.SessionSid != "" {
		h.setSessionCookie(w, res.SessionSid)
	}
	if res.Kind == broker.ResultError {
		writeErrorPage(w, res.Error)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}
