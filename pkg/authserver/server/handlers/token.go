// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/ory/fosite"

	"github.com/stacklok/idbroker/pkg/authserver/token"
	"github.com/stacklok/idbroker/pkg/logger"
)

// tokenErrorResponse is the RFC 6749 section 5.2 error body.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// TokenHandler handles POST /token for the authorization_code and
// refresh_token grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		h.writeTokenError(w, req, fosite.ErrInvalidRequest.WithHint("Unable to parse the request body."))
		return
	}
	form := req.PostForm

	clientID, secret, err := clientCredentials(req)
	if err != nil {
		h.writeTokenError(w, req, err)
		return
	}

	var (
		result *token.Result
		n      = h.normalizer
	)
	switch grantType := n.String("grant_type", form.Get("grant_type")); grantType {
	case token.GrantTypeAuthorizationCode:
		result, err = h.tokens.ExchangeAuthorizationCode(req.Context(), &token.CodeExchangeRequest{
			GrantType:    grantType,
			Code:         form.Get("code"),
			RedirectURI:  n.String("redirect_uri", form.Get("redirect_uri")),
			ClientID:     clientID,
			ClientSecret: secret,
			CodeVerifier: form.Get("code_verifier"),
		})
	case token.GrantTypeRefreshToken:
		result, err = h.tokens.Refresh(req.Context(), &token.RefreshRequest{
			GrantType:    grantType,
			RefreshToken: form.Get("refresh_token"),
			ClientID:     clientID,
			ClientSecret: secret,
			Scopes:       n.Fields("scope", form.Get("scope")),
		})
	case "":
		err = fosite.ErrInvalidRequest.WithHint("The 'grant_type' parameter is required.")
	default:
		err = fosite.ErrUnsupportedGrantType
	}
	if err != nil {
		h.writeTokenError(w, req, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, result)
}

// clientCredentials reads client_secret_basic, falling back to
// client_secret_post. Mixing both is rejected.
func clientCredentials(req *http.Request) (string, string, error) {
	formID := req.PostForm.Get("client_id")
	formSecret := req.PostForm.Get("client_secret")

	basicID, basicSecret, ok := req.BasicAuth()
	if !ok {
		return formID, formSecret, nil
	}
	if formSecret != "" {
		return "", "", fosite.ErrInvalidRequest.WithHint("Only one client authentication method may be used.")
	}
	id, err := url.QueryUnescape(basicID)
	if err != nil {
		return "", "", fosite.ErrInvalidClient.WithHint("Malformed client_id in the Authorization header.")
	}
	secret, err := url.QueryUnescape(basicSecret)
	if err != nil {
		return "", "", fosite.ErrInvalidClient.WithHint("Malformed client_secret in the Authorization header.")
	}
	if formID != "" && formID != id {
		return "", "", fosite.ErrInvalidRequest.WithHint("The client_id does not match the Authorization header.")
	}
	return id, secret, nil
}

func (*Handler) writeTokenError(w http.ResponseWriter, req *http.Request, err error) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	var rfcErr *fosite.RFC6749Error
	if !errors.As(err, &rfcErr) {
		logger.FromContext(req.Context()).Error("token request failed", "path", req.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, tokenErrorResponse{Error: "server_error"})
		return
	}

	status := rfcErr.CodeField
	if status == 0 {
		status = http.StatusBadRequest
	}
	if rfcErr.ErrorField == fosite.ErrInvalidClient.ErrorField {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, status, tokenErrorResponse{
		Error:            rfcErr.ErrorField,
		ErrorDescription: rfcErr.GetDescription(),
	})
}
