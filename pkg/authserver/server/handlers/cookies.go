// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"
	"time"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
)

// Cookie defaults.
const (
	DefaultSessionCookieName = "idbroker_sid"
	DefaultTicketCookieName  = "ticket"
)

// CookieConfig controls the session cookie.
type CookieConfig struct {
	SessionName string
	// TicketName is the legacy ticket cookie read by /authentication.
	TicketName string
	Domain     string
	// Insecure drops the Secure attribute for plain-http development setups.
	Insecure bool
	MaxAge   time.Duration
}

func (c *CookieConfig) applyDefaults() {
	if c.SessionName == "" {
		c.SessionName = DefaultSessionCookieName
	}
	if c.TicketName == "" {
		c.TicketName = DefaultTicketCookieName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = storage.DefaultSessionTTL
	}
}

func (h *Handler) sessionSid(r *http.Request) string {
	c, err := r.Cookie(h.config.Cookies.SessionName)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Cookies.SessionName,
		Value:    sid,
		Path:     "/",
		Domain:   h.config.Cookies.Domain,
		MaxAge:   int(h.config.Cookies.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   !h.config.Cookies.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.config.Cookies.SessionName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.Cookies.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !h.config.Cookies.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
}
