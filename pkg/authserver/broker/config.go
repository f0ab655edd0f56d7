// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
)

// LegacyTicketProvider is the provider name recorded on sessions created
// from a legacy login ticket.
const LegacyTicketProvider = "legacy-ticket"

// Config holds the lifetimes and redirect policy of the broker.
type Config struct {
	// LoginTransactionTTL bounds how long a user may spend at the upstream IdP.
	LoginTransactionTTL time.Duration
	AuthCodeTTL         time.Duration
	SessionTTL          time.Duration

	// AllowedGotoHosts lists the hosts an unregistered login may return to.
	// An entry starting with "." also matches every subdomain.
	AllowedGotoHosts []string

	// DefaultPostLogoutRedirectURI is used when end_session names no
	// registered post_logout_redirect_uri. Empty means no redirect.
	DefaultPostLogoutRedirectURI string
}

func (c *Config) applyDefaults() {
	if c.LoginTransactionTTL <= 0 {
		c.LoginTransactionTTL = storage.DefaultLoginTransactionTTL
	}
	if c.AuthCodeTTL <= 0 {
		c.AuthCodeTTL = storage.DefaultAuthCodeTTL
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = storage.DefaultSessionTTL
	}
}

// Validate checks the configured redirect targets.
func (c *Config) Validate() error {
	for _, host := range c.AllowedGotoHosts {
		if strings.TrimPrefix(host, ".") == "" || strings.ContainsAny(host, "/:") {
			return fmt.Errorf("invalid allowed goto host %q", host)
		}
	}
	if c.DefaultPostLogoutRedirectURI != "" && !validation.IsAbsoluteWithoutFragment(c.DefaultPostLogoutRedirectURI) {
		return errors.New("default post logout redirect uri must be absolute and must not contain a fragment")
	}
	return nil
}

// gotoAllowed reports whether raw is an absolute https (or loopback http)
// URL on an allowed host.
func (c *Config) gotoAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Fragment != "" || u.User != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch u.Scheme {
	case "https":
	case "http":
		if host != "localhost" && host != "127.0.0.1" {
			return false
		}
	default:
		return false
	}
	for _, allowed := range c.AllowedGotoHosts {
		allowed = strings.ToLower(allowed)
		if strings.HasPrefix(allowed, ".") {
			if host == allowed[1:] || strings.HasSuffix(host, allowed) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}
