// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"fmt"
	"slices"

	"github.com/stacklok/idbroker/pkg/networking"
)

// Config describes one upstream OpenID Provider.
type Config struct {
	// Name identifies the provider in sessions and configuration.
	Name   string `yaml:"name"`
	Issuer string `yaml:"issuer"`

	ClientID string `yaml:"clientId"`
	// ClientSecret is resolved from ClientSecretEnv by the config loader.
	ClientSecret    string `yaml:"-"`
	ClientSecretEnv string `yaml:"clientSecretEnv,omitempty"`

	RedirectURI string   `yaml:"redirectUri"`
	Scopes      []string `yaml:"scopes,omitempty"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("provider name is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("provider %s: issuer is required", c.Name)
	}
	if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
		return fmt.Errorf("provider %s: invalid issuer URL: %w", c.Name, err)
	}
	if c.ClientID == "" {
		return fmt.Errorf("provider %s: client id is required", c.Name)
	}
	if err := networking.ValidateEndpointURL(c.RedirectURI); err != nil {
		return fmt.Errorf("provider %s: invalid redirect URI: %w", c.Name, err)
	}
	if len(c.Scopes) > 0 && !slices.Contains(c.Scopes, "openid") {
		return fmt.Errorf("provider %s: openid scope is required", c.Name)
	}
	return nil
}

func (c *Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{"openid", "profile"}
	}
	return slices.Clone(c.Scopes)
}
