// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/stacklok/toolhive-core/env"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/idbroker/pkg/authserver/keys"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/pkg/authserver/upstream"
	"github.com/stacklok/idbroker/pkg/authserver/validation"
	"github.com/stacklok/idbroker/pkg/logger"
	"github.com/stacklok/idbroker/pkg/networking"
)

// DefaultListenAddress is used when neither the config file nor --listen
// sets one.
const DefaultListenAddress = ":8080"

// Config is the file representation of the broker configuration. Secrets
// are never stored in the file; the *Env fields name environment variables
// that Resolve reads.
type Config struct {
	// Issuer is the public base URL of this server and the iss claim of
	// every token it mints.
	Issuer string `yaml:"issuer"`
	Listen string `yaml:"listen,omitempty"`

	// HMACSecretEnv or HMACSecretFile supplies the secret keying opaque
	// codes and refresh tokens. It must be shared by every replica.
	HMACSecretEnv  string `yaml:"hmacSecretEnv,omitempty"`
	HMACSecretFile string `yaml:"hmacSecretFile,omitempty"`
	// RotatedHMACSecretEnvs still validate tokens minted before a rotation.
	RotatedHMACSecretEnvs []string `yaml:"rotatedHmacSecretEnvs,omitempty"`

	Keys    keys.Config    `yaml:"keys,omitempty"`
	Storage storage.Config `yaml:"storage,omitempty"`

	Tokens   TokenConfig   `yaml:"tokens,omitempty"`
	Sessions SessionConfig `yaml:"sessions,omitempty"`

	// Upstreams are the federated OpenID Providers. The first one is the
	// default for /authorize.
	Upstreams []upstream.Config `yaml:"upstreams"`
	Clients   []ClientConfig    `yaml:"clients,omitempty"`

	Tickets      TicketConfig       `yaml:"tickets,omitempty"`
	HTTP         HTTPConfig         `yaml:"http,omitempty"`
	Outbound     OutboundConfig     `yaml:"outbound,omitempty"`
	FrontChannel FrontChannelConfig `yaml:"frontChannel,omitempty"`

	hmacSecrets [][]byte
}

// TokenConfig holds token lifetimes.
type TokenConfig struct {
	AccessTokenTTL  time.Duration `yaml:"accessTokenTtl,omitempty"`
	IDTokenTTL      time.Duration `yaml:"idTokenTtl,omitempty"`
	RefreshTokenTTL time.Duration `yaml:"refreshTokenTtl,omitempty"`
	// Audience is the aud claim of access tokens. Defaults to the issuer.
	Audience string `yaml:"audience,omitempty"`
}

// SessionConfig holds login and session lifetimes and redirect policy.
type SessionConfig struct {
	LoginTransactionTTL time.Duration `yaml:"loginTransactionTtl,omitempty"`
	AuthCodeTTL         time.Duration `yaml:"authCodeTtl,omitempty"`
	SessionTTL          time.Duration `yaml:"sessionTtl,omitempty"`

	// AllowedGotoHosts bounds where /login?goto= may return to. A leading
	// "." also matches subdomains.
	AllowedGotoHosts             []string `yaml:"allowedGotoHosts,omitempty"`
	DefaultPostLogoutRedirectURI string   `yaml:"defaultPostLogoutRedirectUri,omitempty"`
}

// ClientConfig seeds one registered relying party.
type ClientConfig struct {
	ClientID string `yaml:"clientId"`
	Name     string `yaml:"name,omitempty"`
	// SecretEnv names the variable holding the client secret. Empty means a
	// public client.
	SecretEnv              string   `yaml:"secretEnv,omitempty"`
	RedirectURIs           []string `yaml:"redirectUris"`
	PostLogoutRedirectURIs []string `yaml:"postLogoutRedirectUris,omitempty"`
	AllowedScopes          []string `yaml:"allowedScopes,omitempty"`
	FrontchannelLogoutURI  string   `yaml:"frontchannelLogoutUri,omitempty"`
	RefreshTokensEnabled   bool     `yaml:"refreshTokensEnabled,omitempty"`

	secret string
}

// TicketConfig enables legacy ticket authentication at /authentication.
type TicketConfig struct {
	// Endpoint is the ticket service. Empty disables tickets.
	Endpoint   string `yaml:"endpoint,omitempty"`
	CookieName string `yaml:"cookieName,omitempty"`
}

// HTTPConfig holds the settings of the inbound HTTP surface.
type HTTPConfig struct {
	SessionCookieName     string        `yaml:"sessionCookieName,omitempty"`
	CookieDomain          string        `yaml:"cookieDomain,omitempty"`
	InsecureCookies       bool          `yaml:"insecureCookies,omitempty"`
	RateLimitPerSecond    float64       `yaml:"rateLimitPerSecond,omitempty"`
	RateLimitBurst        int           `yaml:"rateLimitBurst,omitempty"`
	TrustForwardedHeaders bool          `yaml:"trustForwardedHeaders,omitempty"`
	ReadHeaderTimeout     time.Duration `yaml:"readHeaderTimeout,omitempty"`
	ShutdownTimeout       time.Duration `yaml:"shutdownTimeout,omitempty"`
}

// OutboundConfig controls the HTTP client used toward upstream providers
// and the ticket service.
type OutboundConfig struct {
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	CABundle          string        `yaml:"caBundle,omitempty"`
	AllowPrivateIPs   bool          `yaml:"allowPrivateIps,omitempty"`
	AllowInsecureHTTP bool          `yaml:"allowInsecureHttp,omitempty"`
	// DiscoveryTTL is how long upstream discovery documents are cached.
	DiscoveryTTL time.Duration `yaml:"discoveryTtl,omitempty"`
}

// FrontChannelConfig tunes front-channel logout delivery.
type FrontChannelConfig struct {
	Concurrency     int           `yaml:"concurrency,omitempty"`
	MaxTries        uint          `yaml:"maxTries,omitempty"`
	InitialInterval time.Duration `yaml:"initialInterval,omitempty"`
	Timeout         time.Duration `yaml:"timeout,omitempty"`
}

// LoadConfig reads a YAML configuration file. Unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the --config flag
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	logger.Debugw("loaded config file", "path", path, "upstreams", len(cfg.Upstreams), "clients", len(cfg.Clients))
	return &cfg, nil
}

// Resolve reads every secret named by the config from envReader.
func (c *Config) Resolve(envReader env.Reader) error {
	if envReader == nil {
		envReader = &env.OSReader{}
	}

	switch {
	case c.HMACSecretFile != "":
		secret, err := keys.LoadHMACSecret(c.HMACSecretFile)
		if err != nil {
			return err
		}
		c.hmacSecrets = [][]byte{secret}
	case c.HMACSecretEnv != "":
		secret, err := keys.ParseHMACSecret(envReader.Getenv(c.HMACSecretEnv))
		if err != nil {
			return fmt.Errorf("%s: %w", c.HMACSecretEnv, err)
		}
		c.hmacSecrets = [][]byte{secret}
	default:
		return errors.New("hmacSecretEnv or hmacSecretFile is required")
	}
	for _, name := range c.RotatedHMACSecretEnvs {
		secret, err := keys.ParseHMACSecret(envReader.Getenv(name))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		c.hmacSecrets = append(c.hmacSecrets, secret)
	}

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.ClientSecretEnv == "" {
			continue
		}
		u.ClientSecret = envReader.Getenv(u.ClientSecretEnv)
		if u.ClientSecret == "" {
			return fmt.Errorf("upstream %s: environment variable %s is empty", u.Name, u.ClientSecretEnv)
		}
	}

	for i := range c.Clients {
		cl := &c.Clients[i]
		if cl.SecretEnv == "" {
			continue
		}
		cl.secret = envReader.Getenv(cl.SecretEnv)
		if cl.secret == "" {
			return fmt.Errorf("client %s: environment variable %s is empty", cl.ClientID, cl.SecretEnv)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListenAddress
	}
	if c.HTTP.ReadHeaderTimeout <= 0 {
		c.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if c.Outbound.Timeout <= 0 {
		c.Outbound.Timeout = 10 * time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
	}
}

// Validate checks the configuration. It does not read secrets.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if err := networking.ValidateEndpointURL(c.Issuer); err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if len(c.Upstreams) == 0 {
		return errors.New("at least one upstream provider is required")
	}

	names := make(map[string]struct{}, len(c.Upstreams))
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if err := u.Validate(); err != nil {
			return fmt.Errorf("upstream %d: %w", i, err)
		}
		if _, dup := names[u.Name]; dup {
			return fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		names[u.Name] = struct{}{}
	}

	ids := make(map[string]struct{}, len(c.Clients))
	for i := range c.Clients {
		if err := c.Clients[i].Validate(); err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		if _, dup := ids[c.Clients[i].ClientID]; dup {
			return fmt.Errorf("duplicate client id %q", c.Clients[i].ClientID)
		}
		ids[c.Clients[i].ClientID] = struct{}{}
	}

	if c.Tickets.Endpoint != "" {
		if err := networking.ValidateEndpointURL(c.Tickets.Endpoint); err != nil {
			return fmt.Errorf("invalid ticket endpoint: %w", err)
		}
	}
	if c.HTTP.RateLimitPerSecond < 0 || c.HTTP.RateLimitBurst < 0 {
		return errors.New("rate limit settings must not be negative")
	}
	return nil
}

// Validate checks one client entry.
func (c *ClientConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("client %s: at least one redirect uri is required", c.ClientID)
	}
	for _, uri := range slices.Concat(c.RedirectURIs, c.PostLogoutRedirectURIs) {
		if !validation.IsAbsoluteWithoutFragment(uri) {
			return fmt.Errorf("client %s: %q must be absolute and must not contain a fragment", c.ClientID, uri)
		}
	}
	if c.FrontchannelLogoutURI != "" && !validation.IsAbsoluteWithoutFragment(c.FrontchannelLogoutURI) {
		return fmt.Errorf("client %s: invalid frontchannel logout uri", c.ClientID)
	}
	if c.RefreshTokensEnabled && c.SecretEnv == "" {
		return fmt.Errorf("client %s: refresh tokens require a confidential client", c.ClientID)
	}
	return nil
}
