// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URL schemes.
const (
	HttpScheme  = "http"
	HttpsScheme = "https"
)

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"100.64.0.0/10",
		"fc00::/7",
		"fe80::/10",
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid private CIDR %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// IsLocalhost reports whether host (optionally with a port) is a loopback name or address.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// AddressReferencesPrivateIP returns an error if address (host:port) is a
// private, link-local or loopback IP.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("address %s is not an IP", address)
	}
	if ip.IsLoopback() || ip.IsUnspecified() {
		return fmt.Errorf("address %s is a loopback or unspecified address", address)
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return fmt.Errorf("address %s is in private range %s", address, block)
		}
	}
	return nil
}

// ValidateEndpointURL checks that raw is an absolute URL using HTTPS, or HTTP
// against a loopback host.
func ValidateEndpointURL(raw string) error {
	if raw == "" {
		return errors.New("URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("URL %q must be absolute", raw)
	}
	switch u.Scheme {
	case HttpsScheme:
		return nil
	case HttpScheme:
		if IsLocalhost(u.Host) {
			return nil
		}
		return fmt.Errorf("URL %q must use HTTPS", raw)
	default:
		return fmt.Errorf("URL %q has unsupported scheme %q", raw, u.Scheme)
	}
}
