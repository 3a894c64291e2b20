// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"

	"github.com/katzenpost/zot"
)

var errInvalidAddress = errors.New("identity: invalid address")

// Address is a parsed webbie of the form name@host.
type Address struct {
	Name string
	Host string
}

// String returns the canonical name@host form.
func (a Address) String() string {
	return a.Name + "@" + a.Host
}

// ParseAddress parses a webbie.  The name is lowercased and the host is
// lowercased and converted to its IDNA ASCII form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "acct:")
	i := strings.LastIndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return Address{}, fmt.Errorf("%w: %w: '%v'", zot.ErrMalformed, errInvalidAddress, s)
	}
	name := strings.ToLower(s[:i])
	if strings.ContainsAny(name, "/?#@ ") {
		return Address{}, fmt.Errorf("%w: %w: '%v'", zot.ErrMalformed, errInvalidAddress, s)
	}
	host, err := NormalizeHost(s[i+1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w: '%v'", zot.ErrMalformed, errInvalidAddress, s)
	}
	return Address{Name: name, Host: host}, nil
}

// NormalizeHost lowercases a host (optionally with a port) and converts it
// to its IDNA ASCII form.
func NormalizeHost(h string) (string, error) {
	host, port := h, ""
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[i:], "]") {
		host, port = h[:i], h[i:]
	}
	a, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", err
	}
	if a == "" {
		return "", errInvalidAddress
	}
	return a + port, nil
}

// SiteHost returns the normalized host of a site URL.
func SiteHost(siteURL string) (string, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("identity: site URL has no host: '%v'", siteURL)
	}
	return NormalizeHost(u.Host)
}
