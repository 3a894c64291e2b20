// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"crypto/rsa"
	"strings"

	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/identity"
)

// PostPath is the packet delivery and magic-auth endpoint of every site.
const PostPath = "/post"

// Site is this Zot site: its canonical URL and site key.
type Site struct {
	URL  string
	Name string
	Key  *rsa.PrivateKey
}

// NewSite returns a Site for baseURL, which is stored without a trailing
// slash.
func NewSite(baseURL, name string, k *rsa.PrivateKey) *Site {
	return &Site{
		URL:  strings.TrimRight(baseURL, "/"),
		Name: name,
		Key:  k,
	}
}

// Host returns the normalized host of the site.
func (s *Site) Host() string {
	h, err := identity.SiteHost(s.URL)
	if err != nil {
		return ""
	}
	return h
}

// Callback returns the URL remote sites deliver packets to.
func (s *Site) Callback() string {
	return s.URL + PostPath
}

// PublicKeyPEM returns the PEM encoded site public key.
func (s *Site) PublicKeyPEM() (string, error) {
	return crypto.PublicKeyToPEM(&s.Key.PublicKey)
}

// URLSig returns a fresh signature over the site URL made with the site
// key.
func (s *Site) URLSig() (string, error) {
	return crypto.Sign([]byte(s.URL), s.Key)
}
