// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package magicauth

import (
	"fmt"
	"net/url"
	"strconv"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/channel"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/tokens"
)

// Issuer starts logins of local channels at remote sites.
type Issuer struct {
	site   *channel.Site
	tokens *tokens.Store
	log    *logging.Logger
}

// NewIssuer creates an Issuer recording its secrets in s.
func NewIssuer(site *channel.Site, s *tokens.Store, log *logging.Logger) *Issuer {
	return &Issuer{
		site:   site,
		tokens: s,
		log:    log,
	}
}

// Issue returns the URL that logs ch in at the site hosting destURL and
// then shows destURL.  A destination on this site needs no login and is
// returned as is.
func (i *Issuer) Issue(ch *channel.Channel, destURL string) (string, error) {
	u, err := url.Parse(destURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: destination '%v'", zot.ErrMalformed, destURL)
	}
	realm, err := identity.SiteHost(destURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", zot.ErrMalformed, err)
	}
	if realm == i.site.Host() {
		return destURL, nil
	}

	tok, err := i.tokens.Issue(ch.ID, realm)
	if err != nil {
		return "", err
	}
	i.log.Debugf("Issued magic-auth secret for %v at %v", ch.Address, realm)
	q := url.Values{
		"auth":    {ch.Address},
		"dest":    {destURL},
		"sec":     {tok},
		"version": {strconv.Itoa(zot.Version)},
	}
	return u.Scheme + "://" + u.Host + channel.PostPath + "?" + q.Encode(), nil
}
