// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"encoding/json"
	"fmt"

	"github.com/katzenpost/zot"
)

// WellKnownPath is the discovery document path on every Zot site.
const WellKnownPath = "/.well-known/zot-info"

// Document is the identity document published by a site at WellKnownPath.
type Document struct {
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	GUID      string        `json:"guid,omitempty"`
	GUIDSig   string        `json:"guid_sig,omitempty"`
	Key       string        `json:"key,omitempty"`
	Name      string        `json:"name,omitempty"`
	Address   string        `json:"address,omitempty"`
	URL       string        `json:"url,omitempty"`
	Photo     string        `json:"photo,omitempty"`
	Locations []DocLocation `json:"locations,omitempty"`
}

// DocLocation is one hosting site of a published identity.
type DocLocation struct {
	Host     string `json:"host"`
	Address  string `json:"address"`
	Primary  bool   `json:"primary"`
	URL      string `json:"url"`
	URLSig   string `json:"url_sig"`
	Callback string `json:"callback"`
	SiteKey  string `json:"sitekey"`
	Deleted  bool   `json:"deleted,omitempty"`
}

// ParseDocument parses a discovery response.
func ParseDocument(b []byte) (*Document, error) {
	d := new(Document)
	if err := json.Unmarshal(b, d); err != nil {
		return nil, fmt.Errorf("%w: identity document: %v", zot.ErrMalformed, err)
	}
	if !d.Success {
		return nil, fmt.Errorf("%w: %v", zot.ErrNotFound, d.Message)
	}
	if d.GUID == "" || d.GUIDSig == "" || d.Key == "" {
		return nil, fmt.Errorf("%w: identity document: missing identity", zot.ErrMalformed)
	}
	return d, nil
}
