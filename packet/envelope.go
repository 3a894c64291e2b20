// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the Zot envelope: its wire codec, including
// the optional encryption container, and construction of signed
// outgoing packets.
package packet

import (
	"crypto/rsa"
	"fmt"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/crypto"
)

// Sender identifies the sending identity and its site.
type Sender struct {
	GUID    string `json:"guid"`
	GUIDSig string `json:"guid_sig"`
	URL     string `json:"url"`
	URLSig  string `json:"url_sig"`
}

// Hash returns the identity hash of the sender.
func (s *Sender) Hash() string {
	return crypto.XchanHash(s.GUID, s.GUIDSig)
}

// Recipient identifies a receiving identity.
type Recipient struct {
	GUID    string `json:"guid"`
	GUIDSig string `json:"guid_sig"`
}

// Envelope is a decoded packet.
type Envelope struct {
	Type   Type   `json:"type"`
	Sender Sender `json:"sender"`

	// Recipients is nil for public packets.
	Recipients []Recipient `json:"recipients,omitempty"`

	Callback  string `json:"callback"`
	Version   int    `json:"version"`
	Secret    string `json:"secret"`
	SecretSig string `json:"secret_sig"`

	// URL and CallbackSig are only set on pickup requests, which are
	// signed by the requesting site rather than by a channel.
	URL         string `json:"url,omitempty"`
	CallbackSig string `json:"callback_sig,omitempty"`
}

// IsPublic returns true if the packet has no explicit recipients.
func (e *Envelope) IsPublic() bool {
	return len(e.Recipients) == 0
}

// VerifySender checks url_sig over the sender URL and secret_sig over the
// secret with the sender's public key.
func (e *Envelope) VerifySender(k *rsa.PublicKey) error {
	if !crypto.Verify([]byte(e.Sender.URL), e.Sender.URLSig, k) {
		return fmt.Errorf("%w: url_sig", zot.ErrSignatureInvalid)
	}
	if !crypto.Verify([]byte(e.Secret), e.SecretSig, k) {
		return fmt.Errorf("%w: secret_sig", zot.ErrSignatureInvalid)
	}
	return nil
}

// VerifyCallback checks callback_sig over the callback with the requesting
// site's public key.
func (e *Envelope) VerifyCallback(siteKey *rsa.PublicKey) error {
	if !crypto.Verify([]byte(e.Callback), e.CallbackSig, siteKey) {
		return fmt.Errorf("%w: callback_sig", zot.ErrSignatureInvalid)
	}
	return nil
}

func (e *Envelope) validate() error {
	switch {
	case e.Type == invalidType:
		return fmt.Errorf("%w: missing type", zot.ErrMalformed)
	case e.Type == Pickup:
		if e.URL == "" || e.Callback == "" || e.CallbackSig == "" || e.Secret == "" {
			return fmt.Errorf("%w: incomplete pickup request", zot.ErrMalformed)
		}
	case e.Type == Ping:
	default:
		if e.Sender.GUID == "" || e.Sender.GUIDSig == "" || e.Sender.URL == "" {
			return fmt.Errorf("%w: incomplete sender", zot.ErrMalformed)
		}
	}
	return nil
}
