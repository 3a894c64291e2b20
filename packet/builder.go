// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"crypto/rsa"
	"fmt"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/crypto"
)

const (
	// DefaultCallback is the callback path advertised in built packets.
	DefaultCallback = "/post"

	secretSize = 48
)

// Signer is a local identity able to sign outgoing packets.
type Signer struct {
	GUID    string
	GUIDSig string
	Key     *rsa.PrivateKey
	SiteURL string
}

// Builder constructs signed outgoing packets.
type Builder struct {
	codec *Codec
}

// NewBuilder returns a Builder encoding with codec.
func NewBuilder(codec *Codec) *Builder {
	return &Builder{codec: codec}
}

// NewSecret returns a fresh random packet secret.
func NewSecret() (string, error) {
	return crypto.RandomString(secretSize)
}

// Build constructs a packet of type typ from s to recipients, encrypted to
// target when it is not nil.  A fresh secret is generated if secret is
// empty.  Types that require encryption fail with zot.ErrPolicyViolation
// when no target is given.
func (b *Builder) Build(s *Signer, typ Type, recipients []Recipient, target *rsa.PublicKey, secret string) ([]byte, error) {
	env, err := b.Envelope(s, typ, recipients, target, secret)
	if err != nil {
		return nil, err
	}
	return b.codec.Encode(env, target)
}

// Envelope is Build without the final encoding step.
func (b *Builder) Envelope(s *Signer, typ Type, recipients []Recipient, target *rsa.PublicKey, secret string) (*Envelope, error) {
	if typ.RequiresEncryption() && target == nil {
		return nil, fmt.Errorf("%w: %v packet without encryption", zot.ErrPolicyViolation, typ)
	}
	if typ == Pickup {
		return nil, fmt.Errorf("%w: pickup packets are site signed", zot.ErrPolicyViolation)
	}
	if secret == "" {
		var err error
		if secret, err = NewSecret(); err != nil {
			return nil, err
		}
	}
	urlSig, err := crypto.Sign([]byte(s.SiteURL), s.Key)
	if err != nil {
		return nil, err
	}
	secretSig, err := crypto.Sign([]byte(secret), s.Key)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type: typ,
		Sender: Sender{
			GUID:    s.GUID,
			GUIDSig: s.GUIDSig,
			URL:     s.SiteURL,
			URLSig:  urlSig,
		},
		Recipients: recipients,
		Callback:   DefaultCallback,
		Version:    zot.Version,
		Secret:     secret,
		SecretSig:  secretSig,
	}, nil
}

// BuildPickup constructs a pickup request for the messages announced
// under secret, signed by the site at siteURL whose callback is callback.
// The request is always encrypted to target, the announcing site's key.
func (b *Builder) BuildPickup(siteKey *rsa.PrivateKey, siteURL, callback, secret string, target *rsa.PublicKey) ([]byte, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: pickup packet without encryption", zot.ErrPolicyViolation)
	}
	urlSig, err := crypto.Sign([]byte(siteURL), siteKey)
	if err != nil {
		return nil, err
	}
	callbackSig, err := crypto.Sign([]byte(callback), siteKey)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Type: Pickup,
		Sender: Sender{
			URL:    siteURL,
			URLSig: urlSig,
		},
		Callback:    callback,
		Version:     zot.Version,
		Secret:      secret,
		URL:         siteURL,
		CallbackSig: callbackSig,
	}
	return b.codec.Encode(env, target)
}
