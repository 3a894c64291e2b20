// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel implements the identities hosted on this site and the
// permissions they grant to remote identities.
package channel

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/packet"
)

// CapDelegate is the capability that lets a remote identity act as a
// local channel.
const CapDelegate = "delegate"

// ErrNoSuchChannel is the error returned when a channel does not exist.
var ErrNoSuchChannel = errors.New("channel: no such channel")

// Channel is an identity hosted on this site.
type Channel struct {
	ID      uint64
	GUID    string
	GUIDSig string
	Hash    string
	Address string
	Name    string

	// PrivateKey is the PEM encoded channel key.
	PrivateKey []byte

	ServiceClass string
	Level        int
	DNT          bool
	Removed      bool
	Created      time.Time
}

// Generate creates a new channel identity named name with the webbie
// name@host, including a fresh key pair and guid.
func Generate(name string, s *Site, bits int) (*Channel, error) {
	a, err := identity.ParseAddress(name + "@" + s.Host())
	if err != nil {
		return nil, err
	}
	k, err := crypto.GenerateKey(bits)
	if err != nil {
		return nil, err
	}
	guid, err := crypto.NewGUID()
	if err != nil {
		return nil, err
	}
	guidSig, err := crypto.Sign([]byte(guid), k)
	if err != nil {
		return nil, err
	}
	return &Channel{
		GUID:       guid,
		GUIDSig:    guidSig,
		Hash:       crypto.XchanHash(guid, guidSig),
		Address:    a.String(),
		Name:       name,
		PrivateKey: crypto.PrivateKeyToPEM(k),
		Created:    time.Now(),
	}, nil
}

// Key returns the parsed private key of the channel.
func (c *Channel) Key() (*rsa.PrivateKey, error) {
	return crypto.PrivateKeyFromPEM(c.PrivateKey)
}

// Signer returns the packet signer of the channel hosted at s.
func (c *Channel) Signer(s *Site) (*packet.Signer, error) {
	k, err := c.Key()
	if err != nil {
		return nil, err
	}
	return &packet.Signer{
		GUID:    c.GUID,
		GUIDSig: c.GUIDSig,
		Key:     k,
		SiteURL: s.URL,
	}, nil
}

// Recipient returns the channel as a packet recipient.
func (c *Channel) Recipient() packet.Recipient {
	return packet.Recipient{GUID: c.GUID, GUIDSig: c.GUIDSig}
}

// Nick returns the local part of the channel address.
func (c *Channel) Nick() string {
	a, err := identity.ParseAddress(c.Address)
	if err != nil {
		return c.Name
	}
	return a.Name
}

// Document builds the identity document published for the channel at
// identity.WellKnownPath.
func (c *Channel) Document(s *Site) (*identity.Document, error) {
	k, err := c.Key()
	if err != nil {
		return nil, err
	}
	pub, err := crypto.PublicKeyToPEM(&k.PublicKey)
	if err != nil {
		return nil, err
	}
	sitePub, err := s.PublicKeyPEM()
	if err != nil {
		return nil, err
	}
	urlSig, err := crypto.Sign([]byte(s.URL), k)
	if err != nil {
		return nil, err
	}
	return &identity.Document{
		Success: true,
		GUID:    c.GUID,
		GUIDSig: c.GUIDSig,
		Key:     pub,
		Name:    c.Name,
		Address: c.Address,
		URL:     s.URL + "/channel/" + c.Nick(),
		Locations: []identity.DocLocation{{
			Host:     s.Host(),
			Address:  c.Address,
			Primary:  true,
			URL:      s.URL,
			URLSig:   urlSig,
			Callback: s.Callback(),
			SiteKey:  sitePub,
		}},
	}, nil
}

// SelectSender picks the channel used to sign verification traffic sent
// on behalf of the site: the non-removed channel with the lowest ID, or nil
// if there is none.
func SelectSender(channels []*Channel) *Channel {
	var sel *Channel
	for _, c := range channels {
		if c.Removed {
			continue
		}
		if sel == nil || c.ID < sel.ID {
			sel = c
		}
	}
	return sel
}

// Store persists local channels and their permissions.
type Store interface {
	// Create stores a new channel and assigns its ID.
	Create(c *Channel) error

	Get(id uint64) (*Channel, error)
	ByAddress(addr string) (*Channel, error)
	ByGUID(guid string) (*Channel, error)
	ByHash(hash string) (*Channel, error)

	// List returns every channel ordered by ID.
	List(includeRemoved bool) ([]*Channel, error)

	// Remove marks a channel removed.
	Remove(id uint64) error

	// Grant gives the remote identity remoteHash a capability over the
	// local channel localID.
	Grant(localID uint64, remoteHash, capability string) error

	// Revoke removes a previously granted capability.
	Revoke(localID uint64, remoteHash, capability string) error

	// IsAllowed returns true iff remoteHash holds capability over localID.
	IsAllowed(localID uint64, remoteHash, capability string) bool

	Close()
}

// IsLocal returns the local channel with the given guid and guid
// signature, or nil if the identity is not hosted here.
func IsLocal(s Store, guid, guidSig string) *Channel {
	c, err := s.ByGUID(guid)
	if err != nil || c.Removed || c.GUIDSig != guidSig {
		return nil
	}
	return c
}
