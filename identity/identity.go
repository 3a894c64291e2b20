// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity implements the Zot identity directory: portable
// identity records (xchans), the location records (hublocs) binding them
// to hosting sites, and discovery of identities not yet known locally.
package identity

import (
	"crypto/rsa"
	"sort"
	"time"

	"github.com/katzenpost/zot/core/crypto"
)

// Xchan is a portable identity record.  Apart from display metadata it is
// immutable once created, and GUIDSig always verifies over GUID with
// PublicKey.
type Xchan struct {
	Hash      string
	GUID      string
	GUIDSig   string
	PublicKey string
	Name      string
	Address   string
	URL       string
	Photo     string
	Updated   time.Time
	Deleted   bool
}

// Key returns the parsed public key of the identity.
func (x *Xchan) Key() (*rsa.PublicKey, error) {
	return crypto.PublicKeyFromPEM(x.PublicKey)
}

// Hubloc is a location record binding an identity to a hosting site.
type Hubloc struct {
	// ID is the insertion sequence number assigned by the Store.
	ID uint64

	Hash     string
	GUID     string
	GUIDSig  string
	Address  string
	SiteURL  string
	URLSig   string
	Callback string
	SiteKey  string
	Primary  bool
	Deleted  bool
	Created  time.Time
}

// Location is a hubloc joined with the identity it references.
type Location struct {
	*Hubloc
	Xchan *Xchan
}

// PublicKey returns the parsed public key of the located identity.
func (l *Location) PublicKey() (*rsa.PublicKey, error) {
	return l.Xchan.Key()
}

// SitePublicKey returns the parsed public key of the hosting site.
func (l *Location) SitePublicKey() (*rsa.PublicKey, error) {
	return crypto.PublicKeyFromPEM(l.SiteKey)
}

// Store is the persistence collaborator of the Directory.  Lookups and
// upserts are independent atomic operations and must be safe for
// concurrent use.
type Store interface {
	// FindLocationsByAddress returns every hubloc with the given address.
	FindLocationsByAddress(addr string) ([]*Hubloc, error)

	// FindLocationsByHash returns every hubloc of the identity hash.
	FindLocationsByHash(hash string) ([]*Hubloc, error)

	// FindLocationsBySite returns every hubloc hosted at siteURL.
	FindLocationsBySite(siteURL string) ([]*Hubloc, error)

	// GetXchan returns the identity record, or zot.ErrNotFound.
	GetXchan(hash string) (*Xchan, error)

	// UpsertXchan inserts or replaces the identity record keyed by Hash.
	UpsertXchan(x *Xchan) error

	// UpsertHubloc inserts or replaces the location record keyed by
	// (Hash, SiteURL).  A new record is assigned the next ID and an
	// existing record keeps its ID.  The referenced Xchan must exist.
	UpsertHubloc(h *Hubloc) error

	// DeleteXchan marks an identity and all of its locations deleted.
	DeleteXchan(hash string) error

	// Close closes the Store.
	Close()
}

// SortNewestFirst orders hublocs by creation time, newest first, with the
// insertion sequence breaking ties.
func SortNewestFirst(hs []*Hubloc) {
	sort.SliceStable(hs, func(i, j int) bool {
		if !hs[i].Created.Equal(hs[j].Created) {
			return hs[i].Created.After(hs[j].Created)
		}
		return hs[i].ID > hs[j].ID
	})
}
