// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/internal/instrument"
	"github.com/katzenpost/zot/transport"
)

// DefaultNegativeCacheTTL is how long a failed discovery is remembered.
const DefaultNegativeCacheTTL = 10 * time.Minute

// Option configures a Directory.
type Option func(*Directory)

// WithNegativeCacheTTL sets how long failed discoveries are cached.  A
// zero TTL disables the cache.
func WithNegativeCacheTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		d.negativeTTL = ttl
	}
}

// WithScheme overrides the URL scheme used for address discovery.
func WithScheme(scheme string) Option {
	return func(d *Directory) {
		d.scheme = scheme
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// Directory resolves identities and their locations, discovering and
// importing remote identities on demand.
type Directory struct {
	store     Store
	transport *transport.Transport
	log       *logging.Logger

	scheme      string
	negativeTTL time.Duration
	now         func() time.Time

	sync.Mutex
	negative map[string]time.Time

	group singleflight.Group
}

// New creates a Directory backed by store that discovers remote
// identities over t.
func New(store Store, t *transport.Transport, log *logging.Logger, opts ...Option) *Directory {
	d := &Directory{
		store:       store,
		transport:   t,
		log:         log,
		scheme:      "https",
		negativeTTL: DefaultNegativeCacheTTL,
		now:         time.Now,
		negative:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Store returns the backing Store.
func (d *Directory) Store() Store {
	return d.store
}

func (d *Directory) join(hs []*Hubloc) ([]*Location, error) {
	SortNewestFirst(hs)
	locs := make([]*Location, 0, len(hs))
	xchans := make(map[string]*Xchan)
	for _, h := range hs {
		if h.Deleted {
			continue
		}
		x, ok := xchans[h.Hash]
		if !ok {
			var err error
			x, err = d.store.GetXchan(h.Hash)
			switch {
			case errors.Is(err, zot.ErrNotFound):
				d.log.Warningf("Hubloc %v references missing xchan %v", h.ID, h.Hash)
				continue
			case err != nil:
				return nil, err
			}
			xchans[h.Hash] = x
		}
		if x.Deleted {
			continue
		}
		locs = append(locs, &Location{Hubloc: h, Xchan: x})
	}
	return locs, nil
}

// ResolveByAddress returns every known location of the webbie addr,
// newest first.  The result is empty if the address is unknown.
func (d *Directory) ResolveByAddress(addr string) ([]*Location, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	hs, err := d.store.FindLocationsByAddress(a.String())
	if err != nil {
		return nil, err
	}
	return d.join(hs)
}

// ResolveByHash returns every known location of the identity hash.
func (d *Directory) ResolveByHash(hash string) ([]*Location, error) {
	hs, err := d.store.FindLocationsByHash(hash)
	if err != nil {
		return nil, err
	}
	return d.join(hs)
}

// ResolveByGUID returns every known location of the identity with the
// given guid and guid signature.
func (d *Directory) ResolveByGUID(guid, guidSig string) ([]*Location, error) {
	locs, err := d.ResolveByHash(crypto.XchanHash(guid, guidSig))
	if err != nil {
		return nil, err
	}
	out := locs[:0]
	for _, l := range locs {
		if l.Xchan.GUID == guid && l.Xchan.GUIDSig == guidSig {
			out = append(out, l)
		}
	}
	return out, nil
}

// ResolveSite returns every known location hosted at siteURL.
func (d *Directory) ResolveSite(siteURL string) ([]*Location, error) {
	hs, err := d.store.FindLocationsBySite(siteURL)
	if err != nil {
		return nil, err
	}
	return d.join(hs)
}

// Discover fetches the identity document of addr from its home site,
// imports it, and returns the resulting locations.  Failed discoveries are
// remembered for the negative cache TTL, and concurrent discoveries of the
// same address share one round trip.
func (d *Directory) Discover(ctx context.Context, addr string) ([]*Location, error) {
	a, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	u := d.scheme + "://" + a.Host + WellKnownPath + "?" + url.Values{"address": {a.Name}}.Encode()
	// The queried site only speaks for its own addresses.
	check := func(doc *Document) error {
		da, err := ParseAddress(doc.Address)
		if err != nil {
			return err
		}
		if da.Host != a.Host {
			return fmt.Errorf("%w: %v answered for '%v'", zot.ErrPolicyViolation, a.Host, da)
		}
		return nil
	}
	if _, err := d.fetch(ctx, "address:"+a.String(), u, false, check); err != nil {
		return nil, err
	}
	locs, err := d.ResolveByAddress(a.String())
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("%w: no location for '%v'", zot.ErrNotFound, a)
	}
	return locs, nil
}

// DiscoverByGUID fetches the identity document of guid from the site at
// siteURL, imports it, and returns the resulting locations.
func (d *Directory) DiscoverByGUID(ctx context.Context, siteURL, guid, guidSig string) ([]*Location, error) {
	return d.discoverByGUID(ctx, siteURL, guid, guidSig, false)
}

func (d *Directory) discoverByGUID(ctx context.Context, siteURL, guid, guidSig string, force bool) ([]*Location, error) {
	if _, err := SiteHost(siteURL); err != nil {
		return nil, fmt.Errorf("%w: %v", zot.ErrMalformed, err)
	}
	hash := crypto.XchanHash(guid, guidSig)
	q := url.Values{"guid": {guid}, "guid_hash": {hash}}
	u := strings.TrimRight(siteURL, "/") + WellKnownPath + "?" + q.Encode()
	check := func(doc *Document) error {
		if doc.GUID != guid || doc.GUIDSig != guidSig {
			return fmt.Errorf("%w: %v returned a different identity", zot.ErrNotFound, siteURL)
		}
		return nil
	}
	if _, err := d.fetch(ctx, "guid:"+hash, u, force, check); err != nil {
		return nil, err
	}
	locs, err := d.ResolveByGUID(guid, guidSig)
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("%w: no location for '%v'", zot.ErrNotFound, hash)
	}
	return locs, nil
}

// Refresh re-fetches the identity document of a known location from its
// site.  A forced refresh ignores the negative cache.
func (d *Directory) Refresh(ctx context.Context, loc *Location, force bool) error {
	_, err := d.discoverByGUID(ctx, loc.SiteURL, loc.Xchan.GUID, loc.Xchan.GUIDSig, force)
	return err
}

func (d *Directory) isNegative(key string) bool {
	d.Lock()
	defer d.Unlock()

	exp, ok := d.negative[key]
	if !ok {
		return false
	}
	if d.now().After(exp) {
		delete(d.negative, key)
		return false
	}
	return true
}

func (d *Directory) setNegative(key string) {
	if d.negativeTTL <= 0 {
		return
	}

	d.Lock()
	defer d.Unlock()

	now := d.now()
	for k, exp := range d.negative {
		if now.After(exp) {
			delete(d.negative, k)
		}
	}
	d.negative[key] = now.Add(d.negativeTTL)
}

func (d *Directory) fetch(ctx context.Context, key, u string, force bool, check func(*Document) error) (*Document, error) {
	if !force && d.isNegative(key) {
		instrument.Discovery("cached")
		return nil, fmt.Errorf("%w: %v (cached)", zot.ErrNotFound, key)
	}

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		d.log.Debugf("Discovering %v", key)
		b, err := d.transport.Get(ctx, u)
		if err != nil {
			return nil, err
		}
		doc, err := ParseDocument(b)
		if err != nil {
			return nil, err
		}
		if err := check(doc); err != nil {
			return nil, err
		}
		if _, err := d.Import(doc); err != nil {
			return nil, err
		}
		return doc, nil
	})
	if err != nil {
		d.log.Noticef("Discovery of %v failed: %v", key, err)
		instrument.Discovery("failed")
		if !errors.Is(err, context.Canceled) {
			d.setNegative(key)
		}
		if errors.Is(err, zot.ErrNetwork) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", zot.ErrNotFound, err)
	}
	instrument.Discovery("ok")
	return v.(*Document), nil
}

// Import verifies an identity document and idempotently upserts its
// identity and location records.  A document whose key differs from an
// already known record of the same identity is rejected.  Locations whose
// url_sig does not verify, or whose address is not on the host of the
// location's site, are skipped.  The identity's address is kept only if
// one of the accepted locations carries its host.
func (d *Directory) Import(doc *Document) (*Xchan, error) {
	key, err := crypto.PublicKeyFromPEM(doc.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: identity key: %v", zot.ErrMalformed, err)
	}
	if !crypto.Verify([]byte(doc.GUID), doc.GUIDSig, key) {
		instrument.SignatureFailure()
		return nil, fmt.Errorf("%w: guid_sig", zot.ErrSignatureInvalid)
	}
	hash := crypto.XchanHash(doc.GUID, doc.GUIDSig)

	existing, err := d.store.GetXchan(hash)
	switch {
	case err == nil:
		old, err := existing.Key()
		if err != nil || !old.Equal(key) {
			instrument.SignatureFailure()
			return nil, fmt.Errorf("%w: key mismatch for %v", zot.ErrSignatureInvalid, hash)
		}
	case errors.Is(err, zot.ErrNotFound):
	default:
		return nil, err
	}

	now := d.now()
	x := &Xchan{
		Hash:      hash,
		GUID:      doc.GUID,
		GUIDSig:   doc.GUIDSig,
		PublicKey: doc.Key,
		Name:      norm.NFC.String(doc.Name),
		URL:       doc.URL,
		Photo:     doc.Photo,
		Updated:   now,
	}
	if existing != nil {
		x.PublicKey = existing.PublicKey
	}
	hs := make([]*Hubloc, 0, len(doc.Locations))
	hosts := make(map[string]bool)
	for _, l := range doc.Locations {
		if !crypto.Verify([]byte(l.URL), l.URLSig, key) {
			d.log.Warningf("Import %v: skipping location %v: bad url_sig", hash, l.URL)
			instrument.SignatureFailure()
			continue
		}
		a, err := ParseAddress(l.Address)
		if err != nil {
			d.log.Warningf("Import %v: skipping location %v: %v", hash, l.URL, err)
			continue
		}
		host, err := SiteHost(l.URL)
		if err != nil || host != a.Host {
			d.log.Warningf("Import %v: skipping location %v: address %v is not hosted there", hash, l.URL, a)
			instrument.SignatureFailure()
			continue
		}
		if _, err := crypto.PublicKeyFromPEM(l.SiteKey); err != nil {
			d.log.Warningf("Import %v: skipping location %v: bad sitekey", hash, l.URL)
			continue
		}
		h := &Hubloc{
			Hash:     hash,
			GUID:     doc.GUID,
			GUIDSig:  doc.GUIDSig,
			Address:  a.String(),
			SiteURL:  l.URL,
			URLSig:   l.URLSig,
			Callback: l.Callback,
			SiteKey:  l.SiteKey,
			Primary:  l.Primary,
			Deleted:  l.Deleted,
			Created:  now,
		}
		hs = append(hs, h)
		hosts[a.Host] = true
	}

	if a, err := ParseAddress(doc.Address); err == nil && hosts[a.Host] {
		x.Address = a.String()
	} else if existing != nil {
		x.Address = existing.Address
	}
	if err := d.store.UpsertXchan(x); err != nil {
		return nil, err
	}
	for _, h := range hs {
		if err := d.store.UpsertHubloc(h); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Purge marks an identity and all of its locations deleted.
func (d *Directory) Purge(hash string) error {
	return d.store.DeleteXchan(hash)
}
