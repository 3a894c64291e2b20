// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity_test

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/identity/boltstore"
	"github.com/katzenpost/zot/transport"
)

var (
	keyOnce sync.Once
	chanKey *rsa.PrivateKey
	siteKey *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	keyOnce.Do(func() {
		var err error
		if chanKey, err = crypto.GenerateKey(2048); err != nil {
			panic(err)
		}
		if siteKey, err = crypto.GenerateKey(2048); err != nil {
			panic(err)
		}
	})
	return chanKey, siteKey
}

func testDocument(t *testing.T, name, host, siteURL string) *identity.Document {
	require := require.New(t)
	ck, sk := testKeys(t)

	guid := "guid-" + name
	guidSig, err := crypto.Sign([]byte(guid), ck)
	require.NoError(err)
	urlSig, err := crypto.Sign([]byte(siteURL), ck)
	require.NoError(err)
	pub, err := crypto.PublicKeyToPEM(&ck.PublicKey)
	require.NoError(err)
	sitePub, err := crypto.PublicKeyToPEM(&sk.PublicKey)
	require.NoError(err)

	return &identity.Document{
		Success: true,
		GUID:    guid,
		GUIDSig: guidSig,
		Key:     pub,
		Name:    "Amélie",
		Address: name + "@" + host,
		URL:     siteURL + "/channel/" + name,
		Locations: []identity.DocLocation{{
			Host:     host,
			Address:  name + "@" + host,
			Primary:  true,
			URL:      siteURL,
			URLSig:   urlSig,
			Callback: siteURL + "/post",
			SiteKey:  sitePub,
		}},
	}
}

func newDirectory(t *testing.T, client *http.Client, opts ...identity.Option) *identity.Directory {
	store, err := boltstore.New(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	topts := []transport.Option{}
	if client != nil {
		topts = append(topts, transport.WithClient(client))
	}
	tr := transport.New(logging.MustGetLogger("transport"), topts...)
	return identity.New(store, tr, logging.MustGetLogger("identity"), opts...)
}

func TestImportIdempotent(t *testing.T) {
	require := require.New(t)
	d := newDirectory(t, nil)

	doc := testDocument(t, "alice", "a.example", "https://a.example")
	x1, err := d.Import(doc)
	require.NoError(err)
	x2, err := d.Import(doc)
	require.NoError(err)
	require.Equal(x1.Hash, x2.Hash)
	require.Equal("Amélie", x1.Name, "display name is NFC normalized")

	hs, err := d.Store().FindLocationsByHash(x1.Hash)
	require.NoError(err)
	require.Len(hs, 1)

	locs, err := d.ResolveByAddress("Alice@A.example")
	require.NoError(err)
	require.Len(locs, 1)
	require.Equal("https://a.example/post", locs[0].Callback)
	require.Equal(doc.GUID, locs[0].Xchan.GUID)

	locs, err = d.ResolveByGUID(doc.GUID, doc.GUIDSig)
	require.NoError(err)
	require.Len(locs, 1)

	locs, err = d.ResolveSite("https://a.example")
	require.NoError(err)
	require.Len(locs, 1)
}

func TestImportRejectsBadSignatures(t *testing.T) {
	require := require.New(t)
	d := newDirectory(t, nil)

	doc := testDocument(t, "bob", "b.example", "https://b.example")
	doc.GUIDSig = doc.Locations[0].URLSig
	_, err := d.Import(doc)
	require.ErrorIs(err, zot.ErrSignatureInvalid)

	doc = testDocument(t, "bob", "b.example", "https://b.example")
	doc.Locations[0].URL = "https://evil.example"
	x, err := d.Import(doc)
	require.NoError(err)
	hs, err := d.Store().FindLocationsByHash(x.Hash)
	require.NoError(err)
	require.Len(hs, 0, "location with a bad url_sig is skipped")
}

func TestImportRejectsForeignAddress(t *testing.T) {
	require := require.New(t)
	d := newDirectory(t, nil)

	bob := testDocument(t, "bob", "good.example", "https://good.example")
	_, err := d.Import(bob)
	require.NoError(err)

	mallory := testDocument(t, "mallory", "evil.example", "https://evil.example")
	mallory.Address = "bob@good.example"
	mallory.Locations[0].Address = "bob@good.example"
	x, err := d.Import(mallory)
	require.NoError(err)
	require.Empty(x.Address)

	hs, err := d.Store().FindLocationsByHash(x.Hash)
	require.NoError(err)
	require.Len(hs, 0)

	locs, err := d.ResolveByAddress("bob@good.example")
	require.NoError(err)
	require.Len(locs, 1)
	require.Equal(bob.GUID, locs[0].Xchan.GUID)
	require.Equal("https://good.example", locs[0].SiteURL)
}

func TestDiscoverRejectsForeignDocument(t *testing.T) {
	require := require.New(t)

	doc := testDocument(t, "frank", "good.example", "https://good.example")
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	d := newDirectory(t, srv.Client())

	_, err := d.Discover(context.Background(), "frank@"+host)
	require.ErrorIs(err, zot.ErrNotFound)

	locs, err := d.ResolveByAddress("frank@good.example")
	require.NoError(err)
	require.Len(locs, 0, "nothing is imported from a site answering for another host")
}

func TestPurge(t *testing.T) {
	require := require.New(t)
	d := newDirectory(t, nil)

	x, err := d.Import(testDocument(t, "carol", "c.example", "https://c.example"))
	require.NoError(err)
	require.NoError(d.Purge(x.Hash))

	locs, err := d.ResolveByHash(x.Hash)
	require.NoError(err)
	require.Len(locs, 0)
	locs, err = d.ResolveByAddress("carol@c.example")
	require.NoError(err)
	require.Len(locs, 0)
}

func TestDiscover(t *testing.T) {
	require := require.New(t)

	var hits int32
	var doc *identity.Document
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != identity.WellKnownPath {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.URL.Query().Get("address") == "dave":
		case r.URL.Query().Get("guid") == doc.GUID:
		default:
			json.NewEncoder(w).Encode(&identity.Document{Success: false, Message: "no such channel"})
			return
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "https://")
	doc = testDocument(t, "dave", host, srv.URL)

	now := time.Now()
	d := newDirectory(t, srv.Client(), identity.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	locs, err := d.Discover(ctx, "dave@"+host)
	require.NoError(err)
	require.Len(locs, 1)
	require.Equal(srv.URL, locs[0].SiteURL)

	locs, err = d.DiscoverByGUID(ctx, srv.URL, doc.GUID, doc.GUIDSig)
	require.NoError(err)
	require.Len(locs, 1)

	t.Run("negative cache", func(t *testing.T) {
		before := atomic.LoadInt32(&hits)
		_, err := d.Discover(ctx, "nobody@"+host)
		require.ErrorIs(err, zot.ErrNotFound)
		_, err = d.Discover(ctx, "nobody@"+host)
		require.ErrorIs(err, zot.ErrNotFound)
		require.Equal(before+1, atomic.LoadInt32(&hits))

		now = now.Add(identity.DefaultNegativeCacheTTL + time.Second)
		_, err = d.Discover(ctx, "nobody@"+host)
		require.ErrorIs(err, zot.ErrNotFound)
		require.Equal(before+2, atomic.LoadInt32(&hits))
	})

	t.Run("refresh", func(t *testing.T) {
		before := atomic.LoadInt32(&hits)
		require.NoError(d.Refresh(ctx, locs[0], false))
		require.NoError(d.Refresh(ctx, locs[0], true))
		require.Equal(before+2, atomic.LoadInt32(&hits))
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := d.Discover(ctx, "erin@127.0.0.1:1")
		require.ErrorIs(err, zot.ErrNetwork)
	})
}
