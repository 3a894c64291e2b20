// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/identity"
	"github.com/katzenpost/zot/identity/boltstore"
	"github.com/katzenpost/zot/transport"
)

func TestSelectSender(t *testing.T) {
	require := require.New(t)

	require.Nil(SelectSender(nil))
	require.Nil(SelectSender([]*Channel{{ID: 1, Removed: true}}))

	cs := []*Channel{{ID: 7}, {ID: 2, Removed: true}, {ID: 3}, {ID: 5}}
	require.Equal(uint64(3), SelectSender(cs).ID)
}

func TestDocument(t *testing.T) {
	require := require.New(t)

	siteKey, err := crypto.GenerateKey(2048)
	require.NoError(err)
	s := NewSite("https://Zot.Example/", "zot", siteKey)
	require.Equal("https://Zot.Example", s.URL)
	require.Equal("zot.example", s.Host())
	require.Equal("https://Zot.Example/post", s.Callback())

	c, err := Generate("Alice", s, 2048)
	require.NoError(err)
	require.Equal("alice@zot.example", c.Address)
	require.Equal(crypto.XchanHash(c.GUID, c.GUIDSig), c.Hash)
	require.Equal("alice", c.Nick())

	doc, err := c.Document(s)
	require.NoError(err)
	require.Equal("https://Zot.Example/channel/alice", doc.URL)

	store, err := boltstore.New(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(err)
	defer store.Close()
	dir := identity.New(store, transport.New(logging.MustGetLogger("transport")), logging.MustGetLogger("identity"))

	x, err := dir.Import(doc)
	require.NoError(err)
	require.Equal(c.Hash, x.Hash)

	locs, err := dir.ResolveByAddress(c.Address)
	require.NoError(err)
	require.Len(locs, 1)
	sitePub, err := locs[0].SitePublicKey()
	require.NoError(err)
	require.True(sitePub.Equal(&siteKey.PublicKey))

	sig, err := s.URLSig()
	require.NoError(err)
	require.True(crypto.Verify([]byte(s.URL), sig, sitePub))
}
