// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package pgxstore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/crypto"
	"github.com/katzenpost/zot/identity"
)

func TestPgxStore(t *testing.T) {
	dsn := os.Getenv("ZOT_TEST_PGX_DSN")
	if dsn == "" {
		t.Skip("ZOT_TEST_PGX_DSN not set")
	}
	require := require.New(t)

	s, err := New(dsn, logging.MustGetLogger("pgxstore"), "DEBUG")
	require.NoError(err)
	defer s.Close()

	guid, err := crypto.NewGUID()
	require.NoError(err)
	hash := crypto.XchanHash(guid, "sig")
	site := "https://" + hash[:8] + ".example"

	err = s.UpsertHubloc(&identity.Hubloc{Hash: hash, SiteURL: site, Created: time.Now()})
	require.ErrorIs(err, zot.ErrNotFound)

	require.NoError(s.UpsertXchan(&identity.Xchan{
		Hash:      hash,
		GUID:      guid,
		GUIDSig:   "sig",
		PublicKey: "key",
		Address:   "alice@a.example",
		Updated:   time.Now(),
	}))

	h := &identity.Hubloc{
		Hash:     hash,
		GUID:     guid,
		GUIDSig:  "sig",
		Address:  "alice@a.example",
		SiteURL:  site,
		Callback: site + "/post",
		Created:  time.Now(),
	}
	require.NoError(s.UpsertHubloc(h))
	id := h.ID
	require.NoError(s.UpsertHubloc(h))
	require.Equal(id, h.ID)

	hs, err := s.FindLocationsByHash(hash)
	require.NoError(err)
	require.Len(hs, 1)

	hs, err = s.FindLocationsBySite(site)
	require.NoError(err)
	require.Len(hs, 1)

	require.NoError(s.DeleteXchan(hash))
	x, err := s.GetXchan(hash)
	require.NoError(err)
	require.True(x.Deleted)
}
