// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/zot"
)

func TestParseAddress(t *testing.T) {
	for _, v := range []struct {
		in, out string
	}{
		{"alice@example.org", "alice@example.org"},
		{"Alice@Example.ORG", "alice@example.org"},
		{"acct:bob@example.org", "bob@example.org"},
		{"bob@bücher.example", "bob@xn--bcher-kva.example"},
		{"carol@127.0.0.1:8443", "carol@127.0.0.1:8443"},
	} {
		a, err := ParseAddress(v.in)
		require.NoError(t, err, v.in)
		require.Equal(t, v.out, a.String())
	}

	for _, bad := range []string{"", "alice", "@example.org", "alice@", "a/b@example.org"} {
		_, err := ParseAddress(bad)
		require.ErrorIs(t, err, zot.ErrMalformed, bad)
	}
}

func TestSiteHost(t *testing.T) {
	h, err := SiteHost("https://Bücher.example/path")
	require.NoError(t, err)
	require.Equal(t, "xn--bcher-kva.example", h)

	_, err = SiteHost("/relative")
	require.Error(t, err)
}
