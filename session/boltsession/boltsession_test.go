// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package boltsession

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/zot/session"
)

func TestBoltSessions(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	f := filepath.Join(t.TempDir(), "sessions.db")
	d, err := New(f)
	require.NoError(err)

	_, err = d.Get(ctx, "sid")
	require.ErrorIs(err, session.ErrNoSession)

	s := &session.State{
		Authenticated:      true,
		VisitorID:          "hash",
		VisitorURL:         "https://a.example/channel/alice",
		VisitorAddress:     "alice@a.example",
		RemoteServiceClass: "premium",
		RemoteLevel:        3,
		RemoteHub:          "https://a.example",
		AuthHub:            "https://a.example",
		DNT:                true,
	}
	require.NoError(d.Put(ctx, "sid", s))
	d.Close()

	d, err = New(f)
	require.NoError(err)
	defer d.Close()

	got, err := d.Get(ctx, "sid")
	require.NoError(err)
	require.False(got.Updated.IsZero())
	got.Updated = time.Time{}
	require.Equal(s, got)

	n, err := d.Expire(ctx, time.Hour)
	require.NoError(err)
	require.Zero(n)
	n, err = d.Expire(ctx, -time.Hour)
	require.NoError(err)
	require.Equal(1, n)

	_, err = d.Get(ctx, "sid")
	require.ErrorIs(err, session.ErrNoSession)
}
