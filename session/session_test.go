// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	m := NewMemStore()

	_, err := m.Get(ctx, "a")
	require.ErrorIs(err, ErrNoSession)

	s := &State{Authenticated: true, VisitorID: "hash"}
	require.NoError(m.Put(ctx, "a", s))
	s.VisitorID = "mutated"

	got, err := m.Get(ctx, "a")
	require.NoError(err)
	require.Equal("hash", got.VisitorID, "stored state is a copy")
	require.False(got.IsLocal())

	n, err := m.Expire(ctx, time.Hour)
	require.NoError(err)
	require.Zero(n)
	n, err = m.Expire(ctx, -time.Second)
	require.NoError(err)
	require.Equal(1, n)

	require.NoError(m.Delete(ctx, "a"))
}
