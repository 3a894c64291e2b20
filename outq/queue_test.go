// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package outq

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *Queue {
	q, err := New(filepath.Join(t.TempDir(), "outq.db"))
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestQueue(t *testing.T) {
	require := require.New(t)
	q := newQueue(t)

	err := q.Enqueue("s1", &Entry{Hub: "https://b.example/post", Message: json.RawMessage(`{`)})
	require.Error(err, "invalid JSON")

	e1 := &Entry{Hub: "https://b.example/post", Message: json.RawMessage(`{"type":"mail"}`)}
	require.NoError(q.Enqueue("s1", e1))
	e2 := &Entry{Hub: "https://b.example/post", Message: json.RawMessage(`{"type":"activity"}`)}
	require.NoError(q.Enqueue("s1", e2))
	e3 := &Entry{Hub: "https://c.example/post", Message: json.RawMessage(`{}`), NextAttempt: time.Now().Add(time.Hour)}
	require.NoError(q.Enqueue("s2", e3))

	due, err := q.Due(time.Now())
	require.NoError(err)
	require.Len(due, 2)

	es, err := q.Pickup("s1", "https://c.example/post")
	require.NoError(err)
	require.Len(es, 0, "wrong hub")
	es, err = q.Pickup("s3", "https://b.example/post")
	require.NoError(err)
	require.Len(es, 0, "wrong secret")

	es, err = q.Pickup("s1", "https://b.example/post")
	require.NoError(err)
	require.Len(es, 2)
	require.JSONEq(`{"type":"mail"}`, string(es[0].Message))

	es, err = q.Pickup("s1", "https://b.example/post")
	require.NoError(err)
	require.Len(es, 0, "picked up only once")

	e3.Notified = true
	require.NoError(q.Update(e3))
	require.ErrorIs(q.Update(&Entry{ID: 99}), ErrNoSuchEntry)

	n, err := q.Expire(time.Hour)
	require.NoError(err)
	require.Zero(n)
	n, err = q.Expire(-time.Second)
	require.NoError(err)
	require.Equal(1, n)
	require.ErrorIs(q.Remove(e3.ID), ErrNoSuchEntry)
}
