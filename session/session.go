// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package session holds the per visitor session state read and written by
// magic-auth and ordinary login.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned for an unknown session id.
var ErrNoSession = errors.New("session: no such session")

// State is the session of one visitor.  It is owned by the request
// handling that session and never shared across sessions.
type State struct {
	// Authenticated is set once a remote visitor has been verified.
	Authenticated bool

	// VisitorID is the identity hash of the verified remote visitor.
	VisitorID      string
	VisitorURL     string
	VisitorAddress string

	// DelegateChannel is the local channel the visitor acts as, if
	// delegation was used.  Delegate is the identity hash of the remote
	// visitor that holds the delegation.
	DelegateChannel uint64
	Delegate        string

	RemoteServiceClass string
	RemoteLevel        int
	RemoteHub          string
	DNT                bool

	// AuthHub is the site URL last used to authenticate the visitor.
	AuthHub string

	// LocalChannel is the local channel logged in to the session by
	// ordinary login.
	LocalChannel uint64

	Updated time.Time
}

// Clone returns a copy of the state.
func (s *State) Clone() *State {
	c := *s
	return &c
}

// IsLocal returns true if a local channel is logged in.
func (s *State) IsLocal() bool {
	return s.LocalChannel != 0
}

// Store persists session state keyed by an opaque session id.  Concurrent
// requests of the same session are last writer wins.
type Store interface {
	Get(ctx context.Context, id string) (*State, error)
	Put(ctx context.Context, id string, s *State) error
	Delete(ctx context.Context, id string) error

	// Expire removes sessions not updated within maxAge.
	Expire(ctx context.Context, maxAge time.Duration) (int, error)
}

// MemStore is an in-memory Store for a single process.
type MemStore struct {
	sync.Mutex
	m map[string]*State
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]*State)}
}

// Get implements Store.
func (m *MemStore) Get(_ context.Context, id string) (*State, error) {
	m.Lock()
	defer m.Unlock()

	s, ok := m.m[id]
	if !ok {
		return nil, ErrNoSession
	}
	return s.Clone(), nil
}

// Put implements Store.
func (m *MemStore) Put(_ context.Context, id string, s *State) error {
	m.Lock()
	defer m.Unlock()

	c := s.Clone()
	c.Updated = time.Now()
	m.m[id] = c
	return nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.Lock()
	defer m.Unlock()

	delete(m.m, id)
	return nil
}

// Expire implements Store.
func (m *MemStore) Expire(_ context.Context, maxAge time.Duration) (int, error) {
	m.Lock()
	defer m.Unlock()

	n := 0
	cutoff := time.Now().Add(-maxAge)
	for id, s := range m.m {
		if s.Updated.Before(cutoff) {
			delete(m.m, id)
			n++
		}
	}
	return n, nil
}
