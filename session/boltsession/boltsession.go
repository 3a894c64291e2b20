// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltsession implements the session store with a boltdb based
// backend.
package boltsession

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/zot/session"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	sessionsBucket = "sessions"

	dbVersion = 0
)

type boltSessions struct {
	db *bolt.DB
}

func (d *boltSessions) Get(_ context.Context, id string) (*session.State, error) {
	s := new(session.State)
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if raw == nil {
			return session.ErrNoSession
		}
		return cbor.Unmarshal(raw, s)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (d *boltSessions) Put(_ context.Context, id string, s *session.State) error {
	c := s.Clone()
	c.Updated = time.Now()
	raw, err := cbor.Marshal(c)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(id), raw)
	})
}

func (d *boltSessions) Delete(_ context.Context, id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Delete([]byte(id))
	})
}

func (d *boltSessions) Expire(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	n := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(sessionsBucket))
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var s session.State
			if err := cbor.Unmarshal(v, &s); err != nil || s.Updated.Before(cutoff) {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

// Close closes the store.
func (d *boltSessions) Close() {
	d.db.Sync()
	d.db.Close()
}

// Store is a session.Store that must be closed.
type Store interface {
	session.Store
	Close()
}

// New creates (or loads) a session store with the given file name f.
func New(f string) (Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &boltSessions{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(sessionsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("boltsession: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}
