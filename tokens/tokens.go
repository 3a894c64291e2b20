// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package tokens stores the one time secrets this site issues to its own
// channels when they start a magic-auth login on a remote site.  The
// remote site later presents the secret in an auth_check packet.
package tokens

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/zot/core/crypto"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	tokensBucket   = "tokens"

	dbVersion = 0

	// DefaultLifetime is how long an issued token may be consumed.
	DefaultLifetime = 5 * time.Minute

	tokenSize = 32
)

// ErrNoSuchToken is returned when a token was never issued, has expired,
// or was already consumed.
var ErrNoSuchToken = errors.New("tokens: no such token")

type record struct {
	ChannelID uint64
	Realm     string
	Expires   time.Time
}

// Store is a bolt backed token store.
type Store struct {
	db       *bolt.DB
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLifetime sets the token lifetime.
func WithLifetime(d time.Duration) Option {
	return func(s *Store) {
		s.lifetime = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Issue creates a new token for channelID, valid only against realm, the
// base URL of the remote site the login is aimed at.
func (s *Store) Issue(channelID uint64, realm string) (string, error) {
	tok, err := crypto.RandomString(tokenSize)
	if err != nil {
		return "", err
	}
	raw, err := cbor.Marshal(&record{
		ChannelID: channelID,
		Realm:     realm,
		Expires:   s.now().Add(s.lifetime),
	})
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(tokensBucket)).Put([]byte(tok), raw)
	})
	if err != nil {
		return "", err
	}
	return tok, nil
}

// Consume atomically removes token and returns nil iff it was issued to
// channelID for realm and has not expired.  A token that does not match is
// left in place for its rightful owner.
func (s *Store) Consume(channelID uint64, realm, token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tokensBucket))
		raw := bkt.Get([]byte(token))
		if raw == nil {
			return ErrNoSuchToken
		}
		var r record
		if err := cbor.Unmarshal(raw, &r); err != nil {
			return err
		}
		if s.now().After(r.Expires) {
			return ErrNoSuchToken
		}
		var a, b [8]byte
		binary.BigEndian.PutUint64(a[:], r.ChannelID)
		binary.BigEndian.PutUint64(b[:], channelID)
		if subtle.ConstantTimeCompare(a[:], b[:]) != 1 || subtle.ConstantTimeCompare([]byte(r.Realm), []byte(realm)) != 1 {
			return ErrNoSuchToken
		}
		return bkt.Delete([]byte(token))
	})
}

// Expire removes every expired token and returns how many were removed.
func (s *Store) Expire() (int, error) {
	n := 0
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(tokensBucket))
		var stale [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			var r record
			if err := cbor.Unmarshal(v, &r); err != nil || now.After(r.Expires) {
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

// Close closes the Store.
func (s *Store) Close() {
	s.db.Sync()
	s.db.Close()
}

// New creates (or loads) a token store with the given file name f.
func New(f string, opts ...Option) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(tokensBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("tokens: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
