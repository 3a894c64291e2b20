// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package outq implements the outbound message queue: messages wait here,
// announced to their recipient's site by a notify packet, until that site
// collects them with a pickup request.
package outq

import (
	"encoding/binary"
	"encoding/json"
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
	entriesBucket  = "outq"

	dbVersion = 0
)

// ErrNoSuchEntry is returned when an entry does not exist.
var ErrNoSuchEntry = errors.New("outq: no such entry")

// Entry is one queued message.
type Entry struct {
	ID uint64

	// Hash is the hash of the notify secret.
	Hash string

	// Hub is the callback URL of the recipient's site, the only site
	// allowed to pick the message up.
	Hub string

	ChannelID        uint64
	SiteURL          string
	SiteKey          string
	RecipientGUID    string
	RecipientGUIDSig string

	Message json.RawMessage
	Created time.Time

	// Packet is the encrypted notify packet announcing the message.
	Packet []byte

	Notified    bool
	Attempts    int
	NextAttempt time.Time
}

// Queue is a bolt backed outbound queue.
type Queue struct {
	db *bolt.DB
}

func idToKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func (q *Queue) put(tx *bolt.Tx, e *Entry) error {
	raw, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(entriesBucket)).Put(idToKey(e.ID), raw)
}

func (q *Queue) forEach(tx *bolt.Tx, fn func(e *Entry) error) error {
	return tx.Bucket([]byte(entriesBucket)).ForEach(func(_, v []byte) error {
		e := new(Entry)
		if err := cbor.Unmarshal(v, e); err != nil {
			return err
		}
		return fn(e)
	})
}

// Enqueue stores a message announced under secret and assigns its ID.
func (q *Queue) Enqueue(secret string, e *Entry) error {
	if !json.Valid(e.Message) {
		return fmt.Errorf("outq: message is not valid JSON")
	}
	e.Hash = crypto.Hash([]byte(secret))
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket([]byte(entriesBucket)).NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		return q.put(tx, e)
	})
}

// Pickup removes and returns every message announced under secret to the
// site whose callback URL is callback.  Nothing is returned, and nothing
// removed, for any other combination.
func (q *Queue) Pickup(secret, callback string) ([]*Entry, error) {
	hash := crypto.Hash([]byte(secret))
	var es []*Entry
	err := q.db.Update(func(tx *bolt.Tx) error {
		if err := q.forEach(tx, func(e *Entry) error {
			if e.Hash == hash && e.Hub == callback {
				es = append(es, e)
			}
			return nil
		}); err != nil {
			return err
		}
		bkt := tx.Bucket([]byte(entriesBucket))
		for _, e := range es {
			if err := bkt.Delete(idToKey(e.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return es, nil
}

// Due returns the entries whose notify has not been accepted and whose
// next attempt is due at now.
func (q *Queue) Due(now time.Time) ([]*Entry, error) {
	var es []*Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		return q.forEach(tx, func(e *Entry) error {
			if !e.Notified && !e.NextAttempt.After(now) {
				es = append(es, e)
			}
			return nil
		})
	})
	return es, err
}

// Update replaces a stored entry.
func (q *Queue) Update(e *Entry) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(entriesBucket)).Get(idToKey(e.ID)) == nil {
			return ErrNoSuchEntry
		}
		return q.put(tx, e)
	})
}

// Remove deletes an entry.
func (q *Queue) Remove(id uint64) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(entriesBucket))
		if bkt.Get(idToKey(id)) == nil {
			return ErrNoSuchEntry
		}
		return bkt.Delete(idToKey(id))
	})
}

// Expire removes entries older than maxAge and returns how many were
// removed.
func (q *Queue) Expire(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	var stale []uint64
	err := q.db.Update(func(tx *bolt.Tx) error {
		if err := q.forEach(tx, func(e *Entry) error {
			if e.Created.Before(cutoff) {
				stale = append(stale, e.ID)
			}
			return nil
		}); err != nil {
			return err
		}
		bkt := tx.Bucket([]byte(entriesBucket))
		for _, id := range stale {
			if err := bkt.Delete(idToKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return len(stale), err
}

// Close closes the Queue.
func (q *Queue) Close() {
	q.db.Sync()
	q.db.Close()
}

// New creates (or loads) a queue with the given file name f.
func New(f string) (*Queue, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("outq: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{dbVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}
