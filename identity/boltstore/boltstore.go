// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltstore implements the identity directory store with a boltdb
// based backend.
package boltstore

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/identity"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"

	xchanBucket      = "xchan"
	hublocBucket     = "hubloc"
	hublocKeyBucket  = "hubloc_key"
	hublocAddrBucket = "hubloc_addr"
	hublocHashBucket = "hubloc_hash"
	hublocSiteBucket = "hubloc_site"

	dbVersion = 0
)

var encMode cbor.EncMode

func init() {
	var err error
	if encMode, err = (cbor.EncOptions{Time: cbor.TimeRFC3339Nano}).EncMode(); err != nil {
		panic(err)
	}
}

type boltStore struct {
	db *bolt.DB
}

func idToKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func indexKey(prefix string, id uint64) []byte {
	k := make([]byte, 0, len(prefix)+1+8)
	k = append(k, prefix...)
	k = append(k, 0)
	return append(k, idToKey(id)...)
}

func uniqueKey(h *identity.Hubloc) []byte {
	return []byte(h.Hash + "\x00" + h.SiteURL)
}

func (s *boltStore) scan(index, prefix string) ([]*identity.Hubloc, error) {
	var hs []*identity.Hubloc
	err := s.db.View(func(tx *bolt.Tx) error {
		hBkt := tx.Bucket([]byte(hublocBucket))
		c := tx.Bucket([]byte(index)).Cursor()

		p := append([]byte(prefix), 0)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			if len(k) != len(p)+8 {
				continue
			}
			raw := hBkt.Get(k[len(p):])
			if raw == nil {
				return fmt.Errorf("boltstore: dangling %v index entry", index)
			}
			h := new(identity.Hubloc)
			if err := cbor.Unmarshal(raw, h); err != nil {
				return err
			}
			hs = append(hs, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	identity.SortNewestFirst(hs)
	return hs, nil
}

func (s *boltStore) FindLocationsByAddress(addr string) ([]*identity.Hubloc, error) {
	return s.scan(hublocAddrBucket, addr)
}

func (s *boltStore) FindLocationsByHash(hash string) ([]*identity.Hubloc, error) {
	return s.scan(hublocHashBucket, hash)
}

func (s *boltStore) FindLocationsBySite(siteURL string) ([]*identity.Hubloc, error) {
	return s.scan(hublocSiteBucket, siteURL)
}

func (s *boltStore) GetXchan(hash string) (*identity.Xchan, error) {
	x := new(identity.Xchan)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(xchanBucket)).Get([]byte(hash))
		if raw == nil {
			return fmt.Errorf("%w: xchan %v", zot.ErrNotFound, hash)
		}
		return cbor.Unmarshal(raw, x)
	})
	if err != nil {
		return nil, err
	}
	return x, nil
}

func (s *boltStore) UpsertXchan(x *identity.Xchan) error {
	if x.Hash == "" {
		return fmt.Errorf("boltstore: xchan without hash")
	}
	raw, err := encMode.Marshal(x)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(xchanBucket)).Put([]byte(x.Hash), raw)
	})
}

func putIndexes(tx *bolt.Tx, h *identity.Hubloc) error {
	if err := tx.Bucket([]byte(hublocAddrBucket)).Put(indexKey(h.Address, h.ID), []byte{}); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(hublocHashBucket)).Put(indexKey(h.Hash, h.ID), []byte{}); err != nil {
		return err
	}
	return tx.Bucket([]byte(hublocSiteBucket)).Put(indexKey(h.SiteURL, h.ID), []byte{})
}

func deleteIndexes(tx *bolt.Tx, h *identity.Hubloc) error {
	if err := tx.Bucket([]byte(hublocAddrBucket)).Delete(indexKey(h.Address, h.ID)); err != nil {
		return err
	}
	if err := tx.Bucket([]byte(hublocHashBucket)).Delete(indexKey(h.Hash, h.ID)); err != nil {
		return err
	}
	return tx.Bucket([]byte(hublocSiteBucket)).Delete(indexKey(h.SiteURL, h.ID))
}

func (s *boltStore) UpsertHubloc(h *identity.Hubloc) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(xchanBucket)).Get([]byte(h.Hash)) == nil {
			return fmt.Errorf("%w: hubloc references unknown xchan %v", zot.ErrNotFound, h.Hash)
		}

		hBkt := tx.Bucket([]byte(hublocBucket))
		kBkt := tx.Bucket([]byte(hublocKeyBucket))

		rec := *h
		if rawID := kBkt.Get(uniqueKey(h)); rawID != nil {
			old := new(identity.Hubloc)
			if err := cbor.Unmarshal(hBkt.Get(rawID), old); err != nil {
				return err
			}
			if err := deleteIndexes(tx, old); err != nil {
				return err
			}
			rec.ID = old.ID
			rec.Created = old.Created
		} else {
			id, err := hBkt.NextSequence()
			if err != nil {
				return err
			}
			rec.ID = id
			if err := kBkt.Put(uniqueKey(h), idToKey(id)); err != nil {
				return err
			}
		}

		raw, err := encMode.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := hBkt.Put(idToKey(rec.ID), raw); err != nil {
			return err
		}
		if err := putIndexes(tx, &rec); err != nil {
			return err
		}
		h.ID = rec.ID
		h.Created = rec.Created
		return nil
	})
}

func (s *boltStore) DeleteXchan(hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		xBkt := tx.Bucket([]byte(xchanBucket))
		raw := xBkt.Get([]byte(hash))
		if raw == nil {
			return fmt.Errorf("%w: xchan %v", zot.ErrNotFound, hash)
		}
		x := new(identity.Xchan)
		if err := cbor.Unmarshal(raw, x); err != nil {
			return err
		}
		x.Deleted = true
		if raw, err := encMode.Marshal(x); err != nil {
			return err
		} else if err = xBkt.Put([]byte(hash), raw); err != nil {
			return err
		}

		hBkt := tx.Bucket([]byte(hublocBucket))
		p := append([]byte(hash), 0)
		c := tx.Bucket([]byte(hublocHashBucket)).Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			id := k[len(p):]
			h := new(identity.Hubloc)
			if err := cbor.Unmarshal(hBkt.Get(id), h); err != nil {
				return err
			}
			h.Deleted = true
			raw, err := encMode.Marshal(h)
			if err != nil {
				return err
			}
			if err := hBkt.Put(id, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) Close() {
	s.db.Sync()
	s.db.Close()
}

// New creates (or loads) an identity store with the given file name f.
func New(f string) (identity.Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &boltStore{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{xchanBucket, hublocBucket, hublocKeyBucket, hublocAddrBucket, hublocHashBucket, hublocSiteBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("boltstore: incompatible version: %x", b)
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
