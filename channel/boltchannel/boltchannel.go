// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package boltchannel implements the local channel store with a simple
// boltdb based backend.
package boltchannel

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/katzenpost/zot/channel"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"

	channelsBucket    = "channels"
	addrIndexBucket   = "channel_addr"
	guidIndexBucket   = "channel_guid"
	hashIndexBucket   = "channel_hash"
	permissionsBucket = "permissions"

	dbVersion = 0
)

type boltChannels struct {
	sync.RWMutex

	db *bolt.DB

	// senderCache holds the channel list used by the hot paths that only
	// need a signer, invalidated on every write.
	senderCache []*channel.Channel
}

func idToKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

func permKey(localID uint64, remoteHash, capability string) []byte {
	k := idToKey(localID)
	k = append(k, remoteHash...)
	k = append(k, 0)
	return append(k, capability...)
}

func getByID(tx *bolt.Tx, id []byte) (*channel.Channel, error) {
	raw := tx.Bucket([]byte(channelsBucket)).Get(id)
	if raw == nil {
		return nil, channel.ErrNoSuchChannel
	}
	c := new(channel.Channel)
	if err := cbor.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *boltChannels) invalidate() {
	d.Lock()
	defer d.Unlock()
	d.senderCache = nil
}

func (d *boltChannels) Create(c *channel.Channel) error {
	if c.GUID == "" || c.Hash == "" || c.Address == "" {
		return fmt.Errorf("boltchannel: incomplete channel")
	}
	defer d.invalidate()

	return d.db.Update(func(tx *bolt.Tx) error {
		aBkt := tx.Bucket([]byte(addrIndexBucket))
		if aBkt.Get([]byte(c.Address)) != nil {
			return fmt.Errorf("boltchannel: channel '%v' already exists", c.Address)
		}
		bkt := tx.Bucket([]byte(channelsBucket))
		id, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		rec := *c
		rec.ID = id
		raw, err := cbor.Marshal(&rec)
		if err != nil {
			return err
		}
		k := idToKey(id)
		if err = bkt.Put(k, raw); err != nil {
			return err
		}
		if err = aBkt.Put([]byte(c.Address), k); err != nil {
			return err
		}
		if err = tx.Bucket([]byte(guidIndexBucket)).Put([]byte(c.GUID), k); err != nil {
			return err
		}
		if err = tx.Bucket([]byte(hashIndexBucket)).Put([]byte(c.Hash), k); err != nil {
			return err
		}
		c.ID = id
		return nil
	})
}

func (d *boltChannels) Get(id uint64) (*channel.Channel, error) {
	var c *channel.Channel
	err := d.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = getByID(tx, idToKey(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: id %v", err, id)
	}
	return c, nil
}

func (d *boltChannels) byIndex(index, key string) (*channel.Channel, error) {
	var c *channel.Channel
	err := d.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket([]byte(index)).Get([]byte(key))
		if id == nil {
			return channel.ErrNoSuchChannel
		}
		var err error
		c, err = getByID(tx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v '%v'", err, index, key)
	}
	return c, nil
}

func (d *boltChannels) ByAddress(addr string) (*channel.Channel, error) {
	return d.byIndex(addrIndexBucket, addr)
}

func (d *boltChannels) ByGUID(guid string) (*channel.Channel, error) {
	return d.byIndex(guidIndexBucket, guid)
}

func (d *boltChannels) ByHash(hash string) (*channel.Channel, error) {
	return d.byIndex(hashIndexBucket, hash)
}

func (d *boltChannels) List(includeRemoved bool) ([]*channel.Channel, error) {
	if !includeRemoved {
		d.RLock()
		cached := d.senderCache
		d.RUnlock()
		if cached != nil {
			return append([]*channel.Channel{}, cached...), nil
		}
	}

	cs := []*channel.Channel{}
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).ForEach(func(k, v []byte) error {
			c := new(channel.Channel)
			if err := cbor.Unmarshal(v, c); err != nil {
				return err
			}
			if includeRemoved || !c.Removed {
				cs = append(cs, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if !includeRemoved {
		d.Lock()
		d.senderCache = cs
		d.Unlock()
		return append([]*channel.Channel{}, cs...), nil
	}
	return cs, nil
}

func (d *boltChannels) Remove(id uint64) error {
	defer d.invalidate()

	return d.db.Update(func(tx *bolt.Tx) error {
		k := idToKey(id)
		c, err := getByID(tx, k)
		if err != nil {
			return err
		}
		c.Removed = true
		raw, err := cbor.Marshal(c)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(channelsBucket)).Put(k, raw)
	})
}

func (d *boltChannels) Grant(localID uint64, remoteHash, capability string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := getByID(tx, idToKey(localID)); err != nil {
			return err
		}
		return tx.Bucket([]byte(permissionsBucket)).Put(permKey(localID, remoteHash, capability), []byte{1})
	})
}

func (d *boltChannels) Revoke(localID uint64, remoteHash, capability string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(permissionsBucket)).Delete(permKey(localID, remoteHash, capability))
	})
}

func (d *boltChannels) IsAllowed(localID uint64, remoteHash, capability string) bool {
	allowed := false
	d.db.View(func(tx *bolt.Tx) error {
		allowed = tx.Bucket([]byte(permissionsBucket)).Get(permKey(localID, remoteHash, capability)) != nil
		return nil
	})
	return allowed
}

func (d *boltChannels) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a channel store with the given file name f.
func New(f string) (channel.Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	d := &boltChannels{db: db}

	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{channelsBucket, addrIndexBucket, guidIndexBucket, hashIndexBucket, permissionsBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != dbVersion {
				return fmt.Errorf("boltchannel: incompatible version: %x", b)
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
