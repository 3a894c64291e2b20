// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"golang.org/x/crypto/blake2b"
)

const (
	// 2^24 bits (2 MiB) per generation, ~1.1 million entries at p.
	replayFilterLn2    = 24
	replayFilterFalseP = 0.0001
)

// replayFilter remembers the (sender, secret) pairs of accepted packets.
// It keeps two generations of bloom filters and starts a fresh one when
// the current one is saturated, so a pair is remembered for at least one
// full generation.
type replayFilter struct {
	sync.Mutex

	cur  *bloom.Filter
	prev *bloom.Filter
	mLn2 int
}

func newReplayFilter(mLn2 int) (*replayFilter, error) {
	f, err := bloom.New(rand.Reader, mLn2, replayFilterFalseP)
	if err != nil {
		return nil, err
	}
	return &replayFilter{
		cur:  f,
		mLn2: mLn2,
	}, nil
}

func replayTag(senderHash, secret string) []byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(senderHash))
	h.Write([]byte{0})
	h.Write([]byte(secret))
	return h.Sum(nil)
}

// TestAndSet records the pair and returns true if it was already seen.
func (f *replayFilter) TestAndSet(senderHash, secret string) (bool, error) {
	tag := replayTag(senderHash, secret)

	f.Lock()
	defer f.Unlock()

	if f.prev != nil && f.prev.Test(tag) {
		return true, nil
	}
	if f.cur.Entries() >= f.cur.MaxEntries() {
		next, err := bloom.New(rand.Reader, f.mLn2, replayFilterFalseP)
		if err != nil {
			return false, err
		}
		f.prev, f.cur = f.cur, next
	}
	return f.cur.TestAndSet(tag), nil
}
