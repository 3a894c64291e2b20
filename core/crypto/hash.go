// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"encoding/base64"
	"io"
	"strings"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
)

// Hash returns the base64url encoded BLAKE2b-512 digest of data.
func Hash(data []byte) string {
	d := blake2b.Sum512(data)
	return Base64URLEncode(d[:])
}

// XchanHash returns the portable identity hash of a channel, derived from
// its guid and guid signature.
func XchanHash(guid, guidSig string) string {
	return Hash([]byte(guid + guidSig))
}

// Base64URLEncode encodes b as unpadded base64url.
func Base64URLEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLDecode decodes base64url, with or without padding.
func Base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// RandomString returns n random bytes as base64url, used for guids,
// packet secrets and magic-auth tokens.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return Base64URLEncode(b), nil
}

// NewGUID returns a fresh channel guid.
func NewGUID() (string, error) {
	return RandomString(64)
}
