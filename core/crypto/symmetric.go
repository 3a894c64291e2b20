// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"bytes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/katzenpost/zot"
)

// Algorithm is the symmetric algorithm tag carried in the `alg` field of an
// encrypted packet.
type Algorithm string

const (
	// AES256CBC is AES-256 in CBC mode with PKCS#7 padding.
	AES256CBC Algorithm = "aes256cbc"

	// ChaCha20Poly1305 is the IETF ChaCha20-Poly1305 AEAD.
	ChaCha20Poly1305 Algorithm = "chacha20poly1305"

	// DefaultAlgorithm is used for every packet built by this site.
	DefaultAlgorithm = AES256CBC
)

type suite interface {
	keySize() int
	ivSize() int
	seal(key, iv, pt []byte) ([]byte, error)
	open(key, iv, ct []byte) ([]byte, error)
}

var suites = map[Algorithm]suite{
	AES256CBC:        cbcSuite{},
	ChaCha20Poly1305: aeadSuite{},
}

// Algorithms returns the supported algorithm tags.
func Algorithms() []Algorithm {
	return []Algorithm{AES256CBC, ChaCha20Poly1305}
}

func lookup(alg Algorithm) (suite, error) {
	s, ok := suites[alg]
	if !ok {
		return nil, fmt.Errorf("%w: '%v'", zot.ErrUnsupportedAlgorithm, alg)
	}
	return s, nil
}

// NewSymmetricKey returns a fresh random key and IV sized for alg.
func NewSymmetricKey(alg Algorithm) (key, iv []byte, err error) {
	s, err := lookup(alg)
	if err != nil {
		return nil, nil, err
	}
	key = make([]byte, s.keySize())
	iv = make([]byte, s.ivSize())
	if _, err = io.ReadFull(rand.Reader, key); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// EncryptSymmetric encrypts data under key and iv with alg.
func EncryptSymmetric(data, key, iv []byte, alg Algorithm) ([]byte, error) {
	s, err := lookup(alg)
	if err != nil {
		return nil, err
	}
	if len(key) != s.keySize() || len(iv) != s.ivSize() {
		return nil, fmt.Errorf("%w: %v: invalid key or iv size", zot.ErrCrypto, alg)
	}
	return s.seal(key, iv, data)
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(ct, key, iv []byte, alg Algorithm) ([]byte, error) {
	s, err := lookup(alg)
	if err != nil {
		return nil, err
	}
	if len(key) != s.keySize() || len(iv) != s.ivSize() {
		return nil, fmt.Errorf("%w: %v: invalid key or iv size", zot.ErrCrypto, alg)
	}
	pt, err := s.open(key, iv, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", zot.ErrCrypto, alg, err)
	}
	return pt, nil
}

// cbcSuite uses the bitsliced constant time AES implementation.
type cbcSuite struct{}

func (cbcSuite) keySize() int { return 32 }
func (cbcSuite) ivSize() int  { return 16 }

func (cbcSuite) seal(key, iv, pt []byte) ([]byte, error) {
	blk, err := bsaes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padLen := blk.BlockSize() - len(pt)%blk.BlockSize()
	buf := make([]byte, len(pt), len(pt)+padLen)
	copy(buf, pt)
	buf = append(buf, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(buf, buf)
	return buf, nil
}

func (cbcSuite) open(key, iv, ct []byte) ([]byte, error) {
	blk, err := bsaes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := blk.BlockSize()
	if len(ct) == 0 || len(ct)%bs != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}
	buf := make([]byte, len(ct))
	cipher.NewCBCDecrypter(blk, iv).CryptBlocks(buf, ct)

	padLen := int(buf[len(buf)-1])
	if padLen == 0 || padLen > bs {
		return nil, fmt.Errorf("invalid padding")
	}
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	if subtle.ConstantTimeCompare(buf[len(buf)-padLen:], pad) != 1 {
		return nil, fmt.Errorf("invalid padding")
	}
	return buf[:len(buf)-padLen], nil
}

type aeadSuite struct{}

func (aeadSuite) keySize() int { return chacha20poly1305.KeySize }
func (aeadSuite) ivSize() int  { return chacha20poly1305.NonceSize }

func (aeadSuite) seal(key, iv, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, pt, nil), nil
}

func (aeadSuite) open(key, iv, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// An empty plaintext opens to an empty, non-nil slice like cbcSuite.
	return aead.Open(make([]byte, 0, len(ct)), iv, ct, nil)
}
