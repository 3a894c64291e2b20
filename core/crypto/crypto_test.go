// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/schwarmco/go-cartesian-product"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/zot"
)

var (
	testKeyOnce sync.Once
	testKeys    [2]*rsa.PrivateKey
)

func keys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	testKeyOnce.Do(func() {
		for i := range testKeys {
			k, err := GenerateKey(2048)
			if err != nil {
				panic(err)
			}
			testKeys[i] = k
		}
	})
	return testKeys[0], testKeys[1]
}

func TestSignVerify(t *testing.T) {
	require := require.New(t)
	alice, bob := keys(t)

	secret := []byte("ZmFrZSBzZWNyZXQ")
	hash := XchanHash("guid", "guid_sig")
	msg := append(append([]byte{}, secret...), hash...)

	confirm, err := Sign(msg, alice)
	require.NoError(err)
	require.True(Verify(msg, confirm, &alice.PublicKey))

	t.Run("wrong key", func(t *testing.T) {
		require.False(Verify(msg, confirm, &bob.PublicKey))
	})

	t.Run("mutated message", func(t *testing.T) {
		for i := range msg {
			m := append([]byte{}, msg...)
			m[i] ^= 0x01
			require.False(Verify(m, confirm, &alice.PublicKey), "byte %d", i)
		}
	})

	t.Run("mutated signature", func(t *testing.T) {
		raw, err := Base64URLDecode(confirm)
		require.NoError(err)
		for _, i := range []int{0, len(raw) / 2, len(raw) - 1} {
			r := append([]byte{}, raw...)
			r[i] ^= 0x80
			require.False(Verify(msg, Base64URLEncode(r), &alice.PublicKey), "byte %d", i)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		require.False(Verify(msg, "", &alice.PublicKey))
		require.False(Verify(msg, "!!!", &alice.PublicKey))
		require.False(Verify(msg, confirm, nil))
	})

	t.Run("pem", func(t *testing.T) {
		pub, err := PublicKeyToPEM(&alice.PublicKey)
		require.NoError(err)
		require.True(VerifyPEM(msg, confirm, pub))
		require.False(VerifyPEM(msg, confirm, "not a key"))
	})
}

func TestAsymmetric(t *testing.T) {
	require := require.New(t)
	alice, bob := keys(t)

	key, iv, err := NewSymmetricKey(DefaultAlgorithm)
	require.NoError(err)

	ct, err := EncryptAsymmetric(key, &alice.PublicKey)
	require.NoError(err)
	pt, err := DecryptAsymmetric(ct, alice)
	require.NoError(err)
	require.Equal(key, pt)

	_, err = DecryptAsymmetric(ct, bob)
	require.ErrorIs(err, zot.ErrCrypto)

	_, err = DecryptAsymmetric(iv, alice)
	require.ErrorIs(err, zot.ErrCrypto)
}

func TestSymmetric(t *testing.T) {
	algs := []interface{}{}
	for _, a := range Algorithms() {
		algs = append(algs, a)
	}
	sizes := []interface{}{0, 1, 15, 16, 17, 4096}

	for product := range cartesian.Iter(algs, sizes) {
		alg := product[0].(Algorithm)
		n := product[1].(int)
		t.Run(fmt.Sprintf("%s/%d", alg, n), func(t *testing.T) {
			require := require.New(t)

			key, iv, err := NewSymmetricKey(alg)
			require.NoError(err)
			data := make([]byte, n)
			for i := range data {
				data[i] = byte(i)
			}

			ct, err := EncryptSymmetric(data, key, iv, alg)
			require.NoError(err)
			pt, err := DecryptSymmetric(ct, key, iv, alg)
			require.NoError(err)
			require.Equal(data, pt)

			other, _, err := NewSymmetricKey(alg)
			require.NoError(err)
			if pt, err := DecryptSymmetric(ct, other, iv, alg); err == nil {
				// CBC has no integrity, a wrong key only fails when the
				// padding check happens to reject it.
				require.NotEqual(data, pt)
			}
		})
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	require := require.New(t)

	_, _, err := NewSymmetricKey("rot13")
	require.ErrorIs(err, zot.ErrUnsupportedAlgorithm)
	_, err = EncryptSymmetric([]byte("x"), make([]byte, 32), make([]byte, 16), "rot13")
	require.ErrorIs(err, zot.ErrUnsupportedAlgorithm)
	_, err = DecryptSymmetric([]byte("x"), make([]byte, 32), make([]byte, 16), "aes128cbc")
	require.ErrorIs(err, zot.ErrUnsupportedAlgorithm)
}

func TestBase64URL(t *testing.T) {
	require := require.New(t)

	b := []byte{0xfb, 0xff, 0xfe}
	s := Base64URLEncode(b)
	require.Equal("-__-", s)
	out, err := Base64URLDecode(s)
	require.NoError(err)
	require.Equal(b, out)

	out, err = Base64URLDecode("YQ==")
	require.NoError(err)
	require.Equal([]byte("a"), out)
}

func TestXchanHash(t *testing.T) {
	require := require.New(t)

	h := XchanHash("guid", "sig")
	require.Equal(h, XchanHash("guid", "sig"))
	require.NotEqual(h, XchanHash("guid", "sig2"))
	raw, err := Base64URLDecode(h)
	require.NoError(err)
	require.Len(raw, 64)
}

func TestLoadOrGenerateKey(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	priv := filepath.Join(dir, "site.private.pem")
	pub := filepath.Join(dir, "site.public.pem")

	k1, err := LoadOrGenerateKey(priv, pub, 2048)
	require.NoError(err)
	k2, err := LoadOrGenerateKey(priv, pub, 2048)
	require.NoError(err)
	require.True(k1.Equal(k2))

	_, err = LoadOrGenerateKey(priv, filepath.Join(dir, "missing.pem"), 2048)
	require.Error(err)
}
