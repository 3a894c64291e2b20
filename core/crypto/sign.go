// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	gocrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/zot"
)

// Sign signs data with RSA PKCS#1 v1.5 over SHA-256 and returns the
// base64url encoded signature.
func Sign(data []byte, k *rsa.PrivateKey) (string, error) {
	h := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k, gocrypto.SHA256, h[:])
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", zot.ErrCrypto, err)
	}
	return Base64URLEncode(sig), nil
}

// Verify returns true iff sig is a valid base64url encoded signature of
// data made with the private half of k.
func Verify(data []byte, sig string, k *rsa.PublicKey) bool {
	if k == nil {
		return false
	}
	raw, err := Base64URLDecode(sig)
	if err != nil || len(raw) == 0 {
		return false
	}
	h := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(k, gocrypto.SHA256, h[:], raw) == nil
}

// VerifyPEM is Verify with a PEM encoded public key.
func VerifyPEM(data []byte, sig string, pubPEM string) bool {
	k, err := PublicKeyFromPEM(pubPEM)
	if err != nil {
		return false
	}
	return Verify(data, sig, k)
}
