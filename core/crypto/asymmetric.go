// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/zot"
)

// EncryptAsymmetric encrypts a small secret (a symmetric key or IV) to k
// with RSA-OAEP.
func EncryptAsymmetric(data []byte, k *rsa.PublicKey) ([]byte, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, k, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt: %v", zot.ErrCrypto, err)
	}
	return ct, nil
}

// DecryptAsymmetric reverses EncryptAsymmetric.  Malformed ciphertext and
// key mismatches both fail with zot.ErrCrypto.
func DecryptAsymmetric(ct []byte, k *rsa.PrivateKey) ([]byte, error) {
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, k, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", zot.ErrCrypto, err)
	}
	return pt, nil
}
