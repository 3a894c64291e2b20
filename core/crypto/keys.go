// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the stateless primitives of the Zot protocol:
// RSA signatures and key wrapping, symmetric packet encryption, the
// identity hash and base64url encoding.
package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultKeyBits is the modulus size of site and channel keys.
	DefaultKeyBits = 4096

	privateKeyType   = "RSA PRIVATE KEY"
	publicKeyType    = "PUBLIC KEY"
	rsaPublicKeyType = "RSA PUBLIC KEY"
)

// GenerateKey generates a new RSA key pair.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

// PrivateKeyToPEM serializes a private key as a PKCS#1 PEM block.
func PrivateKeyToPEM(k *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyType,
		Bytes: x509.MarshalPKCS1PrivateKey(k),
	})
}

// PublicKeyToPEM serializes a public key as a PKIX PEM block, the form
// published in identity documents.
func PublicKeyToPEM(k *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: publicKeyType, Bytes: der})), nil
}

// PrivateKeyFromPEM parses a PKCS#1 or PKCS#8 RSA private key.
func PrivateKeyFromPEM(b []byte) (*rsa.PrivateKey, error) {
	blk, _ := pem.Decode(b)
	if blk == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	if k, err := x509.ParsePKCS1PrivateKey(blk.Bytes); err == nil {
		return k, nil
	}
	raw, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %v", err)
	}
	k, ok := raw.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypto: private key is not RSA")
	}
	return k, nil
}

// PublicKeyFromPEM parses a PKIX or PKCS#1 RSA public key.
func PublicKeyFromPEM(s string) (*rsa.PublicKey, error) {
	blk, _ := pem.Decode([]byte(s))
	if blk == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	if blk.Type == rsaPublicKeyType {
		return x509.ParsePKCS1PublicKey(blk.Bytes)
	}
	raw, err := x509.ParsePKIXPublicKey(blk.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid public key: %v", err)
	}
	k, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypto: public key is not RSA")
	}
	return k, nil
}

func exists(f string) bool {
	_, err := os.Stat(f)
	return err == nil
}

// LoadOrGenerateKey loads the key pair stored at privFile/pubFile, or
// generates and persists a new one if neither file exists.
func LoadOrGenerateKey(privFile, pubFile string, bits int) (*rsa.PrivateKey, error) {
	switch {
	case exists(privFile) && exists(pubFile):
		b, err := os.ReadFile(privFile)
		if err != nil {
			return nil, err
		}
		k, err := PrivateKeyFromPEM(b)
		if err != nil {
			return nil, err
		}
		pb, err := os.ReadFile(pubFile)
		if err != nil {
			return nil, err
		}
		pub, err := PublicKeyFromPEM(string(pb))
		if err != nil {
			return nil, err
		}
		if !pub.Equal(&k.PublicKey) {
			return nil, fmt.Errorf("crypto: public key %v does not match private key", pubFile)
		}
		return k, nil
	case !exists(privFile) && !exists(pubFile):
		k, err := GenerateKey(bits)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(privFile, PrivateKeyToPEM(k), 0600); err != nil {
			return nil, err
		}
		pub, err := PublicKeyToPEM(&k.PublicKey)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(pubFile, []byte(pub), 0644); err != nil {
			return nil, err
		}
		return k, nil
	default:
		return nil, fmt.Errorf("crypto: only one of %v and %v exists", privFile, pubFile)
	}
}
