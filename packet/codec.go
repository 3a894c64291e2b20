// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/core/crypto"
)

// Container is the symmetric encryption wrapper of a packet.  Key and IV
// are encrypted to the receiver's site key.
type Container struct {
	Alg  crypto.Algorithm `json:"alg"`
	IV   string           `json:"iv"`
	Key  string           `json:"key"`
	Data string           `json:"data"`
}

// Codec converts envelopes to and from their wire form.  The site key
// decrypts packets addressed to this site.
type Codec struct {
	key *rsa.PrivateKey
	alg crypto.Algorithm
}

// NewCodec returns a Codec decrypting with siteKey and encrypting with
// alg.
func NewCodec(siteKey *rsa.PrivateKey, alg crypto.Algorithm) *Codec {
	if alg == "" {
		alg = crypto.DefaultAlgorithm
	}
	return &Codec{
		key: siteKey,
		alg: alg,
	}
}

// IsEncrypted returns true if raw is an encryption container.
func IsEncrypted(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, ok := probe["iv"]
	return ok
}

func strictUnmarshal(b []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

// Decode parses a raw packet, decrypting it first if it is wrapped in an
// encryption container.
func (c *Codec) Decode(raw []byte) (*Envelope, error) {
	b := raw
	if IsEncrypted(raw) {
		var err error
		if b, err = c.Open(raw); err != nil {
			return nil, err
		}
	}

	env := new(Envelope)
	if err := strictUnmarshal(b, env); err != nil {
		if errors.Is(err, zot.ErrUnsupportedType) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", zot.ErrMalformed, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Encode serializes env.  If target is not nil the envelope is encrypted
// to it.
func (c *Codec) Encode(env *Envelope, target *rsa.PublicKey) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return b, nil
	}
	return c.Seal(b, target)
}

// Seal wraps an arbitrary payload in an encryption container addressed to
// target.
func (c *Codec) Seal(payload []byte, target *rsa.PublicKey) ([]byte, error) {
	key, iv, err := crypto.NewSymmetricKey(c.alg)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.EncryptSymmetric(payload, key, iv, c.alg)
	if err != nil {
		return nil, err
	}
	eKey, err := crypto.EncryptAsymmetric(key, target)
	if err != nil {
		return nil, err
	}
	eIV, err := crypto.EncryptAsymmetric(iv, target)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Container{
		Alg:  c.alg,
		IV:   crypto.Base64URLEncode(eIV),
		Key:  crypto.Base64URLEncode(eKey),
		Data: crypto.Base64URLEncode(ct),
	})
}

// Open decrypts an encryption container addressed to this site.
func (c *Codec) Open(raw []byte) ([]byte, error) {
	var ctr Container
	if err := strictUnmarshal(raw, &ctr); err != nil {
		return nil, fmt.Errorf("%w: container: %v", zot.ErrMalformed, err)
	}
	eKey, err := crypto.Base64URLDecode(ctr.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: container key: %v", zot.ErrMalformed, err)
	}
	eIV, err := crypto.Base64URLDecode(ctr.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: container iv: %v", zot.ErrMalformed, err)
	}
	ct, err := crypto.Base64URLDecode(ctr.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: container data: %v", zot.ErrMalformed, err)
	}

	key, err := crypto.DecryptAsymmetric(eKey, c.key)
	if err != nil {
		return nil, err
	}
	iv, err := crypto.DecryptAsymmetric(eIV, c.key)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptSymmetric(ct, key, iv, ctr.Alg)
}
