// Package aead provides the one-shot authenticated ciphers used to wrap
// data keys under a locally held master key. Wrapped blobs are
// self-contained: the nonce travels with the ciphertext.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/helix-data/helix-connect-go/internal"
)

type cipherFactory func(key []byte) (cipher.AEAD, error)

// oneShot adapts a cipher factory to the helixconnect.AEAD contract. A
// fresh cipher is derived from the supplied key bytes on every call, so
// no key material is retained between calls.
type oneShot struct {
	factory cipherFactory
}

// Encrypt seals data under key. The returned blob is nonce-prefixed:
//
//	nonce | ciphertext | tag
func (c oneShot) Encrypt(data, key []byte) ([]byte, error) {
	aeadCipher, err := c.factory(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aeadCipher.NonceSize()
	blob := make([]byte, nonceSize, nonceSize+len(data)+aeadCipher.Overhead())
	internal.FillRandom(blob)

	// Seal appends past the nonce in the same backing array.
	return aeadCipher.Seal(blob, blob[:nonceSize], data, nil), nil
}

// Decrypt opens a nonce-prefixed blob produced by Encrypt.
func (c oneShot) Decrypt(blob, key []byte) ([]byte, error) {
	aeadCipher, err := c.factory(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aeadCipher.NonceSize()
	if len(blob) < nonceSize {
		return nil, errors.Errorf("wrapped blob is shorter than the %d-byte nonce", nonceSize)
	}

	data, err := aeadCipher.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)

	return data, errors.Wrap(err, "opening wrapped blob")
}
