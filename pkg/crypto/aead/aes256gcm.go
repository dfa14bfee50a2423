package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/pkg/errors"

	helixconnect "github.com/helix-data/helix-connect-go"
)

// newAES256GCMCipher builds the GCM cipher for a 256-bit key. Shorter AES
// variants are rejected rather than silently downgraded.
func newAES256GCMCipher(key []byte) (cipher.AEAD, error) {
	if len(key) != helixconnect.DataKeySize {
		return nil, errors.Errorf("invalid key size %d, AES-256-GCM requires %d bytes", len(key), helixconnect.DataKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns an AEAD that seals with AES-256 in GCM mode.
func NewAES256GCM() helixconnect.AEAD {
	return oneShot{factory: newAES256GCMCipher}
}
