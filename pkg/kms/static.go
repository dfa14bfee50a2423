package kms

import (
	"context"

	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/pkg/errors"

	helixconnect "github.com/helix-data/helix-connect-go"
	"github.com/helix-data/helix-connect-go/internal"
)

var _ helixconnect.KeyWrapper = (*StaticKeyWrapper)(nil)

// StaticKeyWrapper wraps data keys under a fixed local master key using an
// AEAD cipher. The master key lives in protected memory for the lifetime of
// the wrapper.
// NOTE: It should not be used in production and is for testing only!
type StaticKeyWrapper struct {
	Crypto helixconnect.AEAD
	key    *internal.DataKey
}

// NewStatic constructs a new StaticKeyWrapper. The provided key MUST be
// 32 bytes in length.
func NewStatic(key string, crypto helixconnect.AEAD) (*StaticKeyWrapper, error) {
	if len(key) != helixconnect.DataKeySize {
		return nil, errors.Errorf("invalid key size %d, must be %d bytes", len(key), helixconnect.DataKeySize)
	}

	// just hard-code the internal one being used
	f := new(memguard.SecretFactory)

	masterKey, err := internal.NewDataKey(f, []byte(key))
	if err != nil {
		return nil, err
	}

	return &StaticKeyWrapper{
		Crypto: crypto,
		key:    masterKey,
	}, nil
}

// Wrap encrypts dataKey with the master key. The returned blob is
// self-contained and can only be opened by a wrapper holding the same
// master key.
func (s *StaticKeyWrapper) Wrap(_ context.Context, dataKey []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(keyBytes []byte) ([]byte, error) {
		return s.Crypto.Encrypt(dataKey, keyBytes)
	})
}

// Unwrap decrypts a wrapped data key using the master key.
func (s *StaticKeyWrapper) Unwrap(_ context.Context, wrappedKey []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(kekBytes []byte) ([]byte, error) {
		return s.Crypto.Decrypt(wrappedKey, kekBytes)
	})
}

// Close frees the memory locked by the master key. It should be called
// as soon as its no longer in use.
func (s *StaticKeyWrapper) Close() {
	if s.key != nil {
		s.key.Close()
	}
}
