package internal

import (
	"fmt"
	"sync"

	"github.com/godaddy/asherah/go/securememory"
)

// DataKey is an ephemeral symmetric key held in a secure section of memory.
//
// A DataKey exists for the duration of a single seal or open operation. It is
// never persisted and must be closed as soon as the operation completes so the
// backing pages are wiped and unlocked.
type DataKey struct {
	secret securememory.Secret
	once   sync.Once
}

// NewDataKey creates a DataKey from raw key material. The raw slice is wiped
// by the secret factory once the key has been copied into protected memory, so
// callers must not reuse it.
func NewDataKey(factory securememory.SecretFactory, raw []byte) (*DataKey, error) {
	sec, err := factory.New(raw)
	if err != nil {
		return nil, err
	}

	return &DataKey{secret: sec}, nil
}

// GenerateDataKey creates a new random DataKey of the given size.
func GenerateDataKey(factory securememory.SecretFactory, size int) (*DataKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &DataKey{secret: sec}, nil
}

// WithBytes makes the underlying bytes readable and passes them to action.
// A reference MUST not be stored to the provided bytes. The underlying array
// is no longer readable after the function exits.
func (k *DataKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc makes the underlying bytes readable and passes them to action,
// returning the byte slice action produces. A reference MUST not be stored to
// the provided bytes.
func (k *DataKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// Close destroys the underlying buffer for this key. It is safe to call more
// than once.
func (k *DataKey) Close() {
	k.once.Do(k.close)
}

func (k *DataKey) close() {
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed returns true if the underlying buffer has been destroyed.
func (k *DataKey) IsClosed() bool {
	return k.secret.IsClosed()
}

func (k *DataKey) String() string {
	return fmt.Sprintf("DataKey(%p){secret(%p)}", k, k.secret)
}

// BytesFuncAccessor is satisfied by keys that expose their bytes through a
// scoped accessor, e.g. DataKey.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc makes the key's underlying bytes readable and passes them to the
// function provided. A reference MUST not be stored to the provided bytes. The
// underlying array is wiped or protected again after the function exits.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}
