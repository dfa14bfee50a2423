// Package helixconnect implements the core client engine for exchanging
// datasets with the Helix marketplace under confidentiality and integrity
// guarantees. It combines an envelope encryption codec (compress, encrypt,
// wrap the data key), a chunked resumable transfer engine against object
// storage, and a long-poll notification poller, composed behind role-scoped
// capability facades.
//
// Your main interaction with the library will most likely be the
// ClientFactory, which should be created on application start up and stored
// for the lifetime of the app. Facades obtained from it share the underlying
// engines and hold no key material of their own.
package helixconnect

import (
	"context"
	"time"
)

// KeyWrapper wraps and unwraps per-object data keys through a remote
// key-management service. Implementations make a single remote call per
// operation; both operations are idempotent.
type KeyWrapper interface {
	// Wrap encrypts a plaintext data key under the managed master key and
	// returns the opaque wrapped blob.
	Wrap(ctx context.Context, dataKey []byte) ([]byte, error)
	// Unwrap decrypts a wrapped blob and returns the plaintext data key.
	// The returned slice contains live key material; callers must wipe it
	// as soon as it has been copied into protected memory.
	Unwrap(ctx context.Context, wrappedKey []byte) ([]byte, error)
}

// ObjectStore is the client-side contract against remote object storage.
// Objects are stored as a sequence of sealed chunks plus a manifest that
// describes them.
type ObjectStore interface {
	// PutChunk stores the sealed bytes of one chunk.
	PutChunk(ctx context.Context, objectID string, index int, data []byte) error
	// GetChunk retrieves the sealed bytes of one chunk.
	GetChunk(ctx context.Context, objectID string, index int) ([]byte, error)
	// PutManifest stores the object's manifest, completing an upload.
	PutManifest(ctx context.Context, objectID string, manifest *ObjectManifest) error
	// GetManifest retrieves the object's manifest.
	GetManifest(ctx context.Context, objectID string) (*ObjectManifest, error)
}

// NotificationQueue is the client-side contract against the notification
// queue service. Delivery is at-least-once: a received message that is not
// acknowledged before its visibility timeout elapses is redelivered.
type NotificationQueue interface {
	// Receive issues one long-poll request that blocks server-side up to
	// wait for messages to arrive, returning sooner if messages exist.
	// A timeout with nothing to deliver returns an empty slice and no error.
	Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]QueueMessage, error)
	// Acknowledge consumes a receipt handle, removing the message from the
	// queue. Acknowledging with a stale handle after the visibility window
	// has expired is a benign no-op; the message simply redelivers.
	Acknowledge(ctx context.Context, receiptHandle string) error
}

// AEAD contains the functions required to encrypt and decrypt data using a
// specific cipher. It is used where a key encrypts a small blob in one shot,
// e.g. local key wrapping; the envelope codec manages its own cipher state to
// control the wire layout.
type AEAD interface {
	// Encrypt encrypts data using the provided key bytes.
	Encrypt(data, key []byte) ([]byte, error)
	// Decrypt decrypts data using the provided key bytes.
	Decrypt(data, key []byte) ([]byte, error)
}

const (
	// DataKeySize is the size in bytes of the per-object data encryption key.
	DataKeySize = 32
	// EnvelopeIVSize is the size in bytes of the AES-GCM initialization vector.
	EnvelopeIVSize = 12
	// EnvelopeTagSize is the size in bytes of the AES-GCM authentication tag.
	EnvelopeTagSize = 16
)

// MetricsPrefix prefixes all metrics names registered by this SDK.
const MetricsPrefix = "hcx"
