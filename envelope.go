package helixconnect

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"io"
	"time"

	"github.com/godaddy/asherah/go/securememory"
	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/helix-data/helix-connect-go/internal"
)

// Envelope metrics
var (
	sealTimer = metrics.GetOrRegisterTimer(MetricsPrefix+".envelope.seal", nil)
	openTimer = metrics.GetOrRegisterTimer(MetricsPrefix+".envelope.open", nil)
)

// Envelope is the sealed form of one payload: the compressed plaintext
// encrypted under an ephemeral data key, together with everything needed to
// recover it given access to the key-wrap service.
//
// An Envelope is constructed once, never mutated, and travels as a single
// concatenated byte stream:
//
//	u32 wrappedKeyLength | wrappedKey | iv[12] | authTag[16] | ciphertext
//
// with all integers big-endian. The IV is unique per envelope and is never
// reused with the same data key.
type Envelope struct {
	WrappedKey []byte
	IV         []byte
	AuthTag    []byte
	Ciphertext []byte
}

// MarshalBinary encodes the envelope in its on-wire representation.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+len(e.WrappedKey)+EnvelopeIVSize+EnvelopeTagSize+len(e.Ciphertext))
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.WrappedKey)))
	out = append(out, e.WrappedKey...)
	out = append(out, e.IV...)
	out = append(out, e.AuthTag...)
	out = append(out, e.Ciphertext...)

	return out, nil
}

// UnmarshalBinary decodes an envelope from its on-wire representation. The
// envelope's fields are copied out of data, so the caller may reuse the
// buffer. Truncated or length-inconsistent input fails with FormatError.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return &FormatError{Reason: "envelope shorter than length prefix"}
	}

	keyLen := binary.BigEndian.Uint32(data)
	if keyLen == 0 {
		return &FormatError{Reason: "zero-length wrapped key"}
	}

	// uint64 arithmetic: an oversized length prefix must not wrap.
	if uint64(len(data)) < 4+uint64(keyLen)+EnvelopeIVSize+EnvelopeTagSize {
		return &FormatError{Reason: "envelope shorter than declared wrapped key length"}
	}

	rest := data[4:]
	e.WrappedKey = append([]byte(nil), rest[:keyLen]...)
	rest = rest[keyLen:]
	e.IV = append([]byte(nil), rest[:EnvelopeIVSize]...)
	rest = rest[EnvelopeIVSize:]
	e.AuthTag = append([]byte(nil), rest[:EnvelopeTagSize]...)
	e.Ciphertext = append([]byte(nil), rest[EnvelopeTagSize:]...)

	return nil
}

// validate checks the structural invariants required before the envelope can
// be encoded or decrypted.
func (e *Envelope) validate() error {
	switch {
	case len(e.WrappedKey) == 0:
		return &FormatError{Reason: "empty wrapped key"}
	case len(e.IV) != EnvelopeIVSize:
		return &FormatError{Reason: "iv is not 12 bytes"}
	case len(e.AuthTag) != EnvelopeTagSize:
		return &FormatError{Reason: "authentication tag is not 16 bytes"}
	}

	return nil
}

// EnvelopeCodec compresses and encrypts outbound payloads and reverses the
// process for inbound ones. The codec holds no mutable state and is safe for
// concurrent use; its only side effect is the wrap/unwrap call to the
// key-wrap service. Each sealed payload gets a fresh 256-bit data key that
// lives in protected memory for the duration of the operation and is
// destroyed before Seal or Open returns.
type EnvelopeCodec struct {
	wrapper KeyWrapper
	level   int
	secrets securememory.SecretFactory
}

// CodecOption is used to configure additional options on an EnvelopeCodec.
type CodecOption func(*EnvelopeCodec)

// WithCodecSecretFactory sets the factory used to allocate protected memory
// for data keys.
func WithCodecSecretFactory(f securememory.SecretFactory) CodecOption {
	return func(c *EnvelopeCodec) {
		c.secrets = f
	}
}

// NewEnvelopeCodec returns a codec that seals at the given DEFLATE level
// (1-9; out-of-range values fall back to the default) and wraps data keys
// through wrapper.
func NewEnvelopeCodec(wrapper KeyWrapper, level int, opts ...CodecOption) *EnvelopeCodec {
	if level < 1 || level > 9 {
		level = DefaultCompressionLevel
	}

	c := &EnvelopeCodec{
		wrapper: wrapper,
		level:   level,
		secrets: new(memguard.SecretFactory),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Seal compresses plaintext, encrypts it under a fresh data key with
// AES-256-GCM, wraps the data key, and assembles the envelope. The data key
// is destroyed before Seal returns regardless of outcome. Entropy failures
// surface as CryptoError; wrap failures as KeyServiceError with the service's
// error as the cause.
func (c *EnvelopeCodec) Seal(ctx context.Context, plaintext []byte) (*Envelope, error) {
	defer sealTimer.UpdateSince(time.Now())

	compressed, err := c.compress(plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "compressing payload")
	}

	dek, err := internal.GenerateDataKey(c.secrets, DataKeySize)
	if err != nil {
		return nil, &CryptoError{Op: "data key generation", Err: err}
	}

	defer dek.Close()

	iv, err := internal.RandomBytes(EnvelopeIVSize)
	if err != nil {
		return nil, &CryptoError{Op: "iv generation", Err: err}
	}

	sealed, err := internal.WithKeyFunc(dek, func(keyBytes []byte) ([]byte, error) {
		return gcmSeal(compressed, keyBytes, iv)
	})
	if err != nil {
		return nil, &CryptoError{Op: "payload encryption", Err: err}
	}

	wrapped, err := internal.WithKeyFunc(dek, func(keyBytes []byte) ([]byte, error) {
		return c.wrapper.Wrap(ctx, keyBytes)
	})
	if err != nil {
		return nil, keyServiceFailure("wrap", err)
	}

	tagStart := len(sealed) - EnvelopeTagSize

	return &Envelope{
		WrappedKey: wrapped,
		IV:         iv,
		AuthTag:    sealed[tagStart:],
		Ciphertext: sealed[:tagStart],
	}, nil
}

// Open unwraps the envelope's data key, verifies and decrypts the ciphertext,
// and decompresses the result. A tag mismatch fails closed with
// IntegrityError and no plaintext is ever returned. Decompression failure
// after successful authentication indicates data corrupted before encryption
// or a protocol mismatch and fails with FormatError so callers can tell
// "tampered" from "malformed".
func (c *EnvelopeCodec) Open(ctx context.Context, env *Envelope) ([]byte, error) {
	defer openTimer.UpdateSince(time.Now())

	if err := env.validate(); err != nil {
		return nil, err
	}

	raw, err := c.wrapper.Unwrap(ctx, env.WrappedKey)
	if err != nil {
		return nil, keyServiceFailure("unwrap", err)
	}

	// The factory wipes raw on success; on failure we wipe it ourselves.
	dek, err := internal.NewDataKey(c.secrets, raw)
	if err != nil {
		internal.MemClr(raw)
		return nil, &CryptoError{Op: "data key protection", Err: err}
	}

	defer dek.Close()

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)

	compressed, err := internal.WithKeyFunc(dek, func(keyBytes []byte) ([]byte, error) {
		return gcmOpen(sealed, keyBytes, env.IV)
	})
	if err != nil {
		return nil, &IntegrityError{ChunkIndex: -1, Reason: "authentication tag mismatch"}
	}

	plaintext, err := c.decompress(compressed)
	if err != nil {
		return nil, &FormatError{Reason: "decompressing authenticated payload", Err: err}
	}

	return plaintext, nil
}

func (c *EnvelopeCodec) compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := flate.NewWriter(&buf, c.level)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(p); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (c *EnvelopeCodec) decompress(p []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(p))
	defer r.Close()

	return io.ReadAll(r)
}

// keyServiceFailure wraps err in a KeyServiceError unless it already carries
// one, preserving the cause chain for retry classification and for callers
// branching on AuthorizationError and friends.
func keyServiceFailure(op string, err error) error {
	var kse *KeyServiceError
	if errors.As(err, &kse) {
		return err
	}

	return &KeyServiceError{Op: op, Err: err}
}

// newGCM returns an AEAD cipher using AES/GCM for the provided key bytes.
func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// gcmSeal encrypts plaintext under key with the provided IV, returning
// ciphertext with the 16-byte authentication tag appended.
func gcmSeal(plaintext, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, iv, plaintext, nil), nil
}

// gcmOpen verifies and decrypts ciphertext||tag under key and IV.
func gcmOpen(sealed, key, iv []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, iv, sealed, nil)
}
