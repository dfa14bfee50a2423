package internal

import (
	"crypto/rand"
	"runtime"
)

// MemClr takes a buffer and wipes it with zeroes.
func MemClr(buf []byte) {
	// clear() is guaranteed not to be optimized away by the compiler.
	clear(buf)
}

// FillRandom takes a buffer and overwrites it with cryptographically-secure random bytes.
// It panics if the entropy source fails.
func FillRandom(buf []byte) {
	fillRandom(buf, rand.Read)
}

func fillRandom(buf []byte, r func([]byte) (int, error)) {
	if _, err := r(buf); err != nil {
		panic(err)
	}

	// Prevent dead store elimination in case a caller wants the backing array randomized even if no longer used.
	// See https://github.com/golang/go/issues/33325
	runtime.KeepAlive(buf)
}

// RandomBytes returns a slice of length n filled with cryptographically-secure
// random bytes. Unlike FillRandom it reports entropy failures to the caller
// rather than panicking.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}

	return buf, nil
}
