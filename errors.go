package helixconnect

import (
	"fmt"
	"time"
)

// The error types below form the SDK's taxonomy. Components return them
// directly or wrapped (with github.com/pkg/errors or via TransferError), and
// callers branch with errors.As. RetryPolicy classifies every error into
// Retryable or Terminal based on these types; anything unrecognized is
// Terminal.

// AuthenticationError indicates missing or invalid caller credentials.
// It is terminal and never retried.
type AuthenticationError struct {
	Op  string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// AuthorizationError indicates the caller's credentials are valid but lack
// the capability or remote permission for the attempted operation. It is
// terminal and never retried.
type AuthorizationError struct {
	Op  string
	Err error
}

func (e *AuthorizationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("not authorized for %s", e.Op)
	}

	return fmt.Sprintf("not authorized for %s: %v", e.Op, e.Err)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// IntegrityError indicates an authentication-tag or checksum mismatch. It is
// always terminal for the affected chunk or object and is never silently
// ignored. ChunkIndex is -1 when the error is not chunk-scoped.
type IntegrityError struct {
	ObjectID   string
	ChunkIndex int
	Reason     string
}

func (e *IntegrityError) Error() string {
	if e.ChunkIndex < 0 {
		return fmt.Sprintf("integrity check failed for %q: %s", e.ObjectID, e.Reason)
	}

	return fmt.Sprintf("integrity check failed for %q chunk %d: %s", e.ObjectID, e.ChunkIndex, e.Reason)
}

// FormatError indicates a structurally invalid envelope or manifest, or data
// that authenticated correctly but cannot be decoded. It is distinct from
// IntegrityError so callers can tell "tampered" from "malformed".
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return "malformed data: " + e.Reason
	}

	return fmt.Sprintf("malformed data: %s: %v", e.Reason, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ResumeInvalidError indicates a resume token no longer matches remote state.
// The caller must restart the transfer from scratch.
type ResumeInvalidError struct {
	ObjectID string
	Reason   string
}

func (e *ResumeInvalidError) Error() string {
	return fmt.Sprintf("resume token invalid for %q: %s", e.ObjectID, e.Reason)
}

// RateLimitError indicates the remote service rejected the call due to
// throttling. RetryAfter, when non-zero, is the server-provided hint that
// takes precedence over computed backoff.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}

	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// NetworkError indicates a transport-level failure. Retryable distinguishes
// transient conditions (timeouts, connection resets, 5xx responses) from
// permanent ones.
type NetworkError struct {
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// KeyServiceError indicates the key-management service failed to wrap or
// unwrap a data key. The cause is preserved so retry classification can see
// through to a transient condition.
type KeyServiceError struct {
	Op  string
	Err error
}

func (e *KeyServiceError) Error() string {
	return fmt.Sprintf("key service %s failed: %v", e.Op, e.Err)
}

func (e *KeyServiceError) Unwrap() error { return e.Err }

// QuotaExceededError indicates a service quota was exhausted. It is terminal;
// retrying cannot succeed until the quota is raised or usage drops.
type QuotaExceededError struct {
	Resource string
	Err      error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %v", e.Resource, e.Err)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// CryptoError indicates a local cryptographic failure, e.g. the entropy
// source failing during key or IV generation.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto failure during %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// NotFoundError indicates a remote resource does not exist. It is terminal.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// TransferError wraps a failure with transfer context before it surfaces to
// the caller. ChunkIndex is -1 when the failure is not chunk-scoped.
// ResumeToken is non-empty when the transfer made partial progress that a
// subsequent call can resume from.
type TransferError struct {
	ObjectID    string
	ChunkIndex  int
	ResumeToken string
	Err         error
}

func (e *TransferError) Error() string {
	if e.ChunkIndex < 0 {
		return fmt.Sprintf("transfer of %q failed: %v", e.ObjectID, e.Err)
	}

	return fmt.Sprintf("transfer of %q failed at chunk %d: %v", e.ObjectID, e.ChunkIndex, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
