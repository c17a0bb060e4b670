// Package buildnetErrors defines the sentinel error values that make up
// BuildNet's error taxonomy. Callers use errors.Is/errors.As against these
// values instead of matching error strings.
package buildnetErrors

import "errors"

var (
	// ErrInvalidConfig marks a malformed or incomplete configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrLockFailed marks a failed attempt to acquire a build lock, whether
	// because it is already held or the underlying store rejected it.
	ErrLockFailed = errors.New("lock acquisition failed")

	// ErrBuildFailed marks a build whose executor ran to completion with a
	// non-zero exit status or whose command otherwise failed.
	ErrBuildFailed = errors.New("build failed")

	// ErrNetwork marks a failure of the peer transport: dial failure, write
	// failure, or a signature/decode failure on an inbound envelope.
	ErrNetwork = errors.New("network error")

	// ErrStorage marks a failure of a BoltDB-backed store.
	ErrStorage = errors.New("storage error")

	// ErrSignature marks an Ed25519 signature that failed to verify.
	ErrSignature = errors.New("signature verification failed")

	// ErrCancelled marks an operation cancelled via its context before
	// completion.
	ErrCancelled = errors.New("operation cancelled")

	// ErrInternal marks a condition that should be unreachable given the
	// component's invariants.
	ErrInternal = errors.New("internal error")

	// ErrNotFound marks a lookup (artifact, build record, ledger entry)
	// that found nothing under the given key.
	ErrNotFound = errors.New("not found")
)
