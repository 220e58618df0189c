// Package apperr defines the error taxonomy shared across the sync pipeline.
//
// Errors are classified by category so callers can pick a recovery strategy
// (retry with backoff, drop the item, degrade to polling) without inspecting
// error strings. Wrap with fmt.Errorf("...: %w", ...) and test with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a lookup miss (cached playlist absent, ledger row gone).
	ErrNotFound = errors.New("not found")

	// ErrTransport marks a network-level failure: timeout, refused connection,
	// DNS. Retried with backoff up to a bound, never fatal.
	ErrTransport = errors.New("transport failure")

	// ErrBadResponse marks a non-2xx status or a malformed body.
	ErrBadResponse = errors.New("bad response")

	// ErrValidation marks a malformed playlist item; the item is dropped and
	// the cycle continues.
	ErrValidation = errors.New("validation failed")

	// ErrChannelDown marks the push channel as permanently disconnected after
	// exhausting its reconnect budget. The orchestrator falls back to polling.
	ErrChannelDown = errors.New("channel disconnected")

	// ErrCacheIO marks a disk-level failure in the asset cache. The affected
	// item is unresolved for the current cycle only.
	ErrCacheIO = errors.New("cache i/o failure")

	// ErrNotActivated is the single fatal startup condition: the device has no
	// access credential, so the pipeline must not run.
	ErrNotActivated = errors.New("device not activated")
)

// Transport wraps err as a transport failure for operation op.
func Transport(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// BadResponse reports an unexpected HTTP status for operation op.
func BadResponse(op string, status int) error {
	return fmt.Errorf("%s: %w: status %d", op, ErrBadResponse, status)
}

// Validation wraps err as a validation failure for the given item id.
func Validation(id string, err error) error {
	return fmt.Errorf("item %q: %w: %w", id, ErrValidation, err)
}

// CacheIO wraps err as a cache i/o failure for operation op.
func CacheIO(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCacheIO, err)
}

// Retryable reports whether err is worth another download attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrBadResponse)
}
