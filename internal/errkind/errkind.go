// Package errkind defines the error taxonomy shared across the DHT,
// signed-HTTP, store and reader packages, so callers can branch on kind via
// errors.Is regardless of which component produced the error.
package errkind

import "errors"

// Sentinel kinds. A concrete error is tagged with one of these via Wrap so
// errors.Is(err, errkind.Timeout) works after arbitrary wrapping.
var (
	// CancelledOrAborted: operation interrupted by cancellation. Always
	// propagated, never retried.
	CancelledOrAborted = errors.New("errkind: cancelled or aborted")

	// Timeout: a watchdog deadline expired.
	Timeout = errors.New("errkind: timeout")

	// NetworkError: transient I/O failure. Retried by the announcer
	// (bounded), by the multi-peer reader (switch peer), by the DHT
	// (next candidate).
	NetworkError = errors.New("errkind: network error")

	// ProtocolError: malformed KRPC, malformed HTTP, unexpected length.
	// The multi-peer reader stops using the offending peer for the current
	// fetch; no per-peer score is kept across fetches.
	ProtocolError = errors.New("errkind: protocol error")

	// SignatureInvalid: cryptographic verification failure. Fatal for
	// that peer on that key; surfaces to the caller only if every peer
	// fails.
	SignatureInvalid = errors.New("errkind: signature invalid")

	// NotFound: lookup completed with an empty result. Propagates.
	NotFound = errors.New("errkind: not found")

	// Stale: a BEP-44 put was rejected for a higher stored sequence
	// number. The caller may refresh and retry.
	Stale = errors.New("errkind: stale")

	// StoreCorruption: a store file is missing, truncated, or fails its
	// internal hash. The entry is purged and the operation returns
	// NotFound to its own caller.
	StoreCorruption = errors.New("errkind: store corruption")

	// ConfigError: unrecoverable at startup.
	ConfigError = errors.New("errkind: config error")
)

// Wrap attaches kind to err so errors.Is(result, kind) succeeds, while
// keeping err's own message and chain intact: the result unwraps to both
// kind and err.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() []error { return []error{e.kind, e.err} }

// Is reports whether err (or anything it wraps) carries kind.
func Is(err, kind error) bool { return errors.Is(err, kind) }
