// Package devourererrors defines the error taxonomy of the ingestion core
// (spec §7): transient/permanent fetch failures, record validation
// failures, KV failures, publish failures, and configuration errors.
//
// Sentinel kinds follow the juju/errors convention: a sentinel error value
// wrapped with errors.Trace/Annotate at each call site, inspected with
// errors.Cause and the Is* helpers below rather than type assertions.
package devourererrors

import (
	"github.com/juju/errors"
)

// Sentinel causes. Wrap these with errors.Annotatef at the point of
// failure; test for them with the Is* helpers, which compare
// errors.Cause(err) against the sentinel.
var (
	// ErrTransientFetch marks a retryable upstream failure (HTTP 5xx,
	// timeout, connection reset). The fetch task poisons its wait-group
	// chain and does not advance the watermark.
	ErrTransientFetch = errors.New("transient fetch failure")

	// ErrPermanentFetch marks a non-retryable upstream failure (HTTP 4xx
	// other than 429). Handled identically to ErrTransientFetch at the
	// orchestrator level, but recorded with more error context for
	// operators.
	ErrPermanentFetch = errors.New("permanent fetch failure")

	// ErrValidation marks a per-record validation failure. It aborts the
	// current table's run without advancing the watermark or checksum.
	ErrValidation = errors.New("record validation failed")

	// ErrKV marks a failure in the KV backend (connection, timeout,
	// protocol). Buffered checksum/watermark writes may be lost.
	ErrKV = errors.New("kv backend failure")

	// ErrPublish marks a bus publish failure observed by a publisher
	// worker. Callers should log and continue; at-least-once semantics
	// make this safe (spec §7).
	ErrPublish = errors.New("bus publish failure")

	// ErrConfig marks a fatal configuration error (missing column,
	// unknown table, malformed customer config). The entire run aborts.
	ErrConfig = errors.New("configuration error")
)

// Is reports whether err's cause is sentinel, following chains created by
// errors.Annotate/errors.Trace.
func Is(err, sentinel error) bool {
	return errors.Cause(err) == sentinel
}

func IsTransientFetch(err error) bool { return Is(err, ErrTransientFetch) }
func IsPermanentFetch(err error) bool { return Is(err, ErrPermanentFetch) }
func IsValidation(err error) bool     { return Is(err, ErrValidation) }
func IsKV(err error) bool             { return Is(err, ErrKV) }
func IsPublish(err error) bool        { return Is(err, ErrPublish) }
func IsConfig(err error) bool         { return Is(err, ErrConfig) }
