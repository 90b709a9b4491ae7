// Package errs defines the fixed set of error kinds the query execution
// core distinguishes at its RPC boundary (see spec §7, "Error Handling
// Design"). Every wire response carries a 32-bit status code derived from
// one of these sentinels via Code.
package errs

import "errors"

var (
	// OutOfMemory is never locally recovered; it propagates and aborts
	// the operation in progress.
	OutOfMemory = errors.New("out of memory")

	// InvalidMsg and InvalidInput are returned straight to the caller.
	InvalidMsg   = errors.New("invalid message")
	InvalidInput = errors.New("invalid input")

	// StatusError marks a protocol mis-sequencing: a response whose type
	// does not equal last_sent_type+1 (spec §4.6, §6.1).
	StatusError = errors.New("status error: out-of-order protocol message")

	// Timeout is a transient network failure; retried on the next
	// candidate address before becoming terminal (spec §4.7).
	Timeout = errors.New("timeout")

	// JobFreed and JobCancelled stop processing silently and release
	// resources without recording a job error.
	JobFreed     = errors.New("job freed")
	JobCancelled = errors.New("query cancelled")

	// TooManyTimeWindows is raised when an interval aggregate exceeds its
	// open-window cap (spec §4.4).
	TooManyTimeWindows = errors.New("too many time windows")

	// NotEnoughBuffer rejects a new job against the task-buffer quota.
	NotEnoughBuffer = errors.New("not enough task buffer quota")

	// DataVersionMismatch fails sdb recovery when a row's schema-version
	// byte is unrecognized (spec §4.2).
	DataVersionMismatch = errors.New("invalid data version")

	// NotFound is returned by sdb/catalog lookups that miss.
	NotFound = errors.New("not found")

	// TooManyConns rejects a CONNECT that exceeds the mnode's connection
	// admission rate (spec §4.9's connection registry, rate-limited the
	// way the teacher's ingress layer throttles inbound traffic).
	TooManyConns = errors.New("too many connections")
)

// Code maps an error to its wire status code. 0 means success. Unknown
// errors (including nil-wrapped context errors) map to a generic failure
// code rather than panicking — the wire protocol has no room for an
// "unrecognized local error" case.
func Code(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, OutOfMemory):
		return 1
	case errors.Is(err, InvalidMsg):
		return 2
	case errors.Is(err, InvalidInput):
		return 3
	case errors.Is(err, StatusError):
		return 4
	case errors.Is(err, Timeout):
		return 5
	case errors.Is(err, JobFreed):
		return 6
	case errors.Is(err, JobCancelled):
		return 7
	case errors.Is(err, TooManyTimeWindows):
		return 8
	case errors.Is(err, NotEnoughBuffer):
		return 9
	case errors.Is(err, DataVersionMismatch):
		return 10
	case errors.Is(err, NotFound):
		return 11
	case errors.Is(err, TooManyConns):
		return 12
	default:
		return 255
	}
}

// Retryable reports whether the error kind is recovered locally by
// retrying against the next candidate address (spec §7).
func Retryable(err error) bool {
	return errors.Is(err, Timeout)
}
