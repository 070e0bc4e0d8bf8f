package ixkv

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStaleIndexCache signals that the deferred index cache validation failed:
// a migration committed after the cached snapshot was taken. The cache entry
// has already been evicted; the caller must retry the whole transaction.
// Tenant.Tx treats it the same way as a store-level conflict.
var ErrStaleIndexCache = errors.New("stale index cache, retry transaction")

// ErrConflict is returned by the store when optimistic conflict detection
// rejects a commit. Retryable.
var ErrConflict = errors.New("transaction conflict, retry transaction")

var ErrStoreClosed = errors.New("store closed")

// ErrIncompleteVersionstamp is returned when an incomplete versionstamp is
// used where a committed one is required.
var ErrIncompleteVersionstamp = errors.New("versionstamp is incomplete: transaction has not committed yet")

// IsRetryable reports whether err indicates a condition that a fresh attempt
// of the same transaction may resolve.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleIndexCache) || errors.Is(err, ErrConflict)
}

// DataError describes malformed persisted bytes.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// UnsupportedError rejects a predicate shape or option combination the
// planner or coordinator cannot honor. No partial effect has taken place.
type UnsupportedError struct {
	Op     string
	Source string
	Field  string
	Msg    string
}

func unsupportedErrf(op, source, field, format string, args ...any) error {
	return &UnsupportedError{op, source, field, fmt.Sprintf(format, args...)}
}

func (e *UnsupportedError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Source != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Source)
	}
	if e.Field != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Field)
	}
	buf.WriteString(": unsupported: ")
	buf.WriteString(e.Msg)
	return buf.String()
}

// TenancyError reports a transaction handle used against a tenant other than
// the one that opened it. This is a programming error in the caller and is
// never retried.
type TenancyError struct {
	Want string
	Got  string
}

func (e *TenancyError) Error() string {
	return fmt.Sprintf("tenancy mismatch: transaction belongs to tenant %q, used with tenant %q", e.Got, e.Want)
}

// PipelineError reports misuse of the future pipeline, such as reading a
// result before awaiting it. Programming error, never retried.
type PipelineError struct {
	Msg string
}

func (e *PipelineError) Error() string {
	return "pipelining violation: " + e.Msg
}
