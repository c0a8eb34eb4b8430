package domain

import (
	"errors"
	"fmt"
)

// Sentinel classes for ledger write failures. Adapters wrap the underlying
// cause with Transient or Rejected; the writer branches on the class with
// errors.Is and never inspects error strings.
var (
	// ErrTransient marks failures worth retrying: timeouts, congestion,
	// nonce races.
	ErrTransient = errors.New("transient ledger failure")

	// ErrRejected marks writes the ledger refused as logically invalid.
	// Retrying cannot succeed; the writer escalates on first occurrence.
	ErrRejected = errors.New("ledger rejected write")
)

type classedError struct {
	class error
	cause error
}

func (e *classedError) Error() string {
	return fmt.Sprintf("%s: %s", e.class.Error(), e.cause.Error())
}

func (e *classedError) Is(target error) bool { return target == e.class }

func (e *classedError) Unwrap() error { return e.cause }

// Transient wraps cause so that errors.Is(err, ErrTransient) holds while the
// original error stays reachable through Unwrap.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return &classedError{class: ErrTransient, cause: cause}
}

// Rejected wraps cause so that errors.Is(err, ErrRejected) holds.
func Rejected(cause error) error {
	if cause == nil {
		return nil
	}
	return &classedError{class: ErrRejected, cause: cause}
}

// IsTransient reports whether err should feed the retry counter.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsRejected reports whether err must fail immediately without retry.
func IsRejected(err error) bool { return errors.Is(err, ErrRejected) }

// InvariantError is an internal-consistency failure: a computed value that
// can only come from a caller bug, never from bad external input. The cycle
// that produced it is logged and skipped, never clamped into range.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "invariant violation: " + e.Reason
}

// Invariantf builds an InvariantError from a format string.
func Invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}

// IsInvariant reports whether err is an internal-consistency failure.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

// PreconditionError is a check that failed before any state was mutated:
// insufficient funding, duplicate activation. It carries no retry semantics
// because nothing was attempted.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// Preconditionf builds a PreconditionError from a format string.
func Preconditionf(format string, args ...any) *PreconditionError {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// IsPrecondition reports whether err is a failed pre-mutation check.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
