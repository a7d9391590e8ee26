package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the digest worker and supervisors can
// decide between retry, fallback, per-cycle failure, and refusal.
type ErrorKind int

const (
	// ErrTransient covers store timeouts, LLM 5xx, network resets.
	// Retried with backoff; recoverable at the cycle boundary.
	ErrTransient ErrorKind = iota
	// ErrValidation covers malformed LLM JSON and schema violations.
	// Falls through to the safest default; never crashes a worker.
	ErrValidation
	// ErrContract covers unknown action types, unknown modes, missing
	// required fields. Fatal for the cycle only.
	ErrContract
	// ErrPolicy covers exhausted budgets and loop termination. Not an
	// error condition; surfaced as status.
	ErrPolicy
	// ErrAuthority covers writes to single-writer records from outside
	// their owner. The write is refused.
	ErrAuthority
)

// KindError wraps an error with its classification.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

// Transient wraps err as a transient I/O failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: ErrTransient, Err: err}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return &KindError{Kind: ErrValidation, Err: fmt.Errorf(format, args...)}
}

// Contractf builds a contract error.
func Contractf(format string, args ...any) error {
	return &KindError{Kind: ErrContract, Err: fmt.Errorf(format, args...)}
}

// Policyf builds a policy (non-error) termination.
func Policyf(format string, args ...any) error {
	return &KindError{Kind: ErrPolicy, Err: fmt.Errorf(format, args...)}
}

// Authorityf builds an authority-violation error.
func Authorityf(format string, args ...any) error {
	return &KindError{Kind: ErrAuthority, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, defaulting to ErrTransient for
// unclassified errors (the safe side: retryable, recoverable).
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ErrTransient
}

// Recoverable reports whether err should surface as recoverable=true on the
// stream. Contract and authority errors are not recoverable for the cycle.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case ErrContract, ErrAuthority:
		return false
	default:
		return true
	}
}
