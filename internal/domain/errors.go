// Package domain holds the entities, event shapes and error taxonomy shared
// by all engines. The domain layer is pure: no storage, transport or logging
// dependencies.
package domain

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure by its effect on processing, not by the
// component that raised it. The dispatcher and the retry helpers key all of
// their decisions off this classification.
type ErrorClass string

const (
	// ClassValidation - the event or order was rejected before any state
	// mutation. Reported, never retried.
	ClassValidation ErrorClass = "validation"
	// ClassConflict - optimistic-concurrency version mismatch or an SOD
	// arriving after intraday activity. Retried once, then Permanent.
	ClassConflict ErrorClass = "conflict"
	// ClassTransient - store/publish I/O failure or lock-acquire timeout.
	// Retried with exponential backoff.
	ClassTransient ErrorClass = "transient"
	// ClassPermanent - exhausted retries, corrupt payload or quarantined
	// key. Dead-lettered with the original payload, offset committed.
	ClassPermanent ErrorClass = "permanent"
	// ClassQuarantine - a counter rollback failed; the key is excluded from
	// all reads and writes until an operator clears it.
	ClassQuarantine ErrorClass = "quarantine"
	// ClassTimeout - the processing deadline expired. No state mutation
	// persists; callers observe Rejected with reason Timeout.
	ClassTimeout ErrorClass = "timeout"
)

// Error is the result value carried across engine boundaries in place of
// exception-style control flow.
type Error struct {
	Class  ErrorClass
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidation builds a Validation-class error.
func NewValidation(reason string) *Error {
	return &Error{Class: ClassValidation, Reason: reason}
}

// NewConflict builds a Conflict-class error.
func NewConflict(reason string, err error) *Error {
	return &Error{Class: ClassConflict, Reason: reason, Err: err}
}

// NewTransient builds a Transient-class error.
func NewTransient(reason string, err error) *Error {
	return &Error{Class: ClassTransient, Reason: reason, Err: err}
}

// NewPermanent builds a Permanent-class error.
func NewPermanent(reason string, err error) *Error {
	return &Error{Class: ClassPermanent, Reason: reason, Err: err}
}

// NewQuarantine builds a Quarantine-class error.
func NewQuarantine(reason string) *Error {
	return &Error{Class: ClassQuarantine, Reason: reason}
}

// NewTimeout builds a Timeout-class error.
func NewTimeout(reason string) *Error {
	return &Error{Class: ClassTimeout, Reason: reason}
}

// Classify extracts the error class from any error chain. Unclassified
// errors default to Transient so that plain I/O failures get retried.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassTransient
}

// IsClass reports whether err carries the given classification.
func IsClass(err error, class ErrorClass) bool {
	return Classify(err) == class
}

// Rejection reasons surfaced to synchronous callers.
const (
	ReasonClientLimitExceeded = "ClientLimitExceeded"
	ReasonAULimitExceeded     = "AULimitExceeded"
	ReasonInsufficientLocate  = "InsufficientLocateAvailability"
	ReasonTimeout             = "Timeout"
	ReasonQuarantined         = "KeyQuarantined"
)
