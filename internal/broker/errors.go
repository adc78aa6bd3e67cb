package broker

import (
	"errors"
	"fmt"
)

// Class buckets adapter failures so callers can choose retry behavior
// without string-matching venue messages.
type Class int

const (
	ClassUnknown Class = iota
	ClassTransient
	ClassPermission
	ClassValidation
	ClassConsistency
	ClassCatastrophic
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassValidation:
		return "validation"
	case ClassConsistency:
		return "consistency"
	case ClassCatastrophic:
		return "catastrophic"
	default:
		return "unknown"
	}
}

// Error wraps a venue failure with its class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retriable (timeouts, rate limits).
func Transient(op string, err error) error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

// Permission marks err as a credential-scope failure. Never retried.
func Permission(op string, err error) error {
	return &Error{Class: ClassPermission, Op: op, Err: err}
}

// Validation marks err as a locally detectable request defect.
func Validation(op string, err error) error {
	return &Error{Class: ClassValidation, Op: op, Err: err}
}

// ClassOf extracts the failure class, ClassUnknown for untyped errors.
func ClassOf(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	return ClassUnknown
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return ClassOf(err) == ClassTransient }

// IsPermission reports whether err means the credentials lack scope.
func IsPermission(err error) bool { return ClassOf(err) == ClassPermission }

// Common validation sentinels, rejected locally before any network call.
var (
	ErrUnsupportedSymbol   = errors.New("symbol not supported by venue")
	ErrShortNotSupported   = errors.New("short selling not supported by venue")
	ErrBelowMinNotional    = errors.New("order below minimum notional")
	ErrInsufficientBalance = errors.New("insufficient balance")
)
