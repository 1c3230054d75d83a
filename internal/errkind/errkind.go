// Package errkind defines the closed set of error kinds the library
// raises at its API boundary. Callers distinguish failures by kind,
// never by matching error strings.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	// Unknown is the zero value; never returned by this package's
	// constructors, only observed if a caller forgets to wrap an error.
	Unknown Kind = iota
	BadArgument
	DuplicateKey
	UnknownKey
	Closed
	BadSrMode
	SrConversionLossy
	BadTiling
	NoOverlap
	DriverError
	TooMany
	Cancelled
	ProducerError
)

func (k Kind) String() string {
	switch k {
	case BadArgument:
		return "BadArgument"
	case DuplicateKey:
		return "DuplicateKey"
	case UnknownKey:
		return "UnknownKey"
	case Closed:
		return "Closed"
	case BadSrMode:
		return "BadSrMode"
	case SrConversionLossy:
		return "SrConversionLossy"
	case BadTiling:
		return "BadTiling"
	case NoOverlap:
		return "NoOverlap"
	case DriverError:
		return "DriverError"
	case TooMany:
		return "TooMany"
	case Cancelled:
		return "Cancelled"
	case ProducerError:
		return "ProducerError"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Kind, a message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no wrapped cause.
func New(k Kind, message string) error {
	return &Error{Kind: k, Message: message}
}

// Newf creates an *Error with a formatted message.
func Newf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error that carries an underlying cause.
func Wrap(k Kind, cause error, message string) error {
	if cause == nil {
		return New(k, message)
	}
	return &Error{Kind: k, Message: message, Cause: cause}
}

// Is reports whether err (or any error in its chain) is an *Error of
// the given Kind. PrimitiveCycle is reported as BadArgument; callers
// wanting the specific reason should inspect Message.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the Kind of err, or Unknown if err is not (or does
// not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// PrimitiveCycle is the BadArgument sub-case for a cyclic primitive
// graph detected at recipe creation time.
func PrimitiveCycle(path string) error {
	return Newf(BadArgument, "PrimitiveCycle: %s", path)
}
