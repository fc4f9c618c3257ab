package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind classifies an error into one of the failure categories the rest of the
// system dispatches on.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota

	// KindConnector marks subprocess or protocol failures: non-zero exits,
	// malformed JSON, JSON-RPC error responses.
	KindConnector

	// KindTimeout marks a deadline that elapsed with no progress.
	KindTimeout

	// KindConfiguration marks an invalid role or connector definition. Fatal
	// for that role only at startup.
	KindConfiguration

	// KindValidation marks malformed caller input, rejected before it reaches
	// the scheduler.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindConnector:
		return "connector"
	case KindTimeout:
		return "timeout"
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(), fmt.Sprintf(format, a...))
}

// NewKind creates a classified error with file and line number information.
func NewKind(kind Kind, format string, a ...interface{}) error {
	return &kindError{kind: kind, err: New(format, a...)}
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil. The wrapped error keeps
// whatever Kind it already carries.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(), fmt.Sprintf(format, a...), err)
}

// WrapKind wraps an error and stamps it with a classification. An existing
// classification deeper in the chain is shadowed, not erased.
func WrapKind(kind Kind, err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: Wrapf(err, format, a...)}
}

// KindOf returns the classification of err, or KindUnknown if it carries none.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsKind reports whether err (or any error it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
