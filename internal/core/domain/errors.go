package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the gate can decide how to react
type ErrorKind string

const (
	KindConfig    ErrorKind = "config_error"
	KindTransport ErrorKind = "transport_error"
	KindProtocol  ErrorKind = "protocol_error"
	KindAuth      ErrorKind = "auth_error"
	KindStorage   ErrorKind = "storage_error"
)

// ErrStaleVersion is returned by the state store when the expected prior
// version of a record does not match the stored one.
var ErrStaleVersion = errors.New("stale version")

// Error is a classified failure
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the failing operation
func NewError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ConfigError builds a KindConfig error from a formatted message
func ConfigError(op, format string, args ...any) error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// StorageError wraps an I/O or decoding failure of the state store
func StorageError(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain,
// or "" when none is found.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
