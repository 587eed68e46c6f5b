package utils

import (
	"errors"
	"fmt"
)

// ErrorKind is the category reported to the user when a run fails.
type ErrorKind string

const (
	KindUnknown          ErrorKind = "unknown"
	KindNetwork          ErrorKind = "network"
	KindManifestParse    ErrorKind = "parse"
	KindSegmentIntegrity ErrorKind = "integrity"
	KindResourceLimit    ErrorKind = "resource"
	KindFilesystem       ErrorKind = "filesystem"
	KindAuthentication   ErrorKind = "authentication"
	KindUploadProtocol   ErrorKind = "protocol"
)

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind ErrorKind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost categorized error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

type transientError struct {
	err error
}

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// Transient marks err as worth another attempt under a RetryPolicy.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Permanent strips an outer Transient mark so callers further up do not
// retry an operation that already exhausted its own policy.
func Permanent(err error) error {
	if t, ok := err.(*transientError); ok {
		return t.err
	}
	return err
}
