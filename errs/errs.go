// Package errs defines the discriminated error kinds shared by every
// component of the storage core: the block cache, the swap area, the
// virtual memory manager, the mmap subsystem, and the PIFS filesystem
// all report failure through a single Error type so callers can branch
// on Kind with errors.Is / errors.As instead of comparing raw ints, the
// way the teacher's defs.Err_t once did.
package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

/// Kind discriminates the cause of an Error.
type Kind int

const (
	/// Oom means no free frame, swap slot, or cache page was available.
	Oom Kind = iota
	/// Segv means a logical access fell outside any mapped region.
	Segv
	/// IoError wraps a failure from the underlying block device.
	IoError
	/// NotFound means a path component or directory entry does not exist.
	NotFound
	/// AlreadyExists means a create collided with an existing entry.
	AlreadyExists
	/// NotADirectory means a path walked through a non-directory component.
	NotADirectory
	/// IsADirectory means an operation expected a file but found a directory.
	IsADirectory
	/// NameTooLong means a path component exceeded the on-disk name limit.
	NameTooLong
	/// NotEmpty means a directory delete was attempted on a non-empty folder.
	NotEmpty
	/// Busy is not a failure: the caller should retry or defer the action.
	Busy
)

func (k Kind) String() string {
	switch k {
	case Oom:
		return "oom"
	case Segv:
		return "segv"
	case IoError:
		return "io_error"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case NotADirectory:
		return "not_a_directory"
	case IsADirectory:
		return "is_a_directory"
	case NameTooLong:
		return "name_too_long"
	case NotEmpty:
		return "not_empty"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

/// Error is the discriminated error value returned by this module's packages.
type Error struct {
	Kind Kind
	msg  string
	// cause holds a wrapped underlying error (device I/O failures) so the
	// original os error is never lost, while Kind stays queryable.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

/// Is lets errors.Is(err, errs.New(Kind, "")) match purely on Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

/// New builds an Error of the given kind with a message.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, msg: msg}
}

/// Newf builds an Error of the given kind with a formatted message.
func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, msg: fmt.Sprintf(format, args...)}
}

/// Wrap builds an IoError that carries an underlying device/OS error.
func Wrap(cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:  IoError,
		msg:   fmt.Sprintf(format, args...),
		cause: pkgerrors.WithStack(cause),
	}
}

/// Is reports whether err is a *Error of the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}

/// KindOf extracts the Kind of err, defaulting to IoError for opaque causes.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return IoError
}
