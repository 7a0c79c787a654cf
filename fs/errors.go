package fs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies the errors the core can produce, mirroring the POSIX
// adapter's error taxonomy. Every Error carries its errno, fixed per Kind
// except for KindRemote, whose errno follows the HTTP status, so that a
// caller at the FUSE boundary never has to inspect an error's text.
type Kind int

const (
	// KindArgument covers invalid/empty paths, oversized names, and
	// operations attempted directly on the mount root.
	KindArgument Kind = iota
	// KindPermission is a failed POSIX permission check.
	KindPermission
	// KindNotFound is a missing path component after a refresh was attempted.
	KindNotFound
	// KindNameTooLong is a path component or whole path exceeding spec.md's
	// MaxFilenameLen/MaxPathLen limits.
	KindNameTooLong
	// KindNotDirectory is an intermediate path component that isn't a directory.
	KindNotDirectory
	// KindNotEmpty is a non-empty directory targeted by rmdir or a replacing rename.
	KindNotEmpty
	// KindExists is a name collision that the caller did not ask to replace.
	KindExists
	// KindInvalidOp is an operation that makes no sense for the target (e.g.
	// truncating a directory).
	KindInvalidOp
	// KindTransport is an HTTP client failure (timeout, connection refused, DNS).
	KindTransport
	// KindRemote is a parsed error body from the remote API.
	KindRemote
	// KindAuth is a credential refresh or auth-file failure.
	KindAuth
	// KindIntegrity is a decoded response that was missing expected fields.
	KindIntegrity
	// KindFatal is a process-level failure (missing auth file, unopenable log).
	KindFatal
)

// Error is the single error type the core produces. Every error surfaced to
// the POSIX adapter boundary can be unwrapped with errors.As to recover the
// Errno that should be returned to the kernel.
type Error struct {
	Kind    Kind
	Errno   syscall.Errno
	Message string
	Code    string // remote error code, only set for KindRemote
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, errno syscall.Errno, msg string, cause error) *Error {
	return &Error{Kind: kind, Errno: errno, Message: msg, Err: cause}
}

// ArgumentError builds a KindArgument error.
func ArgumentError(msg string) *Error {
	return newErr(KindArgument, syscall.EINVAL, msg, nil)
}

// PermissionError builds a KindPermission error.
func PermissionError(msg string) *Error {
	return newErr(KindPermission, syscall.EACCES, msg, nil)
}

// NotFoundError builds a KindNotFound error.
func NotFoundError(msg string) *Error {
	return newErr(KindNotFound, syscall.ENOENT, msg, nil)
}

// NotDirectoryError builds a KindNotDirectory error.
func NotDirectoryError(msg string) *Error {
	return newErr(KindNotDirectory, syscall.ENOTDIR, msg, nil)
}

// NameTooLongError builds a KindNameTooLong error (spec.md §8's ENAMETOOLONG
// boundary behaviors for oversized path components and whole paths).
func NameTooLongError(msg string) *Error {
	return newErr(KindNameTooLong, syscall.ENAMETOOLONG, msg, nil)
}

// NotEmptyError builds a KindNotEmpty error.
func NotEmptyError(msg string) *Error {
	return newErr(KindNotEmpty, syscall.ENOTEMPTY, msg, nil)
}

// ExistsError builds a KindExists error.
func ExistsError(msg string) *Error {
	return newErr(KindExists, syscall.EEXIST, msg, nil)
}

// InvalidOperationError builds a KindInvalidOp error.
func InvalidOperationError(msg string) *Error {
	return newErr(KindInvalidOp, syscall.EINVAL, msg, nil)
}

// TransportError wraps a failed HTTP round-trip.
func TransportError(cause error) *Error {
	return newErr(KindTransport, syscall.EIO, "transport error", cause)
}

// RemoteError wraps a parsed {error: {code, message}} response body. Per
// spec.md §7, 403 (rate limit) and 404 during the post-INSERT grace period are
// retryable; everything else is terminal.
type RemoteError struct {
	inner      *Error
	HTTPStatus int
}

// Error implements the error interface by delegating to the wrapped *Error.
// The field can't be embedded anonymously as *Error, since that would name
// it Error and collide with this method.
func (r *RemoteError) Error() string { return r.inner.Error() }

// Unwrap lets errors.Is/As/Unwrap see through to the wrapped *Error.
func (r *RemoteError) Unwrap() error { return r.inner }

// NewRemoteError builds a RemoteError from a status code and a parsed code/message.
func NewRemoteError(status int, code, message string) *RemoteError {
	return &RemoteError{
		inner:      newErr(KindRemote, statusErrno(status), fmt.Sprintf("remote error %s: %s", code, message), nil),
		HTTPStatus: status,
	}
}

func statusErrno(status int) syscall.Errno {
	switch {
	case status == 403:
		return syscall.EAGAIN
	case status == 404:
		return syscall.ENOENT
	case status >= 500:
		return syscall.EREMOTEIO
	default:
		return syscall.EIO
	}
}

// Retryable reports whether a RemoteError should be retried by a C6 worker.
// 403 is always retryable (rate limiting); 404 is only retryable while the
// caller is still inside the post-INSERT grace period.
func (r *RemoteError) Retryable(inInsertGrace bool) bool {
	if r.HTTPStatus == 403 {
		return true
	}
	if r.HTTPStatus == 404 && inInsertGrace {
		return true
	}
	return false
}

// AuthError builds a KindAuth error.
func AuthError(msg string, cause error) *Error {
	return newErr(KindAuth, syscall.EACCES, msg, cause)
}

// IntegrityError builds a KindIntegrity error.
func IntegrityError(msg string) *Error {
	return newErr(KindIntegrity, syscall.EIO, msg, nil)
}

// FatalError builds a KindFatal error. Callers at process startup should log
// and exit(1) rather than attempt to recover.
func FatalError(msg string, cause error) *Error {
	return newErr(KindFatal, 0, msg, cause)
}

// ToErrno converts any error into the errno that should cross the FUSE
// boundary. Unrecognized errors become EIO, matching the teacher's practice
// of defaulting to syscall.EREMOTEIO for unexpected remote failures.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.inner.Errno
	}
	return syscall.EIO
}
