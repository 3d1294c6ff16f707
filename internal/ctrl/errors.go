package ctrl

import (
	"fmt"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/ehrlich-b/go-ublkctl/internal/uapi"
	"github.com/ehrlich-b/go-ublkctl/internal/uring"
)

// ErrorCode is a high-level error category
type ErrorCode string

const (
	ErrCodeDeviceNotFound     ErrorCode = "device not found"
	ErrCodeDeviceBusy         ErrorCode = "device busy"
	ErrCodeDeviceNotIdle      ErrorCode = "device not idle"
	ErrCodeDeviceExists       ErrorCode = "device exists"
	ErrCodeInvalidParameters  ErrorCode = "invalid parameters"
	ErrCodePermissionDenied   ErrorCode = "permission denied"
	ErrCodeBadAddress         ErrorCode = "bad address"
	ErrCodeBufferTooSmall     ErrorCode = "buffer too small"
	ErrCodeKernelNotSupported ErrorCode = "kernel does not support ublk"
	ErrCodeSubmissionFull     ErrorCode = "submission queue full"
	ErrCodeSetupFailed        ErrorCode = "control session setup failed"
	ErrCodeIOError            ErrorCode = "I/O error"
)

// Error is a structured control-path error. Driver rejections carry the
// negated completion result in Errno.
type Error struct {
	Op    string        // control command, e.g. "ADD_DEV"; empty for setup
	DevID uint32        // target device
	Code  ErrorCode     // high-level category
	Errno syscall.Errno // 0 when not a driver rejection
	Msg   string        // human-readable message
	Inner error         // wrapped error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	switch {
	case e.Op == "":
		return fmt.Sprintf("ublk: %s", msg)
	case e.Errno != 0:
		return fmt.Sprintf("ublk: %s: %s (dev=%d errno=%d)", e.Op, msg, e.DevID, int(e.Errno))
	default:
		return fmt.Sprintf("ublk: %s: %s (dev=%d)", e.Op, msg, e.DevID)
	}
}

// Unwrap exposes the errno or underlying error, so errors.Is(err,
// syscall.ENODEV) works on driver rejections
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches another *Error by code
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// newErrnoError converts a negative completion result for op into an Error
func newErrnoError(op uint32, devID uint32, errno syscall.Errno) *Error {
	return &Error{
		Op:    uapi.CommandName(op),
		DevID: devID,
		Code:  mapErrnoToCode(op, errno),
		Errno: errno,
		Msg:   errno.Error(),
		Inner: errno,
	}
}

// wrapError attaches command context to a failure that happened before the
// driver saw the command
func wrapError(op uint32, devID uint32, inner error) *Error {
	code := ErrCodeIOError
	if errors.Is(inner, uring.ErrSubmissionQueueFull) {
		code = ErrCodeSubmissionFull
	}
	return &Error{
		Op:    uapi.CommandName(op),
		DevID: devID,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

func newSetupError(inner error) *Error {
	code := ErrCodeSetupFailed
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		switch errno {
		case syscall.ENOENT, syscall.ENOSYS, syscall.EOPNOTSUPP:
			code = ErrCodeKernelNotSupported
		case syscall.EPERM, syscall.EACCES:
			code = ErrCodePermissionDenied
		}
	}
	return &Error{
		Code:  code,
		Errno: errno,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps a driver errno to an error code. EBUSY and EACCES on
// SET_PARAMS mean the device is already live.
func mapErrnoToCode(op uint32, errno syscall.Errno) ErrorCode {
	if uapi.CommandNumber(op) == uapi.UBLK_CMD_SET_PARAMS {
		switch errno {
		case syscall.EACCES, syscall.EBUSY:
			return ErrCodeDeviceNotIdle
		}
	}

	switch errno {
	case syscall.ENODEV, syscall.ENOENT:
		return ErrCodeDeviceNotFound
	case syscall.EBUSY:
		return ErrCodeDeviceBusy
	case syscall.EEXIST:
		return ErrCodeDeviceExists
	case syscall.EINVAL:
		return ErrCodeInvalidParameters
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.EFAULT:
		return ErrCodeBadAddress
	case syscall.ENOSPC, syscall.E2BIG, syscall.EOVERFLOW:
		return ErrCodeBufferTooSmall
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return ErrCodeKernelNotSupported
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is an *Error with the given code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsErrno reports whether err is an *Error carrying the given errno
func IsErrno(err error, errno syscall.Errno) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno == errno
	}
	return false
}
