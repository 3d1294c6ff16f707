package ublkctl

import (
	"syscall"

	"github.com/ehrlich-b/go-ublkctl/internal/ctrl"
)

// Error is the structured error returned by every Controller operation
type Error = ctrl.Error

// ErrorCode is a high-level error category
type ErrorCode = ctrl.ErrorCode

const (
	ErrCodeDeviceNotFound     = ctrl.ErrCodeDeviceNotFound
	ErrCodeDeviceBusy         = ctrl.ErrCodeDeviceBusy
	ErrCodeDeviceNotIdle      = ctrl.ErrCodeDeviceNotIdle
	ErrCodeDeviceExists       = ctrl.ErrCodeDeviceExists
	ErrCodeInvalidParameters  = ctrl.ErrCodeInvalidParameters
	ErrCodePermissionDenied   = ctrl.ErrCodePermissionDenied
	ErrCodeBadAddress         = ctrl.ErrCodeBadAddress
	ErrCodeBufferTooSmall     = ctrl.ErrCodeBufferTooSmall
	ErrCodeKernelNotSupported = ctrl.ErrCodeKernelNotSupported
	ErrCodeSubmissionFull     = ctrl.ErrCodeSubmissionFull
	ErrCodeSetupFailed        = ctrl.ErrCodeSetupFailed
	ErrCodeIOError            = ctrl.ErrCodeIOError
)

// Sentinels for errors.Is; they match any *Error with the same code
var (
	ErrDeviceNotFound     = &Error{Code: ErrCodeDeviceNotFound}
	ErrDeviceBusy         = &Error{Code: ErrCodeDeviceBusy}
	ErrDeviceNotIdle      = &Error{Code: ErrCodeDeviceNotIdle}
	ErrDeviceExists       = &Error{Code: ErrCodeDeviceExists}
	ErrInvalidParameters  = &Error{Code: ErrCodeInvalidParameters}
	ErrPermissionDenied   = &Error{Code: ErrCodePermissionDenied}
	ErrKernelNotSupported = &Error{Code: ErrCodeKernelNotSupported}
)

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	return ctrl.IsCode(err, code)
}

// IsErrno checks if an error carries a specific driver errno
func IsErrno(err error, errno syscall.Errno) bool {
	return ctrl.IsErrno(err, errno)
}
