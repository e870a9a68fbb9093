package hound

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is hound's closed error-kind enum. Negative of any OS errno value,
// so a Code never collides with a passed-through positive errno.
type Code int

const (
	CodeOK Code = -iota
	CodeNullVal
	CodeOOM
	CodeInvalidString
	CodeInvalidVal
	CodeIOError
	CodeIntr
	CodeDriverNotRegistered
	CodeDriverAlreadyPresent
	CodeDriverInUse
	CodeDriverFail
	CodeDriverUnsupported
	CodeDevDoesNotExist
	CodeDataIDDoesNotExist
	CodeConflictingDrivers
	CodeNoDescsEnabled
	CodeNoDataRequested
	CodeTooMuchDataRequested
	CodeDuplicateDataRequested
	CodePeriodUnsupported
	CodeMissingCallback
	CodeEmptyQueue
	CodeQueueTooSmall
	CodeCtxActive
	CodeCtxNotActive
	CodeCtxStopped
	CodeUnknownUnit
)

var codeStrings = map[Code]string{
	CodeOK:                     "ok",
	CodeNullVal:                "null value",
	CodeOOM:                    "out of memory",
	CodeInvalidString:          "invalid string",
	CodeInvalidVal:             "invalid value",
	CodeIOError:                "I/O error",
	CodeIntr:                   "interrupted",
	CodeDriverNotRegistered:    "driver not registered",
	CodeDriverAlreadyPresent:   "driver already present",
	CodeDriverInUse:            "driver in use",
	CodeDriverFail:             "driver failure",
	CodeDriverUnsupported:      "driver does not support operation",
	CodeDevDoesNotExist:        "device does not exist",
	CodeDataIDDoesNotExist:     "data id does not exist",
	CodeConflictingDrivers:     "conflicting drivers",
	CodeNoDescsEnabled:         "no descriptors enabled",
	CodeNoDataRequested:        "no data requested",
	CodeTooMuchDataRequested:   "too much data requested",
	CodeDuplicateDataRequested: "duplicate data requested",
	CodePeriodUnsupported:      "period unsupported",
	CodeMissingCallback:        "missing callback",
	CodeEmptyQueue:             "empty queue",
	CodeQueueTooSmall:          "queue too small",
	CodeCtxActive:              "context active",
	CodeCtxNotActive:           "context not active",
	CodeCtxStopped:             "context stopped",
	CodeUnknownUnit:            "unknown unit",
}

func (c Code) String() string {
	if s, ok := codeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", c)
}

// Error is hound's structured error type, carrying the operation,
// device/data identifiers in play, the closed error Code, and any
// passed-through OS errno.
type Error struct {
	Op     string
	DevID  uint64
	DataID uint32
	Code   Code
	Errno  syscall.Errno
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DevID != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.DevID))
	}
	if e.DataID != 0 {
		parts = append(parts, fmt.Sprintf("data_id=%d", e.DataID))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if len(parts) > 0 {
		return fmt.Sprintf("hound: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("hound: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError builds an unadorned structured error for the given operation.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewDriverError attaches a device id to the error.
func NewDriverError(op string, devID uint64, code Code, msg string) *Error {
	return &Error{Op: op, DevID: devID, Code: code, Msg: msg}
}

// WrapError wraps inner with hound context, translating a raw syscall.Errno
// into the closest Code via mapErrnoToCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if he, ok := inner.(*Error); ok {
		return &Error{Op: op, DevID: he.DevID, DataID: he.DataID, Code: he.Code, Errno: he.Errno, Msg: he.Msg, Inner: he.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINTR:
		return CodeIntr
	case syscall.ENOMEM:
		return CodeOOM
	case syscall.EINVAL:
		return CodeInvalidVal
	case syscall.ENODEV, syscall.ENOENT:
		return CodeDevDoesNotExist
	default:
		return CodeIOError
	}
}

// IsCode reports whether err is a *Error carrying the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// StrError maps a Code to a human-readable string, falling back to the OS
// table when passed a positive errno value smuggled in as a Code.
func StrError(code Code) string {
	if s, ok := codeStrings[code]; ok {
		return s
	}
	if code > 0 {
		return syscall.Errno(code).Error()
	}
	return fmt.Sprintf("unknown error code %d", code)
}
