package server

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to the orchestration
// layer.
type Code string

const (
	// CodeExecutableMissing means the configured executable path does not
	// exist and proxy-only operation was not requested.
	CodeExecutableMissing Code = "EXECUTABLE_PATH_MISSING"
	// CodeProcessStartFailed means the executable exists but could not be
	// spawned.
	CodeProcessStartFailed Code = "PROCESS_START_FAILED"
	// CodeServerRunning rejects a start on a server that is already
	// starting or online.
	CodeServerRunning Code = "SERVER_RUNNING"
	// CodeServerNotRunning rejects a stop on an offline server.
	CodeServerNotRunning Code = "SERVER_NOT_RUNNING"
	// CodeServerBusy rejects concurrent start/stop calls racing an
	// in-flight transition.
	CodeServerBusy Code = "SERVER_BUSY"
	// CodeServerFaulted rejects a start on a server in the error state; an
	// explicit stop clears it first.
	CodeServerFaulted Code = "SERVER_FAULTED"
	// CodeRelayStartFailed means the UDP relay could not be brought up.
	CodeRelayStartFailed Code = "RELAY_START_FAILED"
	// CodeConfigInvalid means the server's configuration failed validation.
	CodeConfigInvalid Code = "CONFIG_INVALID"
)

// Error is a lifecycle error with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrorCode extracts the stable code from an error chain.
func ErrorCode(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
