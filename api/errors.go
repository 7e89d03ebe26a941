// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-bus.

package api

import "fmt"

// Common errors used across the library.
var (
	ErrMgrFull         = fmt.Errorf("socket mgr is full")
	ErrMgrClosed       = fmt.Errorf("socket mgr is closed")
	ErrInvalidAddress  = fmt.Errorf("invalid socket address")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrNotSupported    = fmt.Errorf("operation not supported")
	ErrPeerClosed      = fmt.Errorf("connection closed by peer")
	ErrConnectTimeout  = fmt.Errorf("connect timeout")
	ErrIdleTimeout     = fmt.Errorf("timeout")
	ErrFrameTooLarge   = fmt.Errorf("frame payload exceeds maximum allowed size")
	ErrHeaderTruncated = fmt.Errorf("router header truncated")
	ErrPollerClosed    = fmt.Errorf("poller is closed")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeAddress
	ErrCodeCapacity
	ErrCodeIO
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     cause,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
