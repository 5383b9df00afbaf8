// File: api/errors.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error types and error handling utilities for wsfork.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the module.
var (
	ErrFull              = errors.New("channel full")
	ErrClosed            = errors.New("channel closed")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrOperationTimeout  = errors.New("operation timeout")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrNotFound          = errors.New("resource not found")
	ErrExecutorClosed    = errors.New("executor is closed")
)

// ErrorCode classifies a failure of a forwarding session.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeConfiguration
	ErrCodeConnect
	ErrCodeBackpressure
	ErrCodeChannelClosed
	ErrCodeProtocol
	ErrCodeRemoteClose
	ErrCodeFrameRead
	ErrCodeNotFound
	ErrCodeAlreadyExists
	ErrCodeResourceExhausted
	ErrCodeAborted
	ErrCodeInternal
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "ok",
	ErrCodeConfiguration:     "configuration",
	ErrCodeConnect:           "connect",
	ErrCodeBackpressure:      "backpressure",
	ErrCodeChannelClosed:     "channel_closed",
	ErrCodeProtocol:          "protocol",
	ErrCodeRemoteClose:       "remote_close",
	ErrCodeFrameRead:         "frame_read",
	ErrCodeNotFound:          "not_found",
	ErrCodeAlreadyExists:     "already_exists",
	ErrCodeResourceExhausted: "resource_exhausted",
	ErrCodeAborted:           "aborted",
	ErrCodeInternal:          "internal",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Recoverable reports whether the session survives an error of this code.
func (c ErrorCode) Recoverable() bool {
	return c == ErrCodeBackpressure || c == ErrCodeChannelClosed
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, so errors.Is(err, NewError(code, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapError attaches a code and message to cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the ErrorCode carried by err, or ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return ErrCodeAlreadyExists
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrExecutorClosed):
		return ErrCodeResourceExhausted
	case errors.Is(err, ErrInvalidArgument):
		return ErrCodeConfiguration
	case errors.Is(err, ErrFull):
		return ErrCodeBackpressure
	case errors.Is(err, ErrClosed):
		return ErrCodeChannelClosed
	}
	return ErrCodeInternal
}
