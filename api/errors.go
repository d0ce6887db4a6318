// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the pipeline, transports and WebSocket channels.

package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors, one per ErrorCode. Use errors.Is to classify.
var (
	ErrCancelled       = errors.New("operation cancelled")
	ErrNetwork         = errors.New("network error")
	ErrProtocol        = errors.New("protocol error")
	ErrUpgradeFailed   = errors.New("websocket upgrade failed")
	ErrChannelClosed   = errors.New("channel closed")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeCancelled
	ErrCodeNetwork
	ErrCodeProtocol
	ErrCodeUpgradeFailed
	ErrCodeChannelClosed
	ErrCodeInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeCancelled:
		return "cancelled"
	case ErrCodeNetwork:
		return "network"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeUpgradeFailed:
		return "upgrade_failed"
	case ErrCodeChannelClosed:
		return "channel_closed"
	case ErrCodeInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

func (c ErrorCode) sentinel() error {
	switch c {
	case ErrCodeCancelled:
		return ErrCancelled
	case ErrCodeNetwork:
		return ErrNetwork
	case ErrCodeProtocol:
		return ErrProtocol
	case ErrCodeUpgradeFailed:
		return ErrUpgradeFailed
	case ErrCodeChannelClosed:
		return ErrChannelClosed
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	default:
		return nil
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	// Err is the underlying native error, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the native cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel that corresponds to e.Code.
func (e *Error) Is(target error) bool {
	s := e.Code.sentinel()
	return s != nil && s == target
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapError creates a structured error around a native cause.
func WrapError(code ErrorCode, message string, err error) *Error {
	e := NewError(code, message)
	e.Err = err
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

// CodeOf returns the ErrorCode carried by err, or ErrCodeOK for nil and
// ErrCodeNetwork for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeNetwork
}

// IsRetriable reports whether a policy may retry after err.
// Only transport-level network failures qualify.
func IsRetriable(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeNetwork
}
