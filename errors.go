package xlink

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures surfaced to application code.
type ErrorCode string

const (
	CodeConnectionDestroyed ErrorCode = "connection_destroyed"
	CodeConnectionTimeout   ErrorCode = "connection_timeout"
	CodeMethodCallTimeout   ErrorCode = "method_call_timeout"
	CodeMethodNotFound      ErrorCode = "method_not_found"
	CodeTransmissionFailed  ErrorCode = "transmission_failed"
	CodeMessageSizeExceeded ErrorCode = "message_size_exceeded"
	CodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	CodeHandlerError        ErrorCode = "handler_error"
	CodeInvalidMessage      ErrorCode = "invalid_message"
	CodeOriginMismatch      ErrorCode = "origin_mismatch"
)

// Sentinels for errors.Is matching. Structured *Error values unwrap onto
// these, so callers never need a type assertion unless they want the detail.
var (
	ErrConnectionDestroyed = errors.New("xlink: connection destroyed")
	ErrConnectionTimeout   = errors.New("xlink: connection timeout")
	ErrMethodCallTimeout   = errors.New("xlink: method call timeout")
	ErrMethodNotFound      = errors.New("xlink: method not found")
	ErrTransmissionFailed  = errors.New("xlink: transmission failed")
	ErrMessageSizeExceeded = errors.New("xlink: message size exceeded")
	ErrRateLimitExceeded   = errors.New("xlink: rate limit exceeded")
	ErrHandlerError        = errors.New("xlink: handler error")
	ErrInvalidMessage      = errors.New("xlink: invalid message")
	ErrOriginMismatch      = errors.New("xlink: origin mismatch")

	// ErrNoTransportConfigured is returned by builders missing a transport.
	ErrNoTransportConfigured = errors.New("xlink: no transport configured")
	// ErrNoHostConfigured is returned by hub builders missing a host adapter.
	ErrNoHostConfigured = errors.New("xlink: no host configured")
)

var sentinelByCode = map[ErrorCode]error{
	CodeConnectionDestroyed: ErrConnectionDestroyed,
	CodeConnectionTimeout:   ErrConnectionTimeout,
	CodeMethodCallTimeout:   ErrMethodCallTimeout,
	CodeMethodNotFound:      ErrMethodNotFound,
	CodeTransmissionFailed:  ErrTransmissionFailed,
	CodeMessageSizeExceeded: ErrMessageSizeExceeded,
	CodeRateLimitExceeded:   ErrRateLimitExceeded,
	CodeHandlerError:        ErrHandlerError,
	CodeInvalidMessage:      ErrInvalidMessage,
	CodeOriginMismatch:      ErrOriginMismatch,
}

// Error is the structured failure surfaced by channel and hub operations.
type Error struct {
	Code    ErrorCode
	Message string
	// Channel is the selfKey of the channel the failure belongs to.
	Channel string
	// Time is the failure timestamp in epoch-ms.
	Time int64
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("xlink: %s", e.Code)
	}
	return fmt.Sprintf("xlink: %s: %s", e.Code, e.Message)
}

// Unwrap maps the structured error onto its sentinel.
func (e *Error) Unwrap() error {
	if s, ok := sentinelByCode[e.Code]; ok {
		return s
	}
	return nil
}

// ErrUnknownTransport is returned by the transport registry for names that
// were never registered.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }
