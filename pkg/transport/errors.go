package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for the transport package.
var (
	// ErrNotConnected indicates a send was attempted while the channel is not open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrDialFailed indicates the handshake could not be completed.
	ErrDialFailed = errors.New("transport: dial failed")

	// ErrCanceled indicates the attempt was superseded by Disconnect or Close.
	ErrCanceled = errors.New("transport: connection attempt canceled")

	// ErrClosed indicates the channel has been closed for good.
	ErrClosed = errors.New("transport: channel closed")

	// ErrMissingURL indicates no endpoint was configured.
	ErrMissingURL = errors.New("transport: endpoint URL is required")
)

// CloseError describes how a connection ended.
type CloseError struct {
	// Code is the WebSocket close code. Transport failures without a close
	// frame report 1006 (abnormal closure).
	Code int

	// Reason is the close reason or the underlying error text.
	Reason string

	// Clean is true for codes that do not trigger a reconnect.
	Clean bool

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transport: closed (%d): %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("transport: closed (%d)", e.Code)
}

// Unwrap returns the underlying error.
func (e *CloseError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the close would be followed by a reconnect
// attempt while budget remains.
func IsRetryable(err error) bool {
	var ce *CloseError
	if errors.As(err, &ce) {
		return !ce.Clean
	}
	return errors.Is(err, ErrDialFailed)
}
