package channel

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	// ErrClosed is returned by every call on a destroyed handle
	ErrClosed = errors.New("handle closed")
)

// ConnectionError reports a failure to start or talk to the client process
type ConnectionError struct {
	Message string
	Cause   error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("channel connection error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("channel connection error: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// RemoteError is an error reported by the external client for a call
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
