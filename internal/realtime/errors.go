package realtime

import (
	"errors"
	"fmt"
)

var (
	ErrNoCredential     = errors.New("no credential available")
	ErrUnauthorized     = errors.New("handshake rejected")
	ErrNotConnected     = errors.New("realtime channel not connected")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrClosed           = errors.New("connection manager disconnected")
)

// ConnectionError means the transport could not be established or dropped.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the server rejected the handshake credential. It is never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("realtime auth: %s", e.Reason)
	}
	return fmt.Sprintf("realtime auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError means a single realtime call failed while the caller may fall back.
type TransportError struct {
	Event string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime emit %s: %v", e.Event, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
