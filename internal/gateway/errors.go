package gateway

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("number and message are required")
	ErrUnauthorized = errors.New("unauthorized: invalid token")
	ErrNotReady     = errors.New("whatsapp client is not ready, wait for READY status")
)

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// TransportError wraps a send or webhook delivery failure.
type TransportError struct {
	Target string
	Err    error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Target, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }
