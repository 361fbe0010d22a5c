package node

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRegistered = errors.New("endpoint already registered")
	ErrNotRegistered     = errors.New("endpoint not registered")
	ErrMultiplexerClosed = errors.New("multiplexer closed")

	// ErrWouldBlock means the operation cannot make progress until the endpoint is ready again.
	ErrWouldBlock = errors.New("operation would block")

	ErrLoopStarted    = errors.New("loop already started")
	ErrEndpointClosed = errors.New("endpoint closed")
)

// TransportError is a failure on a single endpoint. The loop closes that endpoint
// and keeps serving the others.
type TransportError struct {
	Op  string
	Fd  int
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s fd %d: %v", e.Op, e.Fd, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MultiplexerError is a failure of the readiness facility itself. It stops the loop.
type MultiplexerError struct {
	Op  string
	Err error
}

func (e *MultiplexerError) Error() string {
	return fmt.Sprintf("multiplexer %s: %v", e.Op, e.Err)
}

func (e *MultiplexerError) Unwrap() error { return e.Err }
