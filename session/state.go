package session

import (
	"errors"
	"fmt"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrClosed             = errors.New("session: connection closed")
	ErrAlreadyConnected   = errors.New("session: already connected")
	ErrNotConnected       = errors.New("session: not connected")
	ErrReconnectExhausted = errors.New("session: reconnect budget exhausted")
	ErrOutboxClosed       = errors.New("session: outbox closed")
)

// ConnectionError reports a failure to open the transport or to register.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
