// Package messaging provides the message transport used by adapters. A
// MessageSocket moves opaque payloads; bindings exist for UDP, NATS, PCAP
// replay and an in-memory mock.
package messaging

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// MessageSocket is a connection-oriented message transport.
//
// Open binds or connects to an endpoint. Receive blocks for at most timeout
// and returns ErrWouldBlock when nothing arrived. Close is idempotent; after
// it Send and Receive return ErrClosed.
type MessageSocket interface {
	Open(endpoint string) error
	Send(payload []byte) error
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

var (
	// ErrWouldBlock reports a receive timeout. It is not a failure.
	ErrWouldBlock = errors.New("messaging: no message within timeout")
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("messaging: socket closed")
	// ErrNotOpen is returned by operations on a socket that was never opened.
	ErrNotOpen = errors.New("messaging: socket not open")
)

// TransportError is an I/O failure on a socket.
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func transportError(op, endpoint string, err error) error {
	return &TransportError{Op: op, Endpoint: endpoint, Err: err}
}

// IsTransportError reports whether err carries a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
