// Package ports declares the seams between domain logic and adapters.
//
// Incoming adapters drive the domain through an IncomingPort; the domain
// drives outgoing adapters through an OutgoingPort. Neither interface knows
// anything about sockets or encodings, so either side can be replaced by a
// test stand-in.
package ports

// IncomingPort is the domain-facing entry for received records. Accept is
// called once per decoded message and must not block on I/O.
type IncomingPort[T any] interface {
	Accept(v T) error
}

// OutgoingPort is the domain-facing exit for produced records. Publish is
// called once per result.
type OutgoingPort[T any] interface {
	Publish(v T) error
}

// IncomingFunc adapts a plain function to IncomingPort.
type IncomingFunc[T any] func(v T) error

// Accept calls f(v).
func (f IncomingFunc[T]) Accept(v T) error { return f(v) }

// OutgoingFunc adapts a plain function to OutgoingPort.
type OutgoingFunc[T any] func(v T) error

// Publish calls f(v).
func (f OutgoingFunc[T]) Publish(v T) error { return f(v) }
