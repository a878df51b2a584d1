// Package adapter binds domain ports to message sockets. Each adapter owns
// one socket and one goroutine; the Manager starts and stops them as a group.
package adapter

import (
	"github.com/cockroachdb/errors"
)

// Adapter is the lifecycle every adapter exposes to the Manager.
type Adapter interface {
	Name() string
	// Start acquires the socket and launches the adapter goroutine. It
	// returns once the adapter is running or has failed to start.
	Start() error
	// Stop signals the goroutine, waits for it to exit and releases the
	// socket. It is safe to call on an adapter that never started.
	Stop()
	IsRunning() bool
}

var (
	// ErrQueueFull is returned by Publish when the outgoing queue is at capacity.
	// The message is dropped.
	ErrQueueFull = errors.New("adapter: outgoing queue full")
	// ErrNotRunning is returned by Publish on an adapter that is not running.
	ErrNotRunning = errors.New("adapter: not running")
	// ErrAlreadyStarted is returned by Start on an adapter that was started
	// before. Adapters are single use.
	ErrAlreadyStarted = errors.New("adapter: already started")
)

// Stats receives per-message counters from adapter goroutines.
// *monitoring.Stats satisfies it.
type Stats interface {
	AddReceived(bytes int)
	AddDecodeError()
	AddAccepted()
	AddRejected()
	AddAcceptError()
	AddPanic()
	AddQueued()
	AddQueueFull()
	AddSent(bytes int)
	AddRetry()
	AddDropped()
}

// noopStats is used when no stats collector is supplied.
type noopStats struct{}

func (noopStats) AddReceived(int) {}
func (noopStats) AddDecodeError() {}
func (noopStats) AddAccepted()    {}
func (noopStats) AddRejected()    {}
func (noopStats) AddAcceptError() {}
func (noopStats) AddPanic()       {}
func (noopStats) AddQueued()      {}
func (noopStats) AddQueueFull()   {}
func (noopStats) AddSent(int)     {}
func (noopStats) AddRetry()       {}
func (noopStats) AddDropped()     {}

func statsOrNoop(s Stats) Stats {
	if s == nil {
		return noopStats{}
	}
	return s
}
