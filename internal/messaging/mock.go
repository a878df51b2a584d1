package messaging

import (
	"sync"
	"time"
)

// MockSocket implements MessageSocket in memory for testing. Queued inbound
// payloads are returned by Receive in order; when none are queued Receive
// blocks for its timeout (or until Push/Close) and returns ErrWouldBlock.
type MockSocket struct {
	mu     sync.Mutex
	cond   *sync.Cond
	inbox  [][]byte
	sent   [][]byte
	opened bool
	closed bool

	// Endpoint records the argument of the last Open call.
	Endpoint string
	// OpenError is returned by Open if set.
	OpenError error
	// SendErrors are returned by successive Send calls, one per call, before
	// sends start succeeding. A nil entry is a successful send.
	SendErrors []error
	// SendError, if set, fails every Send after SendErrors is exhausted.
	SendError error
	// ReceiveError is returned by the next Receive call if set.
	ReceiveError error
	// SendCalls counts every Send attempt including failures.
	SendCalls int
	// CloseCalls counts Close calls.
	CloseCalls int
}

var _ MessageSocket = (*MockSocket)(nil)

// NewMockSocket creates a MockSocket with the given inbound payloads queued.
func NewMockSocket(inbound ...[]byte) *MockSocket {
	m := &MockSocket{inbox: append([][]byte(nil), inbound...)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Open records the endpoint.
func (m *MockSocket) Open(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.OpenError != nil {
		return transportError("open", endpoint, m.OpenError)
	}
	m.Endpoint = endpoint
	m.opened = true
	return nil
}

// Send records a copy of payload unless a send error is scripted.
func (m *MockSocket) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.opened {
		return ErrNotOpen
	}
	m.SendCalls++
	if len(m.SendErrors) > 0 {
		err := m.SendErrors[0]
		m.SendErrors = m.SendErrors[1:]
		if err != nil {
			return transportError("send", m.Endpoint, err)
		}
	} else if m.SendError != nil {
		return transportError("send", m.Endpoint, m.SendError)
	}
	m.sent = append(m.sent, append([]byte(nil), payload...))
	m.cond.Broadcast()
	return nil
}

// Receive pops the next queued payload.
func (m *MockSocket) Receive(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return nil, ErrClosed
		}
		if !m.opened {
			return nil, ErrNotOpen
		}
		if m.ReceiveError != nil {
			err := m.ReceiveError
			m.ReceiveError = nil
			return nil, transportError("receive", m.Endpoint, err)
		}
		if len(m.inbox) > 0 {
			p := m.inbox[0]
			m.inbox = m.inbox[1:]
			return p, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrWouldBlock
		}
		m.cond.Wait()
	}
}

// Close marks the socket closed and wakes blocked receivers.
func (m *MockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// Push queues an inbound payload.
func (m *MockSocket) Push(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, payload)
	m.cond.Broadcast()
}

// Sent returns copies of the payloads successfully sent so far.
func (m *MockSocket) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// Pending returns the number of queued inbound payloads.
func (m *MockSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox)
}

// IsOpen reports whether Open succeeded and Close has not been called.
func (m *MockSocket) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened && !m.closed
}

// Calls returns the number of Send attempts so far.
func (m *MockSocket) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SendCalls
}
