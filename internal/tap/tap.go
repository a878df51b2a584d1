// Package tap lets debug clients observe the records a stage publishes
// without affecting the pipeline. Slow subscribers miss lines; the
// publishing path never blocks.
package tap

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/banshee-data/trackpipe/internal/ports"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Tap fans published lines out to its subscribers.
type Tap struct {
	buffer int

	mu          sync.Mutex
	subscribers map[string]chan string
	closed      bool
}

// New returns a Tap whose subscriber channels hold buffer lines. A buffer
// below one selects DefaultBuffer.
func New(buffer int) *Tap {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Tap{buffer: buffer, subscribers: make(map[string]chan string)}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new subscriber. The channel is closed by Unsubscribe
// or Close. Subscribing to a closed Tap returns an already closed channel.
func (t *Tap) Subscribe() (string, <-chan string) {
	id := randomID()
	ch := make(chan string, t.buffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (t *Tap) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Active reports whether anyone is listening.
func (t *Tap) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers) > 0
}

// Publish offers line to every subscriber, skipping those whose buffer is full.
func (t *Tap) Publish(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
}

// Wrap returns a port that publishes to out and, after a successful publish,
// mirrors the record to t as a JSON line. A nil t returns out unchanged.
func Wrap[T any](out ports.OutgoingPort[T], t *Tap) ports.OutgoingPort[T] {
	if t == nil {
		return out
	}
	return ports.OutgoingFunc[T](func(v T) error {
		if err := out.Publish(v); err != nil {
			return err
		}
		if t.Active() {
			if b, err := json.Marshal(v); err == nil {
				t.Publish(string(b))
			}
		}
		return nil
	})
}
