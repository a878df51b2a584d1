package ports

import "sync"

// Recorder is an OutgoingPort that keeps every published value. It can be
// told to fail so callers can exercise their error paths. Used by stage tests.
type Recorder[T any] struct {
	mu     sync.Mutex
	values []T
	// Err, when set, is returned by Publish and the value is not recorded.
	Err error
}

// Publish records v, or returns Err if set.
func (r *Recorder[T]) Publish(v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.values = append(r.values, v)
	return nil
}

// Values returns a copy of the recorded values in publish order.
func (r *Recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.values))
	copy(out, r.values)
	return out
}

// Len returns the number of recorded values.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}
