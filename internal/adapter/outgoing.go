package adapter

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/messaging"
	"github.com/banshee-data/trackpipe/internal/monitoring"
	"github.com/banshee-data/trackpipe/internal/ports"
	"github.com/banshee-data/trackpipe/internal/timeutil"
	"github.com/banshee-data/trackpipe/internal/track"
)

// Outgoing defaults.
const (
	DefaultQueueSize       = 1024
	DefaultRetryCount      = 3
	DefaultRetryBackoff    = 10 * time.Millisecond
	DefaultRetryBackoffMax = 200 * time.Millisecond
)

// OutgoingConfig configures an Outgoing adapter.
type OutgoingConfig[T any] struct {
	Name     string
	Endpoint string
	Socket   messaging.MessageSocket
	Encoder  track.Encoder[T]
	// QueueSize bounds the number of records waiting to be sent.
	QueueSize int
	// RetryCount is the number of consecutive failed sends after which a
	// record is dropped. Values below one mean a single attempt.
	RetryCount int
	// RetryBackoff is the wait after the first failure; it doubles after
	// each further failure up to RetryBackoffMax.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	Clock           timeutil.Clock
	Stats           Stats
	Logger          *zap.SugaredLogger
}

// Outgoing is an OutgoingPort backed by a socket. Publish only enqueues; a
// single sender goroutine encodes and sends in FIFO order.
type Outgoing[T any] struct {
	name       string
	id         string
	endpoint   string
	socket     messaging.MessageSocket
	encoder    track.Encoder[T]
	attempts   int
	backoff    time.Duration
	backoffMax time.Duration
	clock      timeutil.Clock
	stats      Stats
	log        *zap.SugaredLogger

	queue chan T

	// pubMu orders Publish against Stop so nothing is enqueued after the
	// final drain.
	pubMu     sync.RWMutex
	accepting bool

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool
}

var (
	_ Adapter                                   = (*Outgoing[track.ExtrapTrackData])(nil)
	_ ports.OutgoingPort[track.ExtrapTrackData] = (*Outgoing[track.ExtrapTrackData])(nil)
)

// NewOutgoing validates cfg and returns an adapter ready to Start.
func NewOutgoing[T any](cfg OutgoingConfig[T]) (*Outgoing[T], error) {
	switch {
	case cfg.Socket == nil:
		return nil, errors.New("outgoing adapter: socket is required")
	case cfg.Encoder == nil:
		return nil, errors.New("outgoing adapter: encoder is required")
	case cfg.QueueSize < 0, cfg.RetryCount < 0, cfg.RetryBackoff < 0, cfg.RetryBackoffMax < 0:
		return nil, errors.New("outgoing adapter: queue size, retry count and backoff must not be negative")
	}
	if cfg.Name == "" {
		cfg.Name = "outgoing"
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = 1
	}
	if cfg.RetryBackoffMax < cfg.RetryBackoff {
		cfg.RetryBackoffMax = cfg.RetryBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	id := uuid.NewString()
	return &Outgoing[T]{
		name:       cfg.Name,
		id:         id,
		endpoint:   cfg.Endpoint,
		socket:     cfg.Socket,
		encoder:    cfg.Encoder,
		attempts:   cfg.RetryCount,
		backoff:    cfg.RetryBackoff,
		backoffMax: cfg.RetryBackoffMax,
		clock:      cfg.Clock,
		stats:      statsOrNoop(cfg.Stats),
		log:        monitoring.OrNop(cfg.Logger).With("adapter", cfg.Name, "adapter_id", id[:8]),
		queue:      make(chan T, cfg.QueueSize),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Name returns the configured adapter name.
func (a *Outgoing[T]) Name() string { return a.name }

// ID returns the adapter instance id.
func (a *Outgoing[T]) ID() string { return a.id }

// IsRunning reports whether the sender goroutine is alive.
func (a *Outgoing[T]) IsRunning() bool { return a.running.Load() }

// QueueLen returns the number of records waiting to be sent.
func (a *Outgoing[T]) QueueLen() int { return len(a.queue) }

// Start opens the socket and launches the sender goroutine.
func (a *Outgoing[T]) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true

	if err := a.socket.Open(a.endpoint); err != nil {
		a.stopped = true
		close(a.done)
		return err
	}

	a.running.Store(true)
	a.pubMu.Lock()
	a.accepting = true
	a.pubMu.Unlock()

	go a.run()
	a.log.Infow("adapter started", "endpoint", a.endpoint, "queue_size", cap(a.queue),
		"retry_count", a.attempts, "retry_backoff", a.backoff, "retry_backoff_max", a.backoffMax)
	return nil
}

// Publish enqueues v without blocking. A full queue drops v and returns
// ErrQueueFull.
func (a *Outgoing[T]) Publish(v T) error {
	a.pubMu.RLock()
	defer a.pubMu.RUnlock()
	if !a.accepting {
		return ErrNotRunning
	}
	select {
	case a.queue <- v:
		a.stats.AddQueued()
		return nil
	default:
		a.stats.AddQueueFull()
		return ErrQueueFull
	}
}

// Stop stops accepting records, makes one send attempt for whatever is
// queued, then closes the socket.
func (a *Outgoing[T]) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return
	}
	a.stopped = true

	a.pubMu.Lock()
	a.accepting = false
	a.pubMu.Unlock()

	close(a.stopCh)
	<-a.done

	if err := a.socket.Close(); err != nil {
		a.log.Warnw("socket close failed", "error", err)
	}
	a.log.Infow("adapter stopped")
}

func (a *Outgoing[T]) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.done)
	defer a.running.Store(false)

	for {
		select {
		case v := <-a.queue:
			a.send(v)
		case <-a.stopCh:
			a.drain()
			return
		}
	}
}

func (a *Outgoing[T]) drain() {
	n := 0
	for {
		select {
		case v := <-a.queue:
			a.send(v)
			n++
		default:
			if n > 0 {
				a.log.Infow("drained queue on stop", "records", n)
			}
			return
		}
	}
}

// send delivers one record, retrying with exponential backoff. After the
// configured number of failed attempts the record is dropped. Once Stop has
// been signalled a record gets at most one more attempt.
func (a *Outgoing[T]) send(v T) {
	payload := a.encoder.Encode(v)
	wait := a.backoff
	attempts := a.attempts
	if a.stopping() {
		attempts = 1
	}

	var err error
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		if err = a.sendOnce(payload); err == nil {
			a.stats.AddSent(len(payload))
			return
		}
		if errors.Is(err, messaging.ErrClosed) || errors.Is(err, messaging.ErrNotOpen) {
			break
		}
		if attempt == attempts {
			break
		}
		a.stats.AddRetry()
		a.log.Debugw("send failed, retrying", "attempt", attempt, "backoff", wait, "error", err)
		if !a.backoffWait(wait) {
			attempts = attempt + 1
		}
		wait *= 2
		if wait > a.backoffMax {
			wait = a.backoffMax
		}
	}

	a.stats.AddDropped()
	a.log.Warnw("dropping message after failed sends", "attempts", attempt, "bytes", len(payload), "error", err)
}

// backoffWait sleeps for d on the adapter clock. It returns false if Stop
// was signalled first.
func (a *Outgoing[T]) backoffWait(d time.Duration) bool {
	if d <= 0 {
		return !a.stopping()
	}
	select {
	case <-a.clock.After(d):
		return true
	case <-a.stopCh:
		return false
	}
}

func (a *Outgoing[T]) stopping() bool {
	select {
	case <-a.stopCh:
		return true
	default:
		return false
	}
}

func (a *Outgoing[T]) sendOnce(payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.stats.AddPanic()
			err = errors.Newf("panic in send: %v", r)
		}
	}()
	return a.socket.Send(payload)
}
