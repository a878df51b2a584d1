package adapter

import (
	"fmt"
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
	"github.com/banshee-data/trackpipe/internal/track"
)

// DefaultReceiveTimeout bounds each Receive call when none is configured.
const DefaultReceiveTimeout = 100 * time.Millisecond

// IncomingConfig configures an Incoming adapter.
type IncomingConfig[T any] struct {
	Name     string
	Endpoint string
	Socket   messaging.MessageSocket
	Decoder  track.Decoder[T]
	Port     ports.IncomingPort[T]
	// ReceiveTimeout bounds each Receive and therefore Stop latency.
	ReceiveTimeout time.Duration
	Stats          Stats
	Logger         *zap.SugaredLogger
}

// Incoming receives payloads from a socket, decodes them and hands each
// record to the domain port. Per-message failures are logged and counted;
// they never stop the loop.
type Incoming[T any] struct {
	name     string
	id       string
	endpoint string
	socket   messaging.MessageSocket
	decoder  track.Decoder[T]
	port     ports.IncomingPort[T]
	timeout  time.Duration
	stats    Stats
	log      *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool
}

var _ Adapter = (*Incoming[track.TrackData])(nil)

// NewIncoming validates cfg and returns an adapter ready to Start.
func NewIncoming[T any](cfg IncomingConfig[T]) (*Incoming[T], error) {
	switch {
	case cfg.Socket == nil:
		return nil, errors.New("incoming adapter: socket is required")
	case cfg.Decoder == nil:
		return nil, errors.New("incoming adapter: decoder is required")
	case cfg.Port == nil:
		return nil, errors.New("incoming adapter: port is required")
	case cfg.ReceiveTimeout < 0:
		return nil, errors.Newf("incoming adapter: negative receive timeout %s", cfg.ReceiveTimeout)
	}
	if cfg.ReceiveTimeout == 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "incoming"
	}
	id := uuid.NewString()
	return &Incoming[T]{
		name:     cfg.Name,
		id:       id,
		endpoint: cfg.Endpoint,
		socket:   cfg.Socket,
		decoder:  cfg.Decoder,
		port:     cfg.Port,
		timeout:  cfg.ReceiveTimeout,
		stats:    statsOrNoop(cfg.Stats),
		log:      monitoring.OrNop(cfg.Logger).With("adapter", cfg.Name, "adapter_id", id[:8]),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Name returns the configured adapter name.
func (a *Incoming[T]) Name() string { return a.name }

// ID returns the adapter instance id.
func (a *Incoming[T]) ID() string { return a.id }

// IsRunning reports whether the receive goroutine is alive.
func (a *Incoming[T]) IsRunning() bool { return a.running.Load() }

// Start opens the socket and launches the receive loop. A socket that cannot
// be opened is returned as is, typically a *messaging.TransportError.
func (a *Incoming[T]) Start() error {
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
	go a.run()
	a.log.Infow("adapter started", "endpoint", a.endpoint, "receive_timeout", a.timeout)
	return nil
}

// Stop signals the loop, waits for it to finish the current iteration and
// closes the socket.
func (a *Incoming[T]) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return
	}
	a.stopped = true

	a.stop.Store(true)
	close(a.stopCh)
	<-a.done

	if err := a.socket.Close(); err != nil {
		a.log.Warnw("socket close failed", "error", err)
	}
	a.log.Infow("adapter stopped")
}

func (a *Incoming[T]) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(a.done)
	defer a.running.Store(false)

	for !a.stop.Load() {
		if !a.step() {
			return
		}
	}
}

// step handles at most one message. It returns false when the socket can no
// longer deliver anything.
func (a *Incoming[T]) step() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			a.stats.AddPanic()
			a.log.Errorw("recovered panic while handling message", "panic", fmt.Sprint(r))
			ok = true
		}
	}()

	payload, err := a.socket.Receive(a.timeout)
	switch {
	case err == nil:
	case errors.Is(err, messaging.ErrWouldBlock):
		return true
	case errors.Is(err, messaging.ErrClosed):
		if !a.stop.Load() {
			a.log.Errorw("socket closed underneath adapter")
		}
		return false
	default:
		a.log.Warnw("receive failed", "error", err)
		a.pause()
		return true
	}

	a.stats.AddReceived(len(payload))
	rec, err := a.decoder.Decode(payload)
	if err != nil {
		a.stats.AddDecodeError()
		a.log.Warnw("dropping undecodable message", "bytes", len(payload), "error", err)
		return true
	}

	if err := a.port.Accept(rec); err != nil {
		if errors.Is(err, track.ErrInvalidInput) {
			a.stats.AddRejected()
			a.log.Warnw("record rejected", "error", err)
		} else {
			a.stats.AddAcceptError()
			a.log.Errorw("record processing failed", "error", err)
		}
		return true
	}
	a.stats.AddAccepted()
	return true
}

// pause waits one receive timeout after a transport failure so a broken
// socket does not spin the loop.
func (a *Incoming[T]) pause() {
	t := time.NewTimer(a.timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-a.stopCh:
	}
}
