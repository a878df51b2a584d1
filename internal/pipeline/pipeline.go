// Package pipeline ties one incoming and one outgoing adapter into a single
// runnable unit with an explicit lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/adapter"
	"github.com/banshee-data/trackpipe/internal/monitoring"
)

// State is a MessagePipeline lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrInvalidState is returned by Start on a pipeline that is not freshly
// created. A stopped pipeline cannot be restarted.
var ErrInvalidState = errors.New("pipeline: invalid state for operation")

// ErrAdapterStopped is returned by Run when an adapter goroutine exits while
// the pipeline is running, for example after its socket was closed.
var ErrAdapterStopped = errors.New("pipeline: adapter stopped unexpectedly")

// DefaultHealthInterval is how often Run checks that both adapters are alive.
const DefaultHealthInterval = 100 * time.Millisecond

// Options configures a MessagePipeline.
type Options struct {
	Logger *zap.SugaredLogger
	// Stats is shared with the adapters; a fresh collector is created if nil.
	Stats *monitoring.Stats
	// StatsInterval is how often Run logs counters. Zero disables it.
	StatsInterval time.Duration
	// HealthInterval is how often Run checks the adapters. Zero selects
	// DefaultHealthInterval.
	HealthInterval time.Duration
}

// MessagePipeline owns an adapter Manager holding exactly one incoming and
// one outgoing adapter.
type MessagePipeline struct {
	id       string
	name     string
	manager  *adapter.Manager
	stats    *monitoring.Stats
	interval time.Duration
	health   time.Duration
	log      *zap.SugaredLogger

	mu    sync.Mutex
	state atomic.Int32
}

// New builds a pipeline in StateCreated.
func New(name string, incoming, outgoing adapter.Adapter, opts Options) (*MessagePipeline, error) {
	if isNilInterface(incoming) || isNilInterface(outgoing) {
		return nil, errors.New("pipeline: incoming and outgoing adapters are required")
	}
	if opts.StatsInterval < 0 || opts.HealthInterval < 0 {
		return nil, errors.Newf("pipeline: negative interval (stats %s, health %s)", opts.StatsInterval, opts.HealthInterval)
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.Stats == nil {
		opts.Stats = monitoring.NewStats()
	}
	id := uuid.NewString()
	log := monitoring.OrNop(opts.Logger).With("pipeline", name, "pipeline_id", id)

	m := adapter.NewManager(log)
	if err := m.Register(adapter.RoleIncoming, incoming); err != nil {
		return nil, err
	}
	if err := m.Register(adapter.RoleOutgoing, outgoing); err != nil {
		return nil, err
	}

	return &MessagePipeline{
		id:       id,
		name:     name,
		manager:  m,
		stats:    opts.Stats,
		interval: opts.StatsInterval,
		health:   opts.HealthInterval,
		log:      log,
	}, nil
}

// isNilInterface reports whether i is nil or a typed nil hidden in an interface.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// ID returns the pipeline instance id.
func (p *MessagePipeline) ID() string { return p.id }

// Name returns the configured pipeline name.
func (p *MessagePipeline) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *MessagePipeline) State() State { return State(p.state.Load()) }

// Stats returns the counters shared with the adapters.
func (p *MessagePipeline) Stats() *monitoring.Stats { return p.stats }

// Adapters reports the status of both adapters.
func (p *MessagePipeline) Adapters() []adapter.AdapterStatus { return p.manager.Status() }

// RunningCount returns the number of running adapters.
func (p *MessagePipeline) RunningCount() int { return p.manager.RunningCount() }

func (p *MessagePipeline) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	p.log.Debugw("state change", "from", prev.String(), "to", s.String())
}

// Start starts the adapters. If any adapter fails the pipeline ends in
// StateStopped and the *adapter.StartupError is returned.
func (p *MessagePipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.State(); st != StateCreated {
		return errors.Wrapf(ErrInvalidState, "start pipeline %q in state %s", p.name, st)
	}

	p.setState(StateStarting)
	if err := p.manager.Start(); err != nil {
		p.setState(StateStopped)
		p.log.Errorw("pipeline failed to start", "error", err)
		return err
	}
	p.setState(StateRunning)
	p.log.Infow("pipeline running")
	return nil
}

// Stop stops a running pipeline. It is idempotent, and stopping a pipeline
// that never started moves it straight to StateStopped.
func (p *MessagePipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.State() {
	case StateCreated:
		p.setState(StateStopped)
	case StateRunning:
		p.setState(StateStopping)
		p.manager.Stop()
		p.setState(StateStopped)
		snap := p.stats.Snapshot()
		p.log.Infow("pipeline stopped", "received", snap.Received, "sent", snap.Sent, "dropped", snap.Dropped)
	}
}

// Run starts the pipeline, logs counters every StatsInterval and stops it
// when ctx is done. It returns the startup error if Start fails, and an error
// wrapping ErrAdapterStopped if an adapter exits on its own.
func (p *MessagePipeline) Run(ctx context.Context) error {
	if err := p.Start(); err != nil {
		return err
	}
	defer p.Stop()

	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	health := time.NewTicker(p.health)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Infow("pipeline stopping", "reason", context.Cause(ctx))
			return nil
		case <-tick:
			p.stats.LogStats(p.log, p.name)
		case <-health.C:
			if err := p.checkAdapters(); err != nil {
				p.log.Errorw("pipeline stopping", "error", err)
				return err
			}
		}
	}
}

func (p *MessagePipeline) checkAdapters() error {
	for _, st := range p.manager.Status() {
		if !st.Running {
			return errors.Wrapf(ErrAdapterStopped, "%s adapter %q", st.Role, st.Name)
		}
	}
	return nil
}
