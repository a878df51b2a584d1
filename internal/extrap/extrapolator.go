// Package extrap implements the first processing stage: each observed track is
// projected forward by a fixed horizon and handed to the outgoing port.
package extrap

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/ports"
	"github.com/banshee-data/trackpipe/internal/timeutil"
	"github.com/banshee-data/trackpipe/internal/track"
)

// Config configures an Extrapolator.
type Config struct {
	// Horizon is how far ahead of the observation time tracks are projected.
	Horizon time.Duration
	// Model defaults to ConstantVelocity.
	Model Model
	// Clock stamps FirstHopSentTime and ages track ids. Defaults to the wall
	// clock.
	Clock timeutil.Clock
	// TrackTTL is how long a track id is remembered after its last accepted
	// observation. Zero keeps ids forever.
	TrackTTL time.Duration
	Logger   *zap.SugaredLogger
}

type seen struct {
	ts int64     // last accepted OriginalUpdateTime
	at time.Time // clock time it was accepted
}

// Extrapolator is an IncomingPort for raw track observations. It enforces a
// strictly increasing observation time per track id and publishes exactly one
// ExtrapTrackData per accepted record. Ids silent for longer than the TTL are
// forgotten, so a restarted track is accepted again.
type Extrapolator struct {
	out     ports.OutgoingPort[track.ExtrapTrackData]
	horizon time.Duration
	model   Model
	clock   timeutil.Clock
	ttl     time.Duration
	log     *zap.SugaredLogger

	mu        sync.Mutex
	lastSeen  map[int32]seen
	lastSweep time.Time
}

var _ ports.IncomingPort[track.TrackData] = (*Extrapolator)(nil)

// New returns an Extrapolator publishing to out.
func New(out ports.OutgoingPort[track.ExtrapTrackData], cfg Config) (*Extrapolator, error) {
	if out == nil {
		return nil, errors.New("extrap: outgoing port is required")
	}
	if cfg.Horizon < 0 {
		return nil, errors.Newf("extrap: horizon %s must not be negative", cfg.Horizon)
	}
	if cfg.TrackTTL < 0 {
		return nil, errors.Newf("extrap: track ttl %s must not be negative", cfg.TrackTTL)
	}
	if cfg.Model == nil {
		cfg.Model = ConstantVelocity{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Extrapolator{
		out:       out,
		horizon:   cfg.Horizon,
		model:     cfg.Model,
		clock:     cfg.Clock,
		ttl:       cfg.TrackTTL,
		log:       cfg.Logger.Named("extrap"),
		lastSeen:  make(map[int32]seen),
		lastSweep: cfg.Clock.Now(),
	}, nil
}

// Accept validates t, projects it and publishes the result. Records that fail
// validation or arrive out of order return an error wrapping
// track.ErrInvalidInput and nothing is published. The observation time only
// counts as seen once the publish succeeds, so a record dropped by a full
// queue can be sent again.
func (e *Extrapolator) Accept(t track.TrackData) error {
	if err := t.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.sweepLocked(now)

	prev, ok := e.lastSeen[t.TrackID]
	if ok && t.OriginalUpdateTime <= prev.ts {
		return errors.Wrapf(track.ErrInvalidInput,
			"track %d: timestamp %d not after last seen %d", t.TrackID, t.OriginalUpdateTime, prev.ts)
	}

	pos, vel := e.model.Project(t.Position, t.Velocity, e.horizon)
	if !pos.IsFinite() || !vel.IsFinite() {
		return errors.Wrapf(track.ErrInvalidInput,
			"track %d: projection over %s is not finite", t.TrackID, e.horizon)
	}

	out := track.ExtrapTrackData{
		TrackID:            t.TrackID,
		Position:           pos,
		Velocity:           vel,
		OriginalUpdateTime: t.OriginalUpdateTime,
		UpdateTime:         t.OriginalUpdateTime + e.horizon.Microseconds(),
		FirstHopSentTime:   now.UnixMicro(),
	}
	if err := e.out.Publish(out); err != nil {
		return errors.Wrapf(err, "publish track %d", t.TrackID)
	}
	e.lastSeen[t.TrackID] = seen{ts: t.OriginalUpdateTime, at: now}
	return nil
}

// sweepLocked forgets every id not accepted within the TTL. It runs at most
// once per TTL.
func (e *Extrapolator) sweepLocked(now time.Time) {
	if e.ttl <= 0 || now.Sub(e.lastSweep) < e.ttl {
		return
	}
	e.lastSweep = now
	n := 0
	for id, s := range e.lastSeen {
		if now.Sub(s.at) >= e.ttl {
			delete(e.lastSeen, id)
			n++
		}
	}
	if n > 0 {
		e.log.Debugw("forgot stale tracks", "count", n, "ttl", e.ttl, "tracked", len(e.lastSeen))
	}
}

// Horizon returns the configured projection horizon.
func (e *Extrapolator) Horizon() time.Duration { return e.horizon }

// ModelName returns the name of the kinematic model in use.
func (e *Extrapolator) ModelName() string { return e.model.Name() }

// Tracked returns the number of track ids currently remembered.
func (e *Extrapolator) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lastSeen)
}
