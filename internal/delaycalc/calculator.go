// Package delaycalc implements the second processing stage. It measures how
// long an extrapolated track spent on its first hop and forwards the track
// with that delay attached.
package delaycalc

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/ports"
	"github.com/banshee-data/trackpipe/internal/timeutil"
	"github.com/banshee-data/trackpipe/internal/track"
)

// Calculator is an IncomingPort for extrapolated tracks.
type Calculator struct {
	out   ports.OutgoingPort[track.DelayCalcTrackData]
	clock timeutil.Clock
	log   *zap.SugaredLogger
}

var _ ports.IncomingPort[track.ExtrapTrackData] = (*Calculator)(nil)

// New returns a Calculator publishing to out. A nil clock selects the wall
// clock and a nil logger discards output.
func New(out ports.OutgoingPort[track.DelayCalcTrackData], clock timeutil.Clock, log *zap.SugaredLogger) (*Calculator, error) {
	if out == nil {
		return nil, errors.New("delaycalc: outgoing port is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Calculator{out: out, clock: clock, log: log.Named("delaycalc")}, nil
}

// Accept stamps the first hop delay on e and publishes it.
func (c *Calculator) Accept(e track.ExtrapTrackData) error {
	if err := e.Validate(); err != nil {
		return err
	}

	now := timeutil.UnixMicro(c.clock)
	out := track.DelayCalcTrackData{
		ExtrapTrackData:   e,
		FirstHopDelayTime: Delay(e.FirstHopSentTime, now),
		SecondHopSentTime: now,
	}
	if out.FirstHopDelayTime == 0 && e.FirstHopSentTime > now {
		c.log.Debugw("clock skew between hops", "track_id", e.TrackID,
			"first_hop_sent", e.FirstHopSentTime, "now", now)
	}
	if err := c.out.Publish(out); err != nil {
		return errors.Wrapf(err, "publish track %d", e.TrackID)
	}
	return nil
}

// Delay returns now - sent in microseconds. Unset timestamps and a sender
// clock ahead of ours both yield zero.
func Delay(sent, now int64) int64 {
	if sent <= 0 || now <= 0 || now < sent {
		return 0
	}
	return now - sent
}
