// Package finalcalc implements the last processing stage. It measures the
// second hop of each delay record, sums the end-to-end latency and hands the
// result on.
package finalcalc

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/delaycalc"
	"github.com/banshee-data/trackpipe/internal/ports"
	"github.com/banshee-data/trackpipe/internal/timeutil"
	"github.com/banshee-data/trackpipe/internal/track"
)

// Calculator is an IncomingPort for delay records.
type Calculator struct {
	out   ports.OutgoingPort[track.FinalCalcTrackData]
	clock timeutil.Clock
	log   *zap.SugaredLogger
}

var _ ports.IncomingPort[track.DelayCalcTrackData] = (*Calculator)(nil)

// New returns a Calculator publishing to out. A nil clock selects the wall
// clock and a nil logger discards output.
func New(out ports.OutgoingPort[track.FinalCalcTrackData], clock timeutil.Clock, log *zap.SugaredLogger) (*Calculator, error) {
	if out == nil {
		return nil, errors.New("finalcalc: outgoing port is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Calculator{out: out, clock: clock, log: log.Named("finalcalc")}, nil
}

// Accept stamps the second hop and total delay on d and publishes it.
func (c *Calculator) Accept(d track.DelayCalcTrackData) error {
	if err := d.Validate(); err != nil {
		return err
	}

	now := timeutil.UnixMicro(c.clock)
	second := delaycalc.Delay(d.SecondHopSentTime, now)
	out := track.FinalCalcTrackData{
		DelayCalcTrackData: d,
		SecondHopDelayTime: second,
		TotalDelayTime:     d.FirstHopDelayTime + second,
		ThirdHopSentTime:   now,
	}
	c.log.Debugw("track delay",
		"track_id", d.TrackID,
		"first_hop_us", d.FirstHopDelayTime,
		"second_hop_us", second,
		"total_us", out.TotalDelayTime)
	if err := c.out.Publish(out); err != nil {
		return errors.Wrapf(err, "publish track %d", d.TrackID)
	}
	return nil
}
