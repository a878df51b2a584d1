// Package track defines the track records that flow between stages and their
// wire encoding. Positions and velocities are ECEF (metres, metres/second);
// every timestamp is microseconds since the Unix epoch.
package track

import (
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidInput marks a record that failed semantic validation (negative
// id, negative timestamp, non-finite component, or out-of-order timestamp).
// Such records are dropped; the error is never fatal to a pipeline.
var ErrInvalidInput = errors.New("invalid track input")

// Vec3 is a three-component ECEF vector.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 {
	return Vec3{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// IsFinite reports whether no component is NaN or ±Inf.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// TrackData is a single sensor contact observation.
type TrackData struct {
	TrackID            int32
	Position           Vec3
	Velocity           Vec3
	OriginalUpdateTime int64
}

// Validate checks the record's fields in isolation.
func (t TrackData) Validate() error {
	return validateKinematics(t.TrackID, t.Position, t.Velocity, t.OriginalUpdateTime)
}

func validateKinematics(id int32, pos, vel Vec3, ts int64) error {
	if id < 0 {
		return errors.Wrapf(ErrInvalidInput, "track id %d is negative", id)
	}
	if ts < 0 {
		return errors.Wrapf(ErrInvalidInput, "track %d: timestamp %d is negative", id, ts)
	}
	if !pos.IsFinite() {
		return errors.Wrapf(ErrInvalidInput, "track %d: position %+v is not finite", id, pos)
	}
	if !vel.IsFinite() {
		return errors.Wrapf(ErrInvalidInput, "track %d: velocity %+v is not finite", id, vel)
	}
	return nil
}

// ExtrapTrackData is a track projected forward from its observation time.
// Values are built by the extrapolation stage and are not mutated afterwards.
type ExtrapTrackData struct {
	TrackID            int32
	Position           Vec3
	Velocity           Vec3
	OriginalUpdateTime int64
	// UpdateTime is the instant the projected state refers to.
	UpdateTime int64
	// FirstHopSentTime is stamped when the record leaves the first stage.
	FirstHopSentTime int64
}

// Horizon returns the time delta the record was projected over.
func (e ExtrapTrackData) Horizon() time.Duration {
	return time.Duration(e.UpdateTime-e.OriginalUpdateTime) * time.Microsecond
}

// Validate checks the record's fields in isolation.
func (e ExtrapTrackData) Validate() error {
	if err := validateKinematics(e.TrackID, e.Position, e.Velocity, e.OriginalUpdateTime); err != nil {
		return err
	}
	if e.UpdateTime < e.OriginalUpdateTime {
		return errors.Wrapf(ErrInvalidInput, "track %d: update time %d precedes basis %d",
			e.TrackID, e.UpdateTime, e.OriginalUpdateTime)
	}
	if e.FirstHopSentTime < 0 {
		return errors.Wrapf(ErrInvalidInput, "track %d: first hop sent time %d is negative",
			e.TrackID, e.FirstHopSentTime)
	}
	return nil
}

// DelayCalcTrackData carries an extrapolated track together with the
// transport delay measured by the second stage.
type DelayCalcTrackData struct {
	ExtrapTrackData
	FirstHopDelayTime int64
	SecondHopSentTime int64
}

// FirstHopDelay returns the measured first hop delay as a duration.
func (d DelayCalcTrackData) FirstHopDelay() time.Duration {
	return time.Duration(d.FirstHopDelayTime) * time.Microsecond
}

// Validate checks the record's fields in isolation.
func (d DelayCalcTrackData) Validate() error {
	if err := d.ExtrapTrackData.Validate(); err != nil {
		return err
	}
	if d.FirstHopDelayTime < 0 || d.SecondHopSentTime < 0 {
		return errors.Wrapf(ErrInvalidInput, "track %d: negative delay fields (%d, %d)",
			d.TrackID, d.FirstHopDelayTime, d.SecondHopSentTime)
	}
	return nil
}

// FinalCalcTrackData closes the chain: the second hop delay is measured on
// arrival and added to the first hop delay carried in the record.
type FinalCalcTrackData struct {
	DelayCalcTrackData
	SecondHopDelayTime int64
	TotalDelayTime     int64
	ThirdHopSentTime   int64
}

// SecondHopDelay returns the measured second hop delay as a duration.
func (f FinalCalcTrackData) SecondHopDelay() time.Duration {
	return time.Duration(f.SecondHopDelayTime) * time.Microsecond
}

// TotalDelay returns the end-to-end delay as a duration.
func (f FinalCalcTrackData) TotalDelay() time.Duration {
	return time.Duration(f.TotalDelayTime) * time.Microsecond
}

// Validate checks the record's fields in isolation.
func (f FinalCalcTrackData) Validate() error {
	if err := f.DelayCalcTrackData.Validate(); err != nil {
		return err
	}
	if f.SecondHopDelayTime < 0 || f.TotalDelayTime < 0 || f.ThirdHopSentTime < 0 {
		return errors.Wrapf(ErrInvalidInput, "track %d: negative final delay fields (%d, %d, %d)",
			f.TrackID, f.SecondHopDelayTime, f.TotalDelayTime, f.ThirdHopSentTime)
	}
	if f.TotalDelayTime < f.FirstHopDelayTime {
		return errors.Wrapf(ErrInvalidInput, "track %d: total delay %d below first hop delay %d",
			f.TrackID, f.TotalDelayTime, f.FirstHopDelayTime)
	}
	return nil
}
