package extrap

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/banshee-data/trackpipe/internal/track"
)

// Model projects a kinematic state forward by h.
type Model interface {
	Name() string
	Project(pos, vel track.Vec3, h time.Duration) (track.Vec3, track.Vec3)
}

// Model names accepted by ParseModel.
const (
	ModelConstantVelocity = "constant_velocity"
	ModelHold             = "hold"
)

// ConstantVelocity moves the position along the velocity vector: p' = p + v·h.
type ConstantVelocity struct{}

func (ConstantVelocity) Name() string { return ModelConstantVelocity }

func (ConstantVelocity) Project(pos, vel track.Vec3, h time.Duration) (track.Vec3, track.Vec3) {
	return pos.Add(vel.Scale(h.Seconds())), vel
}

// Hold keeps the last observed position.
type Hold struct{}

func (Hold) Name() string { return ModelHold }

func (Hold) Project(pos, vel track.Vec3, _ time.Duration) (track.Vec3, track.Vec3) {
	return pos, vel
}

// ParseModel resolves a configured model name. Empty selects constant velocity.
func ParseModel(name string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ModelConstantVelocity:
		return ConstantVelocity{}, nil
	case ModelHold:
		return Hold{}, nil
	default:
		return nil, errors.Newf("unknown kinematic model %q", name)
	}
}
