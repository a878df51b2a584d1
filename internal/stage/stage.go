// Package stage wires configuration, sockets, codecs and the domain
// transformers into the two runnable stage pipelines.
package stage

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/banshee-data/trackpipe/internal/adapter"
	"github.com/banshee-data/trackpipe/internal/config"
	"github.com/banshee-data/trackpipe/internal/delaycalc"
	"github.com/banshee-data/trackpipe/internal/extrap"
	"github.com/banshee-data/trackpipe/internal/finalcalc"
	"github.com/banshee-data/trackpipe/internal/messaging"
	"github.com/banshee-data/trackpipe/internal/monitoring"
	"github.com/banshee-data/trackpipe/internal/pipeline"
	"github.com/banshee-data/trackpipe/internal/ports"
	"github.com/banshee-data/trackpipe/internal/tap"
	"github.com/banshee-data/trackpipe/internal/timeutil"
	"github.com/banshee-data/trackpipe/internal/track"
)

// SocketFactory returns an unopened socket for endpoint.
type SocketFactory func(endpoint string, mode messaging.Mode, log *zap.SugaredLogger) (messaging.MessageSocket, error)

// Deps are the collaborators a stage is built with. Zero values select the
// production implementations.
type Deps struct {
	Logger  *zap.SugaredLogger
	Clock   timeutil.Clock
	Sockets SocketFactory
	Stats   *monitoring.Stats

	// Tap, when set, mirrors every published record for debug clients.
	Tap *tap.Tap
}

func (d Deps) withDefaults() Deps {
	d.Logger = monitoring.OrNop(d.Logger)
	if d.Clock == nil {
		d.Clock = timeutil.RealClock{}
	}
	if d.Sockets == nil {
		d.Sockets = messaging.NewSocket
	}
	if d.Stats == nil {
		d.Stats = monitoring.NewStats()
	}
	return d
}

// Extrapolation is the first stage: raw tracks in, extrapolated tracks out.
type Extrapolation struct {
	*pipeline.MessagePipeline
	Extrapolator *extrap.Extrapolator
}

// NewExtrapolation builds the extrapolation pipeline described by cfg.
func NewExtrapolation(cfg *config.Config, deps Deps) (*Extrapolation, error) {
	deps = deps.withDefaults()
	log := deps.Logger.Named(string(config.StageExtrap))

	model, err := extrap.ParseModel(cfg.KinematicModel)
	if err != nil {
		return nil, err
	}

	out, err := newOutgoing[track.ExtrapTrackData](cfg, deps, log, track.ExtrapTrackDataCodec{})
	if err != nil {
		return nil, err
	}
	x, err := extrap.New(tap.Wrap[track.ExtrapTrackData](out, deps.Tap), extrap.Config{
		Horizon:  cfg.Horizon(),
		Model:    model,
		Clock:    deps.Clock,
		TrackTTL: cfg.TrackTTL(),
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	in, err := newIncoming[track.TrackData](cfg, deps, log, track.TrackDataCodec{}, x)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(string(config.StageExtrap), in, out, pipelineOptions(cfg, deps, log))
	if err != nil {
		return nil, err
	}
	log.Infow("extrapolation stage built",
		"incoming", cfg.IncomingEndpoint,
		"outgoing", cfg.OutgoingEndpoint,
		"horizon", cfg.Horizon(),
		"model", model.Name(),
		"track_ttl", cfg.TrackTTL())
	return &Extrapolation{MessagePipeline: p, Extrapolator: x}, nil
}

// NewDelayCalc builds the delay calculation pipeline described by cfg.
func NewDelayCalc(cfg *config.Config, deps Deps) (*pipeline.MessagePipeline, error) {
	deps = deps.withDefaults()
	log := deps.Logger.Named(string(config.StageDelayCalc))

	out, err := newOutgoing[track.DelayCalcTrackData](cfg, deps, log, track.DelayCalcTrackDataCodec{})
	if err != nil {
		return nil, err
	}
	calc, err := delaycalc.New(tap.Wrap[track.DelayCalcTrackData](out, deps.Tap), deps.Clock, log)
	if err != nil {
		return nil, err
	}
	in, err := newIncoming[track.ExtrapTrackData](cfg, deps, log, track.ExtrapTrackDataCodec{}, calc)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(string(config.StageDelayCalc), in, out, pipelineOptions(cfg, deps, log))
	if err != nil {
		return nil, err
	}
	log.Infow("delay calculation stage built",
		"incoming", cfg.IncomingEndpoint,
		"outgoing", cfg.OutgoingEndpoint)
	return p, nil
}

// NewFinalCalc builds the final calculation pipeline described by cfg.
func NewFinalCalc(cfg *config.Config, deps Deps) (*pipeline.MessagePipeline, error) {
	deps = deps.withDefaults()
	log := deps.Logger.Named(string(config.StageFinalCalc))

	out, err := newOutgoing[track.FinalCalcTrackData](cfg, deps, log, track.FinalCalcTrackDataCodec{})
	if err != nil {
		return nil, err
	}
	calc, err := finalcalc.New(tap.Wrap[track.FinalCalcTrackData](out, deps.Tap), deps.Clock, log)
	if err != nil {
		return nil, err
	}
	in, err := newIncoming[track.DelayCalcTrackData](cfg, deps, log, track.DelayCalcTrackDataCodec{}, calc)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(string(config.StageFinalCalc), in, out, pipelineOptions(cfg, deps, log))
	if err != nil {
		return nil, err
	}
	log.Infow("final calculation stage built",
		"incoming", cfg.IncomingEndpoint,
		"outgoing", cfg.OutgoingEndpoint)
	return p, nil
}

// New builds the pipeline for cfg.Stage.
func New(cfg *config.Config, deps Deps) (*pipeline.MessagePipeline, error) {
	switch cfg.Stage {
	case config.StageExtrap:
		x, err := NewExtrapolation(cfg, deps)
		if err != nil {
			return nil, err
		}
		return x.MessagePipeline, nil
	case config.StageDelayCalc:
		return NewDelayCalc(cfg, deps)
	case config.StageFinalCalc:
		return NewFinalCalc(cfg, deps)
	default:
		return nil, errors.Newf("unknown stage %q", cfg.Stage)
	}
}

func newOutgoing[T any](cfg *config.Config, deps Deps, log *zap.SugaredLogger, enc track.Encoder[T]) (*adapter.Outgoing[T], error) {
	sock, err := deps.Sockets(cfg.OutgoingEndpoint, messaging.ModeConnect, log)
	if err != nil {
		return nil, errors.Wrap(err, "outgoing socket")
	}
	return adapter.NewOutgoing(adapter.OutgoingConfig[T]{
		Name:            "outgoing",
		Endpoint:        cfg.OutgoingEndpoint,
		Socket:          sock,
		Encoder:         enc,
		QueueSize:       cfg.QueueSize,
		RetryCount:      cfg.RetryCount,
		RetryBackoff:    cfg.RetryBackoff(),
		RetryBackoffMax: cfg.RetryBackoffMax(),
		Clock:           deps.Clock,
		Stats:           deps.Stats,
		Logger:          log,
	})
}

func newIncoming[T any](cfg *config.Config, deps Deps, log *zap.SugaredLogger, dec track.Decoder[T], port ports.IncomingPort[T]) (*adapter.Incoming[T], error) {
	sock, err := deps.Sockets(cfg.IncomingEndpoint, messaging.ModeBind, log)
	if err != nil {
		return nil, errors.Wrap(err, "incoming socket")
	}
	return adapter.NewIncoming(adapter.IncomingConfig[T]{
		Name:           "incoming",
		Endpoint:       cfg.IncomingEndpoint,
		Socket:         sock,
		Decoder:        dec,
		Port:           port,
		ReceiveTimeout: cfg.ReceiveTimeout(),
		Stats:          deps.Stats,
		Logger:         log,
	})
}

func pipelineOptions(cfg *config.Config, deps Deps, log *zap.SugaredLogger) pipeline.Options {
	return pipeline.Options{
		Logger:        log,
		Stats:         deps.Stats,
		StatsInterval: cfg.StatsInterval(),
	}
}
