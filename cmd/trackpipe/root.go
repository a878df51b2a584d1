package main

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/trackpipe/internal/admin"
	"github.com/banshee-data/trackpipe/internal/config"
	"github.com/banshee-data/trackpipe/internal/monitoring"
	"github.com/banshee-data/trackpipe/internal/pipeline"
	"github.com/banshee-data/trackpipe/internal/stage"
	"github.com/banshee-data/trackpipe/internal/tap"
	"github.com/banshee-data/trackpipe/internal/version"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "trackpipe",
		Short: "Track extrapolation and delay measurement pipeline stages",
		Long: `trackpipe receives track observations over UDP, NATS or a PCAP replay,
runs them through one processing stage and publishes the results downstream.

Run "trackpipe extrap" for the first stage, "trackpipe delaycalc" for the
second and "trackpipe finalcalc" for the last. Settings come from flags,
TRACKPIPE_* environment variables and an optional --config file, in that
order of precedence.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStageCmd(config.StageExtrap, "Extrapolate raw tracks to a fixed horizon"),
		newStageCmd(config.StageDelayCalc, "Measure first hop delay of extrapolated tracks"),
		newStageCmd(config.StageFinalCalc, "Measure second hop and total delay of tracks"),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version.String())
		},
	}
}

// flagName maps a config key to its command line spelling.
func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func newStageCmd(st config.Stage, short string) *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   string(st),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(st, configFile, cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(st, v)
			if err != nil {
				return err
			}
			return runStage(cmd.Context(), cfg)
		},
	}

	d := config.Defaults(st)
	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	f.String(flagName(config.KeyIncomingEndpoint), d.IncomingEndpoint, "endpoint to receive from (udp://, nats:// or pcap://)")
	f.String(flagName(config.KeyOutgoingEndpoint), d.OutgoingEndpoint, "endpoint to publish to (udp:// or nats://)")
	f.Int(flagName(config.KeyReceiveTimeoutMS), d.ReceiveTimeoutMS, "receive timeout in milliseconds; bounds shutdown latency")
	f.Int(flagName(config.KeyRetryCount), d.RetryCount, "send attempts before a message is dropped")
	f.Int(flagName(config.KeyRetryBackoffMS), d.RetryBackoffMS, "wait after the first failed send in milliseconds")
	f.Int(flagName(config.KeyRetryBackoffMaxMS), d.RetryBackoffMaxMS, "upper bound of the send retry wait in milliseconds")
	f.Int(flagName(config.KeyQueueSize), d.QueueSize, "outgoing queue capacity")
	f.Int(flagName(config.KeyStatsIntervalMS), d.StatsIntervalMS, "stats log period in milliseconds, 0 disables")
	f.String(flagName(config.KeyDebugListen), d.DebugListen, "address for the /debug/ HTTP server, empty disables")
	f.String(flagName(config.KeyLogLevel), d.LogLevel, "log level (debug, info, warn, error)")
	f.Bool(flagName(config.KeyLogJSON), d.LogJSON, "log as JSON")
	if st == config.StageExtrap {
		f.Int(flagName(config.KeyExtrapolationHorizonMS), d.ExtrapolationHorizonMS, "extrapolation horizon in milliseconds")
		f.String(flagName(config.KeyKinematicModel), d.KinematicModel, "kinematic model (constant_velocity, hold)")
		f.Int(flagName(config.KeyTrackTTLMS), d.TrackTTLMS, "forget track ids silent for this many milliseconds, 0 never forgets")
	}
	return cmd
}

// newViper layers command line flags over the environment, config file and
// defaults for st.
func newViper(st config.Stage, configFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v, err := config.NewViper(st, configFile)
	if err != nil {
		return nil, err
	}
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	if bindErr != nil {
		return nil, errors.Wrap(bindErr, "bind flags")
	}
	return v, nil
}

// statusPipeline is what serve needs from a stage.
type statusPipeline interface {
	admin.Pipeline
	Run(ctx context.Context) error
}

func runStage(ctx context.Context, cfg *config.Config) error {
	log, err := monitoring.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	log.Infow("starting", "stage", cfg.Stage, "version", version.Version, "git_sha", version.GitSHA)

	deps := stage.Deps{Logger: log}
	if cfg.DebugListen != "" {
		deps.Tap = tap.New(tap.DefaultBuffer)
	}
	p, err := stage.New(cfg, deps)
	if err != nil {
		log.Errorw("failed to build stage", "error", err)
		return err
	}
	return serve(ctx, p, cfg.DebugListen, deps.Tap, log)
}

// serve runs p and, when debugListen is set, the debug HTTP server until ctx
// is done or p fails to start.
func serve(ctx context.Context, p statusPipeline, debugListen string, tail *tap.Tap, log *zap.SugaredLogger) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if debugListen != "" {
		srv, err := admin.Listen(debugListen, p, tail, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Serve(ctx) })
	}
	g.Go(func() error {
		defer cancel()
		if tail != nil {
			defer tail.Close()
		}
		return p.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Errorw("stage failed", "error", err)
		return err
	}
	if p.State() != pipeline.StateStopped {
		return errors.Newf("pipeline ended in state %s", p.State())
	}
	log.Infow("graceful shutdown complete")
	return nil
}
