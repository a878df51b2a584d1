// Package config loads stage configuration from defaults, an optional config
// file and TRACKPIPE_* environment variables, then validates it.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/banshee-data/trackpipe/internal/messaging"
)

// EnvPrefix is prepended to every key when read from the environment, for
// example TRACKPIPE_INCOMING_ENDPOINT.
const EnvPrefix = "TRACKPIPE"

// Stage selects which process the configuration is for.
type Stage string

const (
	StageExtrap    Stage = "extrap"
	StageDelayCalc Stage = "delaycalc"
	StageFinalCalc Stage = "finalcalc"
)

// Stages lists every runnable stage in pipeline order.
var Stages = []Stage{StageExtrap, StageDelayCalc, StageFinalCalc}

// Config keys.
const (
	KeyIncomingEndpoint       = "incoming_endpoint"
	KeyOutgoingEndpoint       = "outgoing_endpoint"
	KeyExtrapolationHorizonMS = "extrapolation_horizon_ms"
	KeyReceiveTimeoutMS       = "receive_timeout_ms"
	KeyRetryCount             = "retry_count"
	KeyRetryBackoffMS         = "retry_backoff_ms"
	KeyRetryBackoffMaxMS      = "retry_backoff_max_ms"
	KeyKinematicModel         = "kinematic_model"
	KeyTrackTTLMS             = "track_ttl_ms"
	KeyQueueSize              = "queue_size"
	KeyStatsIntervalMS        = "stats_interval_ms"
	KeyDebugListen            = "debug_listen"
	KeyLogLevel               = "log_level"
	KeyLogJSON                = "log_json"
)

// Config holds the settings of one stage process.
type Config struct {
	Stage Stage `mapstructure:"-" validate:"oneof=extrap delaycalc finalcalc"`

	IncomingEndpoint       string `mapstructure:"incoming_endpoint" validate:"required,endpoint"`
	OutgoingEndpoint       string `mapstructure:"outgoing_endpoint" validate:"required,endpoint,nefield=IncomingEndpoint"`
	ExtrapolationHorizonMS int    `mapstructure:"extrapolation_horizon_ms" validate:"gte=0,lte=3600000"`
	ReceiveTimeoutMS       int    `mapstructure:"receive_timeout_ms" validate:"gt=0,lte=60000"`
	RetryCount             int    `mapstructure:"retry_count" validate:"gte=1,lte=100"`
	RetryBackoffMS         int    `mapstructure:"retry_backoff_ms" validate:"gte=0,lte=60000"`
	RetryBackoffMaxMS      int    `mapstructure:"retry_backoff_max_ms" validate:"gtefield=RetryBackoffMS,lte=60000"`
	KinematicModel         string `mapstructure:"kinematic_model" validate:"oneof=constant_velocity hold"`
	TrackTTLMS             int    `mapstructure:"track_ttl_ms" validate:"gte=0"`
	QueueSize              int    `mapstructure:"queue_size" validate:"gte=1,lte=1048576"`
	StatsIntervalMS        int    `mapstructure:"stats_interval_ms" validate:"gte=0"`
	DebugListen            string `mapstructure:"debug_listen" validate:"omitempty,hostname_port"`
	LogLevel               string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogJSON                bool   `mapstructure:"log_json"`
}

// Defaults returns the built-in configuration for stage. The endpoints are
// the multicast groups each stage uses in the reference deployment, so the
// stages chain without overrides.
func Defaults(stage Stage) Config {
	c := Config{
		Stage:                  stage,
		ExtrapolationHorizonMS: 10,
		ReceiveTimeoutMS:       100,
		RetryCount:             3,
		RetryBackoffMS:         10,
		RetryBackoffMaxMS:      200,
		KinematicModel:         "constant_velocity",
		TrackTTLMS:             300_000,
		QueueSize:              1024,
		StatsIntervalMS:        60_000,
		LogLevel:               "info",
	}
	switch stage {
	case StageFinalCalc:
		c.IncomingEndpoint = "udp://239.1.1.5:9595"
		c.OutgoingEndpoint = "udp://239.1.1.5:9597"
	case StageDelayCalc:
		c.IncomingEndpoint = "udp://239.1.1.2:9001"
		c.OutgoingEndpoint = "udp://239.1.1.5:9595"
	default:
		c.IncomingEndpoint = "udp://239.1.1.1:9000"
		c.OutgoingEndpoint = "udp://239.1.1.2:9001"
	}
	return c
}

// SetDefaults registers stage defaults on v. Every key must have a default
// for AutomaticEnv to apply during Unmarshal.
func SetDefaults(v *viper.Viper, stage Stage) {
	d := Defaults(stage)
	v.SetDefault(KeyIncomingEndpoint, d.IncomingEndpoint)
	v.SetDefault(KeyOutgoingEndpoint, d.OutgoingEndpoint)
	v.SetDefault(KeyExtrapolationHorizonMS, d.ExtrapolationHorizonMS)
	v.SetDefault(KeyReceiveTimeoutMS, d.ReceiveTimeoutMS)
	v.SetDefault(KeyRetryCount, d.RetryCount)
	v.SetDefault(KeyRetryBackoffMS, d.RetryBackoffMS)
	v.SetDefault(KeyRetryBackoffMaxMS, d.RetryBackoffMaxMS)
	v.SetDefault(KeyKinematicModel, d.KinematicModel)
	v.SetDefault(KeyTrackTTLMS, d.TrackTTLMS)
	v.SetDefault(KeyQueueSize, d.QueueSize)
	v.SetDefault(KeyStatsIntervalMS, d.StatsIntervalMS)
	v.SetDefault(KeyDebugListen, d.DebugListen)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogJSON, d.LogJSON)
}

// NewViper returns a viper instance with stage defaults and environment
// binding. When configFile is set it is read; its format follows the file
// extension (yaml, toml or json).
func NewViper(stage Stage, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v, stage)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", configFile)
		}
	}
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(stage Stage, v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	c.Stage = stage
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) normalize() {
	c.IncomingEndpoint = strings.TrimSpace(c.IncomingEndpoint)
	c.OutgoingEndpoint = strings.TrimSpace(c.OutgoingEndpoint)
	c.KinematicModel = strings.ToLower(strings.TrimSpace(c.KinematicModel))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	if err := v.RegisterValidation("endpoint", func(fl validator.FieldLevel) bool {
		_, err := messaging.ParseEndpoint(fl.Field().String())
		return err == nil
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks ranges and endpoint syntax. Errors name the offending keys.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateEndpoints()
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.Newf("invalid config: %s", strings.Join(msgs, "; "))
}

// validateEndpoints rejects combinations ParseEndpoint alone cannot see.
func (c *Config) validateEndpoints() error {
	out, err := messaging.ParseEndpoint(c.OutgoingEndpoint)
	if err != nil {
		return errors.Wrap(err, "invalid config: outgoing_endpoint")
	}
	if out.Scheme == messaging.SchemePCAP {
		return errors.Newf("invalid config: outgoing_endpoint %q: pcap replay is receive only", c.OutgoingEndpoint)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	key := fe.Field()
	switch fe.Tag() {
	case "required":
		return key + " is required"
	case "endpoint":
		return key + " " + quote(fe.Value()) + " is not a valid udp://, nats:// or pcap:// endpoint"
	case "oneof":
		return key + " " + quote(fe.Value()) + " must be one of [" + fe.Param() + "]"
	case "nefield":
		return key + " must differ from " + fe.Param()
	case "gtefield":
		return key + " must be >= retry_backoff_ms"
	case "hostname_port":
		return key + " " + quote(fe.Value()) + " must be host:port"
	default:
		return key + " fails " + fe.Tag() + "=" + fe.Param()
	}
}

func quote(v interface{}) string {
	return fmt.Sprintf("%q", fmt.Sprint(v))
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Horizon returns the extrapolation horizon.
func (c *Config) Horizon() time.Duration { return ms(c.ExtrapolationHorizonMS) }

// ReceiveTimeout returns the socket receive timeout.
func (c *Config) ReceiveTimeout() time.Duration { return ms(c.ReceiveTimeoutMS) }

// RetryBackoff returns the first retry wait.
func (c *Config) RetryBackoff() time.Duration { return ms(c.RetryBackoffMS) }

// RetryBackoffMax returns the retry wait ceiling.
func (c *Config) RetryBackoffMax() time.Duration { return ms(c.RetryBackoffMaxMS) }

// TrackTTL returns how long a silent track id is remembered. Zero keeps ids
// forever.
func (c *Config) TrackTTL() time.Duration { return ms(c.TrackTTLMS) }

// StatsInterval returns the stats logging period.
func (c *Config) StatsInterval() time.Duration { return ms(c.StatsIntervalMS) }
