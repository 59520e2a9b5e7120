package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/c360/gcstreams/errors"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. GCSTREAMS_BUS_KIND
const DefaultEnvPrefix = "GCSTREAMS"

// Loader handles configuration loading with layers and overrides. Defaults
// come first, then each file layer in order, then the environment.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables Config.Validate after loading.
// Schema checks on file layers always run.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file on top of the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, path := range l.layers {
		if err := mergeLayer(v, path); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "decode config")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

func mergeLayer(v *viper.Viper, path string) error {
	kind, err := configType(path)
	if err != nil {
		return err
	}
	data, err := safeReadFile(path)
	if err != nil {
		return err
	}
	if err := ValidateDocument(data); err != nil {
		return errors.Wrap(err, "Loader", "Load", "validate "+path)
	}

	v.SetConfigType(kind)
	if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Loader", "Load", "merge "+path)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("pipeline.inbox", d.Pipeline.Inbox)
	v.SetDefault("pipeline.time_channel", d.Pipeline.TimeChannel)
	v.SetDefault("pipeline.stall_timeout", d.Pipeline.StallTimeout)
	v.SetDefault("pipeline.deploy_timeout", d.Pipeline.DeployTimeout)

	v.SetDefault("source.rotating", d.Source.Rotating)
	v.SetDefault("source.tail", d.Source.Tail)
	v.SetDefault("source.tail_idle", d.Source.TailIdle)

	v.SetDefault("parsers.dialects", d.Parsers.Dialects)

	v.SetDefault("aggregators.pause_stats", d.Aggregators.PauseStats)
	v.SetDefault("aggregators.counter", d.Aggregators.Counter)
	v.SetDefault("aggregators.tap_addr", d.Aggregators.TapAddr)

	v.SetDefault("bus.kind", d.Bus.Kind)
	v.SetDefault("bus.prefix", d.Bus.Prefix)
	v.SetDefault("bus.nats.urls", d.Bus.NATS.URLs)
	v.SetDefault("bus.nats.max_reconnects", d.Bus.NATS.MaxReconnects)
	v.SetDefault("bus.nats.reconnect_wait", d.Bus.NATS.ReconnectWait)
	v.SetDefault("bus.nats.username", d.Bus.NATS.Username)
	v.SetDefault("bus.nats.password", d.Bus.NATS.Password)
	v.SetDefault("bus.nats.token", d.Bus.NATS.Token)
	v.SetDefault("bus.nats.ping_interval", d.Bus.NATS.PingInterval)
	v.SetDefault("bus.nats.max_backoff", d.Bus.NATS.MaxBackoff)
	v.SetDefault("bus.nats.drain_timeout", d.Bus.NATS.DrainTimeout)
	v.SetDefault("bus.nats.compression", d.Bus.NATS.Compression)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("workers.parallel", d.Workers.Parallel)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)
	v.SetDefault("report.format", d.Report.Format)
}
