package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/parser"
)

// Bus kinds
const (
	BusLocal = "local"
	BusNATS  = "nats"
)

// Report formats
const (
	ReportText = "text"
	ReportJSON = "json"
	ReportYAML = "yaml"
)

// Config is the complete configuration of a gcstreams run
type Config struct {
	Pipeline    PipelineConfig    `json:"pipeline" mapstructure:"pipeline"`
	Source      SourceConfig      `json:"source" mapstructure:"source"`
	Parsers     ParsersConfig     `json:"parsers" mapstructure:"parsers"`
	Aggregators AggregatorsConfig `json:"aggregators" mapstructure:"aggregators"`
	Bus         BusConfig         `json:"bus" mapstructure:"bus"`
	Log         LogConfig         `json:"log" mapstructure:"log"`
	Metrics     MetricsConfig     `json:"metrics" mapstructure:"metrics"`
	Workers     WorkersConfig     `json:"workers" mapstructure:"workers"`
	Report      ReportConfig      `json:"report" mapstructure:"report"`
}

// PipelineConfig controls the orchestrator
type PipelineConfig struct {
	Inbox string `json:"inbox" mapstructure:"inbox"`
	// TimeChannel is followed for the run's latest time; empty means the
	// unified parser's outbox if it runs, else the smallest outbox name
	TimeChannel   string        `json:"time_channel,omitempty" mapstructure:"time_channel"`
	StallTimeout  time.Duration `json:"stall_timeout" mapstructure:"stall_timeout"`
	DeployTimeout time.Duration `json:"deploy_timeout" mapstructure:"deploy_timeout"`
}

// SourceConfig selects how log paths are read
type SourceConfig struct {
	Rotating bool          `json:"rotating" mapstructure:"rotating"`
	Tail     bool          `json:"tail" mapstructure:"tail"`
	TailIdle time.Duration `json:"tail_idle" mapstructure:"tail_idle"`
}

// ParsersConfig lists the dialects deployed against the inbox
type ParsersConfig struct {
	Dialects []string `json:"dialects" mapstructure:"dialects"`
}

// AggregatorsConfig toggles the built-in aggregations
type AggregatorsConfig struct {
	PauseStats bool `json:"pause_stats" mapstructure:"pause_stats"`
	Counter    bool `json:"counter" mapstructure:"counter"`
	// TapAddr, when set, streams every parsed event to websocket clients
	TapAddr string `json:"tap_addr,omitempty" mapstructure:"tap_addr"`
}

// BusConfig selects the transport
type BusConfig struct {
	Kind   string     `json:"kind" mapstructure:"kind"`
	Prefix string     `json:"prefix" mapstructure:"prefix"`
	NATS   NATSConfig `json:"nats" mapstructure:"nats"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" mapstructure:"urls"`
	MaxReconnects int           `json:"max_reconnects,omitempty" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" mapstructure:"reconnect_wait"`
	Username      string        `json:"username,omitempty" mapstructure:"username"`
	Password      string        `json:"password,omitempty" mapstructure:"password"`
	Token         string        `json:"token,omitempty" mapstructure:"token"`
	PingInterval  time.Duration `json:"ping_interval,omitempty" mapstructure:"ping_interval"`
	// MaxBackoff caps the client's circuit breaker backoff
	MaxBackoff   time.Duration `json:"max_backoff,omitempty" mapstructure:"max_backoff"`
	DrainTimeout time.Duration `json:"drain_timeout,omitempty" mapstructure:"drain_timeout"`
	Compression  bool          `json:"compression,omitempty" mapstructure:"compression"`
}

// LogConfig controls process logging
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int `json:"port" mapstructure:"port"`
}

// WorkersConfig bounds concurrent runs when several logs are analyzed
type WorkersConfig struct {
	Parallel  int `json:"parallel" mapstructure:"parallel"`
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// ReportConfig selects how results are printed
type ReportConfig struct {
	Format string `json:"format" mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Inbox:         parser.Inbox,
			StallTimeout:  10 * time.Minute,
			DeployTimeout: 30 * time.Second,
		},
		Source: SourceConfig{
			TailIdle: 30 * time.Second,
		},
		Parsers: ParsersConfig{
			Dialects: []string{"unified"},
		},
		Aggregators: AggregatorsConfig{
			PauseStats: true,
			Counter:    true,
		},
		Bus: BusConfig{
			Kind:   BusLocal,
			Prefix: "gcstreams",
			NATS: NATSConfig{
				URLs:          []string{"nats://localhost:4222"},
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
				PingInterval:  30 * time.Second,
				MaxBackoff:    time.Minute,
				DrainTimeout:  30 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Workers: WorkersConfig{
			Parallel:  1,
			QueueSize: 64,
		},
		Report: ReportConfig{
			Format: ReportText,
		},
	}
}

// Validate checks the config and normalizes names to lower case
func (c *Config) Validate() error {
	if c.Pipeline.Inbox == "" {
		return invalid("pipeline.inbox is required")
	}
	if c.Pipeline.StallTimeout <= 0 {
		return invalid("pipeline.stall_timeout must be positive, got %s", c.Pipeline.StallTimeout)
	}
	if c.Pipeline.DeployTimeout <= 0 {
		return invalid("pipeline.deploy_timeout must be positive, got %s", c.Pipeline.DeployTimeout)
	}

	if c.Source.Tail && c.Source.Rotating {
		return invalid("source.tail and source.rotating are mutually exclusive")
	}

	if len(c.Parsers.Dialects) == 0 {
		return invalid("parsers.dialects must name at least one dialect")
	}
	for i, name := range c.Parsers.Dialects {
		c.Parsers.Dialects[i] = strings.ToLower(strings.TrimSpace(name))
		if _, err := parser.Lookup(name); err != nil {
			return invalid("parsers.dialects[%d]: unknown dialect %q (known: %s)",
				i, name, strings.Join(parser.Names(), ", "))
		}
	}

	c.Bus.Kind = strings.ToLower(c.Bus.Kind)
	switch c.Bus.Kind {
	case BusLocal:
	case BusNATS:
		if len(c.Bus.NATS.URLs) == 0 {
			return invalid("bus.nats.urls is required for the nats bus")
		}
		if c.Bus.NATS.MaxBackoff <= 0 {
			return invalid("bus.nats.max_backoff must be positive")
		}
		if !isValidNATSSubjectPart(c.Bus.Prefix) {
			return invalid("bus.prefix %q is not valid in a NATS subject", c.Bus.Prefix)
		}
	default:
		return invalid("bus.kind must be %q or %q, got %q", BusLocal, BusNATS, c.Bus.Kind)
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return invalid("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Workers.Parallel < 1 {
		return invalid("workers.parallel must be at least 1, got %d", c.Workers.Parallel)
	}
	if c.Workers.QueueSize < 1 {
		return invalid("workers.queue_size must be at least 1, got %d", c.Workers.QueueSize)
	}

	c.Report.Format = strings.ToLower(c.Report.Format)
	if !slices.Contains([]string{ReportText, ReportJSON, ReportYAML}, c.Report.Format) {
		return invalid("report.format %q is not one of text, json, yaml", c.Report.Format)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "validate config")
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isAlnum && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with credentials redacted
func (c *Config) String() string {
	redacted := *c
	if redacted.Bus.NATS.Password != "" {
		redacted.Bus.NATS.Password = "[REDACTED]"
	}
	if redacted.Bus.NATS.Token != "" {
		redacted.Bus.NATS.Token = "[REDACTED]"
	}
	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
