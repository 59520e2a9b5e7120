package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c360/gcstreams/config"
	"github.com/c360/gcstreams/parser"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath   string
	LogLevel     string
	LogFormat    string
	Rotating     bool
	Tail         bool
	TailIdle     time.Duration
	Bus          string
	NATSURL      string
	Parsers      string
	StallTimeout time.Duration
	Parallel     int
	Output       string
	MetricsPort  int
	TapAddr      string
	ShowVersion  bool
	Validate     bool

	// Inputs are the positional log paths
	Inputs []string
	// set records which flags appeared on the command line
	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{set: make(map[string]bool)}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("GCSTREAMS_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: GCSTREAMS_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("GCSTREAMS_CONFIG", ""),
		"Path to a JSON or YAML configuration file (env: GCSTREAMS_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: json, text")
	fs.BoolVar(&cfg.Rotating, "rotating", false, "Treat each input as a set of rotated files")
	fs.BoolVar(&cfg.Tail, "tail", false, "Follow each input while it grows")
	fs.DurationVar(&cfg.TailIdle, "tail-idle", 30*time.Second, "Stop following after this long without new lines")
	fs.StringVar(&cfg.Bus, "bus", config.BusLocal, "Event bus: local, nats")
	fs.StringVar(&cfg.NATSURL, "nats-url", "nats://localhost:4222", "NATS server URL(s), comma separated")
	fs.StringVar(&cfg.Parsers, "parsers", "unified",
		"Comma separated dialects: "+strings.Join(parser.Names(), ", "))
	fs.DurationVar(&cfg.StallTimeout, "stall-timeout", 10*time.Minute,
		"Give up when consumers have not completed this long after publishing")
	fs.IntVar(&cfg.Parallel, "parallel", 1, "Inputs analyzed concurrently")
	fs.StringVar(&cfg.Output, "output", config.ReportText, "Report format: text, json, yaml")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", 0, "Serve Prometheus metrics and /healthz on this port, 0 to disable")
	fs.StringVar(&cfg.TapAddr, "tap-addr", "", "Stream parsed events to websocket clients on this address")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })
	cfg.Inputs = fs.Args()
	return cfg, nil
}

// apply overrides cfg with every flag given on the command line
func (c *CLIConfig) apply(cfg *config.Config) {
	if c.set["log-level"] {
		cfg.Log.Level = c.LogLevel
	}
	if c.set["log-format"] {
		cfg.Log.Format = c.LogFormat
	}
	if c.set["rotating"] {
		cfg.Source.Rotating = c.Rotating
	}
	if c.set["tail"] {
		cfg.Source.Tail = c.Tail
	}
	if c.set["tail-idle"] {
		cfg.Source.TailIdle = c.TailIdle
	}
	if c.set["bus"] {
		cfg.Bus.Kind = c.Bus
	}
	if c.set["nats-url"] {
		cfg.Bus.NATS.URLs = splitList(c.NATSURL)
	}
	if c.set["parsers"] {
		cfg.Parsers.Dialects = splitList(c.Parsers)
	}
	if c.set["stall-timeout"] {
		cfg.Pipeline.StallTimeout = c.StallTimeout
	}
	if c.set["parallel"] {
		cfg.Workers.Parallel = c.Parallel
	}
	if c.set["output"] {
		cfg.Report.Format = c.Output
	}
	if c.set["metrics-port"] {
		cfg.Metrics.Port = c.MetricsPort
	}
	if c.set["tap-addr"] {
		cfg.Aggregators.TapAddr = c.TapAddr
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printDetailedHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - GC log analysis pipeline

Usage: %s [options] <log> [<log>...]

Each <log> is a GC log file (plain or compressed), a directory of rotated
logs, or an archive of rotated logs.

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Summarize one log
  %[1]s gc.log

  # Rotated JDK 8 logs with the generational dialect, as JSON
  %[1]s -rotating -parsers=generational -output=json logs/

  # Several logs in parallel over NATS
  %[1]s -bus=nats -nats-url=nats://localhost:4222 -parallel=4 a.log b.log c.log

Configuration files and GCSTREAMS_* environment variables set the same
options; flags given on the command line win.

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
