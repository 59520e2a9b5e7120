// Package main implements the gcstreams command. It analyzes one or more GC
// logs by running each through its own pipeline: an event source publishing
// raw lines, the configured dialect parsers, and the built-in aggregators.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/c360/gcstreams/aggregator"
	"github.com/c360/gcstreams/aggregator/tap"
	"github.com/c360/gcstreams/bus/natsbus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/config"
	"github.com/c360/gcstreams/engine"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/health"
	"github.com/c360/gcstreams/logsource"
	"github.com/c360/gcstreams/metric"
	"github.com/c360/gcstreams/natsclient"
	"github.com/c360/gcstreams/parser"
	"github.com/c360/gcstreams/pkg/retry"
	"github.com/c360/gcstreams/pkg/worker"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "gcstreams"
)

// errInputsFailed reports that at least one input produced no clean result
var errInputsFailed = stderrors.New("one or more inputs failed")

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	slog.SetDefault(logger)
	logger.Debug("Effective configuration", "config", cfg.String())

	if cli.Validate {
		logger.Info("Configuration is valid")
		return nil
	}
	if len(cli.Inputs) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no log inputs given (see -help)", errors.ErrMissingConfig), "main", "run", "check inputs")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting gcstreams", "version", Version, "inputs", len(cli.Inputs),
		"bus", cfg.Bus.Kind, "parsers", strings.Join(cfg.Parsers.Dialects, ","))

	a, err := newAnalyzer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	reports := a.analyzeAll(ctx, cli.Inputs)
	if err := writeReports(stdout, cfg.Report.Format, reports); err != nil {
		return errors.Wrap(err, "main", "run", "write report")
	}

	for i := range reports {
		if reports[i].Failed() {
			return errInputsFailed
		}
	}
	return nil
}

// loadConfig layers defaults, the config file, the environment and finally
// explicit flags
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	cli.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// analyzer owns the process-wide infrastructure shared by every run
type analyzer struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	server   *metric.Server
	nats     *natsclient.Client
	tap      *tap.Tap
}

func newAnalyzer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*analyzer, error) {
	a := &analyzer{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
	}

	if cfg.Metrics.Port > 0 {
		a.server = metric.NewServer(":"+strconv.Itoa(cfg.Metrics.Port), "", a.registry, a.healthz)
		if err := a.server.Start(); err != nil {
			return nil, err
		}
		logger.Info("Metrics server started", "address", a.server.Address())
	}

	if cfg.Bus.Kind == config.BusNATS {
		client, err := connectNATS(ctx, cfg.Bus.NATS, logger, a.monitor)
		if err != nil {
			a.close()
			return nil, err
		}
		a.nats = client
	}

	if cfg.Aggregators.TapAddr != "" {
		a.tap = tap.New(tap.WithLogger(logger), tap.WithMetrics(a.registry))
		if err := a.tap.Start(cfg.Aggregators.TapAddr); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

func (a *analyzer) healthz() (any, bool) {
	status := a.monitor.AggregateHealth(appName)
	return status, !status.IsUnhealthy()
}

func (a *analyzer) close() {
	if a.tap != nil {
		if err := a.tap.Close(); err != nil {
			a.logger.Warn("Tap close failed", "error", err)
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
		cancel()
	}
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger,
	monitor *health.Monitor) (*natsclient.Client, error) {
	var client *natsclient.Client
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithPingInterval(cfg.PingInterval),
		natsclient.WithMaxBackoff(cfg.MaxBackoff),
		natsclient.WithDrainTimeout(cfg.DrainTimeout),
		natsclient.WithCompression(cfg.Compression),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithName(appName),
		natsclient.WithHealthChangeCallback(func(bool) {
			monitor.Update("nats", client.Health())
		}),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, err
	}

	policy := retry.Connect()
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("NATS connect failed, retrying", "attempt", attempt, "wait", wait, "error", err)
	}
	if err := retry.Do(ctx, policy, client.Connect); err != nil {
		return nil, errors.Wrap(err, "main", "connectNATS", "connect to NATS")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(waitCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, err
	}
	return client, nil
}

type job struct {
	index int
	input string
}

// analyzeAll runs one pipeline per input, at most Workers.Parallel at a
// time. Reports keep input order.
func (a *analyzer) analyzeAll(ctx context.Context, inputs []string) []Report {
	reports := make([]Report, len(inputs))

	pool := worker.NewPool(a.cfg.Workers.Parallel, a.cfg.Workers.QueueSize,
		func(ctx context.Context, j job) error {
			reports[j.index] = a.process(ctx, j.input)
			if reports[j.index].Failed() {
				return stderrors.New(reports[j.index].Error)
			}
			return nil
		},
		worker.WithMetrics[job](a.registry, "analyze"),
		worker.WithLogger[job](a.logger),
	)
	if err := pool.Start(ctx); err != nil {
		for i, input := range inputs {
			reports[i] = Report{Input: input}
			reports[i].fail(err)
		}
		return reports
	}

	for i, input := range inputs {
		reports[i].Input = input
		if err := pool.Submit(ctx, job{index: i, input: input}); err != nil {
			reports[i].fail(err)
		}
	}

	if err := pool.Stop(0); err != nil {
		a.logger.Warn("Worker pool stop failed", "error", err)
	}
	return reports
}

// process analyzes a single input and never panics the caller
func (a *analyzer) process(ctx context.Context, input string) (report Report) {
	report.Input = input
	logger := a.logger.With("input", input)

	src, err := a.resolveSource(ctx, input)
	if err != nil {
		report.fail(err)
		a.monitor.Update(input, health.FromError(input, err))
		return report
	}

	parsers, err := a.buildParsers(logger)
	if err != nil {
		report.fail(err)
		a.monitor.Update(input, health.FromError(input, err))
		return report
	}

	outboxes := make([]string, len(parsers))
	for i, p := range parsers {
		outboxes[i] = p.Outbox()
	}

	var (
		aggs   []component.Completer
		pauses *aggregator.PauseStats
		counts *aggregator.EventCounter
	)
	if a.cfg.Aggregators.PauseStats {
		pauses = aggregator.NewPauseStats()
		aggs = append(aggs, aggregator.New("pause-stats", pauses, outboxes, logger))
	}
	if a.cfg.Aggregators.Counter {
		counts = aggregator.NewEventCounter()
		aggs = append(aggs, aggregator.New("events", counts, outboxes, logger))
	}
	if a.tap != nil {
		aggs = append(aggs, aggregator.New("tap", a.tap, outboxes, logger))
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(a.registry),
		engine.WithStallTimeout(a.cfg.Pipeline.StallTimeout),
		engine.WithDeployTimeout(a.cfg.Pipeline.DeployTimeout),
		engine.WithInbox(a.cfg.Pipeline.Inbox),
	}
	if a.nats != nil {
		// each run gets its own subject space so parallel runs never mix
		prefix := a.cfg.Bus.Prefix + "." + uuid.NewString()
		opts = append(opts, engine.WithBus(natsbus.New(a.nats, prefix,
			natsbus.WithLogger(logger), natsbus.WithMetrics(a.registry))))
	}

	e := engine.New(opts...)
	producers := make([]engine.Producer, len(parsers))
	for i, p := range parsers {
		producers[i] = p
	}

	result, err := e.Run(ctx, src, producers, aggs, a.cfg.Pipeline.TimeChannel)
	report.Result = result
	if pauses != nil {
		s := pauses.Summary()
		report.Pauses = &s
	}
	if counts != nil {
		c := counts.Counts()
		report.Events = &c
	}
	report.fail(err)

	if err != nil {
		logger.Error("Run failed", "run_id", result.RunID, "phase", result.Phase.String(), "error", err)
		a.monitor.Update(input, health.FromError(input, err))
	} else {
		logger.Info("Run completed", "run_id", result.RunID, "lines", result.Lines,
			"events", result.Events, "latest", result.Latest.String(), "wall", result.Wall)
		a.monitor.Update(input, e.Health())
	}
	return report
}

// resolveSource picks the log source for input. In tail mode a missing file
// is waited for, since the JVM may not have created it yet.
func (a *analyzer) resolveSource(ctx context.Context, input string) (logsource.Source, error) {
	if !a.cfg.Source.Tail {
		return logsource.Detect(input, a.cfg.Source.Rotating)
	}

	return retry.DoWithResult(ctx, retry.Default(), func(context.Context) (logsource.Source, error) {
		if _, err := os.Stat(input); err != nil {
			if stderrors.Is(err, os.ErrNotExist) {
				return nil, errors.WrapTransient(err, "main", "resolveSource", "wait for "+input)
			}
			return nil, errors.WrapInvalid(err, "main", "resolveSource", "stat "+input)
		}
		return logsource.Tail(input, a.cfg.Source.TailIdle), nil
	})
}

// buildParsers creates one parser per distinct configured dialect
func (a *analyzer) buildParsers(logger *slog.Logger) ([]*parser.Parser, error) {
	seen := make(map[string]bool, len(a.cfg.Parsers.Dialects))
	var parsers []*parser.Parser
	for _, name := range a.cfg.Parsers.Dialects {
		if seen[name] {
			continue
		}
		seen[name] = true

		d, err := parser.Lookup(name)
		if err != nil {
			return nil, err
		}
		parsers = append(parsers, parser.New(d, a.cfg.Pipeline.Inbox, logger, a.registry))
	}
	return parsers, nil
}
