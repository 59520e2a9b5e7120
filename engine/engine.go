// Package engine orchestrates one pipeline run. It deploys the event source,
// its own time tracker, the parsers and the aggregators in that order, each
// phase gated on a readiness barrier; then it publishes the log source and
// waits for every consumer to observe the termination:
//
//	Init -> DeployingSource -> DeployingSelf -> DeployingParsers ->
//	DeployingAggregators -> Publishing -> AwaitingCompletion -> Shutdown
//
// A unit that fails to deploy aborts the run before anything is published.
// A consumer that never completes is reported as a stall once the stall
// timeout expires, together with the partial result.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/health"
	"github.com/c360/gcstreams/logsource"
	"github.com/c360/gcstreams/metric"
	"github.com/c360/gcstreams/parser"
	"github.com/c360/gcstreams/pkg/latch"
	"github.com/c360/gcstreams/source"
)

const (
	// DefaultStallTimeout bounds the completion wait
	DefaultStallTimeout = 10 * time.Minute
	// DefaultDeployTimeout bounds each deployment phase
	DefaultDeployTimeout = 30 * time.Second
	// DefaultStragglerGrace bounds how long a failed phase waits for
	// deploys still in flight
	DefaultStragglerGrace = 5 * time.Second
)

// Phase is a step of the run state machine
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDeployingSource
	PhaseDeployingSelf
	PhaseDeployingParsers
	PhaseDeployingAggregators
	PhasePublishing
	PhaseAwaitingCompletion
	PhaseShutdown
	PhaseDone
)

var phaseNames = [...]string{
	PhaseInit:                 "init",
	PhaseDeployingSource:      "deploying_source",
	PhaseDeployingSelf:        "deploying_self",
	PhaseDeployingParsers:     "deploying_parsers",
	PhaseDeployingAggregators: "deploying_aggregators",
	PhasePublishing:           "publishing",
	PhaseAwaitingCompletion:   "awaiting_completion",
	PhaseShutdown:             "shutdown",
	PhaseDone:                 "done",
}

// String returns the phase name used in logs and metrics
func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText renders the phase by name in JSON and YAML reports
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Producer is a parser-side unit publishing to a named outbox
type Producer interface {
	component.Unit
	Outbox() string
}

var _ Producer = (*parser.Parser)(nil)

// Result describes a finished or aborted run
type Result struct {
	RunID string `json:"run_id" yaml:"run_id"`
	// Latest is max(timestamp + duration) over the events the tracker saw;
	// the epoch when it saw none
	Latest      event.DateTimeStamp `json:"latest" yaml:"latest"`
	Lines       int64               `json:"lines" yaml:"lines"`
	Events      int64               `json:"events" yaml:"events"`
	TimeChannel string              `json:"time_channel" yaml:"time_channel"`
	Wall        time.Duration       `json:"wall" yaml:"wall"`
	// Phase is the last phase the run entered
	Phase Phase `json:"phase" yaml:"phase"`
	// Pending lists units that had not completed when the run ended
	Pending []string `json:"pending,omitempty" yaml:"pending,omitempty"`
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine's logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records run metrics and instruments the bus and units
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithStallTimeout bounds the completion wait. Zero or negative keeps the
// default.
func WithStallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stallTimeout = d
		}
	}
}

// WithDeployTimeout bounds each deployment phase
func WithDeployTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.deployTimeout = d
		}
	}
}

// WithStragglerGrace bounds how long a phase waits for deploys that are
// still running once the phase has failed or timed out
func WithStragglerGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stragglerGrace = d
		}
	}
}

// WithInbox sets the channel the event source publishes raw lines to
func WithInbox(channel string) Option {
	return func(e *Engine) {
		if channel != "" {
			e.inbox = channel
		}
	}
}

// WithBus runs the pipeline on b instead of a private in-process bus. The
// engine takes ownership and closes b on shutdown.
func WithBus(b bus.Bus) Option {
	return func(e *Engine) {
		e.bus = b
	}
}

// Engine runs a single pipeline. It is not reusable: a second Run fails.
type Engine struct {
	logger         *slog.Logger
	registry       *metric.MetricsRegistry
	metrics        *metric.Metrics
	runMetrics     *engineMetrics
	stallTimeout   time.Duration
	deployTimeout  time.Duration
	stragglerGrace time.Duration
	inbox          string
	runID          string

	ran atomic.Bool

	mu       sync.Mutex
	phase    Phase
	bus      bus.Bus
	deployed []*deployedUnit

	shutdownOnce sync.Once
	shutdownErr  error
}

type deployedUnit struct {
	role  string
	unit  component.Unit
	ready atomic.Bool
}

// New creates an engine
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:         slog.Default(),
		stallTimeout:   DefaultStallTimeout,
		deployTimeout:  DefaultDeployTimeout,
		stragglerGrace: DefaultStragglerGrace,
		inbox:          parser.Inbox,
		runID:          uuid.NewString(),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = e.logger.With("component", "engine", "run_id", e.runID)
	e.metrics = e.registry.CoreMetrics()
	runMetrics, err := engineMetricsFor(e.registry)
	if err != nil {
		e.logger.Warn("Engine metrics disabled", "error", err)
	}
	e.runMetrics = runMetrics
	return e
}

// RunID returns the identifier stamped on this engine's logs and result
func (e *Engine) RunID() string { return e.runID }

// Inbox returns the channel raw lines are published to
func (e *Engine) Inbox() string { return e.inbox }

// Phase returns the phase the run is in
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) enter(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
	e.logger.Debug("Entering phase", "phase", p.String())
}

// Run executes the pipeline over src. timeChannel names the channel the
// time tracker follows; empty picks one deterministically from the parser
// outboxes, or the inbox when there are no parsers. Parsers must publish
// to distinct outboxes. Read failures are returned alongside the
// result, stalls as ErrStalled with the partial result.
func (e *Engine) Run(ctx context.Context, src logsource.Source, parsers []Producer,
	aggregators []component.Completer, timeChannel string) (result Result, err error) {
	result.RunID = e.runID

	if e.ran.Swap(true) {
		return result, errors.WrapInvalid(fmt.Errorf("engine already ran"), "Engine", "Run", "start run")
	}
	if src == nil {
		return result, errors.WrapInvalid(
			fmt.Errorf("%w: nil log source", errors.ErrMissingConfig), "Engine", "Run", "validate")
	}

	channel, err := e.resolveTimeChannel(parsers, timeChannel)
	if err != nil {
		return result, err
	}
	result.TimeChannel = channel

	start := time.Now()
	e.runMetrics.runStarted()
	defer func() {
		result.Wall = time.Since(start)
		e.runMetrics.runFinished(result.Wall, result.Latest.Uptime)
	}()

	e.mu.Lock()
	if e.bus == nil {
		e.bus = bus.NewLocal(bus.WithLogger(e.logger), bus.WithMetrics(e.registry))
	}
	b := e.bus
	e.mu.Unlock()

	e.logger.Info("Starting run", "source", src.Name(), "parsers", len(parsers),
		"aggregators", len(aggregators), "time_channel", channel)

	// Deployment phases, each gated on its readiness barrier
	sourceUnit := source.New(e.inbox, e.logger, e.registry)
	tracker := newTimeTracker(channel, e.logger)

	phases := []struct {
		phase Phase
		role  string
		units []component.Unit
	}{
		{PhaseDeployingSource, "source", []component.Unit{sourceUnit}},
		{PhaseDeployingSelf, "tracker", []component.Unit{tracker}},
		{PhaseDeployingParsers, "parser", producerUnits(parsers)},
		{PhaseDeployingAggregators, "aggregator", completerUnits(aggregators)},
	}
	for _, ph := range phases {
		if err := e.deployPhase(ctx, b, ph.phase, ph.role, ph.units); err != nil {
			result.Phase = ph.phase
			e.metrics.RecordRun("deployment_failed")
			e.logger.Error("Deployment failed, aborting run", "phase", ph.phase.String(), "error", err)
			e.teardown()
			return result, err
		}
	}

	// Publishing
	e.enter(PhasePublishing)
	result.Phase = PhasePublishing
	phaseStart := time.Now()
	stats, pubErr := sourceUnit.Publish(ctx, src)
	e.metrics.RecordPhase(PhasePublishing.String(), time.Since(phaseStart))
	result.Lines = stats.Lines

	var readErr error
	if pubErr != nil {
		if !stats.Terminated {
			// no termination went out, so nothing downstream can complete
			result.Latest = tracker.Latest()
			result.Events = tracker.Events()
			e.metrics.RecordRun("failed")
			e.teardown()
			return result, errors.WrapFatal(pubErr, "Engine", "Run", "publish log source")
		}
		readErr = pubErr
	}

	// AwaitingCompletion
	e.enter(PhaseAwaitingCompletion)
	result.Phase = PhaseAwaitingCompletion
	phaseStart = time.Now()
	waitErr := e.awaitCompletion(ctx, tracker, aggregators, &result)
	e.metrics.RecordPhase(PhaseAwaitingCompletion.String(), time.Since(phaseStart))

	result.Latest = tracker.Latest()
	result.Events = tracker.Events()

	// Shutdown
	e.enter(PhaseShutdown)
	result.Phase = PhaseShutdown
	shutdownErr := e.Shutdown()
	result.Phase = PhaseDone
	e.enter(PhaseDone)

	runErr := stderrors.Join(readErr, waitErr)
	switch {
	case runErr == nil && shutdownErr != nil:
		e.logger.Warn("Shutdown incomplete", "error", shutdownErr)
		e.metrics.RecordRun("completed")
	case runErr == nil:
		e.metrics.RecordRun("completed")
	case errors.KindOf(runErr) == errors.KindStall:
		e.metrics.RecordRun("stalled")
	case readErr != nil && waitErr == nil:
		e.metrics.RecordRun("read_error")
	default:
		e.metrics.RecordRun("failed")
	}

	e.logger.Info("Run finished", "lines", result.Lines, "events", result.Events,
		"latest", result.Latest.String(), "wall", time.Since(start), "error", runErr)
	return result, runErr
}

// resolveTimeChannel rejects a time channel nothing will ever terminate,
// which would otherwise surface as a stall, and parsers sharing an outbox,
// which would terminate it twice. Without an explicit channel the tracker
// follows JVMEventParser when a parser publishes there, otherwise the
// alphabetically first outbox, so the choice never depends on parser order.
func (e *Engine) resolveTimeChannel(parsers []Producer, channel string) (string, error) {
	outboxes := make([]string, 0, len(parsers))
	for _, p := range parsers {
		if p == nil {
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: nil parser", errors.ErrInvalidConfig), "Engine", "Run", "validate parsers")
		}
		outbox := p.Outbox()
		if outbox == e.inbox {
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: parser %s publishes to the inbox %q", errors.ErrInvalidConfig, p.Name(), outbox),
				"Engine", "Run", "validate parsers")
		}
		if slices.Contains(outboxes, outbox) {
			return "", errors.WrapInvalid(
				fmt.Errorf("%w: more than one parser publishes to %q", errors.ErrInvalidConfig, outbox),
				"Engine", "Run", "validate parsers")
		}
		outboxes = append(outboxes, outbox)
	}

	switch {
	case channel == "" && slices.Contains(outboxes, parser.JVMEventParser):
		return parser.JVMEventParser, nil
	case channel == "" && len(outboxes) > 0:
		return slices.Min(outboxes), nil
	case channel == "":
		return e.inbox, nil
	case channel == e.inbox, slices.Contains(outboxes, channel):
		return channel, nil
	default:
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: time channel %q is neither the inbox nor a parser outbox", errors.ErrInvalidConfig, channel),
			"Engine", "Run", "resolve time channel")
	}
}

// deployPhase deploys units concurrently and blocks until all are ready, one
// fails, or the deploy timeout expires.
func (e *Engine) deployPhase(ctx context.Context, b bus.Bus, phase Phase, role string, units []component.Unit) error {
	e.enter(phase)
	start := time.Now()
	defer func() { e.metrics.RecordPhase(phase.String(), time.Since(start)) }()

	deployCtx, cancel := context.WithTimeout(ctx, e.deployTimeout)
	defer cancel()

	barrier := latch.NewBarrier(len(units))
	var wg conc.WaitGroup
	for _, u := range units {
		if u == nil {
			barrier.Fail(errors.Tag(errors.ErrDeploymentFailed, errors.WrapInvalid(
				fmt.Errorf("%w: nil %s", errors.ErrInvalidConfig, role), "Engine", "deployPhase", phase.String())))
			continue
		}

		// tracked before Deploy so a half-deployed unit is still torn down
		du := &deployedUnit{role: role, unit: u}
		e.mu.Lock()
		e.deployed = append(e.deployed, du)
		e.mu.Unlock()

		wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					barrier.Fail(errors.Tag(errors.ErrDeploymentFailed, errors.WrapFatal(
						fmt.Errorf("panic: %v", r), "Engine", "deployPhase", "deploy "+u.Name())))
				}
			}()

			if err := u.Deploy(deployCtx, b); err != nil {
				barrier.Fail(errors.Tag(errors.ErrDeploymentFailed,
					errors.Wrap(err, "Engine", "deployPhase", "deploy "+u.Name())))
				return
			}
			du.ready.Store(true)
			e.metrics.AddDeployed(role, 1)
			barrier.Arrive()
		})
	}

	err := barrier.Wait(deployCtx)
	select {
	case <-barrier.Done():
		// opened by arrivals or a failure, even if the deadline raced it
		err = barrier.Wait(context.Background())
	default:
		err = errors.Tag(errors.ErrDeploymentFailed,
			errors.WrapFatal(err, "Engine", "deployPhase", fmt.Sprintf("%s (%d/%d ready)",
				phase.String(), barrier.Count(), len(units))))
	}

	// stop stragglers, then let them settle so teardown sees their final
	// state; deployCtx may already be expired, so the grace has its own timer
	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(e.stragglerGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		e.logger.Warn("Deploys still running after grace period", "phase", phase.String(),
			"grace", e.stragglerGrace)
	}

	if err != nil {
		return err
	}
	e.logger.Debug("Phase ready", "phase", phase.String(), "units", len(units))
	return nil
}

// awaitCompletion waits on the tracker and every aggregator together,
// bounded by the stall timeout.
func (e *Engine) awaitCompletion(ctx context.Context, tracker *timeTracker,
	aggregators []component.Completer, result *Result) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.stallTimeout)
	defer cancel()

	completers := append([]component.Completer{tracker}, aggregators...)
	barrier := latch.NewBarrier(len(completers))
	completed := make([]atomic.Bool, len(completers))

	var wg conc.WaitGroup
	for i, c := range completers {
		wg.Go(func() {
			if err := c.AwaitCompletion(waitCtx); err != nil {
				barrier.Fail(err)
				return
			}
			completed[i].Store(true)
			barrier.Arrive()
		})
	}

	err := barrier.Wait(waitCtx)
	cancel()
	wg.Wait()
	if err == nil {
		return nil
	}

	for i, c := range completers {
		if !completed[i].Load() {
			result.Pending = append(result.Pending, c.Name())
		}
	}

	if ctx.Err() != nil {
		return errors.WrapTransient(ctx.Err(), "Engine", "Run", "await completion")
	}

	e.runMetrics.recordStalled(result.Pending)
	e.logger.Error("Run stalled", "timeout", e.stallTimeout, "pending", result.Pending)
	return errors.WrapFatal(
		fmt.Errorf("%w after %s: %v did not complete", errors.ErrStalled, e.stallTimeout, result.Pending),
		"Engine", "Run", "await completion")
}

// Shutdown undeploys every unit in reverse deployment order and closes the
// bus. It is idempotent and safe to call concurrently with itself.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.shutdownErr = e.teardownLocked()
	})
	return e.shutdownErr
}

func (e *Engine) teardown() {
	if err := e.Shutdown(); err != nil {
		e.logger.Warn("Teardown incomplete", "error", err)
	}
}

func (e *Engine) teardownLocked() error {
	e.mu.Lock()
	units := e.deployed
	e.deployed = nil
	b := e.bus
	e.mu.Unlock()

	var errs []error
	for i := len(units) - 1; i >= 0; i-- {
		du := units[i]
		if err := undeploy(du.unit); err != nil {
			errs = append(errs, err)
			e.logger.Warn("Undeploy failed", "unit", du.unit.Name(), "error", err)
		}
		if du.ready.Load() {
			e.metrics.AddDeployed(du.role, -1)
		}
	}

	if b != nil {
		if err := b.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "Shutdown", "close bus"))
		}
	}
	return stderrors.Join(errs...)
}

func undeploy(u component.Unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "Engine", "Shutdown", "undeploy "+u.Name())
		}
	}()
	return u.Undeploy()
}

// Health reports every deployed unit's health
func (e *Engine) Health() health.Status {
	e.mu.Lock()
	units := slices.Clone(e.deployed)
	phase := e.phase
	e.mu.Unlock()

	subs := make([]health.Status, 0, len(units))
	for _, du := range units {
		if hr, ok := du.unit.(component.HealthReporter); ok {
			subs = append(subs, hr.Health())
			continue
		}
		subs = append(subs, health.NewHealthy(du.unit.Name(), "deployed"))
	}

	status := health.Aggregate("engine", subs)
	status.Message = fmt.Sprintf("%s (%s)", status.Message, phase)
	return status
}

func producerUnits(ps []Producer) []component.Unit {
	out := make([]component.Unit, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func completerUnits(cs []component.Completer) []component.Unit {
	out := make([]component.Unit, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}
