// Package source turns a log source into events: one LogLine per raw line on
// the inbox channel, followed by exactly one Termination.
package source

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/health"
	"github.com/c360/gcstreams/logsource"
	"github.com/c360/gcstreams/metric"
)

// Stats summarizes one publication
type Stats struct {
	// Lines is the number of LogLine events published
	Lines int64 `json:"lines" yaml:"lines"`
	// Terminated reports whether the termination event was published
	Terminated bool          `json:"terminated" yaml:"terminated"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Source publishes log content onto a channel. It publishes at most once.
type Source struct {
	channel string
	logger  *slog.Logger
	metrics *metric.Metrics
	lc      *component.Lifecycle

	mu        sync.Mutex
	bus       bus.Bus
	published atomic.Bool
}

var _ component.Unit = (*Source)(nil)

// New creates an event source that will publish to channel
func New(channel string, logger *slog.Logger, registry *metric.MetricsRegistry) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		channel: channel,
		logger:  logger.With("component", "source", "channel", channel),
		metrics: registry.CoreMetrics(),
		lc:      component.NewLifecycle("source"),
	}
}

// Name implements component.Unit
func (s *Source) Name() string { return "source" }

// Channel returns the channel the source publishes to
func (s *Source) Channel() string { return s.channel }

// Deploy implements component.Unit. The source subscribes to nothing, so it is
// ready as soon as it holds the bus.
func (s *Source) Deploy(ctx context.Context, b bus.Bus) error {
	if err := ctx.Err(); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, err)
	}
	if err := s.lc.Transition(component.StateDeploying); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, errors.Tag(errors.ErrAlreadyDeployed, err))
	}

	s.mu.Lock()
	s.bus = b
	s.mu.Unlock()

	return s.lc.Transition(component.StateReady)
}

// Publish reads src to exhaustion, publishing each line and then one
// termination. A read failure or cancelled ctx stops reading early, but the
// termination is still published so consumers can complete; the failure is
// returned with the partial stats.
func (s *Source) Publish(ctx context.Context, src logsource.Source) (Stats, error) {
	s.mu.Lock()
	b := s.bus
	s.mu.Unlock()

	if b == nil || s.lc.State() == component.StateUndeployed {
		return Stats{}, errors.Wrap(errors.ErrNotDeployed, "Source", "Publish", "publish "+src.Name())
	}
	if s.published.Swap(true) {
		return Stats{}, errors.Wrap(errors.ErrAlreadyPublished, "Source", "Publish", "publish "+src.Name())
	}

	start := time.Now()
	s.metrics.RecordPublishing(s.channel, true)
	defer s.metrics.RecordPublishing(s.channel, false)

	stats, readErr, busErr := s.pump(ctx, b, src)
	if busErr != nil {
		s.lc.Fail(busErr)
		stats.Elapsed = time.Since(start)
		return stats, busErr
	}

	// The sentinel goes out even when ctx was cancelled mid-read
	if err := b.Publish(context.WithoutCancel(ctx), s.channel, event.Termination{}); err != nil {
		s.lc.Fail(err)
		stats.Elapsed = time.Since(start)
		return stats, errors.Wrap(err, "Source", "Publish", "publish termination")
	}
	stats.Terminated = true
	stats.Elapsed = time.Since(start)

	if readErr != nil {
		s.metrics.RecordReadError(src.Name())
		s.logger.Error("Log source failed mid-stream", "source", src.Name(), "lines", stats.Lines, "error", readErr)
		s.lc.Fail(readErr)
		return stats, readErr
	}

	s.lc.Handled()
	s.lc.Complete()
	s.logger.Info("Published log source", "source", src.Name(), "lines", stats.Lines, "elapsed", stats.Elapsed)
	return stats, nil
}

// pump publishes every line. readErr is a source failure after which the
// termination must still be sent; busErr means the bus itself is unusable.
func (s *Source) pump(ctx context.Context, b bus.Bus, src logsource.Source) (stats Stats, readErr, busErr error) {
	reader, err := src.Open(ctx)
	if err != nil {
		return stats, errors.Tag(errors.ErrReadFailed, err), nil
	}
	defer func() {
		if cerr := reader.Close(); cerr != nil {
			s.logger.Warn("Closing log source failed", "source", src.Name(), "error", cerr)
		}
	}()

	name := src.Name()
	for {
		if err := ctx.Err(); err != nil {
			return stats, errors.Tag(errors.ErrReadFailed,
				errors.Wrap(err, "Source", "Publish", "read "+name)), nil
		}

		text, err := reader.Next()
		if err == io.EOF {
			return stats, nil, nil
		}
		if err != nil {
			return stats, errors.Tag(errors.ErrReadFailed, err), nil
		}

		line := event.LogLine{Source: name, Number: stats.Lines + 1, Text: text}
		if err := b.Publish(ctx, s.channel, line); err != nil {
			if ctx.Err() != nil {
				return stats, errors.Tag(errors.ErrReadFailed,
					errors.Wrap(ctx.Err(), "Source", "Publish", "read "+name)), nil
			}
			return stats, nil, errors.Wrap(err, "Source", "Publish", "publish line")
		}
		stats.Lines++
		s.metrics.RecordLineRead(name)
	}
}

// Undeploy implements component.Unit
func (s *Source) Undeploy() error {
	if !s.lc.Undeploy() {
		return nil
	}
	s.mu.Lock()
	s.bus = nil
	s.mu.Unlock()
	return nil
}

// State returns the source's lifecycle state
func (s *Source) State() component.State { return s.lc.State() }

// Health implements component.HealthReporter
func (s *Source) Health() health.Status { return s.lc.Health() }
