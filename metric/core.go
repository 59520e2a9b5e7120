package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the pipeline-level metrics shared by every run
type Metrics struct {
	// Source metrics
	LinesRead   *prometheus.CounterVec
	ReadErrors  *prometheus.CounterVec
	SourceState *prometheus.GaugeVec

	// Bus metrics
	EventsPublished *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec

	// Run metrics
	Runs          *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
	UnitsDeployed *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		LinesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcstreams",
				Subsystem: "source",
				Name:      "lines_read_total",
				Help:      "Total number of raw log lines read from log sources",
			},
			[]string{"source"},
		),

		ReadErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcstreams",
				Subsystem: "source",
				Name:      "read_errors_total",
				Help:      "Total number of log source reads aborted by an error",
			},
			[]string{"source"},
		),

		SourceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gcstreams",
				Subsystem: "source",
				Name:      "publishing",
				Help:      "Whether an event source is currently publishing (0=idle, 1=publishing)",
			},
			[]string{"channel"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcstreams",
				Subsystem: "bus",
				Name:      "published_total",
				Help:      "Total number of events published",
			},
			[]string{"channel", "kind"},
		),

		EventsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcstreams",
				Subsystem: "bus",
				Name:      "delivered_total",
				Help:      "Total number of events handed to subscribers",
			},
			[]string{"channel"},
		),

		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcstreams",
				Subsystem: "bus",
				Name:      "handler_failures_total",
				Help:      "Total number of contained handler errors and panics",
			},
			[]string{"channel", "subscriber", "reason"},
		),

		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gcstreams",
				Subsystem: "engine",
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by outcome",
			},
			[]string{"outcome"},
		),

		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gcstreams",
				Subsystem: "engine",
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each orchestration phase",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"phase"},
		),

		UnitsDeployed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gcstreams",
				Subsystem: "engine",
				Name:      "units_deployed",
				Help:      "Number of currently deployed units by role",
			},
			[]string{"role"},
		),
	}
}

// Record methods are no-ops on a nil *Metrics so callers built without a
// registry need no guards.

// RecordLineRead increments the lines read counter
func (c *Metrics) RecordLineRead(source string) {
	if c == nil {
		return
	}
	c.LinesRead.WithLabelValues(source).Inc()
}

// RecordReadError increments the read error counter
func (c *Metrics) RecordReadError(source string) {
	if c == nil {
		return
	}
	c.ReadErrors.WithLabelValues(source).Inc()
}

// RecordPublishing flips the publishing gauge for a channel
func (c *Metrics) RecordPublishing(channel string, active bool) {
	if c == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	c.SourceState.WithLabelValues(channel).Set(value)
}

// RecordPublished increments the published events counter
func (c *Metrics) RecordPublished(channel, kind string) {
	if c == nil {
		return
	}
	c.EventsPublished.WithLabelValues(channel, kind).Inc()
}

// RecordDelivered increments the delivered events counter
func (c *Metrics) RecordDelivered(channel string) {
	if c == nil {
		return
	}
	c.EventsDelivered.WithLabelValues(channel).Inc()
}

// RecordHandlerFailure increments the contained handler failure counter
func (c *Metrics) RecordHandlerFailure(channel, subscriber, reason string) {
	if c == nil {
		return
	}
	c.HandlerFailures.WithLabelValues(channel, subscriber, reason).Inc()
}

// RecordRun increments the run counter for an outcome
func (c *Metrics) RecordRun(outcome string) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(outcome).Inc()
}

// RecordPhase records how long an orchestration phase took
func (c *Metrics) RecordPhase(phase string, duration time.Duration) {
	if c == nil {
		return
	}
	c.PhaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// AddDeployed adjusts the deployed units gauge for a role
func (c *Metrics) AddDeployed(role string, delta float64) {
	if c == nil {
		return
	}
	c.UnitsDeployed.WithLabelValues(role).Add(delta)
}
