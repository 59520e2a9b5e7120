package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gcstreams/metric"
)

// engineMetrics holds run-level Prometheus metrics. Per-phase timings and run
// outcomes live in the core metrics.
type engineMetrics struct {
	runDuration  prometheus.Histogram
	activeRuns   prometheus.Gauge
	stalledUnits *prometheus.CounterVec // by unit
	latestUptime prometheus.Gauge
}

var (
	sharedMu      sync.Mutex
	sharedMetrics = map[*metric.MetricsRegistry]*engineMetrics{}
)

// engineMetricsFor returns the engine metrics registered with registry,
// creating them on first use. Engines sharing a registry share the metrics.
func engineMetricsFor(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if m, ok := sharedMetrics[registry]; ok {
		return m, nil
	}
	m, err := newEngineMetrics(registry)
	if err != nil {
		return nil, err
	}
	sharedMetrics[registry] = m
	return m, nil
}

// newEngineMetrics creates and registers engine metrics with the provided
// registry. A nil registry disables them.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gcstreams",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcstreams",
			Subsystem: "engine",
			Name:      "active_runs",
			Help:      "Pipeline runs currently in progress",
		}),
		stalledUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcstreams",
			Subsystem: "engine",
			Name:      "stalled_units_total",
			Help:      "Units that had not completed when the stall timeout expired",
		}, []string{"unit"}),
		latestUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcstreams",
			Subsystem: "engine",
			Name:      "latest_event_uptime_seconds",
			Help:      "JVM uptime at the end of the latest event of the last finished run",
		}),
	}

	if err := registry.RegisterHistogram("engine", "run_duration", m.runDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "active_runs", m.activeRuns); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "stalled_units", m.stalledUnits); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "latest_event_uptime", m.latestUptime); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *engineMetrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *engineMetrics) runFinished(wall time.Duration, latestUptime float64) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runDuration.Observe(wall.Seconds())
	m.latestUptime.Set(latestUptime)
}

func (m *engineMetrics) recordStalled(units []string) {
	if m == nil {
		return
	}
	for _, u := range units {
		m.stalledUnits.WithLabelValues(u).Inc()
	}
}
