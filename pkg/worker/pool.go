// Package worker runs jobs on a fixed number of goroutines fed by a bounded
// queue. A job that panics is recorded as failed; the worker survives.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/c360/gcstreams/metric"
)

// Pool processes work items of type T
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	workChan chan T
	metrics  *poolMetrics
	wg       conc.WaitGroup
	done     chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	busy      atomic.Int64
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busy           prometheus.Gauge
	submitted      prometheus.Counter
	processed      *prometheus.CounterVec
	processingTime prometheus.Histogram
}

func newPoolMetrics(registry *metric.MetricsRegistry, name string) *poolMetrics {
	if registry == nil {
		return nil
	}
	labels := prometheus.Labels{"pool": name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcstreams", Subsystem: "worker", Name: "queue_depth",
			Help: "Jobs waiting for a worker", ConstLabels: labels,
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcstreams", Subsystem: "worker", Name: "busy",
			Help: "Workers currently running a job", ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gcstreams", Subsystem: "worker", Name: "submitted_total",
			Help: "Jobs accepted into the queue", ConstLabels: labels,
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gcstreams", Subsystem: "worker", Name: "processed_total",
			Help: "Jobs finished, by outcome", ConstLabels: labels,
		}, []string{"status"}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gcstreams", Subsystem: "worker", Name: "job_duration_seconds",
			Help:        "Time spent running one job",
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 8),
			ConstLabels: labels,
		}),
	}

	service := "worker_pool_" + name
	_ = registry.RegisterGauge(service, "queue_depth", m.queueDepth)
	_ = registry.RegisterGauge(service, "busy", m.busy)
	_ = registry.RegisterCounter(service, "submitted_total", m.submitted)
	_ = registry.RegisterCounterVec(service, "processed_total", m.processed)
	_ = registry.RegisterHistogram(service, "job_duration_seconds", m.processingTime)
	return m
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetrics registers the pool's metrics under name
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metrics = newPoolMetrics(registry, name)
	}
}

// WithLogger sets the logger used for job failures
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. Non-positive workers or queueSize fall back to 1.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   max(workers, 1),
		queueSize: max(queueSize, 1),
		processor: processor,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	pool.workChan = make(chan T, pool.queueSize)

	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Start launches the workers. Cancelling ctx abandons queued work.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for range p.workers {
		p.wg.Go(func() { p.worker(ctx) })
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	p.started = true
	return nil
}

// Submit queues work, blocking while the queue is full
func (p *Pool[T]) Submit(ctx context.Context, work T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolStopped
	}
}

// TrySubmit queues work without blocking
func (p *Pool[T]) TrySubmit(work T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.accepting(); err != nil {
		return err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return nil
	default:
		return ErrQueueFull
	}
}

// accepting must be called with mu held. Senders hold the read lock for the
// whole send so Stop cannot close the channel under them.
func (p *Pool[T]) accepting() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.closed {
		return ErrPoolStopped
	}
	return nil
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.submitted.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Stop stops accepting work and waits up to timeout for queued jobs to
// finish. A non-positive timeout waits as long as it takes.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	if !p.closed {
		p.closed = true
		close(p.workChan)
	}
	p.mu.Unlock()

	if timeout <= 0 {
		<-p.done
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Panicked:   p.panicked.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Panicked   int64 `json:"panicked"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.run(ctx, work)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, work T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busy.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
	start := time.Now()

	var err error
	var catcher panics.Catcher
	catcher.Try(func() { err = p.processor(ctx, work) })

	status := "success"
	if r := catcher.Recovered(); r != nil {
		p.panicked.Add(1)
		err = fmt.Errorf("worker: job panicked: %w", r.AsError())
		status = "panic"
	}

	p.busy.Add(-1)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		if status != "panic" {
			status = "error"
		}
		p.logger.Warn("Job failed", "error", err)
	}

	if p.metrics != nil {
		p.metrics.busy.Dec()
		p.metrics.processed.WithLabelValues(status).Inc()
		p.metrics.processingTime.Observe(time.Since(start).Seconds())
	}
}
