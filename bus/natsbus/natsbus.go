// Package natsbus carries the event bus over NATS so units of one pipeline
// can run in separate processes. Events travel in the versioned event
// envelope on subjects named <prefix>.<channel>.
package natsbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/metric"
	"github.com/c360/gcstreams/natsclient"
)

// DefaultFlushTimeout bounds how long Subscribe waits for the server to
// register interest.
const DefaultFlushTimeout = 5 * time.Second

// Conn is the subset of natsclient.Client the bus needs
type Conn interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (natsclient.Subscription, error)
	Flush(ctx context.Context) error
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger used for contained failures
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records publish, delivery and failure counts
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Bus) {
		b.metrics = registry.CoreMetrics()
	}
}

// WithFlushTimeout bounds the interest round-trip made by Subscribe
func WithFlushTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.flushTimeout = d
		}
	}
}

// Bus implements bus.Bus over a NATS connection. It does not own the
// connection; Close leaves it open.
type Bus struct {
	conn         Conn
	prefix       string
	logger       *slog.Logger
	metrics      *metric.Metrics
	flushTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	once   sync.Once
}

var _ bus.Bus = (*Bus)(nil)

// New creates a bus publishing under prefix. Runs sharing a server must use
// distinct prefixes.
func New(conn Conn, prefix string, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		conn:         conn,
		prefix:       prefix,
		logger:       slog.Default(),
		flushTimeout: DefaultFlushTimeout,
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "natsbus", "prefix", prefix)
	return b
}

// Subject returns the NATS subject carrying channel
func (b *Bus) Subject(channel string) string {
	return b.prefix + "." + channel
}

// Publish implements bus.Bus
func (b *Bus) Publish(ctx context.Context, channel string, e event.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.Wrap(errors.ErrBusClosed, "natsbus", "Publish", "publish to "+channel)
	}

	data, err := event.Encode(e)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(ctx, b.Subject(channel), data); err != nil {
		return errors.Wrap(err, "natsbus", "Publish", "publish to "+channel)
	}
	b.metrics.RecordPublished(channel, e.Kind().String())
	return nil
}

// Subscribe implements bus.Bus. It returns once the server has registered
// the subscription, so events published afterwards by any process reach it.
func (b *Bus) Subscribe(channel, name string, handler bus.Handler) (bus.Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrSubscriptionFailed, "natsbus", "Subscribe", "register nil handler")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.Wrap(errors.ErrBusClosed, "natsbus", "Subscribe", "subscribe to "+channel)
	}
	b.mu.Unlock()

	sub := &subscription{bus: b, channel: channel, name: name}
	ns, err := b.conn.Subscribe(b.ctx, b.Subject(channel), func(ctx context.Context, data []byte) {
		if sub.stopped.Load() {
			return
		}
		e, err := event.Decode(data)
		if err != nil {
			b.logger.Warn("Dropping undecodable message",
				"channel", channel, "subscriber", name, "error", err)
			b.metrics.RecordHandlerFailure(channel, name, "decode")
			return
		}
		bus.Deliver(ctx, b.logger, b.metrics, channel, name, handler, e)
	})
	if err != nil {
		return nil, errors.Tag(errors.ErrSubscriptionFailed, err)
	}
	sub.nats = ns

	flushCtx, cancel := context.WithTimeout(b.ctx, b.flushTimeout)
	defer cancel()
	if err := b.conn.Flush(flushCtx); err != nil {
		_ = ns.Unsubscribe()
		return nil, errors.Tag(errors.ErrSubscriptionFailed,
			errors.Wrap(err, "natsbus", "Subscribe", "confirm interest in "+channel))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = ns.Unsubscribe()
		return nil, errors.Wrap(errors.ErrBusClosed, "natsbus", "Subscribe", "subscribe to "+channel)
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close implements bus.Bus
func (b *Bus) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := b.subs
		b.subs = make(map[*subscription]struct{})
		b.mu.Unlock()

		for sub := range subs {
			sub.stop()
		}
		b.cancel()
	})
	return nil
}

type subscription struct {
	bus     *Bus
	channel string
	name    string
	nats    natsclient.Subscription
	stopped atomic.Bool
}

func (s *subscription) Channel() string { return s.channel }

func (s *subscription) Name() string { return s.name }

func (s *subscription) Unsubscribe() {
	if !s.stop() {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

// stop ends delivery and reports whether this call did so.
func (s *subscription) stop() bool {
	if s.stopped.Swap(true) {
		return false
	}
	if err := s.nats.Unsubscribe(); err != nil {
		s.bus.logger.Debug("Unsubscribe failed", "channel", s.channel, "subscriber", s.name, "error", err)
	}
	return true
}
