package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/metric"
)

// DefaultCloseTimeout bounds how long Close waits for running handlers.
const DefaultCloseTimeout = 5 * time.Second

// LocalOption configures a Local bus
type LocalOption func(*Local)

// WithLogger sets the logger used for contained handler failures
func WithLogger(logger *slog.Logger) LocalOption {
	return func(b *Local) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records publish, delivery and failure counts
func WithMetrics(registry *metric.MetricsRegistry) LocalOption {
	return func(b *Local) {
		b.metrics = registry.CoreMetrics()
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight handlers
func WithCloseTimeout(d time.Duration) LocalOption {
	return func(b *Local) {
		if d > 0 {
			b.closeTimeout = d
		}
	}
}

// Local is an in-process Bus. Each subscription owns an unbounded mailbox
// drained by its own goroutine.
type Local struct {
	logger       *slog.Logger
	metrics      *metric.Metrics
	closeTimeout time.Duration

	mu     sync.RWMutex
	subs   map[string][]*localSubscription
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeErr error
	once     sync.Once
}

// NewLocal creates an open in-process bus
func NewLocal(opts ...LocalOption) *Local {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Local{
		logger:       slog.Default(),
		closeTimeout: DefaultCloseTimeout,
		subs:         make(map[string][]*localSubscription),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bus")
	return b
}

// Publish implements Bus
func (b *Local) Publish(ctx context.Context, channel string, e event.Event) error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Local", "Publish", "publish nil event")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Local", "Publish", "publish to "+channel)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.Wrap(errors.ErrBusClosed, "Local", "Publish", "publish to "+channel)
	}

	for _, sub := range b.subs[channel] {
		sub.mailbox.push(e)
	}
	b.metrics.RecordPublished(channel, e.Kind().String())
	return nil
}

// Subscribe implements Bus
func (b *Local) Subscribe(channel, name string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrSubscriptionFailed, "Local", "Subscribe", "register nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.Wrap(errors.ErrBusClosed, "Local", "Subscribe", "subscribe to "+channel)
	}

	sub := &localSubscription{
		bus:     b,
		channel: channel,
		name:    name,
		handler: handler,
		mailbox: newMailbox(),
	}
	b.subs[channel] = append(b.subs[channel], sub)

	b.wg.Add(1)
	go sub.run(b.ctx)

	return sub, nil
}

// Subscribers returns the number of live subscriptions on channel
func (b *Local) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close implements Bus
func (b *Local) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		subs := b.subs
		b.subs = make(map[string][]*localSubscription)
		b.mu.Unlock()

		for _, list := range subs {
			for _, sub := range list {
				sub.mailbox.close()
			}
		}
		b.cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(b.closeTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			b.closeErr = errors.WrapTransient(
				fmt.Errorf("handlers still running after %s", b.closeTimeout),
				"Local", "Close", "wait for delivery goroutines")
		}
	})
	return b.closeErr
}

func (b *Local) remove(sub *localSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.channel]
	for i, s := range list {
		if s == sub {
			b.subs[sub.channel] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.channel]) == 0 {
		delete(b.subs, sub.channel)
	}
}

type localSubscription struct {
	bus     *Local
	channel string
	name    string
	handler Handler
	mailbox *mailbox
	once    sync.Once
}

func (s *localSubscription) Channel() string { return s.channel }

func (s *localSubscription) Name() string { return s.name }

func (s *localSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.mailbox.close()
		s.bus.remove(s)
	})
}

func (s *localSubscription) run(ctx context.Context) {
	defer s.bus.wg.Done()

	for {
		select {
		case <-s.mailbox.signal:
		case <-ctx.Done():
			return
		}

		batch, ok := s.mailbox.drain()
		if !ok {
			return
		}
		for _, e := range batch {
			// Unsubscribe inside a handler stops the rest of the batch
			if s.mailbox.isClosed() {
				return
			}
			Deliver(ctx, s.bus.logger, s.bus.metrics, s.channel, s.name, s.handler, e)
		}
	}
}

// Deliver runs handler on e, containing returned errors and panics. It
// reports whether the handler succeeded.
func Deliver(ctx context.Context, logger *slog.Logger, metrics *metric.Metrics,
	channel, name string, handler Handler, e event.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Handler panicked",
				"channel", channel, "subscriber", name, "kind", e.Kind().String(), "panic", r)
			metrics.RecordHandlerFailure(channel, name, "panic")
			ok = false
		}
	}()

	if err := handler(ctx, e); err != nil {
		logger.Warn("Handler failed",
			"channel", channel, "subscriber", name, "kind", e.Kind().String(),
			"error", errors.Tag(errors.ErrHandlerFailed, err))
		metrics.RecordHandlerFailure(channel, name, "error")
		return false
	}
	metrics.RecordDelivered(channel)
	return true
}
