// Package aggregator hosts the consuming end of a pipeline. An Aggregator
// subscribes to one or more parser outboxes, folds every event into its
// Aggregation, and completes once each subscribed channel has delivered its
// termination.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/health"
)

// Aggregation folds events into statistics. The Aggregator never calls
// Consume concurrently.
type Aggregation interface {
	Consume(e event.Event)
}

// ChannelAggregation is an Aggregation that also wants to know which channel
// each event arrived on. The Aggregator prefers ConsumeFrom when present.
type ChannelAggregation interface {
	Aggregation
	ConsumeFrom(channel string, e event.Event)
}

// Aggregator is a deployable unit feeding one Aggregation
type Aggregator struct {
	name        string
	channels    []string
	aggregation Aggregation
	logger      *slog.Logger
	lc          *component.Lifecycle

	// mu serializes consumption across channels
	mu      sync.Mutex
	subs    map[string]bus.Subscription
	pending map[string]bool

	consumed atomic.Int64
}

var (
	_ component.Completer      = (*Aggregator)(nil)
	_ component.HealthReporter = (*Aggregator)(nil)
)

// New creates an aggregator feeding agg from channels. Duplicate channel
// names are collapsed.
func New(name string, agg Aggregation, channels []string, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	unique := slices.Clone(channels)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	return &Aggregator{
		name:        name,
		channels:    unique,
		aggregation: agg,
		logger:      logger.With("component", "aggregator:"+name),
		lc:          component.NewLifecycle("aggregator:" + name),
	}
}

// Name implements component.Unit
func (a *Aggregator) Name() string { return "aggregator:" + a.name }

// Channels returns the subscribed channels in sorted order
func (a *Aggregator) Channels() []string { return slices.Clone(a.channels) }

// Aggregation returns the wrapped aggregation
func (a *Aggregator) Aggregation() Aggregation { return a.aggregation }

// Deploy implements component.Unit. It returns once every channel
// subscription is live; a failed subscription releases the others.
func (a *Aggregator) Deploy(ctx context.Context, b bus.Bus) error {
	if err := ctx.Err(); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, err)
	}
	if err := a.lc.Transition(component.StateDeploying); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, errors.Tag(errors.ErrAlreadyDeployed, err))
	}
	if len(a.channels) == 0 || a.aggregation == nil {
		err := errors.WrapInvalid(
			fmt.Errorf("%w: aggregator needs an aggregation and at least one channel", errors.ErrInvalidConfig),
			"Aggregator", "Deploy", "validate "+a.name)
		a.lc.Fail(err)
		return errors.Tag(errors.ErrDeploymentFailed, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.subs = make(map[string]bus.Subscription, len(a.channels))
	a.pending = make(map[string]bool, len(a.channels))
	for _, channel := range a.channels {
		a.pending[channel] = true
	}

	for _, channel := range a.channels {
		sub, err := b.Subscribe(channel, a.Name(), a.handler(channel))
		if err != nil {
			for _, s := range a.subs {
				s.Unsubscribe()
			}
			a.subs = nil
			a.lc.Fail(err)
			return errors.Tag(errors.ErrDeploymentFailed,
				errors.Wrap(err, "Aggregator", "Deploy", "subscribe to "+channel))
		}
		a.subs[channel] = sub
	}

	if err := a.lc.Transition(component.StateReady); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, err)
	}
	a.logger.Debug("Aggregator ready", "channels", a.channels)
	return nil
}

func (a *Aggregator) handler(channel string) bus.Handler {
	return func(_ context.Context, e event.Event) error {
		a.mu.Lock()
		defer a.mu.Unlock()

		if !a.pending[channel] {
			return nil
		}

		if event.IsTermination(e) {
			delete(a.pending, channel)
			if sub := a.subs[channel]; sub != nil {
				sub.Unsubscribe()
				delete(a.subs, channel)
			}
			if len(a.pending) == 0 && a.lc.Complete() {
				a.logger.Debug("Aggregator completed", "consumed", a.consumed.Load())
			}
			return nil
		}

		if ca, ok := a.aggregation.(ChannelAggregation); ok {
			ca.ConsumeFrom(channel, e)
		} else {
			a.aggregation.Consume(e)
		}
		a.consumed.Add(1)
		a.lc.Handled()
		return nil
	}
}

// AwaitCompletion implements component.Completer
func (a *Aggregator) AwaitCompletion(ctx context.Context) error {
	return a.lc.Completed().Wait(ctx)
}

// Pending returns the channels that have not yet delivered a termination
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.pending))
	for channel := range a.pending {
		out = append(out, channel)
	}
	slices.Sort(out)
	return out
}

// Consumed returns how many events reached the aggregation
func (a *Aggregator) Consumed() int64 { return a.consumed.Load() }

// Undeploy implements component.Unit
func (a *Aggregator) Undeploy() error {
	if !a.lc.Undeploy() {
		return nil
	}

	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// State returns the aggregator's lifecycle state
func (a *Aggregator) State() component.State { return a.lc.State() }

// Health implements component.HealthReporter
func (a *Aggregator) Health() health.Status { return a.lc.Health() }
