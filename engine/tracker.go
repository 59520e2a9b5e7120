package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/health"
)

const trackerName = "time-tracker"

// timeTracker is the engine's own consumer. It keeps the latest end time,
// max(timestamp + duration), over every non-termination event on its channel
// and completes on the termination.
type timeTracker struct {
	channel string
	logger  *slog.Logger
	lc      *component.Lifecycle

	mu     sync.Mutex
	sub    bus.Subscription
	latest event.DateTimeStamp
	events int64
}

var _ component.Completer = (*timeTracker)(nil)

func newTimeTracker(channel string, logger *slog.Logger) *timeTracker {
	return &timeTracker{
		channel: channel,
		logger:  logger.With("unit", trackerName, "channel", channel),
		lc:      component.NewLifecycle(trackerName),
	}
}

func (t *timeTracker) Name() string { return trackerName }

func (t *timeTracker) Deploy(ctx context.Context, b bus.Bus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.lc.Transition(component.StateDeploying); err != nil {
		return err
	}

	sub, err := b.Subscribe(t.channel, trackerName, t.handle)
	if err != nil {
		t.lc.Fail(err)
		return errors.Wrap(err, "timeTracker", "Deploy", "subscribe to "+t.channel)
	}

	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return t.lc.Transition(component.StateReady)
}

// handle never lets bad input escape: a malformed event is logged and skipped
func (t *timeTracker) handle(_ context.Context, e event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.lc.Failed()
			t.logger.Error("Skipping malformed event", "panic", r)
			err = nil
		}
	}()

	if e == nil {
		t.lc.Failed()
		t.logger.Warn("Skipping nil event")
		return nil
	}

	if event.IsTermination(e) {
		t.mu.Lock()
		sub := t.sub
		t.sub = nil
		t.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		t.lc.Complete()
		return nil
	}

	end := event.End(e)

	t.mu.Lock()
	if end.After(t.latest) {
		t.latest = end
	}
	t.events++
	t.mu.Unlock()

	t.lc.Handled()
	return nil
}

func (t *timeTracker) AwaitCompletion(ctx context.Context) error {
	return t.lc.Completed().Wait(ctx)
}

// Latest returns the latest event end seen so far, or the epoch
func (t *timeTracker) Latest() event.DateTimeStamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Events returns how many non-termination events were observed
func (t *timeTracker) Events() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

func (t *timeTracker) Undeploy() error {
	if !t.lc.Undeploy() {
		return nil
	}
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	return nil
}

func (t *timeTracker) Health() health.Status {
	status := t.lc.Health()
	status.Message = fmt.Sprintf("%s, latest %s", status.Message, t.Latest())
	return status
}
