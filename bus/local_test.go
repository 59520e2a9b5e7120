package bus_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/metric"
	gctest "github.com/c360/gcstreams/testutil"
)

func line(n int64) event.Event {
	return event.LogLine{Source: "gc.log", Number: n}
}

func TestLocal_DeliversInOrder(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()

	first, second := gctest.NewRecorder(), gctest.NewRecorder()
	_, err := b.Subscribe("PARSER", "first", first.Handle)
	require.NoError(t, err)
	_, err = b.Subscribe("PARSER", "second", second.Handle)
	require.NoError(t, err)

	ctx := context.Background()
	const n = 1000
	for i := int64(0); i < n; i++ {
		require.NoError(t, b.Publish(ctx, "PARSER", line(i)))
	}
	require.NoError(t, b.Publish(ctx, "PARSER", event.Termination{}))

	for _, rec := range []*gctest.Recorder{first, second} {
		rec.WaitForCount(t, n+1, 2*time.Second)
		events := rec.Events()
		for i := 0; i < n; i++ {
			require.Equal(t, int64(i), events[i].(event.LogLine).Number)
		}
		assert.True(t, event.IsTermination(events[n]))
	}
}

func TestLocal_ChannelsAreIndependent(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()

	rec := gctest.NewRecorder()
	_, err := b.Subscribe("G1GCParser", "agg", rec.Handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "PARSER", line(1)))
	require.NoError(t, b.Publish(context.Background(), "G1GCParser", line(2)))

	rec.WaitForCount(t, 1, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.Count())
}

func TestLocal_IsolatesFailingHandlers(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	b := bus.NewLocal(bus.WithMetrics(registry))
	defer b.Close()

	failing := gctest.NewRecorder()
	failing.Err = stderrors.New("boom")
	panicking := gctest.NewRecorder()
	panicking.Panic = "kaboom"
	healthy := gctest.NewRecorder()

	for name, rec := range map[string]*gctest.Recorder{"failing": failing, "panicking": panicking, "healthy": healthy} {
		_, err := b.Subscribe("PARSER", name, rec.Handle)
		require.NoError(t, err)
	}

	const n = 100
	for i := int64(0); i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "PARSER", line(i)))
	}

	healthy.WaitForCount(t, n, 2*time.Second)
	failing.WaitForCount(t, n, 2*time.Second)
	panicking.WaitForCount(t, n, 2*time.Second)
	assert.Equal(t, n, healthy.Count())

	m := registry.CoreMetrics()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.HandlerFailures.WithLabelValues("PARSER", "panicking", "panic")) == n
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(n), testutil.ToFloat64(m.HandlerFailures.WithLabelValues("PARSER", "failing", "error")))
	assert.Equal(t, float64(n), testutil.ToFloat64(m.EventsPublished.WithLabelValues("PARSER", "log_line")))
}

func TestLocal_UnsubscribeInsideHandler(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()

	var mu sync.Mutex
	seen := 0
	var sub bus.Subscription
	sub, err := b.Subscribe("PARSER", "once", func(_ context.Context, e event.Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		if event.IsTermination(e) {
			sub.Unsubscribe()
			sub.Unsubscribe()
		}
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "PARSER", line(1)))
	require.NoError(t, b.Publish(ctx, "PARSER", event.Termination{}))
	require.NoError(t, b.Publish(ctx, "PARSER", line(2)))

	require.Eventually(t, func() bool { return b.Subscribers("PARSER") == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Publish(ctx, "PARSER", line(3)))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, seen)
	assert.Equal(t, "PARSER", sub.Channel())
	assert.Equal(t, "once", sub.Name())
}

func TestLocal_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := bus.NewLocal(bus.WithCloseTimeout(50 * time.Millisecond))
	defer b.Close()

	release := make(chan struct{})
	_, err := b.Subscribe("PARSER", "slow", func(context.Context, event.Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := int64(0); i < 10000; i++ {
			_ = b.Publish(context.Background(), "PARSER", line(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
}

func TestLocal_Close(t *testing.T) {
	b := bus.NewLocal()
	rec := gctest.NewRecorder()
	_, err := b.Subscribe("PARSER", "rec", rec.Handle)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err = b.Publish(context.Background(), "PARSER", line(1))
	assert.ErrorIs(t, err, errors.ErrBusClosed)

	_, err = b.Subscribe("PARSER", "late", rec.Handle)
	assert.ErrorIs(t, err, errors.ErrBusClosed)
}

func TestLocal_CloseTimesOutOnStuckHandler(t *testing.T) {
	b := bus.NewLocal(bus.WithCloseTimeout(20 * time.Millisecond))

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	_, err := b.Subscribe("PARSER", "stuck", func(context.Context, event.Event) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "PARSER", line(1)))
	<-started

	err = b.Close()
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, err, b.Close())
}

func TestLocal_RejectsInvalidInput(t *testing.T) {
	b := bus.NewLocal()
	defer b.Close()

	_, err := b.Subscribe("PARSER", "nil", nil)
	assert.True(t, errors.IsInvalid(err))

	err = b.Publish(context.Background(), "PARSER", nil)
	assert.True(t, errors.IsInvalid(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Publish(ctx, "PARSER", line(1)), context.Canceled)
}
