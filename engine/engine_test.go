package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/aggregator"
	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/health"
	"github.com/c360/gcstreams/logsource"
	"github.com/c360/gcstreams/metric"
	"github.com/c360/gcstreams/parser"
	"github.com/c360/gcstreams/pkg/latch"
	"github.com/c360/gcstreams/testutil"
)

// watcher is an instrumented consumer. It records how many watchers were ready
// when it saw its first event, and every event it received.
type watcher struct {
	name    string
	channel string
	ready   *atomic.Int64
	delay   time.Duration

	sub         bus.Subscription
	seenAtFirst atomic.Int64
	first       sync.Once
	done        *latch.Latch
	rec         *testutil.Recorder
}

func newWatcher(name, channel string, ready *atomic.Int64, delay time.Duration) *watcher {
	w := &watcher{name: name, channel: channel, ready: ready, delay: delay, done: latch.New(), rec: testutil.NewRecorder()}
	w.seenAtFirst.Store(-1)
	return w
}

func (w *watcher) Name() string { return w.name }

func (w *watcher) Deploy(ctx context.Context, b bus.Bus) error {
	select {
	case <-time.After(w.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	sub, err := b.Subscribe(w.channel, w.name, w.handle)
	if err != nil {
		return err
	}
	w.sub = sub
	w.ready.Add(1)
	return nil
}

func (w *watcher) handle(ctx context.Context, e event.Event) error {
	w.first.Do(func() { w.seenAtFirst.Store(w.ready.Load()) })
	_ = w.rec.Handle(ctx, e)
	if event.IsTermination(e) {
		w.done.Fire()
	}
	return nil
}

func (w *watcher) AwaitCompletion(ctx context.Context) error { return w.done.Wait(ctx) }

func (w *watcher) Undeploy() error {
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
	return nil
}

// brokenUnit fails or panics on Deploy and records undeploys
type brokenUnit struct {
	name       string
	panics     bool
	undeployed *[]string
	mu         *sync.Mutex
}

func (u *brokenUnit) Name() string   { return u.name }
func (u *brokenUnit) Outbox() string { return parser.ZGCParser }
func (u *brokenUnit) Deploy(context.Context, bus.Bus) error {
	if u.panics {
		panic("deploy exploded")
	}
	return stderrors.New("cannot subscribe")
}
func (u *brokenUnit) AwaitCompletion(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (u *brokenUnit) Undeploy() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	*u.undeployed = append(*u.undeployed, u.name)
	return nil
}

// slowUnit ignores its deploy context and logs deploy and undeploy in order
type slowUnit struct {
	hold time.Duration
	mu   sync.Mutex
	log  []string
}

func (u *slowUnit) Name() string { return "slow" }
func (u *slowUnit) Deploy(context.Context, bus.Bus) error {
	time.Sleep(u.hold)
	u.record("deployed")
	return nil
}
func (u *slowUnit) AwaitCompletion(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
func (u *slowUnit) Undeploy() error {
	u.record("undeployed")
	return nil
}

func (u *slowUnit) record(step string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.log = append(u.log, step)
}

func (u *slowUnit) steps() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.log)
}

func writeLog(t *testing.T, n int) logsource.Source {
	t.Helper()
	return logsource.Single(testutil.WriteLines(t, filepath.Join(t.TempDir(), "gc.log"), testutil.UnifiedLog(n)))
}

func g1Parser(t *testing.T) *parser.Parser {
	t.Helper()
	d, err := parser.Lookup("g1")
	require.NoError(t, err)
	return parser.New(d, parser.Inbox, nil, nil)
}

func TestEngine_ReadinessBeforePublish(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d subscribers", n), func(t *testing.T) {
			var ready atomic.Int64
			watchers := make([]*watcher, n)
			completers := make([]component.Completer, n)
			for i := range watchers {
				// later watchers take longer to become ready
				watchers[i] = newWatcher(fmt.Sprintf("watcher-%d", i), parser.G1GCParser, &ready, time.Duration(i)*10*time.Millisecond)
				completers[i] = watchers[i]
			}

			e := New()
			result, err := e.Run(context.Background(), writeLog(t, 20), []Producer{g1Parser(t)}, completers, "")
			require.NoError(t, err)
			assert.Equal(t, int64(20), result.Lines)
			assert.Equal(t, int64(n), ready.Load())

			for _, p := range watchers {
				assert.Equal(t, int64(n), p.seenAtFirst.Load(), "%s saw traffic before every subscriber was ready", p.name)
				assert.Equal(t, 21, p.rec.Count())
			}
		})
	}
}

func TestEngine_ExactlyOneTermination(t *testing.T) {
	var ready atomic.Int64
	inbox := newWatcher("inbox", parser.Inbox, &ready, 0)
	outbox := newWatcher("outbox", parser.G1GCParser, &ready, 0)

	_, err := New().Run(context.Background(), writeLog(t, 50),
		[]Producer{g1Parser(t)}, []component.Completer{inbox, outbox}, "")
	require.NoError(t, err)

	for _, p := range []*watcher{inbox, outbox} {
		events := p.rec.Events()
		require.Len(t, events, 51, p.name)
		assert.Equal(t, 1, p.rec.Terminations(), p.name)
		assert.True(t, event.IsTermination(events[len(events)-1]), "%s: termination must be last", p.name)
	}
}

func TestEngine_MonotonicLatest(t *testing.T) {
	previous := event.Epoch
	for _, n := range []int{0, 1, 10, 100} {
		result, err := New().Run(context.Background(), writeLog(t, n), []Producer{g1Parser(t)}, nil, "")
		require.NoError(t, err)

		assert.Equal(t, 0, testutil.UnifiedLogEnd(n).Compare(result.Latest), "n=%d", n)
		assert.False(t, result.Latest.Before(previous), "latest went backwards at n=%d", n)
		assert.Equal(t, int64(n), result.Events)
		previous = result.Latest
	}
}

func TestEngine_EmptySourceIsEpoch(t *testing.T) {
	result, err := New().Run(context.Background(), writeLog(t, 0), []Producer{g1Parser(t)}, nil, "")
	require.NoError(t, err)
	assert.True(t, result.Latest.IsZero())
	assert.Equal(t, int64(0), result.Lines)
	assert.Equal(t, PhaseDone, result.Phase)
}

func TestEngine_OrderPreserved(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []int64
	)
	collect := aggregator.New("order", aggregator.Func(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		ids = append(ids, e.(event.GCPause).GCID)
	}), []string{parser.G1GCParser}, nil)

	_, err := New().Run(context.Background(), writeLog(t, 300),
		[]Producer{g1Parser(t)}, []component.Completer{collect}, "")
	require.NoError(t, err)

	require.Len(t, ids, 300)
	for i, id := range ids {
		require.Equal(t, int64(i), id)
	}
}

func TestEngine_FormatTransparency(t *testing.T) {
	n := 2000
	if !testing.Short() {
		n = 72210
	}
	lines := testutil.UnifiedLog(n)
	entries := testutil.RotatedEntries("gc.log", testutil.Split(lines, 5), false)
	dir := t.TempDir()

	sources := map[string]logsource.Source{
		"plain":       logsource.Single(testutil.WriteLines(t, filepath.Join(dir, "gc.log"), lines)),
		"gzip":        logsource.Single(testutil.WriteGzip(t, filepath.Join(dir, "gc.log.gz"), lines)),
		"rotated dir": logsource.Rotating(testutil.WriteDir(t, filepath.Join(dir, "rotated"), entries)),
		"zip":         logsource.Rotating(testutil.WriteZip(t, filepath.Join(dir, "rotated.zip"), testutil.Reversed(entries))),
	}

	for name, src := range sources {
		t.Run(name, func(t *testing.T) {
			counter := aggregator.NewEventCounter()
			agg := aggregator.New("count", counter, []string{parser.G1GCParser}, nil)

			result, err := New().Run(context.Background(), src, []Producer{g1Parser(t)}, []component.Completer{agg}, "")
			require.NoError(t, err)
			assert.Equal(t, int64(n), counter.Counts().Total)
			assert.Equal(t, int64(n), result.Lines)
			assert.Equal(t, 0, testutil.UnifiedLogEnd(n).Compare(result.Latest))
		})
	}
}

func TestEngine_Isolation(t *testing.T) {
	var good atomic.Int64
	throwing := aggregator.New("throwing", aggregator.Func(func(event.Event) {
		panic("bad aggregation")
	}), []string{parser.G1GCParser}, nil)
	wellBehaved := aggregator.New("good", aggregator.Func(func(event.Event) {
		good.Add(1)
	}), []string{parser.G1GCParser}, nil)

	registry := metric.NewMetricsRegistry()
	_, err := New(WithMetrics(registry)).Run(context.Background(), writeLog(t, 100),
		[]Producer{g1Parser(t)}, []component.Completer{throwing, wellBehaved}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), good.Load())
}

func TestEngine_ShutdownIsIdempotent(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), writeLog(t, 5), []Producer{g1Parser(t)}, nil, "")
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.NoError(t, e.Shutdown())
		assert.NoError(t, e.Shutdown())
	})

	// an engine that never ran shuts down cleanly too
	idle := New()
	assert.NoError(t, idle.Shutdown())
	assert.NoError(t, idle.Shutdown())
}

func TestEngine_DeploymentFailureAborts(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panics=%v", panics), func(t *testing.T) {
			var (
				mu         sync.Mutex
				undeployed []string
				ready      atomic.Int64
			)
			inbox := newWatcher("inbox", parser.Inbox, &ready, 0)
			broken := &brokenUnit{name: "broken", panics: panics, undeployed: &undeployed, mu: &mu}

			e := New()
			result, err := e.Run(context.Background(), writeLog(t, 10),
				[]Producer{g1Parser(t)}, []component.Completer{inbox, broken}, "")
			require.Error(t, err)
			assert.Equal(t, errors.KindDeployment, errors.KindOf(err))
			assert.Equal(t, PhaseDeployingAggregators, result.Phase)
			assert.Equal(t, int64(0), result.Lines)

			// nothing was published
			assert.Never(t, func() bool { return inbox.rec.Count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
			assert.Equal(t, []string{"broken"}, undeployed)
			assert.NoError(t, e.Shutdown())
		})
	}
}

func TestEngine_ParserDeploymentFailure(t *testing.T) {
	var (
		mu         sync.Mutex
		undeployed []string
	)
	broken := &brokenUnit{name: "broken-parser", undeployed: &undeployed, mu: &mu}

	result, err := New().Run(context.Background(), writeLog(t, 10), []Producer{g1Parser(t), broken}, nil, "")
	assert.ErrorIs(t, err, errors.ErrDeploymentFailed)
	assert.Equal(t, PhaseDeployingParsers, result.Phase)
	assert.Equal(t, []string{"broken-parser"}, undeployed)
}

func TestEngine_DeployTimeoutWaitsForStragglers(t *testing.T) {
	slow := &slowUnit{hold: 300 * time.Millisecond}

	e := New(WithDeployTimeout(50*time.Millisecond), WithStragglerGrace(5*time.Second))
	result, err := e.Run(context.Background(), writeLog(t, 10), []Producer{g1Parser(t)}, []component.Completer{slow}, "")
	require.ErrorIs(t, err, errors.ErrDeploymentFailed)
	assert.Equal(t, PhaseDeployingAggregators, result.Phase)

	// the late deploy finished before teardown, not after it
	assert.Equal(t, []string{"deployed", "undeployed"}, slow.steps())
}

func TestEngine_StragglerGraceIsBounded(t *testing.T) {
	slow := &slowUnit{hold: 2 * time.Second}

	e := New(WithDeployTimeout(50*time.Millisecond), WithStragglerGrace(50*time.Millisecond))
	start := time.Now()
	_, err := e.Run(context.Background(), writeLog(t, 10), []Producer{g1Parser(t)}, []component.Completer{slow}, "")
	require.ErrorIs(t, err, errors.ErrDeploymentFailed)
	assert.Less(t, time.Since(start), time.Second, "a stuck deploy must not hold the run past its grace")
	assert.Equal(t, []string{"undeployed"}, slow.steps())
}

func TestEngine_Stall(t *testing.T) {
	var ready atomic.Int64
	// nothing ever publishes on this channel, so the watcher never completes
	orphan := newWatcher("orphan", parser.ZGCParser, &ready, 0)

	registry := metric.NewMetricsRegistry()
	e := New(WithStallTimeout(100*time.Millisecond), WithMetrics(registry))
	result, err := e.Run(context.Background(), writeLog(t, 10),
		[]Producer{g1Parser(t)}, []component.Completer{orphan}, "")

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStalled)
	assert.Equal(t, errors.KindStall, errors.KindOf(err))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, []string{"orphan"}, result.Pending)
	// the partial result is still reported
	assert.Equal(t, int64(10), result.Lines)
	assert.Equal(t, 0, testutil.UnifiedLogEnd(10).Compare(result.Latest))
	assert.Equal(t, PhaseDone, result.Phase)
}

// failingSource yields good lines then an I/O error
type failingSource struct{ good int }

func (f *failingSource) Name() string { return "failing" }
func (f *failingSource) Open(context.Context) (logsource.Reader, error) {
	return &failingReader{lines: testutil.UnifiedLog(f.good)}, nil
}

type failingReader struct{ lines []string }

func (r *failingReader) Next() (string, error) {
	if len(r.lines) == 0 {
		return "", stderrors.New("device unplugged")
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}
func (r *failingReader) Exhausted() bool { return false }
func (r *failingReader) Close() error    { return nil }

func TestEngine_ReadErrorStillTerminates(t *testing.T) {
	stats := aggregator.NewPauseStats()
	agg := aggregator.New("stats", stats, []string{parser.G1GCParser}, nil)

	result, err := New(WithStallTimeout(5*time.Second)).Run(context.Background(), &failingSource{good: 7},
		[]Producer{g1Parser(t)}, []component.Completer{agg}, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindRead, errors.KindOf(err))
	assert.NotErrorIs(t, err, errors.ErrStalled)

	assert.Equal(t, int64(7), result.Lines)
	assert.Equal(t, int64(7), stats.Summary().Pauses)
	assert.Empty(t, result.Pending, "every consumer completed before shutdown")
	assert.Empty(t, agg.Pending())
	assert.NoError(t, agg.AwaitCompletion(context.Background()))
	assert.Equal(t, component.StateUndeployed, agg.State())
}

func TestEngine_RunValidation(t *testing.T) {
	t.Run("second run", func(t *testing.T) {
		e := New()
		_, err := e.Run(context.Background(), writeLog(t, 1), nil, nil, "")
		require.NoError(t, err)
		_, err = e.Run(context.Background(), writeLog(t, 1), nil, nil, "")
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("nil source", func(t *testing.T) {
		_, err := New().Run(context.Background(), nil, nil, nil, "")
		assert.ErrorIs(t, err, errors.ErrMissingConfig)
	})

	t.Run("unknown time channel", func(t *testing.T) {
		_, err := New().Run(context.Background(), writeLog(t, 1), []Producer{g1Parser(t)}, nil, "nowhere")
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("shared outbox", func(t *testing.T) {
		var ready atomic.Int64
		consumer := newWatcher("consumer", parser.G1GCParser, &ready, 0)
		shared := g1Parser(t)

		for _, parsers := range [][]Producer{{shared, shared}, {g1Parser(t), g1Parser(t)}} {
			_, err := New().Run(context.Background(), writeLog(t, 5), parsers,
				[]component.Completer{consumer}, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		}
		assert.Zero(t, ready.Load(), "nothing deploys when parsers share an outbox")
		assert.Zero(t, consumer.rec.Count())
	})

	t.Run("time channel defaults", func(t *testing.T) {
		result, err := New().Run(context.Background(), writeLog(t, 3), nil, nil, "")
		require.NoError(t, err)
		assert.Equal(t, parser.Inbox, result.TimeChannel)
		// raw lines carry no time
		assert.True(t, result.Latest.IsZero())
		assert.Equal(t, int64(3), result.Events)
	})
}

func TestEngine_Health(t *testing.T) {
	e := New()
	assert.True(t, e.Health().IsHealthy())

	_, err := e.Run(context.Background(), writeLog(t, 3), []Producer{g1Parser(t)}, nil, "")
	require.NoError(t, err)

	status := e.Health()
	assert.Equal(t, "engine", status.Component)
	assert.Contains(t, status.Message, PhaseDone.String())
	assert.NotEqual(t, health.StatusUnhealthy, status.Status)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "deploying_self", PhaseDeployingSelf.String())
	assert.Equal(t, "unknown", Phase(99).String())
	text, err := PhaseAwaitingCompletion.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "awaiting_completion", string(text))
}

func TestAggregate(t *testing.T) {
	stats := aggregator.NewPauseStats()
	agg := aggregator.New("stats", stats, []string{parser.G1GCParser}, nil)

	latest, err := Aggregate(context.Background(), writeLog(t, 12), []Producer{g1Parser(t)},
		[]component.Completer{agg}, parser.Inbox, "")
	require.NoError(t, err)
	assert.Equal(t, 0, testutil.UnifiedLogEnd(12).Compare(latest))
	assert.Equal(t, int64(12), stats.Summary().Pauses)

	latest, err = Aggregate(context.Background(), logsource.Single(filepath.Join(t.TempDir(), "missing.log")),
		[]Producer{g1Parser(t)}, nil, parser.Inbox, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindRead, errors.KindOf(err))
	assert.True(t, latest.IsZero())
}

func dialectParser(t *testing.T, name string) *parser.Parser {
	t.Helper()
	d, err := parser.Lookup(name)
	require.NoError(t, err)
	return parser.New(d, parser.Inbox, nil, nil)
}

func TestAggregate_ParserOrderDoesNotMatter(t *testing.T) {
	want := testutil.UnifiedLogEnd(50)

	tests := []struct {
		name    string
		parsers []string
		channel string
		want    event.DateTimeStamp
	}{
		{"g1 first", []string{"g1", "generational"}, "", want},
		{"generational first", []string{"generational", "g1"}, "", want},
		{"unified preferred", []string{"generational", "g1", "unified"}, "", want},
		{"explicit channel", []string{"g1", "generational"}, parser.GenerationalHeapParser, event.Epoch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsers := make([]Producer, len(tt.parsers))
			for i, name := range tt.parsers {
				parsers[i] = dialectParser(t, name)
			}
			latest, err := Aggregate(context.Background(), writeLog(t, 50), parsers, nil, parser.Inbox, tt.channel)
			require.NoError(t, err)
			assert.Equal(t, 0, tt.want.Compare(latest), "got %s", latest)
		})
	}
}

func TestEngine_DefaultTimeChannel(t *testing.T) {
	for _, order := range [][]string{{"zgc", "g1"}, {"g1", "zgc"}} {
		parsers := []Producer{dialectParser(t, order[0]), dialectParser(t, order[1])}
		result, err := New().Run(context.Background(), writeLog(t, 4), parsers, nil, "")
		require.NoError(t, err)
		assert.Equal(t, parser.G1GCParser, result.TimeChannel)
		assert.Equal(t, int64(4), result.Events)
	}

	parsers := []Producer{dialectParser(t, "zgc"), dialectParser(t, "unified")}
	result, err := New().Run(context.Background(), writeLog(t, 4), parsers, nil, "")
	require.NoError(t, err)
	assert.Equal(t, parser.JVMEventParser, result.TimeChannel)
}
