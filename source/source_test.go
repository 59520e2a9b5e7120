package source

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/logsource"
	"github.com/c360/gcstreams/testutil"
)

// failingSource yields good lines then fails
type failingSource struct {
	good int
}

func (f *failingSource) Name() string { return "failing" }

func (f *failingSource) Open(context.Context) (logsource.Reader, error) {
	return &failingReader{left: f.good}, nil
}

type failingReader struct {
	left int
}

func (r *failingReader) Next() (string, error) {
	if r.left == 0 {
		return "", stderrors.New("disk on fire")
	}
	r.left--
	return "line", nil
}

func (r *failingReader) Exhausted() bool { return false }
func (r *failingReader) Close() error    { return nil }

func deployed(t *testing.T) (*Source, *bus.Local, *testutil.Recorder) {
	t.Helper()
	b := bus.NewLocal()
	t.Cleanup(func() { _ = b.Close() })

	rec := testutil.NewRecorder()
	_, err := b.Subscribe("PARSER", "rec", rec.Handle)
	require.NoError(t, err)

	src := New("PARSER", nil, nil)
	require.NoError(t, src.Deploy(context.Background(), b))
	assert.Equal(t, component.StateReady, src.State())
	return src, b, rec
}

func TestSource_PublishesLinesThenTermination(t *testing.T) {
	src, _, rec := deployed(t)
	lines := testutil.UnifiedLog(50)
	path := testutil.WriteLines(t, filepath.Join(t.TempDir(), "gc.log"), lines)

	stats, err := src.Publish(context.Background(), logsource.Single(path))
	require.NoError(t, err)
	assert.Equal(t, int64(50), stats.Lines)
	assert.True(t, stats.Terminated)
	assert.Equal(t, component.StateCompleted, src.State())

	rec.WaitForCount(t, 51, time.Second)
	events := rec.Events()
	for i, text := range lines {
		ll := events[i].(event.LogLine)
		assert.Equal(t, text, ll.Text)
		assert.Equal(t, int64(i+1), ll.Number)
		assert.Equal(t, path, ll.Source)
	}
	assert.True(t, event.IsTermination(events[50]))
	assert.Equal(t, 1, rec.Terminations())
}

func TestSource_EmptyLogStillTerminates(t *testing.T) {
	src, _, rec := deployed(t)
	path := testutil.WriteLines(t, filepath.Join(t.TempDir(), "gc.log"), nil)

	stats, err := src.Publish(context.Background(), logsource.Single(path))
	require.NoError(t, err)
	assert.Zero(t, stats.Lines)

	rec.WaitForCount(t, 1, time.Second)
	assert.Equal(t, 1, rec.Terminations())
}

func TestSource_PublishOnce(t *testing.T) {
	src, _, rec := deployed(t)
	path := testutil.WriteLines(t, filepath.Join(t.TempDir(), "gc.log"), []string{"a"})

	_, err := src.Publish(context.Background(), logsource.Single(path))
	require.NoError(t, err)

	stats, err := src.Publish(context.Background(), logsource.Single(path))
	assert.ErrorIs(t, err, errors.ErrAlreadyPublished)
	assert.Zero(t, stats.Lines)

	rec.WaitForCount(t, 2, time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.Count())
}

func TestSource_NotDeployed(t *testing.T) {
	src := New("PARSER", nil, nil)
	_, err := src.Publish(context.Background(), logsource.Single("unused"))
	assert.ErrorIs(t, err, errors.ErrNotDeployed)
}

func TestSource_ReadFailureStillTerminates(t *testing.T) {
	src, _, rec := deployed(t)

	stats, err := src.Publish(context.Background(), &failingSource{good: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReadFailed)
	assert.Equal(t, errors.KindRead, errors.KindOf(err))
	assert.Equal(t, int64(3), stats.Lines)
	assert.True(t, stats.Terminated)

	rec.WaitForCount(t, 4, time.Second)
	assert.Equal(t, 1, rec.Terminations())
	assert.Equal(t, component.StateFailed, src.State())
}

func TestSource_OpenFailureStillTerminates(t *testing.T) {
	src, _, rec := deployed(t)

	_, err := src.Publish(context.Background(), logsource.Single(filepath.Join(t.TempDir(), "missing.log")))
	assert.ErrorIs(t, err, errors.ErrReadFailed)

	rec.WaitForCount(t, 1, time.Second)
	assert.Equal(t, 1, rec.Terminations())
}

func TestSource_CancelledContextStillTerminates(t *testing.T) {
	src, _, rec := deployed(t)
	path := testutil.WriteLines(t, filepath.Join(t.TempDir(), "gc.log"), testutil.UnifiedLog(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.Publish(ctx, logsource.Single(path))
	assert.ErrorIs(t, err, errors.ErrReadFailed)

	rec.WaitForCount(t, 1, time.Second)
	assert.Equal(t, 1, rec.Terminations())
}

func TestSource_ClosedBus(t *testing.T) {
	src, b, _ := deployed(t)
	require.NoError(t, b.Close())

	path := testutil.WriteLines(t, filepath.Join(t.TempDir(), "gc.log"), []string{"a"})
	stats, err := src.Publish(context.Background(), logsource.Single(path))
	assert.ErrorIs(t, err, errors.ErrBusClosed)
	assert.False(t, stats.Terminated)
}

func TestSource_Undeploy(t *testing.T) {
	src, _, _ := deployed(t)
	require.NoError(t, src.Undeploy())
	require.NoError(t, src.Undeploy())

	_, err := src.Publish(context.Background(), logsource.Single("unused"))
	assert.ErrorIs(t, err, errors.ErrNotDeployed)
}
