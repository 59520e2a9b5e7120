package tap

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/aggregator"
	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/metric"
	"github.com/c360/gcstreams/parser"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestTap_BroadcastsFrames(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	tp := New(WithMetrics(registry))
	srv := httptest.NewServer(tp)
	defer srv.Close()
	defer tp.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	first, second := dial(t, url), dial(t, url)
	require.Eventually(t, func() bool { return tp.Clients() == 2 }, time.Second, 5*time.Millisecond)

	pause := event.GCPause{Start: event.AtUptime(1.5), Elapsed: time.Millisecond, Collector: "G1"}
	tp.ConsumeFrom(parser.G1GCParser, pause)

	for _, conn := range []*websocket.Conn{first, second} {
		f := readFrame(t, conn)
		assert.Equal(t, parser.G1GCParser, f.Channel)
		decoded, err := event.Decode(f.Event)
		require.NoError(t, err)
		assert.Equal(t, pause, decoded)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(tp.metrics.frames))
	assert.Equal(t, float64(2), testutil.ToFloat64(tp.metrics.clients))
}

func TestTap_DropsForSlowClients(t *testing.T) {
	tp := New(WithBufferSize(1), WithMetrics(metric.NewMetricsRegistry()))
	defer tp.Close()

	// a client that is registered but never drained
	c := &client{send: make(chan []byte, 1)}
	tp.mu.Lock()
	tp.clients[c] = struct{}{}
	tp.mu.Unlock()

	for i := 0; i < 5; i++ {
		tp.Consume(event.LogLine{Number: int64(i)})
	}
	assert.Len(t, c.send, 1)
	assert.Equal(t, float64(4), testutil.ToFloat64(tp.metrics.dropped))

	tp.mu.Lock()
	delete(tp.clients, c)
	tp.mu.Unlock()
}

func TestTap_ClientDisconnect(t *testing.T) {
	tp := New()
	srv := httptest.NewServer(tp)
	defer srv.Close()
	defer tp.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Eventually(t, func() bool { return tp.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return tp.Clients() == 0 }, time.Second, 5*time.Millisecond)

	// broadcasting with no clients is a no-op
	tp.Consume(event.Termination{})
}

func TestTap_StartAndClose(t *testing.T) {
	tp := New()
	assert.Empty(t, tp.URL())
	require.NoError(t, tp.Start("127.0.0.1:0"))
	require.Error(t, tp.Start("127.0.0.1:0"))

	conn := dial(t, tp.URL())
	require.Eventually(t, func() bool { return tp.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tp.Close())
	require.NoError(t, tp.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestTap_AsAggregator(t *testing.T) {
	tp := New()
	srv := httptest.NewServer(tp)
	defer srv.Close()
	defer tp.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.Eventually(t, func() bool { return tp.Clients() == 1 }, time.Second, 5*time.Millisecond)

	b := bus.NewLocal()
	defer b.Close()
	agg := aggregator.New("tap", tp, []string{parser.ZGCParser}, nil)
	ctx := context.Background()
	require.NoError(t, agg.Deploy(ctx, b))

	require.NoError(t, b.Publish(ctx, parser.ZGCParser, event.ConcurrentPhase{Phase: "Concurrent Mark"}))
	require.NoError(t, b.Publish(ctx, parser.ZGCParser, event.Termination{}))
	require.NoError(t, agg.AwaitCompletion(ctx))

	f := readFrame(t, conn)
	decoded, err := event.Decode(f.Event)
	require.NoError(t, err)
	assert.Equal(t, event.KindConcurrentPhase, decoded.Kind())
}
