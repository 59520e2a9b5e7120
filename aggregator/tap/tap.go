// Package tap streams pipeline events to websocket clients. A Tap is an
// aggregation: wrap it in an aggregator.Aggregator subscribed to the channels
// to watch, and every event consumed is broadcast as a JSON frame.
package tap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gcstreams/aggregator"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/metric"
)

const (
	// DefaultPath is where Start serves the websocket endpoint
	DefaultPath = "/events"
	// DefaultBufferSize is the number of frames queued per client
	DefaultBufferSize = 256

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Frame is one message sent to clients
type Frame struct {
	Channel string          `json:"channel,omitempty"`
	Event   json.RawMessage `json:"event"`
}

// Metrics holds Prometheus metrics for a Tap
type Metrics struct {
	clients prometheus.Gauge
	frames  prometheus.Counter
	dropped prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gcstreams",
			Subsystem: "tap",
			Name:      "clients_connected",
			Help:      "Websocket clients currently connected to the tap",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gcstreams",
			Subsystem: "tap",
			Name:      "frames_sent_total",
			Help:      "Frames queued to tap clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gcstreams",
			Subsystem: "tap",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a client fell behind",
		}),
	}

	// registration conflicts leave the metric unexported but still usable
	_ = registry.RegisterGauge("tap", "clients_connected", m.clients)
	_ = registry.RegisterCounter("tap", "frames_sent_total", m.frames)
	_ = registry.RegisterCounter("tap", "frames_dropped_total", m.dropped)
	return m
}

// Option configures a Tap
type Option func(*Tap)

// WithLogger sets the tap's logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tap) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics exports client and frame counts
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(t *Tap) {
		t.metrics = newMetrics(registry)
	}
}

// WithBufferSize sets how many frames each client may lag behind before
// frames are dropped for it
func WithBufferSize(n int) Option {
	return func(t *Tap) {
		if n > 0 {
			t.bufferSize = n
		}
	}
}

// Tap broadcasts consumed events to websocket clients. Slow clients lose
// frames rather than slowing the pipeline.
type Tap struct {
	logger     *slog.Logger
	metrics    *Metrics
	bufferSize int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	serverMu sync.Mutex
	server   *http.Server
	listener net.Listener

	wg sync.WaitGroup
}

var _ aggregator.ChannelAggregation = (*Tap)(nil)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// New creates a tap with no clients
func New(opts ...Option) *Tap {
	t := &Tap{
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
		clients:    make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "tap")
	return t
}

// Consume implements aggregator.Aggregation
func (t *Tap) Consume(e event.Event) {
	t.ConsumeFrom("", e)
}

// ConsumeFrom implements aggregator.ChannelAggregation
func (t *Tap) ConsumeFrom(channel string, e event.Event) {
	encoded, err := event.Encode(e)
	if err != nil {
		t.logger.Warn("Dropping unencodable event", "channel", channel, "error", err)
		return
	}
	data, err := json.Marshal(Frame{Channel: channel, Event: encoded})
	if err != nil {
		t.logger.Warn("Dropping unframeable event", "channel", channel, "error", err)
		return
	}
	t.broadcast(data)
}

func (t *Tap) broadcast(data []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for c := range t.clients {
		select {
		case c.send <- data:
			if t.metrics != nil {
				t.metrics.frames.Inc()
			}
		default:
			if t.metrics != nil {
				t.metrics.dropped.Inc()
			}
		}
	}
}

// ServeHTTP upgrades the request and streams frames until the client goes
// away or the tap closes.
func (t *Tap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, t.bufferSize)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.clients[c] = struct{}{}
	count := len(t.clients)
	t.wg.Add(1)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.clients.Set(float64(count))
	}
	t.logger.Debug("Tap client connected", "remote", r.RemoteAddr, "clients", count)

	go t.write(c)
	t.read(c)
}

// read discards client input; its only job is noticing disconnects
func (t *Tap) read(c *client) {
	defer t.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write owns the connection; closing it unblocks read
func (t *Tap) write(c *client) {
	defer t.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tap closed"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.remove(c)
				return
			}
		}
	}
}

func (t *Tap) remove(c *client) {
	c.once.Do(func() {
		t.mu.Lock()
		delete(t.clients, c)
		count := len(t.clients)
		t.mu.Unlock()

		close(c.send)
		if t.metrics != nil {
			t.metrics.clients.Set(float64(count))
		}
	})
}

// Clients returns the number of connected clients
func (t *Tap) Clients() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.clients)
}

// Start serves the tap on addr at DefaultPath in the background
func (t *Tap) Start(addr string) error {
	t.serverMu.Lock()
	defer t.serverMu.Unlock()

	if t.server != nil {
		return errors.WrapInvalid(fmt.Errorf("tap already serving"), "Tap", "Start", "start server")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Tap", "Start", fmt.Sprintf("listen on %s", addr))
	}

	mux := http.NewServeMux()
	mux.Handle(DefaultPath, t)
	t.listener = listener
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	server := t.server
	go func() {
		_ = server.Serve(listener)
	}()
	t.logger.Info("Tap serving", "url", t.url())
	return nil
}

// URL returns the websocket URL clients connect to, or "" before Start
func (t *Tap) URL() string {
	t.serverMu.Lock()
	defer t.serverMu.Unlock()
	return t.url()
}

func (t *Tap) url() string {
	if t.listener == nil {
		return ""
	}
	return "ws://" + t.listener.Addr().String() + DefaultPath
}

// Close disconnects every client and stops the server. It is idempotent.
func (t *Tap) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	clients := make([]*client, 0, len(t.clients))
	for c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	for _, c := range clients {
		t.remove(c)
	}
	t.wg.Wait()

	t.serverMu.Lock()
	defer t.serverMu.Unlock()
	if t.server == nil {
		return nil
	}
	err := t.server.Close()
	t.server = nil
	if err != nil {
		return errors.WrapTransient(err, "Tap", "Close", "close HTTP server")
	}
	return nil
}
