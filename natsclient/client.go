// Package natsclient manages a NATS connection for the cross-process event
// bus: connect with a circuit breaker, publish, subscribe, flush, and close
// exactly once.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/health"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Subscription is a live subject subscription
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Client manages one NATS connection
type Client struct {
	url      string
	status   atomic.Value // stores ConnectionStatus
	failures atomic.Int32
	logger   Logger

	conn *nats.Conn

	subsMu sync.Mutex
	subs   []*nats.Subscription

	// Circuit breaker
	backoff          atomic.Value // stores time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Authentication, cleared on close
	username string
	password string
	token    string

	clientName  string
	compression bool

	onHealthChange func(bool)

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a new NATS client with optional configuration
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           &defaultLogger{},
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)

	c.logger.Debugf("Created NATS client for %s", url)
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string {
	return m.url
}

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	val := m.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is healthy
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Health reports the connection as a health status
func (m *Client) Health() health.Status {
	status := m.Status()
	switch status {
	case StatusConnected:
		return health.NewHealthy("nats", "connected")
	case StatusReconnecting, StatusConnecting:
		return health.NewDegraded("nats", status.String())
	default:
		return health.NewUnhealthy("nats", fmt.Sprintf("%s after %d failures", status, m.Failures()))
	}
}

// Failures returns the number of failed connection attempts since the last
// success
func (m *Client) Failures() int32 {
	return m.failures.Load()
}

// recordFailure counts a connection failure and opens the circuit once the
// threshold is reached.
func (m *Client) recordFailure() {
	m.failures.Add(1)
	if m.circuitFailures.Add(1) < m.circuitThreshold {
		return
	}

	current := m.backoff.Load().(time.Duration)
	next := min(current*2, m.maxBackoff)
	m.backoff.Store(next)
	m.circuitFailures.Store(0)

	prev := m.Status()
	if prev != StatusCircuitOpen && m.status.CompareAndSwap(prev, StatusCircuitOpen) {
		m.logger.Printf("Circuit breaker opened, backing off for %v", current)
		time.AfterFunc(current, func() {
			m.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
		})
	}
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
}

// WaitForConnection waits for the connection to be established
func (m *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WrapTransient(
				fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
		}
	}
}

func (m *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(m.maxReconnects),
		nats.ReconnectWait(m.reconnectWait),
		nats.PingInterval(m.pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(m.drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" && m.password != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	if m.compression {
		opts = append(opts, nats.Compression(true))
	}
	return opts
}

// Connect establishes connection to NATS server
func (m *Client) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return errors.WrapFatal(ErrNotConnected, "Client", "Connect", "connect closed client")
	}
	if m.Status() == StatusCircuitOpen {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "check circuit")
	}

	m.setStatus(StatusConnecting)
	m.logger.Printf("Connecting to NATS at %s", m.url)

	opts := m.connectionOptions()
	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(m.url, opts...)
		if err != nil {
			connectDone <- err
			return
		}
		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			m.recordFailure()
			if m.Status() != StatusCircuitOpen {
				m.setStatus(StatusDisconnected)
			}
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		m.recordFailure()
		if m.Status() != StatusCircuitOpen {
			m.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("Connected to NATS at %s", m.url)

	if m.onHealthChange != nil {
		m.onHealthChange(true)
	}
	return nil
}

type subscription struct {
	client *Client
	sub    *nats.Subscription
}

func (s subscription) Subject() string { return s.sub.Subject }

func (s subscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.client.forget(s.sub)
	if stderrors.Is(err, nats.ErrConnectionClosed) || stderrors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

// forget drops sub from the set Close unsubscribes. It takes only subsMu so
// a handler may unsubscribe while Close is draining.
func (m *Client) forget(sub *nats.Subscription) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(s *nats.Subscription) bool { return s == sub })
}

// Subscriptions returns how many subscriptions are still open
func (m *Client) Subscriptions() int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs)
}

// Subscribe delivers every message on subject to handler, one at a time and
// in arrival order. The subscription buffers without limit so a slow handler
// never causes messages to be dropped.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.conn.IsConnected() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "Subscribe", "subscribe to "+subject)
	}

	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe to "+subject)
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "lift pending limits")
	}

	m.subsMu.Lock()
	m.subs = append(m.subs, sub)
	m.subsMu.Unlock()
	return subscription{client: m, sub: sub}, nil
}

// Publish publishes a message to a NATS subject
func (m *Client) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.WrapTransient(ErrNotConnected, "Client", "Publish", "publish to "+subject)
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Flush waits until the server has processed everything sent so far,
// including subscription interest.
func (m *Client) Flush(ctx context.Context) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return errors.WrapTransient(ErrNotConnected, "Client", "Flush", "flush")
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Flush", "flush")
	}
	return nil
}

// RTT returns the round-trip time to the NATS server
func (m *Client) RTT() (time.Duration, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Close drains and closes the connection. Later calls are no-ops.
func (m *Client) Close(ctx context.Context) error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.subsMu.Lock()
	subs := m.subs
	m.subs = nil
	m.subsMu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	if m.conn != nil {
		drainTimeout := m.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		conn := m.conn
		go func() {
			drainDone <- conn.Drain()
		}()

		timer := time.NewTimer(drainTimeout)
		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-timer.C:
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout), "Client", "Close", "drain"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain"))
		}
		timer.Stop()

		conn.Close()
		m.conn = nil
	}

	m.username = ""
	m.password = ""
	m.token = ""
	m.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	if m.closed.Load() {
		return
	}
	m.setStatus(StatusReconnecting)
	m.logger.Printf("Disconnected from NATS: %v", err)
	if m.onHealthChange != nil {
		go m.onHealthChange(false)
	}
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Printf("Reconnected to NATS at %s", m.url)
	if m.onHealthChange != nil {
		go m.onHealthChange(true)
	}
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
}

func (m *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		m.logger.Errorf("NATS error on %s: %v", sub.Subject, err)
		return
	}
	m.logger.Errorf("NATS error: %v", err)
}
