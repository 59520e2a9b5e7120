package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient_Options(t *testing.T) {
	client, err := NewClient("nats://localhost:4222",
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(2*time.Second),
		WithName("gcstreams"),
		WithCircuitBreakerThreshold(2),
		WithPingInterval(5*time.Second),
		WithMaxBackoff(10*time.Second),
		WithDrainTimeout(3*time.Second),
		WithCompression(true),
	)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, int32(2), client.circuitThreshold)
	assert.Equal(t, 5*time.Second, client.pingInterval)
	assert.Equal(t, 10*time.Second, client.maxBackoff)
	assert.Equal(t, 3*time.Second, client.drainTimeout)
	assert.True(t, client.compression)

	_, err = NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://localhost:4222", WithMaxBackoff(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithLogger(nil))
	assert.Error(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	err = client.Publish(ctx, "gc.PARSER", []byte("x"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Subscribe(ctx, "gc.PARSER", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	assert.ErrorIs(t, client.Flush(ctx), ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_CircuitOpensAfterThreshold(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithCircuitBreakerThreshold(2),
		WithTimeout(100*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, client.Connect(ctx))
	assert.Error(t, client.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, client.Status())

	err = client.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, errors.IsTransient(err))

	status := client.Health()
	assert.True(t, status.IsUnhealthy())
	assert.Contains(t, status.Message, "circuit_open")
}

func TestClient_HealthBeforeConnect(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	status := client.Health()
	assert.Equal(t, "nats", status.Component)
	assert.False(t, status.Healthy)
}

func TestClient_CloseIdempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))
	require.NoError(t, client.Close(context.Background()))

	err = client.Connect(context.Background())
	assert.True(t, errors.IsFatal(err))
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	assert.ErrorIs(t, err, errors.ErrConnectionTimeout)
}

func TestSubscription_UnsubscribeForgets(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	first, second := &nats.Subscription{Subject: "gc.a"}, &nats.Subscription{Subject: "gc.b"}
	client.subs = []*nats.Subscription{first, second}

	sub := subscription{client: client, sub: first}
	require.NoError(t, sub.Unsubscribe(), "a subscription on a closed connection unsubscribes quietly")
	assert.Equal(t, 1, client.Subscriptions())
	assert.Same(t, second, client.subs[0])

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 1, client.Subscriptions(), "repeat unsubscribe is a no-op")

	require.NoError(t, subscription{client: client, sub: second}.Unsubscribe())
	assert.Zero(t, client.Subscriptions())
}
