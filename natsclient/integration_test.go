//go:build integration

package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	sub, err := tc.Client.Subscribe(ctx, "gc.test", func(_ context.Context, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "gc.test", sub.Subject())
	assert.Equal(t, 1, tc.Client.Subscriptions())
	require.NoError(t, tc.Client.Flush(ctx))

	publisher := tc.Connect(t)
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, publisher.Publish(ctx, "gc.test", []byte(msg)))
	}
	require.NoError(t, publisher.Flush(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.Zero(t, tc.Client.Subscriptions())

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)
}
