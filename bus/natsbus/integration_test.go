//go:build integration

package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/natsclient"
	"github.com/c360/gcstreams/testutil"
)

func TestIntegration_CrossProcessOrder(t *testing.T) {
	tc := natsclient.NewTestClient(t)

	consumer := New(tc.Client, "gc.it")
	defer consumer.Close()
	producer := New(tc.Connect(t), "gc.it")
	defer producer.Close()

	rec := testutil.NewRecorder()
	_, err := consumer.Subscribe("PARSER", "rec", rec.Handle)
	require.NoError(t, err)

	ctx := context.Background()
	const n = 500
	for i := int64(0); i < n; i++ {
		require.NoError(t, producer.Publish(ctx, "PARSER", event.LogLine{Source: "gc.log", Number: i}))
	}
	require.NoError(t, producer.Publish(ctx, "PARSER", event.Termination{}))

	rec.WaitForCount(t, n+1, 10*time.Second)
	events := rec.Events()
	for i := 0; i < n; i++ {
		require.Equal(t, int64(i), events[i].(event.LogLine).Number)
	}
	assert.True(t, event.IsTermination(events[n]))
}
