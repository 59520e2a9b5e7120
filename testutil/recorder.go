package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/event"
)

// Recorder captures every event handed to Handle. It is safe for concurrent
// use and its Handle method can be passed directly as a bus handler.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
	// Err, when set, is returned from Handle after recording
	Err error
	// Panic, when set, makes Handle panic after recording
	Panic any
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Handle records e
func (r *Recorder) Handle(_ context.Context, e event.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	err, p := r.Err, r.Panic
	r.mu.Unlock()

	if p != nil {
		panic(p)
	}
	return err
}

// Events returns a copy of the recorded events in arrival order
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns the number of recorded events
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Terminations returns how many recorded events were terminations
func (r *Recorder) Terminations() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if event.IsTermination(e) {
			n++
		}
	}
	return n
}

// WaitForCount fails the test unless at least n events arrive within timeout
func (r *Recorder) WaitForCount(t testing.TB, n int, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Count() >= n }, timeout, 5*time.Millisecond,
		"expected %d events, got %d", n, r.Count())
}
