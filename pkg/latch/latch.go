// Package latch provides one-shot signals and counting phase barriers for
// coordinating goroutines without polling.
package latch

import (
	"context"
	"sync"
)

// Latch is a one-shot signal. Once fired it stays fired.
type Latch struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

// New returns an unfired latch.
func New() *Latch {
	l := &Latch{}
	l.channel()
	return l
}

func (l *Latch) channel() chan struct{} {
	l.init.Do(func() { l.ch = make(chan struct{}) })
	return l.ch
}

// Fire signals the latch. Later calls are no-ops.
func (l *Latch) Fire() {
	l.once.Do(func() { close(l.channel()) })
}

// Done returns a channel closed when the latch fires.
func (l *Latch) Done() <-chan struct{} {
	return l.channel()
}

// Fired reports whether Fire has been called.
func (l *Latch) Fired() bool {
	select {
	case <-l.channel():
		return true
	default:
		return false
	}
}

// Wait blocks until the latch fires or ctx ends.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
