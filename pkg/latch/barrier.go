package latch

import (
	"context"
	"sync"
)

// Barrier releases waiters once a fixed number of parties have arrived, or as
// soon as one of them fails. The first failure wins.
type Barrier struct {
	mu      sync.Mutex
	need    int
	arrived int
	err     error
	done    *Latch
}

// NewBarrier returns a barrier requiring n arrivals. A barrier with n <= 0 is
// already open.
func NewBarrier(n int) *Barrier {
	b := &Barrier{need: n, done: New()}
	if n <= 0 {
		b.done.Fire()
	}
	return b
}

// Arrive records one successful party. Arrivals past the target are ignored.
func (b *Barrier) Arrive() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done.Fired() {
		return
	}
	b.arrived++
	if b.arrived >= b.need {
		b.done.Fire()
	}
}

// Fail opens the barrier with err unless it is already open.
func (b *Barrier) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done.Fired() {
		return
	}
	b.err = err
	b.done.Fire()
}

// Count returns the number of recorded arrivals.
func (b *Barrier) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrived
}

// Done returns a channel closed once the barrier opens.
func (b *Barrier) Done() <-chan struct{} {
	return b.done.Done()
}

// Wait blocks until every party has arrived, one has failed, or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	if err := b.done.Wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
