// Package component defines the deployable units of a pipeline and the
// lifecycle every unit moves through:
//
//	undeployed -> deploying -> ready -> running -> completed
//
// with failed reachable from any active state. A unit is ready once its
// subscriptions are live, and completed once it has observed end-of-stream.
package component

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/health"
	"github.com/c360/gcstreams/pkg/latch"
)

// State represents the current lifecycle state of a unit
type State int

const (
	// StateUndeployed indicates the unit holds no subscriptions
	StateUndeployed State = iota
	// StateDeploying indicates the unit is registering its subscriptions
	StateDeploying
	// StateReady indicates every subscription is live
	StateReady
	// StateRunning indicates the unit has handled at least one event
	StateRunning
	// StateCompleted indicates the unit observed end-of-stream
	StateCompleted
	// StateFailed indicates deployment or processing failed
	StateFailed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateUndeployed:
		return "undeployed"
	case StateDeploying:
		return "deploying"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateUndeployed: {StateDeploying},
	StateDeploying:  {StateReady, StateFailed, StateUndeployed},
	StateReady:      {StateRunning, StateCompleted, StateFailed, StateUndeployed},
	StateRunning:    {StateCompleted, StateFailed, StateUndeployed},
	StateCompleted:  {StateUndeployed},
	StateFailed:     {StateUndeployed},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Unit is anything the orchestrator deploys onto a bus
type Unit interface {
	Name() string
	// Deploy registers the unit on b and returns once it is ready to
	// receive events.
	Deploy(ctx context.Context, b bus.Bus) error
	// Undeploy releases the unit's subscriptions. It is idempotent.
	Undeploy() error
}

// Completer is a unit that signals when it has finished consuming
type Completer interface {
	Unit
	// AwaitCompletion blocks until the unit has seen end-of-stream on every
	// channel it consumes, or ctx ends.
	AwaitCompletion(ctx context.Context) error
}

// HealthReporter is a unit that can describe its own health
type HealthReporter interface {
	Health() health.Status
}

// Lifecycle tracks one unit's state. Ready and Completed are one-shot
// signals that stay fired after the unit is undeployed.
type Lifecycle struct {
	name string

	mu       sync.RWMutex
	state    State
	err      error
	started  time.Time
	handled  int64
	failures int64

	ready     *latch.Latch
	completed *latch.Latch
}

// NewLifecycle returns an undeployed lifecycle for the named unit
func NewLifecycle(name string) *Lifecycle {
	return &Lifecycle{
		name:      name,
		ready:     latch.New(),
		completed: latch.New(),
	}
}

// State returns the current state
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Err returns the failure recorded by Fail, if any
func (l *Lifecycle) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Transition moves to the given state, firing the ready or completed signal
// on entry.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transitionLocked(to)
}

func (l *Lifecycle) transitionLocked(to State) error {
	if !CanTransition(l.state, to) {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s -> %s", errors.ErrInvalidTransition, l.state, to),
			"Lifecycle", "Transition", l.name)
	}
	l.state = to

	switch to {
	case StateDeploying:
		l.started = time.Now()
	case StateReady:
		l.ready.Fire()
	case StateCompleted:
		l.completed.Fire()
	}
	return nil
}

// Fail records err and moves to failed when that is legal.
func (l *Lifecycle) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err == nil {
		l.err = err
	}
	if CanTransition(l.state, StateFailed) {
		l.state = StateFailed
	}
}

// Handled counts one processed event, moving ready to running on the first.
func (l *Lifecycle) Handled() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.handled++
	if l.state == StateReady {
		l.state = StateRunning
	}
}

// Failed counts one contained processing failure
func (l *Lifecycle) Failed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
}

// Complete moves to completed unless the unit already completed or left the
// active states. It reports whether this call completed the unit.
func (l *Lifecycle) Complete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateReady && l.state != StateRunning {
		return false
	}
	return l.transitionLocked(StateCompleted) == nil
}

// Undeploy returns to undeployed; it reports false when already there.
func (l *Lifecycle) Undeploy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateUndeployed {
		return false
	}
	l.state = StateUndeployed
	return true
}

// Ready returns the signal fired when the unit becomes ready
func (l *Lifecycle) Ready() *latch.Latch { return l.ready }

// Completed returns the signal fired when the unit completes
func (l *Lifecycle) Completed() *latch.Latch { return l.completed }

// Health reports the lifecycle as a health status. Failed units are
// unhealthy; units that contained handler failures are degraded.
func (l *Lifecycle) Health() health.Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var status health.Status
	switch {
	case l.state == StateFailed || l.err != nil:
		status = health.FromError(l.name, l.err)
		if l.err == nil {
			status = health.NewUnhealthy(l.name, "failed")
		}
	case l.failures > 0:
		status = health.NewDegraded(l.name, fmt.Sprintf("%s with %d contained failures", l.state, l.failures))
	default:
		status = health.NewHealthy(l.name, l.state.String())
	}

	var uptime time.Duration
	if !l.started.IsZero() {
		uptime = time.Since(l.started)
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:        uptime,
		EventsHandled: l.handled,
		Failures:      l.failures,
	})
}
