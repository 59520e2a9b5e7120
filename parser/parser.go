// Package parser hosts the parser units of a pipeline. A Parser consumes raw
// LogLine events from the shared inbox, hands each line to its Dialect, and
// publishes the typed events the dialect recognizes to its own outbox. On
// the inbox termination it forwards exactly one termination to the outbox and
// deactivates.
package parser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/gcstreams/bus"
	"github.com/c360/gcstreams/component"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/health"
	"github.com/c360/gcstreams/metric"
)

// Parser is a deployable unit wrapping one Dialect
type Parser struct {
	dialect Dialect
	inbox   string
	logger  *slog.Logger
	metrics *metric.Metrics
	lc      *component.Lifecycle

	mu  sync.Mutex
	bus bus.Bus
	sub bus.Subscription

	forwarded atomic.Bool
	emitted   atomic.Int64
	rejected  atomic.Int64
}

var (
	_ component.Completer      = (*Parser)(nil)
	_ component.HealthReporter = (*Parser)(nil)
)

// New creates a parser reading inbox through d. An empty inbox means Inbox.
func New(d Dialect, inbox string, logger *slog.Logger, registry *metric.MetricsRegistry) *Parser {
	if inbox == "" {
		inbox = Inbox
	}
	if logger == nil {
		logger = slog.Default()
	}
	name := "parser:" + d.Name()
	return &Parser{
		dialect: d,
		inbox:   inbox,
		logger:  logger.With("component", name, "outbox", d.Outbox()),
		metrics: registry.CoreMetrics(),
		lc:      component.NewLifecycle(name),
	}
}

// Name implements component.Unit
func (p *Parser) Name() string { return "parser:" + p.dialect.Name() }

// Inbox returns the channel the parser consumes
func (p *Parser) Inbox() string { return p.inbox }

// Outbox returns the channel the parser publishes to
func (p *Parser) Outbox() string { return p.dialect.Outbox() }

// Deploy implements component.Unit. It returns once the inbox subscription
// is live.
func (p *Parser) Deploy(ctx context.Context, b bus.Bus) error {
	if err := ctx.Err(); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, err)
	}
	if err := p.lc.Transition(component.StateDeploying); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, errors.Tag(errors.ErrAlreadyDeployed, err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.bus = b
	sub, err := b.Subscribe(p.inbox, p.Name(), p.handle)
	if err != nil {
		p.bus = nil
		p.lc.Fail(err)
		return errors.Tag(errors.ErrDeploymentFailed,
			errors.Wrap(err, "Parser", "Deploy", "subscribe to "+p.inbox))
	}
	p.sub = sub

	if err := p.lc.Transition(component.StateReady); err != nil {
		return errors.Tag(errors.ErrDeploymentFailed, err)
	}
	p.logger.Debug("Parser ready", "inbox", p.inbox)
	return nil
}

func (p *Parser) handle(ctx context.Context, e event.Event) error {
	p.mu.Lock()
	b := p.bus
	p.mu.Unlock()
	if b == nil {
		return nil
	}

	if event.IsTermination(e) {
		return p.terminate(ctx, b)
	}
	if p.forwarded.Load() {
		return nil
	}

	line, ok := asLogLine(e)
	if !ok {
		return nil
	}

	events, err := p.dialect.Parse(line)
	if err != nil {
		p.rejected.Add(1)
		p.lc.Failed()
		return errors.Tag(errors.ErrHandlerFailed, errors.Wrap(err, "Parser", "handle",
			fmt.Sprintf("parse %s:%d", line.Source, line.Number)))
	}

	for _, out := range events {
		if err := b.Publish(ctx, p.dialect.Outbox(), out); err != nil {
			return errors.Tag(errors.ErrHandlerFailed,
				errors.Wrap(err, "Parser", "handle", "publish to "+p.dialect.Outbox()))
		}
		p.emitted.Add(1)
	}
	p.lc.Handled()
	return nil
}

// terminate forwards the termination once, then stops consuming
func (p *Parser) terminate(ctx context.Context, b bus.Bus) error {
	if p.forwarded.Swap(true) {
		return nil
	}

	err := b.Publish(context.WithoutCancel(ctx), p.dialect.Outbox(), event.Termination{})

	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}

	if err != nil {
		p.lc.Fail(err)
		return errors.Tag(errors.ErrHandlerFailed,
			errors.Wrap(err, "Parser", "terminate", "forward termination"))
	}
	p.lc.Complete()
	p.logger.Debug("Parser completed", "emitted", p.emitted.Load(), "rejected", p.rejected.Load())
	return nil
}

func asLogLine(e event.Event) (event.LogLine, bool) {
	switch v := e.(type) {
	case event.LogLine:
		return v, true
	case *event.LogLine:
		if v != nil {
			return *v, true
		}
	}
	return event.LogLine{}, false
}

// AwaitCompletion implements component.Completer
func (p *Parser) AwaitCompletion(ctx context.Context) error {
	return p.lc.Completed().Wait(ctx)
}

// Emitted returns how many events the parser has published, excluding the
// termination.
func (p *Parser) Emitted() int64 { return p.emitted.Load() }

// Undeploy implements component.Unit
func (p *Parser) Undeploy() error {
	if !p.lc.Undeploy() {
		return nil
	}

	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.bus = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	return nil
}

// State returns the parser's lifecycle state
func (p *Parser) State() component.State { return p.lc.State() }

// Health implements component.HealthReporter
func (p *Parser) Health() health.Status { return p.lc.Health() }
