package aggregator

import (
	"maps"
	"sync"
	"time"

	"github.com/c360/gcstreams/event"
)

// CollectorSummary is the pause profile of one collector
type CollectorSummary struct {
	Pauses int64         `json:"pauses" yaml:"pauses"`
	Total  time.Duration `json:"total" yaml:"total"`
	Max    time.Duration `json:"max" yaml:"max"`
}

// PauseSummary is a snapshot of PauseStats
type PauseSummary struct {
	Pauses          int64                       `json:"pauses" yaml:"pauses"`
	Total           time.Duration               `json:"total" yaml:"total"`
	Max             time.Duration               `json:"max" yaml:"max"`
	Mean            time.Duration               `json:"mean" yaml:"mean"`
	ReclaimedKB     int64                       `json:"reclaimed_kb" yaml:"reclaimed_kb"`
	Phases          int64                       `json:"concurrent_phases" yaml:"concurrent_phases"`
	PhaseTotal      time.Duration               `json:"concurrent_total" yaml:"concurrent_total"`
	ByCollector     map[string]CollectorSummary `json:"by_collector,omitempty" yaml:"by_collector,omitempty"`
	ByType          map[string]int64            `json:"by_type,omitempty" yaml:"by_type,omitempty"`
	FirstPauseStart event.DateTimeStamp         `json:"first_pause_start" yaml:"first_pause_start"`
}

// PauseStats accumulates stop-the-world pause statistics
type PauseStats struct {
	mu sync.Mutex
	s  PauseSummary
}

var _ Aggregation = (*PauseStats)(nil)

// NewPauseStats creates empty pause statistics
func NewPauseStats() *PauseStats {
	return &PauseStats{s: PauseSummary{
		ByCollector: make(map[string]CollectorSummary),
		ByType:      make(map[string]int64),
	}}
}

// Consume implements Aggregation
func (p *PauseStats) Consume(e event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch v := e.(type) {
	case event.GCPause:
		p.pause(v)
	case *event.GCPause:
		p.pause(*v)
	case event.ConcurrentPhase:
		p.s.Phases++
		p.s.PhaseTotal += v.Elapsed
	case *event.ConcurrentPhase:
		p.s.Phases++
		p.s.PhaseTotal += v.Elapsed
	}
}

func (p *PauseStats) pause(v event.GCPause) {
	if p.s.Pauses == 0 {
		p.s.FirstPauseStart = v.Start
	}
	p.s.Pauses++
	p.s.Total += v.Elapsed
	p.s.Max = max(p.s.Max, v.Elapsed)
	if r := v.Reclaimed(); r > 0 {
		p.s.ReclaimedKB += r
	}

	c := p.s.ByCollector[v.Collector]
	c.Pauses++
	c.Total += v.Elapsed
	c.Max = max(c.Max, v.Elapsed)
	p.s.ByCollector[v.Collector] = c
	p.s.ByType[v.Type]++
}

// Summary returns a copy of the statistics so far
func (p *PauseStats) Summary() PauseSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.s
	out.ByCollector = maps.Clone(p.s.ByCollector)
	out.ByType = maps.Clone(p.s.ByType)
	if out.Pauses > 0 {
		out.Mean = out.Total / time.Duration(out.Pauses)
	}
	return out
}

// Counts is a snapshot of EventCounter
type Counts struct {
	Total     int64            `json:"total" yaml:"total"`
	ByKind    map[string]int64 `json:"by_kind" yaml:"by_kind"`
	ByChannel map[string]int64 `json:"by_channel" yaml:"by_channel"`
}

// EventCounter counts events by kind and by arrival channel
type EventCounter struct {
	mu sync.Mutex
	c  Counts
}

var _ ChannelAggregation = (*EventCounter)(nil)

// NewEventCounter creates a zeroed counter
func NewEventCounter() *EventCounter {
	return &EventCounter{c: Counts{
		ByKind:    make(map[string]int64),
		ByChannel: make(map[string]int64),
	}}
}

// Consume implements Aggregation for callers without channel context
func (ec *EventCounter) Consume(e event.Event) {
	ec.ConsumeFrom("", e)
}

// ConsumeFrom implements ChannelAggregation
func (ec *EventCounter) ConsumeFrom(channel string, e event.Event) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	ec.c.Total++
	ec.c.ByKind[e.Kind().String()]++
	if channel != "" {
		ec.c.ByChannel[channel]++
	}
}

// Counts returns a copy of the counts so far
func (ec *EventCounter) Counts() Counts {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	return Counts{
		Total:     ec.c.Total,
		ByKind:    maps.Clone(ec.c.ByKind),
		ByChannel: maps.Clone(ec.c.ByChannel),
	}
}

// Func adapts a plain function to Aggregation
type Func func(e event.Event)

// Consume implements Aggregation
func (f Func) Consume(e event.Event) { f(e) }
