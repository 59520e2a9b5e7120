// Package event defines the closed set of JVM events that flow through a
// gcstreams pipeline and their versioned wire encoding.
//
// Every value on the bus is an Event. Raw content from a log source travels as
// LogLine, parsers emit GCPause and ConcurrentPhase, and every channel ends
// with exactly one Termination. Termination is identified by Kind, never by
// comparing payload text.
package event

import (
	"time"
)

// Kind discriminates the event variants.
type Kind uint8

const (
	// KindUnknown is never published; it marks undecodable input
	KindUnknown Kind = iota
	// KindLogLine is one raw unit of log content
	KindLogLine
	// KindGCPause is a stop-the-world collection pause
	KindGCPause
	// KindConcurrentPhase is a phase running alongside the application
	KindConcurrentPhase
	// KindTermination marks end-of-stream on a channel
	KindTermination
)

var kindNames = map[Kind]string{
	KindLogLine:         "log_line",
	KindGCPause:         "gc_pause",
	KindConcurrentPhase: "concurrent_phase",
	KindTermination:     "termination",
}

// String returns the wire name of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Event is an immutable record of one observed JVM occurrence.
type Event interface {
	Kind() Kind
	// Timestamp is when the event began
	Timestamp() DateTimeStamp
	// Duration is how long the event spanned; may be zero
	Duration() time.Duration
}

// IsTermination reports whether e marks end-of-stream.
func IsTermination(e Event) bool {
	return e != nil && e.Kind() == KindTermination
}

// End returns the point at which e finished.
func End(e Event) DateTimeStamp {
	return e.Timestamp().Add(e.Duration())
}

// LogLine carries one unit of raw content read from a log source.
type LogLine struct {
	Source string `json:"source"`
	Number int64  `json:"number"`
	Text   string `json:"text"`
}

// Kind implements Event
func (LogLine) Kind() Kind { return KindLogLine }

// Timestamp implements Event. Raw lines are not yet parsed and carry no time.
func (LogLine) Timestamp() DateTimeStamp { return Epoch }

// Duration implements Event
func (LogLine) Duration() time.Duration { return 0 }

// GCPause is a stop-the-world collection. Heap sizes are in kilobytes.
type GCPause struct {
	Start        DateTimeStamp `json:"start"`
	Elapsed      time.Duration `json:"elapsed"`
	GCID         int64         `json:"gc_id"`
	Collector    string        `json:"collector"`
	Type         string        `json:"type"`
	Cause        string        `json:"cause,omitempty"`
	HeapBefore   int64         `json:"heap_before_kb"`
	HeapAfter    int64         `json:"heap_after_kb"`
	HeapCapacity int64         `json:"heap_capacity_kb"`
}

// Kind implements Event
func (GCPause) Kind() Kind { return KindGCPause }

// Timestamp implements Event
func (p GCPause) Timestamp() DateTimeStamp { return p.Start }

// Duration implements Event
func (p GCPause) Duration() time.Duration { return p.Elapsed }

// Reclaimed returns the kilobytes freed by the pause.
func (p GCPause) Reclaimed() int64 {
	return p.HeapBefore - p.HeapAfter
}

// ConcurrentPhase is a collector phase that runs alongside the application.
type ConcurrentPhase struct {
	Start     DateTimeStamp `json:"start"`
	Elapsed   time.Duration `json:"elapsed"`
	GCID      int64         `json:"gc_id"`
	Collector string        `json:"collector"`
	Phase     string        `json:"phase"`
}

// Kind implements Event
func (ConcurrentPhase) Kind() Kind { return KindConcurrentPhase }

// Timestamp implements Event
func (c ConcurrentPhase) Timestamp() DateTimeStamp { return c.Start }

// Duration implements Event
func (c ConcurrentPhase) Duration() time.Duration { return c.Elapsed }

// Termination marks end-of-stream on a channel. It has no payload.
type Termination struct{}

// Kind implements Event
func (Termination) Kind() Kind { return KindTermination }

// Timestamp implements Event
func (Termination) Timestamp() DateTimeStamp { return Epoch }

// Duration implements Event
func (Termination) Duration() time.Duration { return 0 }
