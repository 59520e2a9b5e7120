package parser

import (
	"regexp"
	"time"

	"github.com/c360/gcstreams/event"
)

var (
	// [2024-03-01T12:00:05.000+0000: ]5.000: [Full GC (Ergonomics) ...
	generationalPrefix = regexp.MustCompile(
		`^(?:(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d\.\d{3}[+-]\d{4}): )?(\d+\.\d+): \[(Full GC|GC)(?: \(((?:[^()]|\(\))*)\))?(.*)$`)
	// whole-heap occupancy follows a closing bracket or paren, never a pool name
	generationalHeap     = regexp.MustCompile(`[\])]\s+(\d+)K->(\d+)K\((\d+)K\)`)
	generationalDuration = regexp.MustCompile(`, (\d+\.\d+) secs\]`)
	generationalPool     = regexp.MustCompile(`\[(PSYoungGen|ParNew|DefNew|ASParNew|PSOldGen|ParOldGen|CMS|Tenured):`)
	// [CMS-concurrent-mark: 0.123/0.456 secs]
	generationalConcurrent = regexp.MustCompile(
		`^(?:(\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d\.\d{3}[+-]\d{4}): )?(\d+\.\d+): \[(CMS-concurrent-[a-z-]+): (\d+\.\d+)/\d+\.\d+ secs\]`)
)

var poolCollectors = map[string]string{
	"PSYoungGen": "Parallel",
	"PSOldGen":   "Parallel",
	"ParOldGen":  "Parallel",
	"ParNew":     "CMS",
	"ASParNew":   "CMS",
	"CMS":        "CMS",
	"DefNew":     "Serial",
	"Tenured":    "Serial",
}

// Generational parses JDK 8 -XX:+PrintGCDetails output: young and full
// collections plus CMS concurrent phases.
type Generational struct {
	name   string
	outbox string
}

var _ Dialect = (*Generational)(nil)

// NewGenerational creates a JDK 8 dialect publishing to outbox
func NewGenerational(name, outbox string) *Generational {
	return &Generational{name: name, outbox: outbox}
}

// Name implements Dialect
func (g *Generational) Name() string { return g.name }

// Outbox implements Dialect
func (g *Generational) Outbox() string { return g.outbox }

// Parse implements Dialect
func (g *Generational) Parse(line event.LogLine) ([]event.Event, error) {
	if c := generationalConcurrent.FindStringSubmatch(line.Text); c != nil {
		stamp, err := generationalStamp(c[1], c[2])
		if err != nil {
			return nil, err
		}
		elapsed, err := parseFloat(c[4])
		if err != nil {
			return nil, err
		}
		return []event.Event{event.ConcurrentPhase{
			Start:     stamp,
			Elapsed:   scaled(elapsed, time.Second),
			GCID:      -1,
			Collector: "CMS",
			Phase:     c[3],
		}}, nil
	}

	m := generationalPrefix.FindStringSubmatch(line.Text)
	if m == nil {
		return nil, nil
	}
	body := m[5]

	// nested pool records carry their own durations; the outermost comes last
	durations := generationalDuration.FindAllStringSubmatchIndex(body, -1)
	if len(durations) == 0 {
		// multi-line records are out of scope; the head line alone is not timed
		return nil, nil
	}
	d := durations[len(durations)-1]
	secs, err := parseFloat(body[d[2]:d[3]])
	if err != nil {
		return nil, err
	}
	stamp, err := generationalStamp(m[1], m[2])
	if err != nil {
		return nil, err
	}

	pause := event.GCPause{
		Start:     stamp,
		Elapsed:   scaled(secs, time.Second),
		GCID:      -1,
		Collector: "unknown",
		Type:      m[3],
		Cause:     m[4],
	}
	if pool := generationalPool.FindStringSubmatch(body); pool != nil {
		pause.Collector = poolCollectors[pool[1]]
	}

	// the last whole-heap figure before the duration describes the pause;
	// prefix with ")" so a line without pool details still matches
	heaps := generationalHeap.FindAllStringSubmatch(")"+body[:d[0]], -1)
	if len(heaps) > 0 {
		h := heaps[len(heaps)-1]
		if pause.HeapBefore, err = parseInt(h[1]); err != nil {
			return nil, err
		}
		if pause.HeapAfter, err = parseInt(h[2]); err != nil {
			return nil, err
		}
		if pause.HeapCapacity, err = parseInt(h[3]); err != nil {
			return nil, err
		}
	}
	return []event.Event{pause}, nil
}

func generationalStamp(date, uptime string) (event.DateTimeStamp, error) {
	up, err := parseFloat(uptime)
	if err != nil {
		return event.Epoch, err
	}
	if date == "" {
		return event.AtUptime(up), nil
	}
	t, err := parseDate(date)
	if err != nil {
		return event.Epoch, err
	}
	return event.At(t, up), nil
}
