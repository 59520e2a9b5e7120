package parser

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/gcstreams/event"
)

var (
	// one or more leading [decoration] blocks, then the message
	unifiedDecorations = regexp.MustCompile(`^((?:\[[^\]]*\])+)\s*(.*)$`)
	unifiedDecoration  = regexp.MustCompile(`\[([^\]]*)\]`)
	unifiedUptime      = regexp.MustCompile(`^(\d+(?:\.\d+)?)(s|ms)$`)
	unifiedDate        = regexp.MustCompile(`^\d{4}-\d\d-\d\dT\d\d:\d\d:\d\d\.\d{3}[+-]\d{4}$`)

	unifiedUsing = regexp.MustCompile(`^Using (.+)$`)
	// GC(3) <description> 120M->30M(256M) 45.100ms
	unifiedHeapPause = regexp.MustCompile(
		`^GC\((\d+)\) (Pause .+?)\s+(\d+)([BKMG])->(\d+)([BKMG])\((\d+)([BKMG])\)\s+(\d+(?:\.\d+)?)ms$`)
	// GC(2) Pause Mark Start 0.012ms
	unifiedBarePause = regexp.MustCompile(`^GC\((\d+)\) (Pause [^0-9]+?)\s+(\d+(?:\.\d+)?)ms$`)
	// GC(1) Concurrent Mark Cycle 12.345ms
	unifiedConcurrent = regexp.MustCompile(`^GC\((\d+)\) (Concurrent [^(0-9]+?)(?:\s+\([^)]*\))?\s+(\d+(?:\.\d+)?)ms$`)
)

// pause subtypes that belong to the type rather than naming a cause
var pauseSubtypes = map[string]bool{
	"Normal":           true,
	"Concurrent Start": true,
	"Concurrent End":   true,
	"Prepare Mixed":    true,
	"Mixed":            true,
	"Initial Mark":     true,
	"Remark":           true,
	"Cleanup":          true,
}

// Unified parses JDK 9+ unified logging (-Xlog:gc) for any collector. The
// collector name is taken from the "Using ..." banner when one has been seen.
type Unified struct {
	name      string
	outbox    string
	collector string
}

var _ Dialect = (*Unified)(nil)

// NewUnified creates a unified-logging dialect publishing to outbox
func NewUnified(name, outbox string) *Unified {
	return &Unified{name: name, outbox: outbox, collector: "unknown"}
}

// Name implements Dialect
func (u *Unified) Name() string { return u.name }

// Outbox implements Dialect
func (u *Unified) Outbox() string { return u.outbox }

// Parse implements Dialect
func (u *Unified) Parse(line event.LogLine) ([]event.Event, error) {
	m := unifiedDecorations.FindStringSubmatch(line.Text)
	if m == nil {
		return nil, nil
	}
	stamp, ok, err := u.stamp(m[1])
	if err != nil || !ok {
		return nil, err
	}
	msg := strings.TrimSpace(m[2])

	if using := unifiedUsing.FindStringSubmatch(msg); using != nil {
		u.collector = collectorName(using[1])
		return nil, nil
	}

	if p := unifiedHeapPause.FindStringSubmatch(msg); p != nil {
		return u.heapPause(stamp, p)
	}
	if p := unifiedBarePause.FindStringSubmatch(msg); p != nil {
		gcid, err := parseInt(p[1])
		if err != nil {
			return nil, err
		}
		elapsed, err := parseFloat(p[3])
		if err != nil {
			return nil, err
		}
		return []event.Event{event.GCPause{
			Start:     stamp,
			Elapsed:   scaled(elapsed, time.Millisecond),
			GCID:      gcid,
			Collector: u.collector,
			Type:      p[2],
		}}, nil
	}
	if c := unifiedConcurrent.FindStringSubmatch(msg); c != nil {
		gcid, err := parseInt(c[1])
		if err != nil {
			return nil, err
		}
		elapsed, err := parseFloat(c[3])
		if err != nil {
			return nil, err
		}
		return []event.Event{event.ConcurrentPhase{
			Start:     stamp,
			Elapsed:   scaled(elapsed, time.Millisecond),
			GCID:      gcid,
			Collector: u.collector,
			Phase:     c[2],
		}}, nil
	}
	return nil, nil
}

// stamp reads the uptime and optional date decorations. Lines without an
// uptime decoration are not timed and are skipped.
func (u *Unified) stamp(decorations string) (event.DateTimeStamp, bool, error) {
	var (
		stamp event.DateTimeStamp
		timed bool
	)
	for _, d := range unifiedDecoration.FindAllStringSubmatch(decorations, -1) {
		value := d[1]
		if up := unifiedUptime.FindStringSubmatch(value); up != nil {
			v, err := parseFloat(up[1])
			if err != nil {
				return stamp, false, err
			}
			if up[2] == "ms" {
				v /= 1000
			}
			stamp.Uptime = v
			timed = true
			continue
		}
		if unifiedDate.MatchString(value) {
			date, err := parseDate(value)
			if err != nil {
				return stamp, false, err
			}
			stamp.Date = date
		}
	}
	return stamp, timed, nil
}

func (u *Unified) heapPause(stamp event.DateTimeStamp, p []string) ([]event.Event, error) {
	gcid, err := parseInt(p[1])
	if err != nil {
		return nil, err
	}
	before, err := toKB(p[3], p[4])
	if err != nil {
		return nil, err
	}
	after, err := toKB(p[5], p[6])
	if err != nil {
		return nil, err
	}
	capacity, err := toKB(p[7], p[8])
	if err != nil {
		return nil, err
	}
	elapsed, err := parseFloat(p[9])
	if err != nil {
		return nil, err
	}

	kind, cause := splitDescription(p[2])
	return []event.Event{event.GCPause{
		Start:        stamp,
		Elapsed:      scaled(elapsed, time.Millisecond),
		GCID:         gcid,
		Collector:    u.collector,
		Type:         kind,
		Cause:        cause,
		HeapBefore:   before,
		HeapAfter:    after,
		HeapCapacity: capacity,
	}}, nil
}

// splitDescription separates "Pause Young (Normal) (G1 Evacuation Pause)"
// into its type "Pause Young (Normal)" and cause "G1 Evacuation Pause".
// Parenthesized groups nest, so "Pause Full (System.gc())" has cause
// "System.gc()".
func splitDescription(desc string) (kind, cause string) {
	head := desc
	var groups []string
	if i := strings.IndexByte(desc, '('); i >= 0 {
		head = strings.TrimSpace(desc[:i])
		groups = parenGroups(desc[i:])
	}

	switch {
	case len(groups) == 0:
		return head, ""
	case len(groups) == 1 && pauseSubtypes[groups[0]]:
		return head + " (" + groups[0] + ")", ""
	}

	kind = head
	for _, g := range groups[:len(groups)-1] {
		kind += " (" + g + ")"
	}
	return kind, groups[len(groups)-1]
}

func parenGroups(s string) []string {
	var (
		groups []string
		depth  int
		start  int
	)
	for i, r := range s {
		switch r {
		case '(':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case ')':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				groups = append(groups, s[start:i])
			}
		}
	}
	return groups
}

// collectorName shortens the unified logging banner to a collector name
func collectorName(banner string) string {
	banner = strings.TrimSpace(banner)
	switch {
	case strings.HasPrefix(banner, "G1"):
		return "G1"
	case strings.Contains(banner, "Z Garbage Collector"), strings.HasPrefix(banner, "ZGC"):
		return "ZGC"
	case strings.HasPrefix(banner, "Shenandoah"):
		return "Shenandoah"
	case strings.HasPrefix(banner, "Parallel"):
		return "Parallel"
	case strings.HasPrefix(banner, "Serial"):
		return "Serial"
	case strings.HasPrefix(banner, "Concurrent Mark Sweep"):
		return "CMS"
	case strings.HasPrefix(banner, "Epsilon"):
		return "Epsilon"
	default:
		return banner
	}
}
