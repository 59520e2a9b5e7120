package testutil

import (
	"fmt"
	"time"

	"github.com/c360/gcstreams/event"
)

// Sample lines in the JDK 9+ unified logging format
const (
	UnifiedUsing      = "[0.015s][info][gc] Using G1"
	UnifiedPause      = "[1.234s][info][gc] GC(0) Pause Young (Normal) (G1 Evacuation Pause) 24M->4M(256M) 3.456ms"
	UnifiedFull       = "[5.500s][info][gc] GC(3) Pause Full (System.gc()) 120M->30M(256M) 45.100ms"
	UnifiedConcurrent = "[2.000s][info][gc] GC(1) Concurrent Mark Cycle 12.345ms"
	UnifiedDated      = "[2024-03-01T12:00:01.234+0000][1.234s][info][gc] GC(0) Pause Young (Normal) (G1 Evacuation Pause) 24M->4M(256M) 3.456ms"
	UnifiedZGC        = "[3.100s][info][gc] GC(2) Garbage Collection (Warmup) 208M(10%)->46M(2%)"
)

// Sample lines in the JDK 8 generational format
const (
	GenerationalYoung = "1.234: [GC (Allocation Failure) [PSYoungGen: 33280K->5104K(38400K)] 33280K->5112K(125952K), 0.0051230 secs] [Times: user=0.01 sys=0.00, real=0.01 secs]"
	GenerationalFull  = "2024-03-01T12:00:05.000+0000: 5.000: [Full GC (Ergonomics) [PSYoungGen: 5104K->0K(38400K)] [ParOldGen: 8K->4997K(87552K)] 5112K->4997K(125952K), [Metaspace: 2980K->2980K(1056768K)], 0.0234567 secs] [Times: user=0.05 sys=0.00, real=0.02 secs]"
)

// UnifiedLog generates n unified-format young pauses. Pause i starts at
// uptime 1+i seconds and lasts i+1 milliseconds.
func UnifiedLog(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf(
			"[%.3fs][info][gc] GC(%d) Pause Young (Normal) (G1 Evacuation Pause) 24M->4M(256M) %d.000ms",
			1.0+float64(i), i, i+1)
	}
	return lines
}

// UnifiedLogEnd is the latest event end in UnifiedLog(n), or the epoch when
// n is zero.
func UnifiedLogEnd(n int) event.DateTimeStamp {
	if n == 0 {
		return event.Epoch
	}
	return event.AtUptime(float64(n)).Add(time.Duration(n) * time.Millisecond)
}

// Split cuts lines into parts chunks of near-equal size, in order.
func Split(lines []string, parts int) [][]string {
	if parts <= 0 {
		parts = 1
	}
	out := make([][]string, parts)
	size := (len(lines) + parts - 1) / parts
	for i := range out {
		lo := min(i*size, len(lines))
		hi := min(lo+size, len(lines))
		out[i] = lines[lo:hi]
	}
	return out
}
