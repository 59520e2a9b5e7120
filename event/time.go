package event

import (
	"fmt"
	"time"
)

// DateTimeStamp is a point in time as a GC log records it: seconds of JVM
// uptime, plus the wall-clock date when the log carries one. The zero value is
// the epoch.
type DateTimeStamp struct {
	Uptime float64   `json:"uptime" yaml:"uptime"`
	Date   time.Time `json:"date,omitzero" yaml:"date,omitempty"`
}

// Epoch is the zero DateTimeStamp.
var Epoch = DateTimeStamp{}

// AtUptime returns a stamp with only uptime seconds set.
func AtUptime(seconds float64) DateTimeStamp {
	return DateTimeStamp{Uptime: seconds}
}

// At returns a stamp carrying both a wall-clock date and uptime seconds.
func At(date time.Time, uptime float64) DateTimeStamp {
	return DateTimeStamp{Uptime: uptime, Date: date}
}

// HasDate reports whether the stamp carries a wall-clock date.
func (t DateTimeStamp) HasDate() bool {
	return !t.Date.IsZero()
}

// IsZero reports whether the stamp is the epoch.
func (t DateTimeStamp) IsZero() bool {
	return t.Uptime == 0 && t.Date.IsZero()
}

// Add returns the stamp shifted by d on both clocks.
func (t DateTimeStamp) Add(d time.Duration) DateTimeStamp {
	out := DateTimeStamp{Uptime: t.Uptime + d.Seconds()}
	if t.HasDate() {
		out.Date = t.Date.Add(d)
	}
	return out
}

// Compare returns -1, 0 or +1. Dates are compared when both stamps carry one,
// uptime otherwise.
func (t DateTimeStamp) Compare(o DateTimeStamp) int {
	if t.HasDate() && o.HasDate() {
		return t.Date.Compare(o.Date)
	}
	switch {
	case t.Uptime < o.Uptime:
		return -1
	case t.Uptime > o.Uptime:
		return 1
	default:
		return 0
	}
}

// After reports whether t is strictly later than o.
func (t DateTimeStamp) After(o DateTimeStamp) bool {
	return t.Compare(o) > 0
}

// Before reports whether t is strictly earlier than o.
func (t DateTimeStamp) Before(o DateTimeStamp) bool {
	return t.Compare(o) < 0
}

// String renders the stamp the way unified logging decorates lines.
func (t DateTimeStamp) String() string {
	if t.HasDate() {
		return fmt.Sprintf("%s@%.3fs", t.Date.Format("2006-01-02T15:04:05.000-0700"), t.Uptime)
	}
	return fmt.Sprintf("%.3fs", t.Uptime)
}
