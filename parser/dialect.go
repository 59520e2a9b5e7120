package parser

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
)

// Dialect recognizes one family of GC log grammar. A dialect instance is
// owned by a single Parser and is never called concurrently, so it may keep
// state across lines.
type Dialect interface {
	Name() string
	// Outbox is the channel parsed events are published to
	Outbox() string
	// Parse converts one line into zero or more events. Lines outside the
	// dialect's grammar yield no events and no error.
	Parse(line event.LogLine) ([]event.Event, error)
}

var dialects = map[string]func() Dialect{
	"unified":      func() Dialect { return NewUnified("unified", JVMEventParser) },
	"g1":           func() Dialect { return NewUnified("g1", G1GCParser) },
	"zgc":          func() Dialect { return NewUnified("zgc", ZGCParser) },
	"shenandoah":   func() Dialect { return NewUnified("shenandoah", ShenandoahParser) },
	"generational": func() Dialect { return NewGenerational("generational", GenerationalHeapParser) },
	"cms":          func() Dialect { return NewGenerational("cms", CMSTenuredPoolParser) },
}

// Lookup returns a fresh instance of the named built-in dialect
func Lookup(name string) (Dialect, error) {
	factory, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown dialect %q (known: %s)", errors.ErrInvalidConfig, name, strings.Join(Names(), ", ")),
			"parser", "Lookup", "resolve dialect")
	}
	return factory(), nil
}

// Names lists the built-in dialects in sorted order
func Names() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dateLayout is the -XX:+PrintGCDateStamps / time decoration format
const dateLayout = "2006-01-02T15:04:05.000-0700"

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "parser", "parseDate", "parse "+s)
	}
	return t, nil
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "parser", "parseFloat", "parse "+s)
	}
	return v, nil
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrParsingFailed, err), "parser", "parseInt", "parse "+s)
	}
	return v, nil
}

func scaled(value float64, unit time.Duration) time.Duration {
	return time.Duration(math.Round(value * float64(unit)))
}

// toKB converts a size with a K, M or G suffix to kilobytes
func toKB(value, unit string) (int64, error) {
	n, err := parseInt(value)
	if err != nil {
		return 0, err
	}
	switch unit {
	case "G":
		return n * 1024 * 1024, nil
	case "M":
		return n * 1024, nil
	case "K", "":
		return n, nil
	case "B":
		return n / 1024, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: size unit %q", errors.ErrParsingFailed, unit), "parser", "toKB", "convert size")
	}
}
