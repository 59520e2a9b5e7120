package main

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/c360/gcstreams/aggregator"
	"github.com/c360/gcstreams/config"
	"github.com/c360/gcstreams/engine"
	"github.com/c360/gcstreams/errors"
)

// Report is the outcome of analyzing one input
type Report struct {
	Input  string                   `json:"input" yaml:"input"`
	Result engine.Result            `json:"result" yaml:"result"`
	Pauses *aggregator.PauseSummary `json:"pauses,omitempty" yaml:"pauses,omitempty"`
	Events *aggregator.Counts       `json:"events,omitempty" yaml:"events,omitempty"`
	Error  string                   `json:"error,omitempty" yaml:"error,omitempty"`
	// Kind classifies Error: deployment, read, handler, stall or other
	Kind string `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
}

func (r *Report) fail(err error) {
	if err == nil {
		return
	}
	r.Error = err.Error()
	r.Kind = errors.KindOf(err).String()
}

// Failed reports whether the input could not be fully analyzed
func (r *Report) Failed() bool {
	return r.Error != ""
}

func writeReports(w io.Writer, format string, reports []Report) error {
	switch format {
	case config.ReportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case config.ReportYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(reports); err != nil {
			return err
		}
		return enc.Close()
	default:
		for i := range reports {
			if i > 0 {
				_, _ = fmt.Fprintln(w)
			}
			if err := writeText(w, &reports[i]); err != nil {
				return err
			}
		}
		return nil
	}
}

func writeText(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	_, _ = fmt.Fprintf(tw, "%s\n", r.Input)
	_, _ = fmt.Fprintf(tw, "  run\t%s\n", r.Result.RunID)
	_, _ = fmt.Fprintf(tw, "  lines\t%s\n", humanize.Comma(r.Result.Lines))
	_, _ = fmt.Fprintf(tw, "  events\t%s on %s\n", humanize.Comma(r.Result.Events), r.Result.TimeChannel)
	_, _ = fmt.Fprintf(tw, "  latest\t%s\n", r.Result.Latest)
	_, _ = fmt.Fprintf(tw, "  wall\t%s\n", r.Result.Wall.Round(time.Millisecond))

	if p := r.Pauses; p != nil {
		_, _ = fmt.Fprintf(tw, "  pauses\t%s, total %s, max %s, mean %s\n",
			humanize.Comma(p.Pauses), p.Total, p.Max, p.Mean)
		_, _ = fmt.Fprintf(tw, "  reclaimed\t%s\n", humanize.IBytes(uint64(max(p.ReclaimedKB, 0))*1024))
		if p.Phases > 0 {
			_, _ = fmt.Fprintf(tw, "  concurrent\t%s phases, total %s\n", humanize.Comma(p.Phases), p.PhaseTotal)
		}
		for _, name := range sortedKeys(p.ByCollector) {
			c := p.ByCollector[name]
			_, _ = fmt.Fprintf(tw, "    %s\t%s pauses, total %s, max %s\n", name, humanize.Comma(c.Pauses), c.Total, c.Max)
		}
		for _, typ := range sortedKeys(p.ByType) {
			_, _ = fmt.Fprintf(tw, "    %s\t%s\n", typ, humanize.Comma(p.ByType[typ]))
		}
	}

	if c := r.Events; c != nil {
		for _, channel := range sortedKeys(c.ByChannel) {
			_, _ = fmt.Fprintf(tw, "  %s\t%s events\n", channel, humanize.Comma(c.ByChannel[channel]))
		}
	}

	if len(r.Result.Pending) > 0 {
		_, _ = fmt.Fprintf(tw, "  pending\t%v\n", r.Result.Pending)
	}
	if r.Failed() {
		_, _ = fmt.Fprintf(tw, "  error\t%s: %s\n", r.Kind, r.Error)
	}
	return tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
