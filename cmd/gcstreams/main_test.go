package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/c360/gcstreams/aggregator"
	"github.com/c360/gcstreams/config"
	"github.com/c360/gcstreams/engine"
	"github.com/c360/gcstreams/errors"
	"github.com/c360/gcstreams/event"
	"github.com/c360/gcstreams/testutil"
)

func TestParseFlags(t *testing.T) {
	cli, err := parseFlags([]string{"-bus=nats", "-parsers=g1, zgc", "-parallel", "3", "a.log", "b.log"}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.log", "b.log"}, cli.Inputs)
	assert.True(t, cli.set["bus"])
	assert.True(t, cli.set["parsers"])
	assert.False(t, cli.set["log-level"])
	assert.Equal(t, 3, cli.Parallel)

	cfg := config.Default()
	cli.apply(cfg)
	assert.Equal(t, config.BusNATS, cfg.Bus.Kind)
	assert.Equal(t, []string{"g1", "zgc"}, cfg.Parsers.Dialects)
	assert.Equal(t, 3, cfg.Workers.Parallel)
	assert.Equal(t, "info", cfg.Log.Level, "unset flags keep the configured value")
}

func TestParseFlags_UnsetFlagsDoNotOverrideFile(t *testing.T) {
	cli, err := parseFlags([]string{"x.log"}, io.Discard)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Report.Format = config.ReportYAML
	cfg.Pipeline.StallTimeout = time.Minute
	cli.apply(cfg)

	assert.Equal(t, config.ReportYAML, cfg.Report.Format)
	assert.Equal(t, time.Minute, cfg.Pipeline.StallTimeout)
}

func TestParseFlags_Unknown(t *testing.T) {
	_, err := parseFlags([]string{"-no-such-flag"}, io.Discard)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b ,"))
	assert.Nil(t, splitList(""))
}

func TestRun_VersionAndHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), appName+" version "+Version)

	stdout.Reset()
	require.NoError(t, run([]string{"-help"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage: gcstreams")
	assert.Contains(t, stderr.String(), "-stall-timeout")
}

func TestRun_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gcstreams.yaml")
	require.NoError(t, os.WriteFile(path, []byte("report:\n  format: yaml\nparsers:\n  dialects: [g1]\n"), 0o600))

	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"-config", path, "-validate"}, &stdout, &stderr))

	err := run([]string{"-parsers=nope", "-validate"}, &stdout, &stderr)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRun_NoInputs(t *testing.T) {
	err := run([]string{"-log-level=error"}, io.Discard, io.Discard)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := testutil.WriteLines(t, filepath.Join(dir, "gc.log"), testutil.UnifiedLog(10))

	var stdout bytes.Buffer
	err := run([]string{"-output=json", "-log-level=error", path}, &stdout, io.Discard)
	require.NoError(t, err)

	var reports []map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &reports))
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, path, r["input"])
	assert.NotContains(t, r, "error")

	result := r["result"].(map[string]any)
	assert.EqualValues(t, 10, result["lines"])
	assert.Equal(t, "done", result["phase"])
	latest := result["latest"].(map[string]any)
	assert.InDelta(t, testutil.UnifiedLogEnd(10).Uptime, latest["uptime"], 1e-9)

	pauses := r["pauses"].(map[string]any)
	assert.EqualValues(t, 10, pauses["pauses"])
}

func TestRun_ParallelInputsKeepOrder(t *testing.T) {
	dir := t.TempDir()
	var inputs []string
	for i, n := range []int{3, 0, 7} {
		name := filepath.Join(dir, "gc"+string(rune('a'+i))+".log")
		inputs = append(inputs, testutil.WriteLines(t, name, testutil.UnifiedLog(n)))
	}

	var stdout bytes.Buffer
	args := append([]string{"-output=yaml", "-log-level=error", "-parallel=3"}, inputs...)
	require.NoError(t, run(args, &stdout, io.Discard))

	var reports []map[string]any
	require.NoError(t, yaml.Unmarshal(stdout.Bytes(), &reports))
	require.Len(t, reports, 3)
	for i, n := range []int{3, 0, 7} {
		assert.Equal(t, inputs[i], reports[i]["input"])
		result := reports[i]["result"].(map[string]any)
		assert.EqualValues(t, n, result["lines"])
	}
}

func TestRun_MissingInputFails(t *testing.T) {
	dir := t.TempDir()
	good := testutil.WriteLines(t, filepath.Join(dir, "gc.log"), testutil.UnifiedLog(2))
	missing := filepath.Join(dir, "missing.log")

	var stdout bytes.Buffer
	err := run([]string{"-log-level=error", good, missing}, &stdout, io.Discard)
	require.ErrorIs(t, err, errInputsFailed)

	out := stdout.String()
	assert.Contains(t, out, good)
	assert.Contains(t, out, missing)
	assert.Contains(t, out, "error")
}

func sampleReport() Report {
	r := Report{
		Input: "/var/log/gc.log",
		Result: engine.Result{
			RunID:       "run-1",
			Latest:      event.AtUptime(72210.5),
			Lines:       72210,
			Events:      1234,
			TimeChannel: "JVMEventParser",
			Wall:        1500 * time.Millisecond,
			Phase:       engine.PhaseDone,
		},
		Pauses: &aggregator.PauseSummary{
			Pauses:      1234,
			Total:       2 * time.Second,
			Max:         50 * time.Millisecond,
			Mean:        time.Millisecond,
			ReclaimedKB: 2048,
			ByCollector: map[string]aggregator.CollectorSummary{
				"G1 Young": {Pauses: 1234, Total: 2 * time.Second, Max: 50 * time.Millisecond},
			},
			ByType: map[string]int64{"Young": 1234},
		},
		Events: &aggregator.Counts{
			Total:     1234,
			ByKind:    map[string]int64{"pause": 1234},
			ByChannel: map[string]int64{"JVMEventParser": 1234},
		},
	}
	return r
}

func TestWriteReports_Text(t *testing.T) {
	failed := Report{Input: "broken.log"}
	failed.fail(errors.WrapFatal(errors.ErrStalled, "Engine", "Run", "await completion"))

	var buf bytes.Buffer
	require.NoError(t, writeReports(&buf, config.ReportText, []Report{sampleReport(), failed}))

	out := buf.String()
	assert.Contains(t, out, "/var/log/gc.log")
	assert.Contains(t, out, "72,210")
	assert.Contains(t, out, "1,234 on JVMEventParser")
	assert.Contains(t, out, "2.0 MiB")
	assert.Contains(t, out, "G1 Young")
	assert.Contains(t, out, "broken.log")
	assert.Contains(t, out, "stall: ")
}

func TestWriteReports_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReports(&buf, config.ReportJSON, []Report{sampleReport()}))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	result := decoded[0]["result"].(map[string]any)
	assert.EqualValues(t, 72210, result["lines"])
	assert.Equal(t, "done", result["phase"])
	assert.NotContains(t, decoded[0], "error_kind")
}

func TestWriteReports_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReports(&buf, config.ReportYAML, []Report{sampleReport()}))

	var decoded []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "/var/log/gc.log", decoded[0]["input"])
	result := decoded[0]["result"].(map[string]any)
	assert.Equal(t, "done", result["phase"])
	assert.Equal(t, "1.5s", result["wall"])
}

func TestReport_Fail(t *testing.T) {
	var r Report
	r.fail(nil)
	assert.False(t, r.Failed())

	r.fail(errors.Tag(errors.ErrReadFailed, io.ErrUnexpectedEOF))
	assert.True(t, r.Failed())
	assert.Equal(t, "read", r.Kind)
}
