package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gcstreams/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())

	var nilRegistry *MetricsRegistry
	assert.Nil(t, nilRegistry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.RegisterCounter("test-service", "test_counter", counter))
	counter.Inc()

	metricFamilies, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range metricFamilies {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "Counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.RegisterGauge("svc", "dup_gauge", gauge))

	err := registry.RegisterGauge("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same collector under another key collides inside prometheus
	err = registry.RegisterGauge("other", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tmp_total", Help: "tmp"}, []string{"a"})
	require.NoError(t, registry.RegisterCounterVec("svc", "tmp_total", vec))

	assert.True(t, registry.Unregister("svc", "tmp_total"))
	assert.False(t, registry.Unregister("svc", "tmp_total"))

	// Re-registration works after unregistering
	require.NoError(t, registry.RegisterCounterVec("svc", "tmp_total", vec))
}

func TestMetrics_Record(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordLineRead("gc.log")
	m.RecordLineRead("gc.log")
	m.RecordPublished("PARSER", "log_line")
	m.RecordHandlerFailure("PARSER", "broken", "panic")
	m.RecordRun("success")
	m.RecordPhase("publishing", 20*time.Millisecond)
	m.AddDeployed("parser", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LinesRead.WithLabelValues("gc.log")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsPublished.WithLabelValues("PARSER", "log_line")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerFailures.WithLabelValues("PARSER", "broken", "panic")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UnitsDeployed.WithLabelValues("parser")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordLineRead("x")
		m.RecordReadError("x")
		m.RecordPublishing("x", true)
		m.RecordPublished("x", "y")
		m.RecordDelivered("x")
		m.RecordHandlerFailure("x", "y", "z")
		m.RecordRun("x")
		m.RecordPhase("x", time.Second)
		m.AddDeployed("x", 1)
	})
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordRun("success")

	healthy := true
	server := NewServer("", "", registry, func() (any, bool) {
		return map[string]string{"status": "ok"}, healthy
	})

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "gcstreams_engine_runs_total"))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	healthy = false
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	server := NewServer("127.0.0.1:0", "/metrics", NewMetricsRegistry(), nil)

	require.NoError(t, server.Start())
	assert.Error(t, server.Start())
	assert.Contains(t, server.Address(), "127.0.0.1:")

	resp, err := http.Get(strings.TrimSuffix(server.Address(), "/metrics") + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop())
	require.NoError(t, server.Stop())
}
