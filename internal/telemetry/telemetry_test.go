package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/roach88/conduit/internal/strategy"
)

type fixedSource strategy.Metrics

func (f fixedSource) Metrics() strategy.Metrics { return strategy.Metrics(f) }

func TestCollector(t *testing.T) {
	c := NewCollector(fixedSource{
		Backend:         "threadpool",
		Total:           10,
		Succeeded:       7,
		Failed:          2,
		CriticalFailed:  1,
		Rejected:        1,
		DroppedFailures: 0,
		QueueDepth:      3,
		ActiveWorkers:   4,
	})

	expected := `
# HELP conduit_strategy_critical_failures_total Failed executions of critical handlers.
# TYPE conduit_strategy_critical_failures_total counter
conduit_strategy_critical_failures_total{backend="threadpool"} 1
# HELP conduit_strategy_executions_total Handler executions by outcome.
# TYPE conduit_strategy_executions_total counter
conduit_strategy_executions_total{backend="threadpool",outcome="failed"} 2
conduit_strategy_executions_total{backend="threadpool",outcome="rejected"} 1
conduit_strategy_executions_total{backend="threadpool",outcome="succeeded"} 7
# HELP conduit_strategy_queue_depth Deliveries waiting for a worker or actor.
# TYPE conduit_strategy_queue_depth gauge
conduit_strategy_queue_depth{backend="threadpool"} 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"conduit_strategy_executions_total",
		"conduit_strategy_critical_failures_total",
		"conduit_strategy_queue_depth",
	)
	assert.NoError(t, err)
	assert.Equal(t, 8, testutil.CollectAndCount(c))
}

func TestCollector_LiveStrategy(t *testing.T) {
	s := strategy.NewSynchronous()
	c := NewCollector(s)

	assert.Equal(t, 8, testutil.CollectAndCount(c))
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP conduit_strategy_actors Live actors of the actor backend.
# TYPE conduit_strategy_actors gauge
conduit_strategy_actors{backend="sync"} 0
`), "conduit_strategy_actors"))
}

func TestRunMetrics(t *testing.T) {
	r := NewRunMetrics()
	r.Observe(OutcomeCompleted)
	r.Observe(OutcomeCompleted)
	r.Observe(OutcomeFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.runs.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 2, testutil.CollectAndCount(r, "conduit_runs_total"))
}

func TestHandler_ServesMetrics(t *testing.T) {
	runs := NewRunMetrics()
	runs.Observe(OutcomeUnresolved)
	reg, err := NewRegistry(NewCollector(strategy.NewSynchronous()), runs)
	require.NoError(t, err)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `conduit_runs_total{outcome="unresolved"} 1`)
	assert.Contains(t, string(body), `conduit_strategy_executions_total{backend="sync",outcome="succeeded"} 0`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNewRegistry_DuplicateCollector(t *testing.T) {
	c := NewCollector(strategy.NewSynchronous())
	_, err := NewRegistry(c, c)
	assert.Error(t, err)
}

func TestSetupTracing_Disabled(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := SetupTracing(context.Background(), "conduit", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider())
}

func TestSetupTracing_Enabled(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	shutdown, err := SetupTracing(context.Background(), "conduit", "http://127.0.0.1:4318")
	require.NoError(t, err)
	assert.NotEqual(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}
