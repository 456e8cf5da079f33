package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/strategy"
	"github.com/roach88/conduit/internal/telemetry"
)

func TestMetrics_Text(t *testing.T) {
	out, _, err := execute(t, "metrics", "--backend", "threadpool", "-n", "5")
	require.NoError(t, err)

	assert.Contains(t, out, "backend:           threadpool\n")
	assert.Contains(t, out, "runs:              5 (5 completed)")
	assert.Contains(t, out, "critical failures: 0\n")
}

func TestMetrics_JSON(t *testing.T) {
	out, _, err := execute(t, "--format", "json", "metrics", "-n", "4")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Metrics strategy.Metrics `json:"metrics"`
			Runs    map[string]int   `json:"runs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, strategy.BackendSync, resp.Data.Metrics.Backend)
	assert.Equal(t, uint64(12), resp.Data.Metrics.Succeeded)
	assert.Equal(t, 4, resp.Data.Runs[telemetry.OutcomeCompleted])
}

func TestMetrics_Prometheus(t *testing.T) {
	out, _, err := execute(t, "metrics", "--backend", "actor", "-n", "3", "--prometheus")
	require.NoError(t, err)

	assert.Contains(t, out, "# TYPE conduit_strategy_executions_total counter")
	assert.Contains(t, out, `conduit_strategy_actors{backend="actor"}`)
	assert.Contains(t, out, `conduit_runs_total{outcome="completed"} 3`)
}
