package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/fault"
	"github.com/roach88/conduit/internal/strategy"
	"github.com/roach88/conduit/internal/telemetry"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		s, err := LoadScenario(path)
		require.NoError(t, err, path)

		for _, backend := range s.Backends {
			t.Run(s.Name+"/"+backend, func(t *testing.T) {
				result, err := RunWithGolden(t, s, backend)
				require.NoError(t, err)
				assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
				assert.Equal(t, backend, result.Metrics.Backend)
			})
		}
	}
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: wrong_expectations
description: "Expectations that the demo does not meet"
backends: [sync]
steps:
  - tick: {symbol: ETH, price: 100, at: 2024-03-01T12:00:00Z}
    expect:
      outcome: completed
      chain: [trig-1, rec-9]
      side: sell
  - tick: {symbol: ETH, price: 100, at: 2024-03-01T12:01:00Z}
    expect:
      outcome: failed
assertions:
  - type: outcome_count
    outcome: completed
    count: 1
  - type: journal_kinds
    root: trig-1
    kinds: [trigger, signal]
`))
	require.NoError(t, err)

	result, err := Run(context.Background(), s, strategy.BackendSync)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Equal(t, 2, result.Count(telemetry.OutcomeCompleted))
	assert.Len(t, result.Errors, 5)
	joined := strings.Join(result.Errors, "\n")
	assert.Contains(t, joined, "step 1: expected chain [trig-1 rec-9], got [trig-1 rec-1 rec-2]")
	assert.Contains(t, joined, "step 1: expected side sell, got hold")
	assert.Contains(t, joined, "step 2: expected outcome failed, got completed")
	assert.Contains(t, joined, "assertions[0] outcome_count: expected 1 completed runs, got 2")
	assert.Contains(t, joined, "assertions[1] journal_kinds: expected kinds [trigger signal], got [trigger ema signal]")
}

func TestRunAll_EveryBackend(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/demo_three_ticks.yaml")
	require.NoError(t, err)

	results, err := RunAll(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, results, 3)

	want, err := MarshalSnapshot(results[0].Snapshot())
	require.NoError(t, err)
	for _, r := range results[1:] {
		got, err := MarshalSnapshot(r.Snapshot())
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), r.Backend)
	}
}

func TestRun_UnresolvableManifest(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: bad_manifest
description: "Manifest naming an unknown kind"
steps:
  - tick: {symbol: BTC, price: 1, at: 2024-03-01T12:00:00Z}
`))
	require.NoError(t, err)
	s.Manifest = "testdata/manifests/unknown_kind.yaml"

	_, err = Run(context.Background(), s, strategy.BackendSync)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodeWiringInvalid))
}

func TestSnapshot_DropsReasons(t *testing.T) {
	r := NewResult("s", strategy.BackendSync)
	r.Runs = []RunRecord{{Step: 1, RunID: "trig-1", Outcome: telemetry.OutcomeFailed, Reason: "boom"}}

	b, err := MarshalSnapshot(r.Snapshot())
	require.NoError(t, err)
	assert.NotContains(t, string(b), "boom")
	assert.Equal(t, "boom", r.Runs[0].Reason)
}
