package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/adapter"
	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/demo"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/runtime"
	"github.com/roach88/conduit/internal/strategy"
	"github.com/roach88/conduit/internal/telemetry"
	"github.com/roach88/conduit/internal/wiring"
)

var runStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedRunOptions runs three demo ticks on a fresh SQLite journal with
// deterministic identifiers.
func fixedRunOptions(t *testing.T, format, backend string) *RunOptions {
	t.Helper()
	return &RunOptions{
		RootOptions: &RootOptions{Format: format},
		Backend:     backend,
		Database:    filepath.Join(t.TempDir(), "conduit.db"),
		Trigger:     "external.tick",
		Symbol:      "BTC",
		Ticks:       3,
		Interval:    time.Minute,
		Seed:        1,
		RunTimeout:  5 * time.Second,
		TriggerIDs:  causality.NewFixedGenerator("trig-1", "trig-2", "trig-3"),
		RecordIDs:   causality.NewFixedGenerator("ema-1", "sig-1", "ema-2", "sig-2", "ema-3", "sig-3"),
		Start:       runStart,
	}
}

func runWith(t *testing.T, opts *RunOptions) (string, error) {
	t.Helper()
	cmd := &cobra.Command{}
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := runPipeline(opts, cmd)
	return out.String(), err
}

type runResponse struct {
	Status string     `json:"status"`
	Data   RunSummary `json:"data"`
}

func TestRun_TextSummary(t *testing.T) {
	for _, backend := range []string{strategy.BackendSync, strategy.BackendThreadPool, strategy.BackendActor} {
		t.Run(backend, func(t *testing.T) {
			out, err := runWith(t, fixedRunOptions(t, "text", backend))
			require.NoError(t, err)

			for _, id := range []string{"trig-1", "trig-2", "trig-3"} {
				assert.Contains(t, out, fmt.Sprintf("run %s completed: ", id))
			}
			assert.Contains(t, out, fmt.Sprintf("3 runs on %s: 3 completed, 0 failed", backend))
		})
	}
}

func TestRun_VerboseShowsChains(t *testing.T) {
	opts := fixedRunOptions(t, "text", strategy.BackendSync)
	opts.Verbose = true

	out, err := runWith(t, opts)
	require.NoError(t, err)
	assert.Contains(t, out, "chain: trigger_id=trig-2 → ema_id=ema-2 → signal_id=sig-2")
	assert.Contains(t, out, "executions: 9 total, 9 succeeded, 0 failed (0 critical), 0 rejected")
}

func TestRun_JSONSummary(t *testing.T) {
	opts := fixedRunOptions(t, "json", strategy.BackendSync)

	out, err := runWith(t, opts)
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	s := resp.Data
	assert.Equal(t, strategy.BackendSync, s.Backend)
	assert.Equal(t, 3, s.Counts[telemetry.OutcomeCompleted])
	assert.Equal(t, uint64(9), s.Metrics.Total)
	require.Len(t, s.Runs, 3)

	ticks := demo.Ticks("BTC", 3, runStart, time.Minute, 1)
	for i, r := range s.Runs {
		n := i + 1
		assert.Equal(t, fmt.Sprintf("trig-%d", n), r.RunID)
		assert.Equal(t, telemetry.OutcomeCompleted, r.Outcome)
		assert.Equal(t, fmt.Sprintf("trigger_id=trig-%d → ema_id=ema-%d → signal_id=sig-%d", n, n, n), r.Chain)
		require.NotNil(t, r.Signal)
		assert.Equal(t, fmt.Sprintf("sig-%d", n), r.Signal.ID)
		assert.Equal(t, "BTC", r.Signal.Symbol)
		assert.Equal(t, ticks[i].Price, r.Signal.Price)
	}
}

func TestRun_ChainsAreTraceable(t *testing.T) {
	opts := fixedRunOptions(t, "text", strategy.BackendThreadPool)
	_, err := runWith(t, opts)
	require.NoError(t, err)

	out, _, err := execute(t, "--format", "json", "trace", "trig-2", "--db", opts.Database)
	require.NoError(t, err)

	result := decodeTrace(t, out)
	require.Len(t, result.Chains, 1)
	var kinds, values []string
	for _, l := range result.Chains[0].Links {
		assert.True(t, l.Resolved, l.Value)
		kinds = append(kinds, l.Kind)
		values = append(values, l.Value)
	}
	assert.Equal(t, []string{"trigger", "ema", "signal"}, kinds)
	assert.Equal(t, []string{"trig-2", "ema-2", "sig-2"}, values)
}

func TestRun_RedisJournal(t *testing.T) {
	mr := miniredis.RunT(t)
	cfgPath := filepath.Join(t.TempDir(), "conduit.yaml")
	cfg := fmt.Sprintf("strategy:\n  backend: actor\njournal:\n  backend: redis\n  redis_addr: %s\n  redis_prefix: test\n", mr.Addr())
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, _, err := execute(t, "--config", cfgPath, "--format", "json", "run", "-n", "2")
	require.NoError(t, err)

	var resp runResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, strategy.BackendActor, resp.Data.Backend)
	require.Len(t, resp.Data.Runs, 2)
	runID := resp.Data.Runs[1].RunID
	require.NotEmpty(t, runID)

	out, _, err = execute(t, "--config", cfgPath, "--format", "json", "trace", runID)
	require.NoError(t, err)
	result := decodeTrace(t, out)
	require.Len(t, result.Chains, 1)
	assert.Len(t, result.Chains[0].Links, 3)
	assert.Equal(t, runID, result.Chains[0].Links[0].Value)
}

func TestRun_Errors(t *testing.T) {
	t.Run("unknown backend", func(t *testing.T) {
		opts := fixedRunOptions(t, "text", "fibers")
		_, err := runWith(t, opts)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("invalid manifest", func(t *testing.T) {
		opts := fixedRunOptions(t, "json", strategy.BackendSync)
		opts.Manifest = "testdata/broken.yaml"

		out, err := runWith(t, opts)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, "WIRING_INVALID", resp.Error.Code)
	})

	t.Run("unknown trigger", func(t *testing.T) {
		opts := fixedRunOptions(t, "text", strategy.BackendSync)
		opts.Trigger = "external.quote"
		opts.Ticks = 1

		out, err := runWith(t, opts)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "trigger rejected: ")
		assert.Contains(t, out, "1 runs on sync: 0 completed, 1 failed")
	})
}

// gateWorker holds its first delivery until released, then ends the run.
type gateWorker struct {
	release chan struct{}
	once    sync.Once
}

func (w *gateWorker) Handle(_ context.Context, _ adapter.Input) (adapter.Disposition, error) {
	w.once.Do(func() { <-w.release })
	return adapter.StopWith("done"), nil
}

const gateManifest = `
triggers:
  external.tick: tick.ready
workers:
  - id: gate
    kind: gate
    subscribes:
      - topic: tick.ready
        handler: Handle
        critical: true
`

func TestDrive_LateOutcomeNotReportedForNextRun(t *testing.T) {
	w := &gateWorker{release: make(chan struct{})}
	reg := wiring.NewRegistry()
	require.NoError(t, reg.RegisterWorker("gate", func(string) (any, error) { return w, nil }))
	m, err := wiring.ParseYAML([]byte(gateManifest))
	require.NoError(t, err)
	plan, err := wiring.Resolve(m, reg)
	require.NoError(t, err)

	p := &pipeline{
		outcomes:  make(chan flow.Outcome, 4),
		logger:    slog.New(slog.DiscardHandler),
		abandoned: make(map[string]bool),
	}
	cfg := config.Default()
	cfg.Strategy.Backend = strategy.BackendThreadPool
	p.rt, err = runtime.New(cfg, plan, nil,
		runtime.WithTriggerIDs(causality.NewFixedGenerator("trig-1", "trig-2")),
		runtime.WithOnFinished(func(o flow.Outcome) { p.outcomes <- o }),
	)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.rt.Start(ctx))
	defer p.shutdown(p.logger)

	first := p.drive(ctx, "external.tick", demo.Tick{Symbol: "BTC", Timestamp: runStart}, 20*time.Millisecond)
	assert.Equal(t, OutcomeOpen, first.Outcome)
	assert.Equal(t, "trig-1", first.RunID)

	close(w.release)
	require.Eventually(t, func() bool {
		return !p.rt.Cache().Active()
	}, 5*time.Second, 5*time.Millisecond)

	second := p.drive(ctx, "external.tick", demo.Tick{Symbol: "BTC", Timestamp: runStart.Add(time.Minute)}, 5*time.Second)
	assert.Equal(t, "trig-2", second.RunID, "the outcome of trig-1 never answers the next drive")
	assert.Equal(t, telemetry.OutcomeCompleted, second.Outcome)
}
