package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/demo"
	"github.com/roach88/conduit/internal/journal/memory"
	"github.com/roach88/conduit/internal/telemetry"
)

// MetricsOptions holds flags for the metrics command.
type MetricsOptions struct {
	*RootOptions
	Backend    string
	Ticks      int
	Seed       uint64
	Prometheus bool
}

// NewMetricsCommand creates the metrics command.
func NewMetricsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MetricsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Exercise a backend and print its execution metrics",
		Long: `Run the configured pipeline on an in-memory journal and print the
execution metrics of the chosen backend afterwards.

With --prometheus the output is the Prometheus text exposition that
"conduit run --metrics-addr" serves.

Examples:
  conduit metrics --backend actor --ticks 100
  conduit metrics --prometheus`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMetrics(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Backend, "backend", "", "execution backend (sync|threadpool|actor)")
	cmd.Flags().IntVarP(&opts.Ticks, "ticks", "n", 50, "number of runs to execute")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "random walk seed")
	cmd.Flags().BoolVar(&opts.Prometheus, "prometheus", false, "print the Prometheus text exposition")

	return cmd
}

func runMetrics(opts *MetricsOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
	}
	if opts.Backend != "" {
		cfg.Strategy.Backend = opts.Backend
	}
	cfg.Journal = config.JournalConfig{Backend: config.JournalMemory}
	if err := cfg.Validate(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}
	logger := newLogger(cfg, opts.RootOptions, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	j := memory.New()
	defer j.Close()
	p, err := assemble(cfg, j, logger, nil, nil, opts.Ticks)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeManifest, "failed to assemble pipeline", err)
	}
	if err := p.rt.Start(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to start runtime", err)
	}

	counts := make(map[string]int)
	start := time.Now()
	for _, tick := range demo.Ticks("BTC", opts.Ticks, start.UTC(), time.Second, opts.Seed) {
		counts[p.drive(ctx, "external.tick", tick, 10*time.Second).Outcome]++
	}
	elapsed := time.Since(start)

	// Shut down first so asynchronous counters are final.
	p.shutdown(logger)
	m := p.rt.Metrics()

	if opts.Prometheus {
		reg, err := telemetry.NewRegistry(p.rt.Collectors()...)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to register collectors", err)
		}
		families, err := reg.Gather()
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to gather metrics", err)
		}
		for _, mf := range families {
			if _, err := expfmt.MetricFamilyToText(f.Writer, mf); err != nil {
				return err
			}
		}
		return nil
	}

	if f.JSON() {
		return f.Success(map[string]any{
			"metrics":    m,
			"runs":       counts,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}

	fmt.Fprintf(f.Writer, "backend:           %s\n", m.Backend)
	fmt.Fprintf(f.Writer, "runs:              %d (%d completed) in %s\n",
		opts.Ticks, counts[telemetry.OutcomeCompleted], elapsed.Round(time.Millisecond))
	fmt.Fprintf(f.Writer, "executions:        %d\n", m.Total)
	fmt.Fprintf(f.Writer, "succeeded:         %d\n", m.Succeeded)
	fmt.Fprintf(f.Writer, "failed:            %d\n", m.Failed)
	fmt.Fprintf(f.Writer, "critical failures: %d\n", m.CriticalFailed)
	fmt.Fprintf(f.Writer, "rejected:          %d\n", m.Rejected)
	fmt.Fprintf(f.Writer, "dropped failures:  %d\n", m.DroppedFailures)
	return nil
}
