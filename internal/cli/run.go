package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/demo"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/journal"
	"github.com/roach88/conduit/internal/runtime"
	"github.com/roach88/conduit/internal/strategy"
	"github.com/roach88/conduit/internal/telemetry"
	"github.com/roach88/conduit/internal/wiring"
)

// Run report outcomes beyond the telemetry ones.
const (
	OutcomeRejected = "rejected"
	OutcomeOpen     = "open"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Manifest    string
	Backend     string
	Database    string
	Trigger     string
	Symbol      string
	Ticks       int
	Interval    time.Duration
	Seed        uint64
	RunTimeout  time.Duration
	MetricsAddr string
	Serve       bool

	// TriggerIDs and RecordIDs override id generation (for testing).
	TriggerIDs causality.Generator
	RecordIDs  causality.Generator

	// Start is the timestamp of the first tick. Zero means now.
	Start time.Time
}

// RunReport describes one run.
type RunReport struct {
	RunID   string       `json:"run_id,omitempty"`
	Outcome string       `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	Chain   string       `json:"chain,omitempty"`
	Signal  *demo.Signal `json:"signal,omitempty"`
}

// RunSummary is the result of the run command.
type RunSummary struct {
	Backend string           `json:"backend"`
	Runs    []RunReport      `json:"runs"`
	Counts  map[string]int   `json:"counts"`
	Metrics strategy.Metrics `json:"metrics"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline on generated ticks",
		Long: `Assemble the pipeline described by the manifest and feed it a
deterministic random walk of price ticks, one run per tick.

Each run's causality chain is written to the configured journal and can
be inspected afterwards with "conduit trace <run-id>".

Examples:
  conduit run --ticks 20
  conduit run --backend threadpool --db ./conduit.db --metrics-addr :9090 --serve
  conduit run --manifest pipeline.cue --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Manifest, "manifest", "m", "", "wiring manifest (default: configured, else built-in demo)")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "execution backend (sync|threadpool|actor)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite journal")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "external.tick", "external topic the ticks are published on")
	cmd.Flags().StringVar(&opts.Symbol, "symbol", "BTC", "symbol of the generated ticks")
	cmd.Flags().IntVarP(&opts.Ticks, "ticks", "n", 10, "number of ticks to generate")
	cmd.Flags().DurationVar(&opts.Interval, "interval", time.Minute, "time between generated ticks")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "random walk seed")
	cmd.Flags().DurationVar(&opts.RunTimeout, "run-timeout", 10*time.Second, "how long to wait for a run to terminate")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&opts.Serve, "serve", false, "keep serving metrics until interrupted")

	return cmd
}

func runPipeline(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
	}
	if opts.Manifest != "" {
		cfg.Manifest = opts.Manifest
	}
	if opts.Backend != "" {
		cfg.Strategy.Backend = opts.Backend
	}
	if opts.Database != "" {
		cfg.Journal.Backend = config.JournalSQLite
		cfg.Journal.Path = opts.Database
	}
	if opts.MetricsAddr != "" {
		cfg.Telemetry.MetricsAddr = opts.MetricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "invalid configuration", err)
	}

	logger := newLogger(cfg, opts.RootOptions, cmd.ErrOrStderr())

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to set up tracing", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flushing spans failed", "error", err)
		}
	}()

	j, err := openJournal(cfg.Journal)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer func() {
		if err := j.Close(); err != nil {
			logger.Error("error closing journal", "error", err)
		}
	}()

	p, err := assemble(cfg, j, logger, opts.TriggerIDs, opts.RecordIDs, opts.Ticks)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeManifest, "failed to assemble pipeline", err)
	}
	if err := p.rt.Start(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeGeneric, "failed to start runtime", err)
	}
	defer p.shutdown(logger)

	if cfg.Telemetry.MetricsAddr != "" {
		stop, addr, err := serveMetrics(p.rt, cfg.Telemetry.MetricsAddr, logger)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to serve metrics", err)
		}
		defer stop()
		f.VerboseLog("Serving metrics on http://%s/metrics", addr)
	}

	start := opts.Start
	if start.IsZero() {
		start = time.Now().UTC().Truncate(time.Second)
	}
	ticks := demo.Ticks(opts.Symbol, opts.Ticks, start, opts.Interval, opts.Seed)
	logger.Info("feeding ticks", "count", len(ticks), "trigger", opts.Trigger, "backend", cfg.Strategy.Backend)

	summary := RunSummary{Backend: cfg.Strategy.Backend, Counts: make(map[string]int)}
	for _, tick := range ticks {
		if ctx.Err() != nil {
			break
		}
		report := p.drive(ctx, opts.Trigger, tick, opts.RunTimeout)
		summary.Runs = append(summary.Runs, report)
		summary.Counts[report.Outcome]++
	}
	// Asynchronous counters are final only once the strategy drained.
	p.shutdown(logger)
	summary.Metrics = p.rt.Metrics()

	if err := outputRunSummary(f, summary); err != nil {
		return err
	}

	if opts.Serve && cfg.Telemetry.MetricsAddr != "" {
		fmt.Fprintln(f.GetErrWriter(), "Serving metrics. Press Ctrl-C to stop.")
		<-ctx.Done()
	}

	if failed := len(summary.Runs) - summary.Counts[telemetry.OutcomeCompleted]; failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d runs did not complete", failed, len(summary.Runs)))
	}
	return nil
}

// pipeline is an assembled runtime plus the channel its run outcomes
// arrive on.
type pipeline struct {
	rt       *runtime.Runtime
	outcomes chan flow.Outcome
	logger   *slog.Logger

	// abandoned holds runs already reported open. Their outcomes, should
	// they still arrive, belong to no drive.
	abandoned map[string]bool
}

// assemble resolves the configured manifest against the CLI registry and
// builds the runtime. capacity bounds the runs whose outcomes are buffered.
func assemble(cfg config.Config, j journal.Journal, logger *slog.Logger, triggerIDs, recordIDs causality.Generator, capacity int) (*pipeline, error) {
	demoOpts := demo.DefaultOptions()
	if recordIDs != nil {
		demoOpts.IDs = recordIDs
	}
	reg, err := newRegistry(j, demoOpts)
	if err != nil {
		return nil, err
	}
	m, err := loadManifest(cfg.Manifest)
	if err != nil {
		return nil, err
	}
	plan, err := wiring.Resolve(m, reg)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		outcomes:  make(chan flow.Outcome, capacity+1),
		logger:    logger,
		abandoned: make(map[string]bool),
	}
	opts := []runtime.Option{
		runtime.WithLogger(logger),
		runtime.WithTracer(otel.Tracer("github.com/roach88/conduit")),
		runtime.WithOnFinished(func(o flow.Outcome) {
			select {
			case p.outcomes <- o:
			default:
				logger.Warn("run outcome dropped", "run_id", o.Termination.RunID)
			}
		}),
	}
	if triggerIDs != nil {
		opts = append(opts, runtime.WithTriggerIDs(triggerIDs))
	}
	p.rt, err = runtime.New(cfg, plan, j, opts...)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// drive triggers one run and waits for its outcome.
//
// A trigger that fails without an outcome was rejected before a run
// opened. A run still open after timeout is reported as open, and its
// outcome is discarded if it arrives during a later drive.
func (p *pipeline) drive(ctx context.Context, topic string, payload any, timeout time.Duration) RunReport {
	p.discardLate()

	if err := p.rt.Trigger(ctx, topic, payload); err != nil {
		for {
			select {
			case out := <-p.outcomes:
				if p.late(out) {
					continue
				}
				return reportOf(out)
			default:
				return RunReport{Outcome: OutcomeRejected, Reason: err.Error()}
			}
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case out := <-p.outcomes:
			if p.late(out) {
				continue
			}
			return reportOf(out)
		case <-timer.C:
			return p.abandon(RunReport{Outcome: OutcomeOpen, Reason: fmt.Sprintf("run did not terminate within %s", timeout)})
		case <-ctx.Done():
			return p.abandon(RunReport{Outcome: OutcomeOpen, Reason: ctx.Err().Error()})
		}
	}
}

// abandon stamps report with the open run and remembers that run.
func (p *pipeline) abandon(report RunReport) RunReport {
	if anchor, err := p.rt.Cache().RunAnchor(); err == nil {
		report.RunID = anchor.RunID
		p.abandoned[anchor.RunID] = true
	}
	return report
}

// late reports whether out belongs to an abandoned run.
func (p *pipeline) late(out flow.Outcome) bool {
	if !p.abandoned[out.Termination.RunID] {
		return false
	}
	p.logger.Warn("late run outcome discarded",
		"run_id", out.Termination.RunID,
		"failed", out.Termination.Failed(),
	)
	return true
}

// discardLate drops outcomes buffered before the next trigger. Every one
// of them belongs to an earlier run.
func (p *pipeline) discardLate() {
	for {
		select {
		case out := <-p.outcomes:
			p.logger.Warn("late run outcome discarded",
				"run_id", out.Termination.RunID,
				"failed", out.Termination.Failed(),
			)
		default:
			return
		}
	}
}

func (p *pipeline) shutdown(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.rt.Shutdown(ctx); err != nil {
		logger.Error("runtime shutdown failed", "error", err)
	}
}

func reportOf(out flow.Outcome) RunReport {
	term := out.Termination
	report := RunReport{RunID: term.RunID, Chain: out.Chain.String()}
	switch {
	case out.Err != nil:
		report.Outcome = telemetry.OutcomeUnresolved
		report.Reason = out.Err.Error()
	case term.Failed():
		report.Outcome = telemetry.OutcomeFailed
		report.Reason = term.Reason()
	default:
		report.Outcome = telemetry.OutcomeCompleted
	}
	if sig, ok := term.Payload.(demo.Signal); ok {
		report.Signal = &sig
	}
	return report
}

// serveMetrics serves /metrics on addr until the returned stop is called.
func serveMetrics(rt *runtime.Runtime, addr string, logger *slog.Logger) (stop func(), bound string, err error) {
	reg, err := telemetry.NewRegistry(rt.Collectors()...)
	if err != nil {
		return nil, "", err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, ln.Addr().String(), nil
}

func outputRunSummary(f *OutputFormatter, s RunSummary) error {
	if f.JSON() {
		return f.Success(s)
	}

	for _, r := range s.Runs {
		switch {
		case r.Outcome == telemetry.OutcomeCompleted && r.Signal != nil:
			fmt.Fprintf(f.Writer, "run %s completed: %s %s @ %.2f (ema %.2f)\n",
				r.RunID, r.Signal.Side, r.Signal.Symbol, r.Signal.Price, r.Signal.EMA)
		case r.Outcome == telemetry.OutcomeCompleted:
			fmt.Fprintf(f.Writer, "run %s completed\n", r.RunID)
		case r.RunID == "":
			fmt.Fprintf(f.Writer, "trigger %s: %s\n", r.Outcome, r.Reason)
		default:
			fmt.Fprintf(f.Writer, "run %s %s: %s\n", r.RunID, r.Outcome, r.Reason)
		}
		if f.Verbose && r.Chain != "" {
			fmt.Fprintf(f.Writer, "       chain: %s\n", r.Chain)
		}
	}

	fmt.Fprintln(f.Writer)
	fmt.Fprintf(f.Writer, "%d runs on %s: %d completed, %d failed\n",
		len(s.Runs), s.Backend, s.Counts[telemetry.OutcomeCompleted],
		len(s.Runs)-s.Counts[telemetry.OutcomeCompleted])
	if f.Verbose {
		m := s.Metrics
		fmt.Fprintf(f.Writer, "executions: %d total, %d succeeded, %d failed (%d critical), %d rejected\n",
			m.Total, m.Succeeded, m.Failed, m.CriticalFailed, m.Rejected)
	}
	return nil
}
