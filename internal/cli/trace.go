package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
}

// TraceLink is one identifier of a chain with the entry it resolves to.
type TraceLink struct {
	Name       string          `json:"name"`
	Value      string          `json:"value"`
	Kind       string          `json:"kind,omitempty"`
	RecordedAt *time.Time      `json:"recorded_at,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Resolved   bool            `json:"resolved"`
}

// TraceChain is one written chain.
type TraceChain struct {
	Seq       int64       `json:"seq"`
	WrittenAt time.Time   `json:"written_at"`
	Links     []TraceLink `json:"links"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	RootID string       `json:"root_id"`
	Chains []TraceChain `json:"chains"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <root-id>",
		Short: "Show the causality chains of a run",
		Long: `Show every causality chain written for a root identifier (the trigger
id of a run), with each identifier resolved against the audit journal.

Examples:
  conduit trace 01928c4e-...
  conduit trace 01928c4e-... --db ./conduit.db --verbose
  conduit trace 01928c4e-... --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the SQLite journal (overrides the configured journal)")

	return cmd
}

func runTrace(opts *TraceOptions, rootID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
	}
	if opts.Database != "" {
		cfg.Journal.Backend = config.JournalSQLite
		cfg.Journal.Path = opts.Database
	}

	j, err := openJournal(cfg.Journal)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "failed to open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := buildTrace(ctx, j, rootID)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeJournal, "failed to read journal", err)
	}

	if f.JSON() {
		return f.Success(result)
	}
	if len(result.Chains) == 0 {
		fmt.Fprintf(f.Writer, "No chains found for root: %s\n", rootID)
		return nil
	}
	outputTraceText(f.Writer, result, opts.Verbose)
	return nil
}

// buildTrace resolves every link of every chain written for rootID.
// Unknown identifiers are reported as unresolved, not as errors.
func buildTrace(ctx context.Context, j journal.Journal, rootID string) (TraceResult, error) {
	chains, err := j.Chains(ctx, rootID)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{RootID: rootID, Chains: make([]TraceChain, 0, len(chains))}
	for _, c := range chains {
		tc := TraceChain{Seq: c.Seq, WrittenAt: c.WrittenAt.UTC(), Links: make([]TraceLink, 0, len(c.Fields))}
		for _, field := range c.Fields {
			link := TraceLink{Name: field.Name, Value: field.Value}
			e, err := j.Resolve(ctx, field.Value)
			switch {
			case errors.Is(err, journal.ErrNotFound):
			case err != nil:
				return TraceResult{}, fmt.Errorf("resolve %s=%s: %w", field.Name, field.Value, err)
			default:
				at := e.RecordedAt.UTC()
				link.Kind = e.Kind
				link.RecordedAt = &at
				link.Data = e.Data
				link.Resolved = true
			}
			tc.Links = append(tc.Links, link)
		}
		result.Chains = append(result.Chains, tc)
	}
	return result, nil
}

// outputTraceText outputs the trace result as aligned text.
func outputTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for root: %s\n", result.RootID)
	fmt.Fprintf(w, "Chains: %d\n", len(result.Chains))

	for i, c := range result.Chains {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "=== Chain %d (seq %d, written %s) ===\n", i+1, c.Seq, c.WrittenAt.Format(time.RFC3339))

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, l := range c.Links {
			kind := "unresolved"
			at := "-"
			if l.Resolved {
				kind = l.Kind
				at = l.RecordedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", l.Name, l.Value, kind, at)
		}
		tw.Flush()

		if verbose {
			for _, l := range c.Links {
				if len(l.Data) > 0 {
					fmt.Fprintf(w, "  %s: %s\n", l.Value, l.Data)
				}
			}
		}
	}
}
