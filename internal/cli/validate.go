package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/demo"
	"github.com/roach88/conduit/internal/wiring"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Manifest string    `json:"manifest"`
	Workers  int       `json:"workers"`
	Triggers int       `json:"triggers"`
	Errors   []Problem `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [manifest]",
		Short: "Check a wiring manifest without running it",
		Long: `Check a wiring manifest (.yaml, .yml or .cue) against the registered
worker kinds and record types.

Every problem is reported, not just the first: unknown kinds and types,
duplicate ids and subscriptions, unroutable triggers and topic cycles.
Without an argument the manifest named by the configuration is checked,
or the built-in demo pipeline when none is configured.

Examples:
  conduit validate pipeline.yaml
  conduit validate pipeline.cue --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)

	if path == "" {
		cfg, err := config.Load(opts.Config)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load configuration", err)
		}
		path = cfg.Manifest
	}

	m, err := loadManifest(path)
	if err != nil {
		return f.Fail(ExitCommandError, manifestError(err), "failed to load manifest", err)
	}
	reg, err := newRegistry(nil, demo.DefaultOptions())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "failed to register workers", err)
	}

	name := path
	if name == "" {
		name = "(built-in demo)"
	}
	f.VerboseLog("Checking %s against kinds %v and records %v", name, reg.Kinds(), reg.Records())

	result := ValidationResult{
		Manifest: name,
		Workers:  len(m.Workers),
		Triggers: len(m.Triggers),
	}
	for _, p := range wiring.Check(m, reg) {
		result.Errors = append(result.Errors, problemOf(p))
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(f, result)
	}
	if f.JSON() {
		return f.Success(result)
	}
	fmt.Fprintf(f.Writer, "✓ Manifest valid: %s (%d workers, %d triggers)\n", name, result.Workers, result.Triggers)
	return nil
}

// outputValidationErrors outputs every problem and returns exit code 1.
func outputValidationErrors(f *OutputFormatter, result ValidationResult) error {
	n := len(result.Errors)
	if f.JSON() {
		err := f.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    result.Errors[0].Code,
				Message: result.Errors[0].Message,
			},
		})
		if err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", n))
	}

	fmt.Fprintf(f.Writer, "✗ Validation failed: %s\n\n", result.Manifest)
	for _, p := range result.Errors {
		fmt.Fprintf(f.Writer, "  %s\n", describe(p))
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", n))
}

// describe renders a problem as "CODE [worker=w, topic=t]: message".
func describe(p Problem) string {
	var where []string
	if p.Worker != "" {
		where = append(where, "worker="+p.Worker)
	}
	if p.Topic != "" {
		where = append(where, "topic="+p.Topic)
	}
	if len(where) == 0 {
		return fmt.Sprintf("%s: %s", p.Code, p.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", p.Code, strings.Join(where, ", "), p.Message)
}
