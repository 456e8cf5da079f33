package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/conduit/internal/config"
	"github.com/roach88/conduit/internal/demo"
	"github.com/roach88/conduit/internal/flow"
	"github.com/roach88/conduit/internal/journal"
	"github.com/roach88/conduit/internal/journal/memory"
	"github.com/roach88/conduit/internal/journal/redis"
	"github.com/roach88/conduit/internal/journal/sqlite"
	"github.com/roach88/conduit/internal/wiring"
)

// newLogger builds the process logger on w, which is stderr outside tests.
func newLogger(cfg config.Config, opts *RootOptions, w io.Writer) *slog.Logger {
	return cfg.Log.NewLogger(w, opts.Verbose)
}

// openJournal opens the configured audit journal backend.
func openJournal(jc config.JournalConfig) (journal.Journal, error) {
	switch jc.Backend {
	case config.JournalMemory:
		return memory.New(), nil
	case config.JournalRedis:
		var ropts []redis.Option
		if jc.RedisPrefix != "" {
			ropts = append(ropts, redis.WithPrefix(jc.RedisPrefix))
		}
		if jc.RedisTTL > 0 {
			ropts = append(ropts, redis.WithTTL(jc.RedisTTL))
		}
		return redis.New(jc.RedisAddr, jc.RedisPassword, jc.RedisDB, ropts...), nil
	case config.JournalSQLite:
		return sqlite.Open(jc.Path)
	default:
		return nil, fmt.Errorf("unknown journal backend %q", jc.Backend)
	}
}

// loadManifest reads the wiring manifest at path. An empty path selects
// the built-in demo pipeline.
func loadManifest(path string) (*wiring.Manifest, error) {
	if path == "" {
		return demo.Manifest()
	}
	return wiring.LoadFile(path)
}

// manifestError maps a manifest load failure to its CLI error code.
func manifestError(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrCodeNotFound
	}
	return ErrCodeManifest
}

// newRegistry registers the worker kinds and record types the CLI can
// assemble. Workers journal through rec, which may be nil.
func newRegistry(rec flow.Recorder, opts demo.Options) (*wiring.Registry, error) {
	reg := wiring.NewRegistry()
	if err := demo.Register(reg, rec, opts); err != nil {
		return nil, err
	}
	return reg, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
