// Package sqlite is the durable journal backend.
//
// The database runs in WAL mode with a single connection, so readers never
// block the FlowTerminator's writes. The schema is embedded and versioned
// through PRAGMA user_version.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/journal"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on entries.run_id
const currentSchemaVersion = 1

// Journal is a journal.Journal stored in SQLite.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

var _ journal.Journal = (*Journal)(nil)

// Option configures a Journal.
type Option func(*Journal)

// WithNow sets the clock stamping written chains.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open creates or opens the journal at path. Safe to call repeatedly on the
// same file.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	j := &Journal{db: db, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append implements journal.Journal. Appending an existing id replaces it.
func (j *Journal) Append(ctx context.Context, e journal.Entry) error {
	if e.ID == "" {
		return errors.New("append entry: id is required")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO entries (id, kind, run_id, data, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			run_id = excluded.run_id,
			data = excluded.data,
			recorded_at = excluded.recorded_at
	`,
		e.ID,
		e.Kind,
		e.RunID,
		[]byte(e.Data),
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Resolve implements journal.Journal.
func (j *Journal) Resolve(ctx context.Context, id string) (journal.Entry, error) {
	var (
		e          journal.Entry
		data       []byte
		recordedAt string
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT id, kind, run_id, data, recorded_at
		FROM entries
		WHERE id = ?
	`, id).Scan(&e.ID, &e.Kind, &e.RunID, &data, &recordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Entry{}, journal.ErrNotFound
	}
	if err != nil {
		return journal.Entry{}, fmt.Errorf("resolve entry %s: %w", id, err)
	}

	if len(data) > 0 {
		e.Data = data
	}
	e.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return journal.Entry{}, fmt.Errorf("resolve entry %s: bad recorded_at: %w", id, err)
	}
	return e, nil
}

// WriteChain implements journal.Journal. The chain and its links are
// written in one transaction.
func (j *Journal) WriteChain(ctx context.Context, fields []causality.Field) error {
	if len(fields) == 0 {
		return journal.ErrEmptyChain
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
		INSERT INTO chains (root_id, written_at) VALUES (?, ?)
	`, fields[0].Value, j.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("write chain: %w", err)
	}

	for i, f := range fields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chain_links (chain_seq, position, name, value)
			VALUES (?, ?, ?, ?)
		`, seq, i, f.Name, f.Value); err != nil {
			return fmt.Errorf("write chain link %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	return nil
}

// Chains implements journal.Journal.
func (j *Journal) Chains(ctx context.Context, rootID string) ([]journal.Chain, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT c.seq, c.root_id, c.written_at, l.name, l.value
		FROM chains c
		JOIN chain_links l ON l.chain_seq = c.seq
		WHERE c.root_id = ?
		ORDER BY c.seq ASC, l.position ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	defer rows.Close()

	var out []journal.Chain
	for rows.Next() {
		var (
			seq       int64
			root      string
			writtenAt string
			f         causality.Field
		)
		if err := rows.Scan(&seq, &root, &writtenAt, &f.Name, &f.Value); err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		if n := len(out); n == 0 || out[n-1].Seq != seq {
			at, err := time.Parse(time.RFC3339Nano, writtenAt)
			if err != nil {
				return nil, fmt.Errorf("scan chain %d: bad written_at: %w", seq, err)
			}
			out = append(out, journal.Chain{Seq: seq, RootID: root, WrittenAt: at})
		}
		last := &out[len(out)-1]
		last.Fields = append(last.Fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	return out, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 indexes entries by run id for databases created before v1.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(run_id)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func (j *Journal) verifyPragma(name, expected string) error {
	var value string
	if err := j.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
