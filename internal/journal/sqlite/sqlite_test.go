package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/journal"
	"github.com/roach88/conduit/internal/journal/journaltest"
	"github.com/roach88/conduit/internal/testutil"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	return j
}

func TestSQLiteJournal_Contract(t *testing.T) {
	journaltest.RunContract(t, func(t *testing.T) journal.Journal {
		return openTemp(t)
	})
}

func TestOpen_CreatesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Pragmas(t *testing.T) {
	j := openTemp(t)
	defer j.Close()

	assert.NoError(t, j.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, j.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, j.verifyPragma("user_version", "1"))
}

func TestOpen_IdempotentAndDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, journal.Entry{ID: "t-1", Kind: "trigger", RecordedAt: at}))
	require.NoError(t, j.WriteChain(ctx, []causality.Field{{Name: "trigger_id", Value: "t-1"}}))
	require.NoError(t, j.Close())

	for i := 0; i < 2; i++ {
		j, err = Open(path)
		require.NoError(t, err)
		require.NoError(t, j.Close())
	}

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	e, err := j.Resolve(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "trigger", e.Kind)

	chains, err := j.Chains(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, chains, 1)
}

func TestWriteChain_UsesClock(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(at, time.Second)
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), WithNow(clock.Now))
	require.NoError(t, err)
	defer j.Close()

	ctx := context.Background()
	require.NoError(t, j.WriteChain(ctx, []causality.Field{{Name: "trigger_id", Value: "t-1"}}))
	require.NoError(t, j.WriteChain(ctx, []causality.Field{{Name: "trigger_id", Value: "t-1"}, {Name: "ema_id", Value: "e-1"}}))

	chains, err := j.Chains(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.True(t, at.Equal(chains[0].WrittenAt))
	assert.True(t, at.Add(time.Second).Equal(chains[1].WrittenAt))
}
