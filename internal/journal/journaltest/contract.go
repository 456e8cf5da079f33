// Package journaltest holds the behavior every journal backend must share.
package journaltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/journal"
)

// RunContract runs the shared suite. newJournal must return an empty
// journal; the suite closes it.
func RunContract(t *testing.T, newJournal func(t *testing.T) journal.Journal) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Append and Resolve", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		e, err := journal.NewEntry("ema-1", "ema", "run-1", map[string]any{"value": 101.5}, at)
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, e))

		got, err := j.Resolve(ctx, "ema-1")
		require.NoError(t, err)
		assert.Equal(t, "ema-1", got.ID)
		assert.Equal(t, "ema", got.Kind)
		assert.Equal(t, "run-1", got.RunID)
		assert.True(t, at.Equal(got.RecordedAt))
		assert.JSONEq(t, `{"value":101.5}`, string(got.Data))
	})

	t.Run("Append Replaces", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		require.NoError(t, j.Append(ctx, journal.Entry{ID: "x", Kind: "first", RecordedAt: at}))
		require.NoError(t, j.Append(ctx, journal.Entry{ID: "x", Kind: "second", RecordedAt: at}))

		got, err := j.Resolve(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, "second", got.Kind)
	})

	t.Run("Resolve Unknown", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		_, err := j.Resolve(ctx, "missing")
		assert.ErrorIs(t, err, journal.ErrNotFound)
	})

	t.Run("Entry Without Data", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		require.NoError(t, j.Append(ctx, journal.Entry{ID: "bare", Kind: "trigger", RecordedAt: at}))
		got, err := j.Resolve(ctx, "bare")
		require.NoError(t, err)
		assert.Empty(t, got.Data)
		assert.Empty(t, got.RunID)
	})

	t.Run("WriteChain Preserves Order", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		fields := []causality.Field{
			{Name: "trigger_id", Value: "t-1"},
			{Name: "ema_id", Value: "e-1"},
			{Name: "signal_id", Value: "s-1"},
		}
		require.NoError(t, j.WriteChain(ctx, fields))
		require.NoError(t, j.WriteChain(ctx, fields[:2]))
		require.NoError(t, j.WriteChain(ctx, []causality.Field{{Name: "trigger_id", Value: "t-2"}}))

		chains, err := j.Chains(ctx, "t-1")
		require.NoError(t, err)
		require.Len(t, chains, 2)
		assert.Equal(t, fields, chains[0].Fields)
		assert.Equal(t, fields[:2], chains[1].Fields)
		assert.Less(t, chains[0].Seq, chains[1].Seq)
		assert.Equal(t, "t-1", chains[0].RootID)

		chains, err = j.Chains(ctx, "t-2")
		require.NoError(t, err)
		assert.Len(t, chains, 1)

		chains, err = j.Chains(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, chains)
	})

	t.Run("WriteChain Rejects Empty", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		assert.ErrorIs(t, j.WriteChain(ctx, nil), journal.ErrEmptyChain)
	})

	t.Run("Concurrent Appends", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("id-%02d", i)
				assert.NoError(t, j.Append(ctx, journal.Entry{ID: id, Kind: "k", RecordedAt: at}))
			}()
		}
		wg.Wait()

		for i := 0; i < 20; i++ {
			_, err := j.Resolve(ctx, fmt.Sprintf("id-%02d", i))
			assert.NoError(t, err)
		}
	})

	t.Run("Data Round Trip", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		type signal struct {
			Side  string  `json:"side"`
			Score float64 `json:"score"`
		}
		e, err := journal.NewEntry("s-1", "signal", "run-1", signal{"buy", 0.75}, at)
		require.NoError(t, err)
		require.NoError(t, j.Append(ctx, e))

		got, err := j.Resolve(ctx, "s-1")
		require.NoError(t, err)
		var decoded signal
		require.NoError(t, json.Unmarshal(got.Data, &decoded))
		assert.Equal(t, signal{"buy", 0.75}, decoded)
	})
}
