package crashlog

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuzugate/kuzugate/pkg/errs"
)

func TestTrackerHistory(t *testing.T) {
	t.Run("records queries in order", func(t *testing.T) {
		tr := NewTracker(zerolog.Nop())
		tr.RecordQuery("MATCH (a) RETURN a", nil)
		tr.RecordQuery("MATCH (b) RETURN b", map[string]any{"x": 1})

		info := tr.DebugInfo()
		require.Len(t, info.RecentQueries, 2)
		assert.Equal(t, "MATCH (a) RETURN a", info.RecentQueries[0].Query)
		assert.Equal(t, "MATCH (b) RETURN b", info.RecentQueries[1].Query)
	})

	t.Run("evicts oldest at capacity", func(t *testing.T) {
		tr := NewTracker(zerolog.Nop())
		for i := 0; i < historyCapacity+50; i++ {
			tr.RecordQuery(fmt.Sprintf("QUERY %d", i), nil)
		}
		assert.Equal(t, historyCapacity, tr.HistoryLen())

		// The debug view shows only the newest entries.
		info := tr.DebugInfo()
		require.Len(t, info.RecentQueries, recentQueryCount)
		assert.Equal(t, fmt.Sprintf("QUERY %d", historyCapacity+49), info.RecentQueries[recentQueryCount-1].Query)
	})
}

func TestTrackerCrashes(t *testing.T) {
	t.Run("records full crash context", func(t *testing.T) {
		tr := NewTracker(zerolog.Nop())

		rec := tr.RecordCrash(errs.New(errs.KindExecution, "engine exploded"), "MATCH (n) RETURN n", map[string]any{"p": 1})

		assert.Equal(t, uint64(1), tr.CrashCount())
		assert.Equal(t, uint64(1), rec.Sequence)
		assert.Equal(t, "execution_failed", rec.ErrorType)
		assert.Contains(t, rec.ErrorMessage, "engine exploded")
		assert.NotEmpty(t, rec.StackTrace)
		assert.NotZero(t, rec.System.PID)
	})

	t.Run("plain errors fall back to dynamic type", func(t *testing.T) {
		tr := NewTracker(zerolog.Nop())
		rec := tr.RecordCrash(errors.New("boom"), "Q", nil)
		assert.Equal(t, "*errors.errorString", rec.ErrorType)
	})

	t.Run("debug info reflects last crash", func(t *testing.T) {
		tr := NewTracker(zerolog.Nop())
		tr.RecordCrash(errors.New("first"), "QUERY 1", nil)
		tr.RecordCrash(errors.New("second"), "QUERY 2", nil)

		info := tr.DebugInfo()
		assert.Equal(t, uint64(2), info.CrashCount)
		assert.Equal(t, "QUERY 2", info.LastCrashQuery)
		assert.NotEmpty(t, info.LastCrashTime)
	})
}

func TestJournal(t *testing.T) {
	openTestJournal := func(t *testing.T) *Journal {
		t.Helper()
		j, err := OpenJournal(JournalOptions{InMemory: true}, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { j.Close() })
		return j
	}

	t.Run("round trip", func(t *testing.T) {
		j := openTestJournal(t)

		for i := uint64(1); i <= 3; i++ {
			require.NoError(t, j.Append(CrashRecord{Sequence: i, Query: fmt.Sprintf("QUERY %d", i)}))
		}

		recent, err := j.Recent(2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, uint64(3), recent[0].Sequence, "newest first")
		assert.Equal(t, uint64(2), recent[1].Sequence)

		last, err := j.LastSequence()
		require.NoError(t, err)
		assert.Equal(t, uint64(3), last)
	})

	t.Run("empty journal", func(t *testing.T) {
		j := openTestJournal(t)

		last, err := j.LastSequence()
		require.NoError(t, err)
		assert.Zero(t, last)

		recent, err := j.Recent(10)
		require.NoError(t, err)
		assert.Empty(t, recent)
	})

	t.Run("tracker resumes sequence from journal", func(t *testing.T) {
		j := openTestJournal(t)
		require.NoError(t, j.Append(CrashRecord{Sequence: 7, Query: "OLD"}))

		tr := NewTracker(zerolog.Nop())
		tr.SetJournal(j)

		rec := tr.RecordCrash(errors.New("new crash"), "NEW", nil)
		assert.Equal(t, uint64(8), rec.Sequence, "sequences stay strictly increasing across restarts")

		recent, err := j.Recent(1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "NEW", recent[0].Query)
	})
}
