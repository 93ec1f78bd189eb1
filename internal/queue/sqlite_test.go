package queue

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scanflow/internal/database"
)

func newTestBackend(t *testing.T) *SQLite {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLite(db)
}

func TestPopMinPriorityOrder(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		order    []string
	}{
		{"urgent first", []string{"A", "B"}},
		{"urgent last", []string{"B", "A"}},
	}
	prio := map[string]int{"A": 2, "B": 5}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			b := newTestBackend(t)
			ctx := t.Context()
			for _, id := range tt.order {
				require.NoError(t, b.Push(ctx, id, prio[id]))
			}

			first, err := b.PopMin(ctx)
			require.NoError(t, err)
			require.Equal(t, "A", first)
			second, err := b.PopMin(ctx)
			require.NoError(t, err)
			require.Equal(t, "B", second)

			_, err = b.PopMin(ctx)
			require.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestPushTiesPopInEnqueueOrder(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := t.Context()

	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, b.Push(ctx, id, 5))
	}
	for _, want := range []string{"j1", "j2", "j3"} {
		got, err := b.PopMin(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestPushOverwritesScore(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := t.Context()

	require.NoError(t, b.Push(ctx, "a", 3))
	require.NoError(t, b.Push(ctx, "b", 5))
	require.NoError(t, b.Push(ctx, "b", 1))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := b.PopMin(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got)
}

func TestRemoveAndContains(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := t.Context()

	require.NoError(t, b.Push(ctx, "a", 3))
	ok, err := b.Contains(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Remove(ctx, "a"))
	ok, err = b.Contains(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, b.Remove(ctx, "a"))
}

func TestTryLockSingleWinner(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := t.Context()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := b.TryLock(ctx, "job", string(rune('a'+i)), time.Minute)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestLockExpiry(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := t.Context()

	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	ok, err := b.TryLock(ctx, "job", "w1", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryLock(ctx, "job", "w2", 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	held, err := b.Held(ctx, "job")
	require.NoError(t, err)
	require.True(t, held)

	now = now.Add(11 * time.Second)
	held, err = b.Held(ctx, "job")
	require.NoError(t, err)
	require.False(t, held)

	ok, err = b.Refresh(ctx, "job", "w1", 10*time.Second)
	require.NoError(t, err)
	require.False(t, ok, "expired lock cannot be refreshed")

	ok, err = b.TryLock(ctx, "job", "w2", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnlockOnlyByOwner(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t)
	ctx := t.Context()

	ok, err := b.TryLock(ctx, "job", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Unlock(ctx, "job", "w2"))
	held, err := b.Held(ctx, "job")
	require.NoError(t, err)
	require.True(t, held)

	ok, err = b.Refresh(ctx, "job", "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Unlock(ctx, "job", "w1"))
	held, err = b.Held(ctx, "job")
	require.NoError(t, err)
	require.False(t, held)
}
