package scheduler_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scanflow/internal/database"
	"scanflow/internal/domain"
	"scanflow/internal/queue"
	"scanflow/internal/scheduler"
	"scanflow/internal/store"
)

type fixture struct {
	store *store.SQLite
	queue *queue.SQLite
	svc   *scheduler.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	st := store.NewSQLite(db)
	q := queue.NewSQLite(db)
	return &fixture{
		store: st,
		queue: q,
		svc:   scheduler.NewService(st, q, q, scheduler.Options{LockTTL: time.Minute}),
	}
}

func (f *fixture) createJob(t *testing.T, id string, priority int, status domain.JobStatus, scheduledAt *time.Time) {
	t.Helper()
	now := time.Now()
	require.NoError(t, f.store.CreateJob(t.Context(), &domain.Job{
		ID: id, Name: id, Status: status, Priority: priority, ScheduledAt: scheduledAt,
		CreatedAt: now, UpdatedAt: now, MaxDuration: time.Second,
		Targets: []domain.Target{{ID: id + "-t", Type: "domain", Value: "example.com", Status: domain.TargetPending, CreatedAt: now}},
		Steps:   []domain.ModuleStep{{ID: id + "-s", Module: domain.ModuleRef{ID: "dns"}, Status: domain.StepPending}},
	}))
}

func TestEnqueueOrdersByPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	f.createJob(t, "B", 5, domain.JobCreated, nil)
	f.createJob(t, "A", 2, domain.JobCreated, nil)
	_, err := f.svc.Enqueue(ctx, "B")
	require.NoError(t, err)
	j, err := f.svc.Enqueue(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.Status)

	first, err := f.queue.PopMin(ctx)
	require.NoError(t, err)
	require.Equal(t, "A", first)
}

func TestReEnqueueOverwritesPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	f.createJob(t, "A", 3, domain.JobCreated, nil)
	f.createJob(t, "B", 5, domain.JobCreated, nil)
	_, err := f.svc.Enqueue(ctx, "A")
	require.NoError(t, err)
	_, err = f.svc.Enqueue(ctx, "B")
	require.NoError(t, err)

	require.NoError(t, f.queue.Push(ctx, "B", 1))
	_, err = f.svc.Enqueue(ctx, "B")
	require.NoError(t, err)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	first, err := f.queue.PopMin(ctx)
	require.NoError(t, err)
	require.Equal(t, "A", first, "re-enqueue resets the score to the job priority")
}

func TestEnqueueTerminalJobFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	f.createJob(t, "A", 3, domain.JobCreated, nil)
	_, err := f.store.CancelPending(ctx, "A", "cancelled")
	require.NoError(t, err)

	_, err = f.svc.Enqueue(ctx, "A")
	require.ErrorIs(t, err, domain.ErrInternal)
	ok, err := f.queue.Contains(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPromoteScheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	f.createJob(t, "due", 5, domain.JobScheduled, &past)
	f.createJob(t, "later", 5, domain.JobScheduled, &future)

	n, err := f.svc.PromoteScheduled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err := f.store.GetJob(ctx, "due")
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.Status)
	j, err = f.store.GetJob(ctx, "later")
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, j.Status)
}

func TestRecoverOrphans(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	// running with a live lock
	f.createJob(t, "live", 5, domain.JobCreated, nil)
	// running with no lock holder
	f.createJob(t, "dead", 5, domain.JobCreated, nil)
	// queued but missing from the queue
	f.createJob(t, "lost", 5, domain.JobCreated, nil)

	for _, id := range []string{"live", "dead"} {
		_, err := f.svc.Enqueue(ctx, id)
		require.NoError(t, err)
		_, err = f.store.TransitionJob(ctx, id, domain.JobRunning, "")
		require.NoError(t, err)
		require.NoError(t, f.queue.Remove(ctx, id))
	}
	_, err := f.svc.AcquireLock(ctx, "live")
	require.NoError(t, err)
	_, err = f.store.TransitionJob(ctx, "lost", domain.JobQueued, "")
	require.NoError(t, err)

	n, err := f.svc.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	j, err := f.store.GetJob(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.Status)
	j, err = f.store.GetJob(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, j.Status)

	for _, id := range []string{"dead", "lost"} {
		ok, err := f.queue.Contains(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, id)
	}
}

func TestAcquireLockExactlyOneWinner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		tokens    []string
		conflicts int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := f.svc.AcquireLock(ctx, "job")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if domain.KindOf(err) == domain.KindConflict {
					conflicts++
				}
				return
			}
			tokens = append(tokens, token)
		}()
	}
	wg.Wait()
	require.Len(t, tokens, 1)
	require.Equal(t, 1, conflicts)

	require.NoError(t, f.svc.RefreshLock(ctx, "job", tokens[0]))
	require.ErrorIs(t, f.svc.RefreshLock(ctx, "job", "stranger"), domain.ErrConflict)
	require.NoError(t, f.svc.ReleaseLock(ctx, "job", tokens[0]))

	_, err := f.svc.AcquireLock(ctx, "job")
	require.NoError(t, err)
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()
	require.NoError(t, scheduler.ValidateSpec(scheduler.DefaultSpec))
	require.NoError(t, scheduler.ValidateSpec("*/5 * * * *"))
	require.Error(t, scheduler.ValidateSpec("every now and then"))
}

func TestWithdrawKeepsStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	f.createJob(t, "A", 5, domain.JobCreated, nil)
	_, err := f.svc.Enqueue(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, f.svc.Withdraw(ctx, "A"))

	ok, err := f.queue.Contains(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)
	j, err := f.store.GetJob(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.Status)
}
