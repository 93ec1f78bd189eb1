package store_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scanflow/internal/database"
	"scanflow/internal/domain"
	"scanflow/internal/store"
)

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	return store.NewSQLite(db)
}

func newJob(id string, created time.Time) *domain.Job {
	return &domain.Job{
		ID:          id,
		Name:        "scan " + id,
		Status:      domain.JobCreated,
		Priority:    domain.DefaultPriority,
		Tags:        []string{"external"},
		Metadata:    map[string]string{"team": "red"},
		CreatedBy:   "alice",
		CreatedAt:   created,
		UpdatedAt:   created,
		MaxDuration: 30 * time.Second,
		Targets: []domain.Target{
			{ID: id + "-t1", Type: "domain", Value: "example.com", Status: domain.TargetPending, CreatedAt: created},
			{ID: id + "-t2", Type: "ip", Value: "10.0.0.1", Status: domain.TargetPending, CreatedAt: created.Add(time.Millisecond)},
		},
		Steps: []domain.ModuleStep{
			{ID: id + "-s1", Module: domain.ModuleRef{ID: "dns", Name: "dns", Version: "1.0"}, Order: 1, Status: domain.StepPending,
				Parameters: json.RawMessage(`{"depth":2}`)},
			{ID: id + "-s2", Module: domain.ModuleRef{ID: "whois"}, Order: 2, DependsOn: []string{id + "-s1"}, Status: domain.StepPending},
		},
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.CreateJob(ctx, newJob("j1", now)))

	got, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobCreated, got.Status)
	require.Equal(t, []string{"external"}, got.Tags)
	require.Equal(t, "red", got.Metadata["team"])
	require.Equal(t, 30*time.Second, got.MaxDuration)
	require.True(t, now.Equal(got.CreatedAt))
	require.Nil(t, got.Progress)
	require.Len(t, got.Targets, 2)
	require.Equal(t, "example.com", got.Targets[0].Value)
	require.Len(t, got.Steps, 2)
	require.Equal(t, []string{"j1-s1"}, got.Steps[1].DependsOn)
	require.JSONEq(t, `{"depth":2}`, string(got.Steps[0].Parameters))

	_, err = s.GetJob(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		j := newJob(fmt.Sprintf("j%d", i), base.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			j.Tags = []string{"internal"}
			j.CreatedBy = "bob"
		}
		if i == 3 {
			j.Name = "Quarterly Perimeter"
		}
		require.NoError(t, s.CreateJob(ctx, j))
	}

	var testCases = []struct {
		scenario string
		req      store.ListRequest
		total    int
		first    string
	}{
		{"all newest first", store.ListRequest{}, 5, "j4"},
		{"by tag", store.ListRequest{Tag: "internal"}, 3, "j4"},
		{"by creator", store.ListRequest{CreatedBy: "alice"}, 2, "j3"},
		{"by name", store.ListRequest{NameContains: "perimeter"}, 1, "j3"},
		{"by status", store.ListRequest{Status: domain.JobRunning}, 0, ""},
		{"created window", store.ListRequest{CreatedAfter: ptr(base.Add(time.Hour)), CreatedBefore: ptr(base.Add(3 * time.Hour))}, 2, "j2"},
		{"second page", store.ListRequest{Page: 2, PerPage: 2}, 5, "j2"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			rsp, err := s.ListJobs(ctx, &tt.req)
			require.NoError(t, err)
			require.Equal(t, tt.total, rsp.Total)
			if tt.first == "" {
				require.Empty(t, rsp.Jobs)
				return
			}
			require.Equal(t, tt.first, rsp.Jobs[0].ID)
		})
	}
}

func TestUpdateJobGuard(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))

	at := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	got, err := s.UpdateJob(ctx, "j1", func(j *domain.Job) error {
		j.Name = "renamed"
		j.ScheduledAt = &at
		j.Status = domain.JobScheduled
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, got.Status)

	got, err = s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.True(t, at.Equal(*got.ScheduledAt))

	_, err = s.TransitionJob(ctx, "j1", domain.JobQueued, "")
	require.NoError(t, err)

	_, err = s.UpdateJob(ctx, "j1", func(j *domain.Job) error {
		j.Name = "too late"
		return nil
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestTransitionJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))

	_, err := s.TransitionJob(ctx, "j1", domain.JobRunning, "")
	require.ErrorIs(t, err, domain.ErrInternal)

	_, err = s.TransitionJob(ctx, "j1", domain.JobQueued, "")
	require.NoError(t, err)
	j, err := s.TransitionJob(ctx, "j1", domain.JobRunning, "")
	require.NoError(t, err)
	require.NotNil(t, j.StartedAt)
	require.NotNil(t, j.Progress)
	require.Equal(t, 0, *j.Progress)

	j, err = s.TransitionJob(ctx, "j1", domain.JobFailed, "1 of 2 targets failed")
	require.NoError(t, err)
	require.NotNil(t, j.CompletedAt)
	require.Equal(t, "1 of 2 targets failed", j.ErrorMessage)

	_, err = s.TransitionJob(ctx, "j1", domain.JobCreated, "")
	require.ErrorIs(t, err, domain.ErrInternal)
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))

	require.NoError(t, s.UpdateProgress(ctx, "j1", 50, nil))
	require.NoError(t, s.UpdateProgress(ctx, "j1", 25, nil))

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, 50, *j.Progress)
}

func TestTargetAndStepTransitions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))

	require.ErrorIs(t, s.SetTargetStatus(ctx, "j1-t1", domain.TargetCompleted, ""), domain.ErrInternal)
	require.NoError(t, s.SetTargetStatus(ctx, "j1-t1", domain.TargetInProgress, ""))
	require.NoError(t, s.AddTargetResults(ctx, "j1-t1", 3))
	require.NoError(t, s.AddTargetResults(ctx, "j1-t1", 2))
	require.NoError(t, s.SetTargetStatus(ctx, "j1-t1", domain.TargetFailed, "timeout"))
	require.ErrorIs(t, s.SetTargetStatus(ctx, "j1-t1", domain.TargetCompleted, ""), domain.ErrInternal)
	require.ErrorIs(t, s.SetTargetStatus(ctx, "nope", domain.TargetInProgress, ""), domain.ErrNotFound)

	require.NoError(t, s.SetStepStatus(ctx, "j1-s1", domain.StepRunning))
	require.NoError(t, s.SetStepStatus(ctx, "j1-s1", domain.StepCompleted))
	require.ErrorIs(t, s.SetStepStatus(ctx, "j1-s1", domain.StepRunning), domain.ErrInternal)

	targets, err := s.Targets(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.TargetFailed, targets[0].Status)
	require.Equal(t, "timeout", targets[0].ErrorMessage)
	require.Equal(t, 5, targets[0].ResultCount)
	require.NotNil(t, targets[0].CompletedAt)
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))
	require.NoError(t, s.CreateJob(ctx, newJob("j2", time.Now())))

	j, err := s.CancelPending(ctx, "j1", "Scan cancelled before execution")
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, j.Status)
	require.Equal(t, "Scan cancelled before execution", j.ErrorMessage)
	for _, tg := range j.Targets {
		require.Equal(t, domain.TargetSkipped, tg.Status)
	}
	for _, st := range j.Steps {
		require.Equal(t, domain.StepSkipped, st.Status)
	}

	_, err = s.CancelPending(ctx, "j1", "again")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.TransitionJob(ctx, "j2", domain.JobQueued, "")
	require.NoError(t, err)
	_, err = s.TransitionJob(ctx, "j2", domain.JobRunning, "")
	require.NoError(t, err)
	_, err = s.CancelPending(ctx, "j2", "")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCancelRequestFlag(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))

	ok, err := s.CancelRequested(ctx, "j1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RequestCancel(ctx, "j1"))
	ok, err = s.CancelRequested(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, s.RequestCancel(ctx, "missing"), domain.ErrNotFound)
}

func TestSaveUnitResultUpserts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	require.NoError(t, s.CreateJob(ctx, newJob("j1", time.Now())))

	r := &domain.UnitResult{JobID: "j1", TargetID: "j1-t1", StepID: "j1-s1", CorrelationID: "c1",
		Status: domain.UnitFailed, Attempts: 1, ErrorMessage: "boom"}
	require.NoError(t, s.SaveUnitResult(ctx, r))

	r.Status, r.Attempts, r.ErrorMessage, r.EntityCount = domain.UnitCompleted, 2, "", 4
	r.Raw = json.RawMessage(`{"ok":true}`)
	require.NoError(t, s.SaveUnitResult(ctx, r))

	results, err := s.UnitResults(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, domain.UnitCompleted, results[0].Status)
	require.Equal(t, 2, results[0].Attempts)
	require.Equal(t, 4, results[0].EntityCount)
	require.JSONEq(t, `{"ok":true}`, string(results[0].Raw))
}

func TestDueScheduled(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now()

	for id, at := range map[string]time.Time{"past": now.Add(-time.Minute), "future": now.Add(time.Hour)} {
		j := newJob(id, now)
		j.Status = domain.JobScheduled
		j.ScheduledAt = &at
		require.NoError(t, s.CreateJob(ctx, j))
	}

	due, err := s.DueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "past", due[0].ID)

	scheduled, err := s.JobsByStatus(ctx, domain.JobScheduled)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)
}

func ptr[T any](v T) *T { return &v }
