package jobs_test

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scanflow/internal/database"
	"scanflow/internal/domain"
	"scanflow/internal/gateway"
	"scanflow/internal/jobs"
	"scanflow/internal/notify"
	"scanflow/internal/queue"
	"scanflow/internal/scheduler"
	"scanflow/internal/store"
)

type fakeCanceller struct {
	mu     sync.Mutex
	active map[string]bool
	fired  []string
}

func (c *fakeCanceller) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active[id] {
		return false
	}
	c.fired = append(c.fired, id)
	return true
}

type fixture struct {
	svc    *jobs.Service
	store  *store.SQLite
	queue  *queue.SQLite
	cancel *fakeCanceller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	st := store.NewSQLite(db)
	q := queue.NewSQLite(db)
	sched := scheduler.NewService(st, q, q, scheduler.Options{})
	reg := gateway.StaticRegistry{
		"dns":   {Name: "DNS Enumeration", Version: "1.2.0"},
		"whois": {Name: "WHOIS", Version: "0.9.1"},
		"ports": {Name: "Port Scan", Version: "2.0.0"},
	}
	c := &fakeCanceller{active: map[string]bool{}}
	return &fixture{
		svc:    jobs.NewService(st, sched, reg, c, notify.NewBus()),
		store:  st,
		queue:  q,
		cancel: c,
	}
}

func ptr[T any](v T) *T { return &v }

func validRequest() *jobs.CreateRequest {
	return &jobs.CreateRequest{
		Name: "example recon",
		Tags: []string{"recon", "recon", " external "},
		Targets: []jobs.TargetSpec{
			{Type: "domain", Value: "example.com"},
			{Type: "ip", Value: "192.0.2.10"},
		},
		Modules: []jobs.ModuleSpec{
			{ModuleID: "dns"},
			{ModuleID: "ports", DependsOn: []string{"dns"}, Parameters: json.RawMessage(`{"top":100}`)},
		},
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	j, err := f.svc.Create(t.Context(), validRequest())
	require.NoError(t, err)
	require.Equal(t, domain.JobCreated, j.Status)
	require.Equal(t, domain.DefaultPriority, j.Priority)
	require.Equal(t, domain.DefaultMaxDuration, j.MaxDuration)
	require.Equal(t, []string{"recon", "external"}, j.Tags)

	got, err := f.svc.Get(t.Context(), j.ID)
	require.NoError(t, err)
	require.Len(t, got.Targets, 2)
	require.Equal(t, "example.com", got.Targets[0].Value)
	require.Len(t, got.Steps, 2)
	require.Equal(t, "DNS Enumeration", got.Steps[0].Module.Name)
	require.Equal(t, "dns", got.Steps[0].Module.ID)
	require.Equal(t, []string{got.Steps[0].ID}, got.Steps[1].DependsOn)
	require.JSONEq(t, `{"top":100}`, string(got.Steps[1].Parameters))
}

func TestCreateScheduled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := validRequest()
	req.ScheduledAt = ptr(time.Now().Add(time.Hour))
	j, err := f.svc.Create(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, domain.JobScheduled, j.Status)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var testCases = []struct {
		scenario string
		mutate   func(*jobs.CreateRequest)
		kind     error
	}{
		{"no name", func(r *jobs.CreateRequest) { r.Name = " " }, domain.ErrValidation},
		{"no targets", func(r *jobs.CreateRequest) { r.Targets = nil }, domain.ErrValidation},
		{"no modules", func(r *jobs.CreateRequest) { r.Modules = nil }, domain.ErrValidation},
		{"priority too high", func(r *jobs.CreateRequest) { r.Priority = ptr(11) }, domain.ErrValidation},
		{"priority too low", func(r *jobs.CreateRequest) { r.Priority = ptr(0) }, domain.ErrValidation},
		{"zero max duration", func(r *jobs.CreateRequest) { r.MaxDuration = ptr(0) }, domain.ErrValidation},
		{"target without value", func(r *jobs.CreateRequest) { r.Targets[0].Value = "" }, domain.ErrValidation},
		{"duplicate module", func(r *jobs.CreateRequest) { r.Modules = append(r.Modules, jobs.ModuleSpec{ModuleID: "dns"}) }, domain.ErrValidation},
		{"unknown dependency", func(r *jobs.CreateRequest) { r.Modules[0].DependsOn = []string{"whois"} }, domain.ErrValidation},
		{"cycle", func(r *jobs.CreateRequest) { r.Modules[0].DependsOn = []string{"ports"} }, domain.ErrValidation},
		{"bad parameters", func(r *jobs.CreateRequest) { r.Modules[0].Parameters = json.RawMessage(`{`) }, domain.ErrValidation},
		{"unknown module", func(r *jobs.CreateRequest) { r.Modules[0].ModuleID = "nmap" }, domain.ErrNotFound},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := f.svc.Create(t.Context(), req)
			require.ErrorIs(t, err, tt.kind)
		})
	}

	rsp, err := f.svc.List(t.Context(), &store.ListRequest{})
	require.NoError(t, err)
	require.Zero(t, rsp.Total)
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	req := validRequest()
	req.Metadata = map[string]string{"owner": "blue-team", "env": "prod"}
	j, err := f.svc.Create(ctx, req)
	require.NoError(t, err)

	at := time.Now().Add(time.Hour)
	j, err = f.svc.Update(ctx, j.ID, &jobs.UpdateRequest{
		Name:        ptr("renamed"),
		Priority:    ptr(2),
		Metadata:    map[string]string{"env": "staging", "ticket": "SEC-1"},
		ScheduledAt: &at,
		MaxDuration: ptr(30),
	})
	require.NoError(t, err)
	require.Equal(t, "renamed", j.Name)
	require.Equal(t, 2, j.Priority)
	require.Equal(t, domain.JobScheduled, j.Status)
	require.Equal(t, 30*time.Second, j.MaxDuration)
	require.Equal(t, map[string]string{"owner": "blue-team", "env": "staging", "ticket": "SEC-1"}, j.Metadata)

	_, err = f.svc.Update(ctx, j.ID, &jobs.UpdateRequest{Priority: ptr(42)})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Start(ctx, j.ID)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, j.ID, &jobs.UpdateRequest{Name: ptr("late")})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Update(ctx, "missing", &jobs.UpdateRequest{Name: ptr("x")})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	j, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	j, err = f.svc.Start(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, j.Status)

	ok, err := f.queue.Contains(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// starting twice keeps a single queue entry
	_, err = f.svc.Start(ctx, j.ID)
	require.NoError(t, err)
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = f.store.TransitionJob(ctx, j.ID, domain.JobRunning, "")
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, j.ID)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.Start(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	j, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, j.ID)
	require.NoError(t, err)

	j, err = f.svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, j.Status)
	require.Equal(t, jobs.CancelledByUser, j.ErrorMessage)
	for _, tg := range j.Targets {
		require.Equal(t, domain.TargetSkipped, tg.Status)
	}
	ok, err := f.queue.Contains(ctx, j.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.svc.Cancel(ctx, j.ID)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	j, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, j.ID)
	require.NoError(t, err)
	_, err = f.store.TransitionJob(ctx, j.ID, domain.JobRunning, "")
	require.NoError(t, err)
	f.cancel.active[j.ID] = true

	j, err = f.svc.Cancel(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, j.Status)
	require.True(t, j.CancelRequested)
	require.Equal(t, []string{j.ID}, f.cancel.fired)
}

func TestResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	j, err := f.svc.Create(ctx, validRequest())
	require.NoError(t, err)
	res, err := f.svc.Results(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Summary.Targets)
	require.Empty(t, res.Units)

	require.NoError(t, f.store.SaveUnitResult(ctx, &domain.UnitResult{
		JobID: j.ID, TargetID: j.Targets[0].ID, StepID: j.Steps[0].ID, CorrelationID: "c1",
		Status: domain.UnitCompleted, Attempts: 1, EntityCount: 4, RelationshipCount: 2,
	}))
	require.NoError(t, f.store.SaveUnitResult(ctx, &domain.UnitResult{
		JobID: j.ID, TargetID: j.Targets[1].ID, StepID: j.Steps[0].ID, CorrelationID: "c2",
		Status: domain.UnitFailed, Attempts: 3, ErrorMessage: "timeout",
	}))

	res, err = f.svc.Results(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 2, res.Summary.Units)
	require.Equal(t, 4, res.Summary.Entities)
	require.Equal(t, 2, res.Summary.Relationships)

	_, err = f.svc.Results(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.List(t.Context(), &store.ListRequest{Status: "sleeping"})
	require.ErrorIs(t, err, domain.ErrValidation)

	after, before := time.Now(), time.Now().Add(-time.Hour)
	_, err = f.svc.List(t.Context(), &store.ListRequest{CreatedAfter: &after, CreatedBefore: &before})
	require.ErrorIs(t, err, domain.ErrValidation)
}
