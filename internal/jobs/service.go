// Package jobs implements the job operations exposed over the API: create,
// get, list, update, start, cancel and results.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/gateway"
	"scanflow/internal/notify"
	"scanflow/internal/scheduler"
	"scanflow/internal/store"
)

const CancelledByUser = "Scan cancelled by user"

type TargetSpec struct {
	Type     string            `json:"target_type"`
	Value    string            `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ModuleSpec names a module by id. DependsOn lists module ids of the same
// request.
type ModuleSpec struct {
	ModuleID   string          `json:"module_id"`
	Order      *int            `json:"order,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type CreateRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Priority    *int              `json:"priority,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	// MaxDuration is the per-unit timeout in seconds.
	MaxDuration *int         `json:"max_duration,omitempty"`
	Targets     []TargetSpec `json:"targets"`
	Modules     []ModuleSpec `json:"modules"`
}

// UpdateRequest changes only the fields that are set. Metadata is merged
// into the existing map.
type UpdateRequest struct {
	Name        *string           `json:"name,omitempty"`
	Description *string           `json:"description,omitempty"`
	Priority    *int              `json:"priority,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	MaxDuration *int              `json:"max_duration,omitempty"`
}

type Summary struct {
	Targets       int `json:"targets"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	Units         int `json:"units"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
}

type Results struct {
	JobID        string              `json:"job_id"`
	Status       domain.JobStatus    `json:"status"`
	Progress     *int                `json:"progress,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Summary      Summary             `json:"summary"`
	Targets      []domain.Target     `json:"targets"`
	Units        []domain.UnitResult `json:"units"`
}

// Canceller fires the cancellation token of a job running in this process.
type Canceller interface {
	Cancel(jobID string) bool
}

type Service struct {
	store    store.Store
	sched    *scheduler.Service
	registry gateway.Registry
	cancel   Canceller
	bus      *notify.Bus
	now      func() time.Time
}

func NewService(st store.Store, sched *scheduler.Service, reg gateway.Registry, c Canceller, bus *notify.Bus) *Service {
	return &Service{store: st, sched: sched, registry: reg, cancel: c, bus: bus, now: time.Now}
}

func (s *Service) Create(ctx context.Context, req *CreateRequest) (*domain.Job, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, domain.Validationf("name is required")
	}
	if len(req.Targets) == 0 {
		return nil, domain.Validationf("at least one target is required")
	}
	if len(req.Modules) == 0 {
		return nil, domain.Validationf("at least one module is required")
	}
	priority := domain.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := checkPriority(priority); err != nil {
		return nil, err
	}
	maxDuration, err := durationOf(req.MaxDuration)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	j := &domain.Job{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Status:      domain.JobCreated,
		Priority:    priority,
		Tags:        dedupe(req.Tags),
		Metadata:    req.Metadata,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxDuration: maxDuration,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		j.ScheduledAt = &at
		j.Status = domain.JobScheduled
	}

	for i, t := range req.Targets {
		if t.Type == "" || t.Value == "" {
			return nil, domain.Validationf("target %d: target_type and value are required", i)
		}
		j.Targets = append(j.Targets, domain.Target{
			ID:        uuid.NewString(),
			JobID:     j.ID,
			Type:      t.Type,
			Value:     t.Value,
			Status:    domain.TargetPending,
			CreatedAt: now.Add(time.Duration(i)),
			Metadata:  t.Metadata,
		})
	}

	steps, err := s.buildSteps(ctx, j.ID, req.Modules)
	if err != nil {
		return nil, err
	}
	j.Steps = steps

	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	log.Info().Str("job_id", j.ID).Str("status", string(j.Status)).Int("targets", len(j.Targets)).Int("modules", len(j.Steps)).Msg("job created")
	return j, nil
}

func (s *Service) buildSteps(ctx context.Context, jobID string, modules []ModuleSpec) ([]domain.ModuleStep, error) {
	stepIDs := make(map[string]string, len(modules))
	for _, m := range modules {
		if m.ModuleID == "" {
			return nil, domain.Validationf("module_id is required")
		}
		if _, dup := stepIDs[m.ModuleID]; dup {
			return nil, domain.Validationf("module %s appears more than once", m.ModuleID)
		}
		stepIDs[m.ModuleID] = uuid.NewString()
	}

	steps := make([]domain.ModuleStep, 0, len(modules))
	for i, m := range modules {
		ref, err := s.registry.Resolve(ctx, m.ModuleID)
		if err != nil {
			return nil, err
		}
		if len(m.Parameters) > 0 && !json.Valid(m.Parameters) {
			return nil, domain.Validationf("module %s: parameters are not valid JSON", m.ModuleID)
		}
		order := i
		if m.Order != nil {
			order = *m.Order
		}
		deps := make([]string, 0, len(m.DependsOn))
		for _, dep := range m.DependsOn {
			id, ok := stepIDs[dep]
			if !ok {
				return nil, domain.Validationf("module %s depends on %s, which is not part of the job", m.ModuleID, dep)
			}
			deps = append(deps, id)
		}
		steps = append(steps, domain.ModuleStep{
			ID:         stepIDs[m.ModuleID],
			JobID:      jobID,
			Module:     ref,
			Order:      order,
			DependsOn:  deps,
			Parameters: m.Parameters,
			Status:     domain.StepPending,
		})
	}
	if _, err := domain.Levels(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, req *store.ListRequest) (*store.ListResponse, error) {
	if req.Status != "" && !req.Status.Valid() {
		return nil, domain.Validationf("unknown status %q", req.Status)
	}
	if req.CreatedAfter != nil && req.CreatedBefore != nil && req.CreatedAfter.After(*req.CreatedBefore) {
		return nil, domain.Validationf("created_after is later than created_before")
	}
	return s.store.ListJobs(ctx, req)
}

func (s *Service) Update(ctx context.Context, id string, req *UpdateRequest) (*domain.Job, error) {
	if req.Priority != nil {
		if err := checkPriority(*req.Priority); err != nil {
			return nil, err
		}
	}
	var maxDuration time.Duration
	if req.MaxDuration != nil {
		d, err := durationOf(req.MaxDuration)
		if err != nil {
			return nil, err
		}
		maxDuration = d
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, domain.Validationf("name must not be empty")
	}

	j, err := s.store.UpdateJob(ctx, id, func(j *domain.Job) error {
		if req.Name != nil {
			j.Name = *req.Name
		}
		if req.Description != nil {
			j.Description = *req.Description
		}
		if req.Priority != nil {
			j.Priority = *req.Priority
		}
		if req.Tags != nil {
			j.Tags = dedupe(req.Tags)
		}
		if len(req.Metadata) > 0 {
			if j.Metadata == nil {
				j.Metadata = make(map[string]string, len(req.Metadata))
			}
			maps.Copy(j.Metadata, req.Metadata)
		}
		if req.MaxDuration != nil {
			j.MaxDuration = maxDuration
		}
		if req.ScheduledAt != nil {
			at := req.ScheduledAt.UTC()
			j.ScheduledAt = &at
			j.Status = domain.JobScheduled
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(j)
	return j, nil
}

// Start enqueues a job immediately, also when it was scheduled for later.
func (s *Service) Start(ctx context.Context, id string) (*domain.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case j.Status == domain.JobRunning:
		return nil, domain.Conflictf("job %s is already running", id)
	case j.Status.Terminal():
		return nil, domain.Validationf("job %s is already %s", id, j.Status)
	}
	j, err = s.sched.Enqueue(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(j)
	return j, nil
}

// Cancel cancels a job that has not started at once. A running job gets its
// cancellation flag set; the executor observes it at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	j, err := s.store.CancelPending(ctx, id, CancelledByUser)
	if err == nil {
		if err := s.sched.Withdraw(ctx, id); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("failed to remove cancelled job from queue")
		}
		s.bus.Publish(j)
		return j, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return nil, err
	}

	if err := s.store.RequestCancel(ctx, id); err != nil {
		return nil, err
	}
	if s.cancel != nil && s.cancel.Cancel(id) {
		log.Info().Str("job_id", id).Msg("cancellation signalled to local executor")
	}
	j, err = s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(j)
	return j, nil
}

func (s *Service) Results(ctx context.Context, id string) (*Results, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	units, err := s.store.UnitResults(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &Results{
		JobID:        j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		ErrorMessage: j.ErrorMessage,
		Targets:      j.Targets,
		Units:        units,
	}
	res.Summary.Targets = len(j.Targets)
	for _, t := range j.Targets {
		switch t.Status {
		case domain.TargetCompleted:
			res.Summary.Completed++
		case domain.TargetFailed:
			res.Summary.Failed++
		case domain.TargetSkipped:
			res.Summary.Skipped++
		}
	}
	for _, u := range units {
		res.Summary.Units++
		res.Summary.Entities += u.EntityCount
		res.Summary.Relationships += u.RelationshipCount
	}
	if res.Units == nil {
		res.Units = []domain.UnitResult{}
	}
	return res, nil
}

func checkPriority(p int) error {
	if p < domain.MinPriority || p > domain.MaxPriority {
		return domain.Validationf("priority must be between %d and %d", domain.MinPriority, domain.MaxPriority)
	}
	return nil
}

func durationOf(seconds *int) (time.Duration, error) {
	if seconds == nil {
		return domain.DefaultMaxDuration, nil
	}
	if *seconds <= 0 {
		return 0, domain.Validationf("max_duration must be positive")
	}
	return time.Duration(*seconds) * time.Second, nil
}

func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
