package store

import (
	"context"
	"time"

	"scanflow/internal/domain"
)

// Store persists jobs with their targets, module steps and unit results.
// Every status change is validated against the state machine inside the
// transaction that reads the current status.
type Store interface {
	CreateJob(ctx context.Context, j *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// UpdateJob applies fn to a job that is still Created or Scheduled.
	UpdateJob(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error)
	TransitionJob(ctx context.Context, id string, to domain.JobStatus, errMsg string) (*domain.Job, error)
	// CancelPending cancels a job that has not started running and skips
	// its targets and steps. A running job yields Conflict.
	CancelPending(ctx context.Context, id, reason string) (*domain.Job, error)
	// SkipRemaining marks every non-terminal target and step of a job Skipped.
	SkipRemaining(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, id string, progress int, eta *time.Time) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)

	SetTargetStatus(ctx context.Context, targetID string, to domain.TargetStatus, errMsg string) error
	AddTargetResults(ctx context.Context, targetID string, n int) error
	Targets(ctx context.Context, jobID string) ([]domain.Target, error)
	SetStepStatus(ctx context.Context, stepID string, to domain.StepStatus) error

	SaveUnitResult(ctx context.Context, r *domain.UnitResult) error
	UnitResults(ctx context.Context, jobID string) ([]domain.UnitResult, error)

	JobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)
	DueScheduled(ctx context.Context, now time.Time) ([]*domain.Job, error)
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Status        domain.JobStatus // filter by status
	Tag           string           // job must carry this tag
	CreatedBy     string           // filter by creator
	NameContains  string           // case-insensitive substring of the name
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int // 1-based
	PerPage       int
}

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// ListResponse is the outcome of ListJobs.
type ListResponse struct {
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Jobs    []*domain.Job `json:"jobs"`
}
