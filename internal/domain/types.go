package domain

import (
	"encoding/json"
	"time"
)

const (
	DefaultPriority    = 5
	MinPriority        = 1
	MaxPriority        = 10
	DefaultMaxDuration = 300 * time.Second
)

type Job struct {
	ID                      string            `json:"id"`
	Name                    string            `json:"name"`
	Description             string            `json:"description,omitempty"`
	Status                  JobStatus         `json:"status"`
	Priority                int               `json:"priority"`
	Tags                    []string          `json:"tags"`
	Metadata                map[string]string `json:"metadata"`
	CreatedBy               string            `json:"created_by,omitempty"`
	ScheduledAt             *time.Time        `json:"scheduled_at,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
	StartedAt               *time.Time        `json:"started_at,omitempty"`
	CompletedAt             *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage            string            `json:"error_message,omitempty"`
	Progress                *int              `json:"progress,omitempty"`
	EstimatedCompletionTime *time.Time        `json:"estimated_completion_time,omitempty"`
	MaxDuration             time.Duration     `json:"-"`
	CancelRequested         bool              `json:"cancel_requested,omitempty"`

	Targets []Target     `json:"targets,omitempty"`
	Steps   []ModuleStep `json:"modules,omitempty"`
}

// UnitTimeout is the wall-clock budget of a single execution unit.
func (j *Job) UnitTimeout() time.Duration {
	if j.MaxDuration <= 0 {
		return DefaultMaxDuration
	}
	return j.MaxDuration
}

type Target struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Type         string            `json:"target_type"`
	Value        string            `json:"value"`
	Status       TargetStatus      `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ResultCount  int               `json:"result_count"`
	Metadata     map[string]string `json:"metadata"`
}

type ModuleRef struct {
	ID      string `json:"module_id"`
	Name    string `json:"module_name"`
	Version string `json:"module_version"`
}

type ModuleStep struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Module      ModuleRef       `json:"module"`
	Order       int             `json:"order"`
	DependsOn   []string        `json:"depends_on"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Status      StepStatus      `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// UnitResult is the persisted outcome of one (target, step) execution unit.
type UnitResult struct {
	JobID             string          `json:"job_id"`
	TargetID          string          `json:"target_id"`
	StepID            string          `json:"step_id"`
	CorrelationID     string          `json:"correlation_id"`
	Status            UnitStatus      `json:"status"`
	Attempts          int             `json:"attempts"`
	EntityCount       int             `json:"entity_count"`
	RelationshipCount int             `json:"relationship_count"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

type Entity struct {
	ID         string            `json:"id,omitempty"`
	EntityType string            `json:"entity_type"`
	Value      string            `json:"value"`
	Data       map[string]any    `json:"data,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Confidence int               `json:"confidence"`
	Source     string            `json:"source"`
}

type Relationship struct {
	ID               string         `json:"id,omitempty"`
	SourceID         string         `json:"source_id,omitempty"`
	TargetID         string         `json:"target_id,omitempty"`
	SourceValue      string         `json:"source_value"`
	TargetValue      string         `json:"target_value"`
	RelationshipType string         `json:"relationship_type"`
	Data             map[string]any `json:"data,omitempty"`
	Confidence       int            `json:"confidence"`
	Source           string         `json:"source"`
}
