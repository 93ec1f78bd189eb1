package domain

type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobScheduled JobStatus = "scheduled"
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetInProgress TargetStatus = "in_progress"
	TargetCompleted  TargetStatus = "completed"
	TargetFailed     TargetStatus = "failed"
	TargetSkipped    TargetStatus = "skipped"
)

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

type UnitStatus string

const (
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
)

var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobCreated: {
		JobQueued:    true,
		JobScheduled: true,
		JobCancelled: true,
	},
	JobScheduled: {
		JobScheduled: true,
		JobQueued:    true,
		JobCancelled: true,
	},
	JobQueued: {
		JobQueued:    true,
		JobRunning:   true,
		JobCancelled: true,
	},
	JobRunning: {
		JobCompleted: true,
		JobFailed:    true,
		JobCancelled: true,
		// orphan recovery after the lock holder died
		JobQueued: true,
	},
}

var targetTransitions = map[TargetStatus]map[TargetStatus]bool{
	TargetPending: {
		TargetInProgress: true,
		TargetSkipped:    true,
	},
	TargetInProgress: {
		TargetCompleted: true,
		TargetFailed:    true,
		TargetSkipped:   true,
	},
}

var stepTransitions = map[StepStatus]map[StepStatus]bool{
	StepPending: {
		StepRunning: true,
		StepSkipped: true,
	},
	StepRunning: {
		StepCompleted: true,
		StepFailed:    true,
		StepSkipped:   true,
	},
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobCreated, JobScheduled, JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Updatable reports whether a job's definition may still be edited.
func (s JobStatus) Updatable() bool {
	return s == JobCreated || s == JobScheduled
}

func (s TargetStatus) Terminal() bool {
	return s == TargetCompleted || s == TargetFailed || s == TargetSkipped
}

func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

func CheckJobTransition(from, to JobStatus) error {
	if !jobTransitions[from][to] {
		return Internalf("job: illegal transition %s -> %s", from, to)
	}
	return nil
}

func CheckTargetTransition(from, to TargetStatus) error {
	if !targetTransitions[from][to] {
		return Internalf("target: illegal transition %s -> %s", from, to)
	}
	return nil
}

func CheckStepTransition(from, to StepStatus) error {
	if !stepTransitions[from][to] {
		return Internalf("module step: illegal transition %s -> %s", from, to)
	}
	return nil
}
