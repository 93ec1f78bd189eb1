package rollup

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/notify"
	"scanflow/internal/store"
)

type EventKind int

const (
	TargetTransition EventKind = iota
	StepTransition
	UnitRecorded
	JobFinished
)

// Event is one write produced by job execution.
type Event struct {
	Kind         EventKind
	JobID        string
	TargetID     string
	StepID       string
	TargetStatus domain.TargetStatus
	StepStatus   domain.StepStatus
	ErrorMessage string
	Unit         *domain.UnitResult
	// Cancelled marks a JobFinished event for a job whose cancellation was
	// observed.
	Cancelled bool
	// Done receives the result of applying the event. It must be buffered.
	Done chan error
}

// Writer is the single consumer of execution events. Applying every write
// from one goroutine serializes status changes of concurrently finishing
// units.
type Writer struct {
	store  store.Store
	bus    *notify.Bus
	events chan Event
	now    func() time.Time
}

func NewWriter(st store.Store, bus *notify.Bus, buffer int) *Writer {
	return &Writer{store: st, bus: bus, events: make(chan Event, buffer), now: time.Now}
}

func (w *Writer) Events() chan<- Event { return w.events }

// Run applies events until ctx is done.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			err := w.apply(ctx, ev)
			if err != nil {
				log.Error().Err(err).Str("job_id", ev.JobID).Int("kind", int(ev.Kind)).Msg("failed to apply execution event")
			}
			if ev.Done != nil {
				ev.Done <- err
			}
		}
	}
}

func (w *Writer) apply(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case TargetTransition:
		if err := w.store.SetTargetStatus(ctx, ev.TargetID, ev.TargetStatus, ev.ErrorMessage); err != nil {
			return err
		}
		if !ev.TargetStatus.Terminal() {
			return nil
		}
		return w.updateProgress(ctx, ev.JobID)

	case StepTransition:
		if err := w.store.SetStepStatus(ctx, ev.StepID, ev.StepStatus); err != nil {
			return err
		}
		return w.publish(ctx, ev.JobID)

	case UnitRecorded:
		if err := w.store.SaveUnitResult(ctx, ev.Unit); err != nil {
			return err
		}
		if ev.Unit.Status == domain.UnitCompleted && ev.Unit.EntityCount > 0 {
			return w.store.AddTargetResults(ctx, ev.Unit.TargetID, ev.Unit.EntityCount)
		}
		return nil

	case JobFinished:
		return w.finish(ctx, ev)
	}
	return domain.Internalf("unknown event kind %d", ev.Kind)
}

func (w *Writer) updateProgress(ctx context.Context, jobID string) error {
	j, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	p := Progress(j.Targets)
	eta := EstimateCompletion(j.StartedAt, w.now(), p)
	if err := w.store.UpdateProgress(ctx, jobID, p, eta); err != nil {
		return err
	}
	if j.Progress == nil || *j.Progress < p {
		j.Progress = &p
	}
	if eta != nil {
		j.EstimatedCompletionTime = eta
	}
	w.bus.Publish(j)
	return nil
}

func (w *Writer) finish(ctx context.Context, ev Event) error {
	if ev.Cancelled {
		if err := w.store.SkipRemaining(ctx, ev.JobID); err != nil {
			return err
		}
	}
	targets, err := w.store.Targets(ctx, ev.JobID)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if !t.Status.Terminal() {
			return domain.Internalf("job %s finished with target %s still %s", ev.JobID, t.ID, t.Status)
		}
	}
	if err := w.store.UpdateProgress(ctx, ev.JobID, Progress(targets), nil); err != nil {
		return err
	}
	status, msg := Decide(targets, ev.Cancelled)
	j, err := w.store.TransitionJob(ctx, ev.JobID, status, msg)
	if err != nil {
		return err
	}
	log.Info().Str("job_id", j.ID).Str("status", string(j.Status)).Msg("job finished")
	w.bus.Publish(j)
	return nil
}

func (w *Writer) publish(ctx context.Context, jobID string) error {
	j, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	w.bus.Publish(j)
	return nil
}
