package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
	"scanflow/internal/queue"
	"scanflow/internal/store"
)

const (
	DefaultSpec    = "@every 5s"
	DefaultLockTTL = 600 * time.Second
)

type Options struct {
	// Spec is the cron spec of the periodic pass.
	Spec    string
	LockTTL time.Duration
}

type Service struct {
	store   store.Store
	queue   queue.Queue
	locker  queue.Locker
	cron    *cron.Cron
	spec    string
	lockTTL time.Duration
	now     func() time.Time
}

func NewService(st store.Store, q queue.Queue, l queue.Locker, opts Options) *Service {
	if opts.Spec == "" {
		opts.Spec = DefaultSpec
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Service{
		store:   st,
		queue:   q,
		locker:  l,
		cron:    cron.New(),
		spec:    opts.Spec,
		lockTTL: opts.LockTTL,
		now:     time.Now,
	}
}

func (s *Service) LockTTL() time.Duration { return s.lockTTL }

// Start runs the periodic pass until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("scheduler started")
	return nil
}

// Stop stops the cron and waits for a running pass.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// tick is one scheduling pass. A backend failure aborts the pass; the next
// tick retries.
func (s *Service) tick(ctx context.Context) {
	if n, err := s.PromoteScheduled(ctx); err != nil {
		log.Error().Err(err).Msg("failed to promote scheduled jobs")
		return
	} else if n > 0 {
		log.Info().Int("promoted", n).Msg("scheduled jobs enqueued")
	}
	if n, err := s.RecoverOrphans(ctx); err != nil {
		log.Error().Err(err).Msg("failed to recover orphaned jobs")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("orphaned jobs re-enqueued")
	}
}

// Enqueue moves a job to Queued and inserts it into the priority queue with
// its priority as score. Enqueueing a job that is already queued overwrites
// its score.
func (s *Service) Enqueue(ctx context.Context, jobID string) (*domain.Job, error) {
	j, err := s.store.TransitionJob(ctx, jobID, domain.JobQueued, "")
	if err != nil {
		return nil, err
	}
	if err := s.queue.Push(ctx, j.ID, j.Priority); err != nil {
		return nil, err
	}
	log.Debug().Str("job_id", j.ID).Int("priority", j.Priority).Msg("job enqueued")
	return j, nil
}

// Withdraw drops a job from the queue. Its status is left alone.
func (s *Service) Withdraw(ctx context.Context, jobID string) error {
	return s.queue.Remove(ctx, jobID)
}

// PromoteScheduled enqueues every Scheduled job whose time has come.
func (s *Service) PromoteScheduled(ctx context.Context) (int, error) {
	due, err := s.store.DueScheduled(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range due {
		if _, err := s.Enqueue(ctx, j.ID); err != nil {
			if domain.KindOf(err) == domain.KindInternal {
				return n, err
			}
			// lost a race with cancel or start
			log.Warn().Err(err).Str("job_id", j.ID).Msg("scheduled job not promoted")
			continue
		}
		n++
	}
	return n, nil
}

// RecoverOrphans re-enqueues Running jobs whose lock holder is gone and
// Queued jobs that are missing from the queue.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	n := 0
	running, err := s.store.JobsByStatus(ctx, domain.JobRunning)
	if err != nil {
		return 0, err
	}
	for _, j := range running {
		held, err := s.locker.Held(ctx, j.ID)
		if err != nil {
			return n, err
		}
		if held {
			continue
		}
		if _, err := s.Enqueue(ctx, j.ID); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("orphaned job not re-enqueued")
			continue
		}
		n++
	}

	queued, err := s.store.JobsByStatus(ctx, domain.JobQueued)
	if err != nil {
		return n, err
	}
	for _, j := range queued {
		ok, err := s.queue.Contains(ctx, j.ID)
		if err != nil {
			return n, err
		}
		if ok {
			continue
		}
		if err := s.queue.Push(ctx, j.ID, j.Priority); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// AcquireLock returns an owner token, or Conflict when another executor
// holds the job.
func (s *Service) AcquireLock(ctx context.Context, jobID string) (string, error) {
	token := uuid.NewString()
	ok, err := s.locker.TryLock(ctx, jobID, token, s.lockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", domain.Conflictf("job %s is locked by another executor", jobID)
	}
	return token, nil
}

func (s *Service) RefreshLock(ctx context.Context, jobID, token string) error {
	ok, err := s.locker.Refresh(ctx, jobID, token, s.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Conflictf("lock on job %s lost", jobID)
	}
	return nil
}

func (s *Service) ReleaseLock(ctx context.Context, jobID, token string) error {
	return s.locker.Unlock(ctx, jobID, token)
}

// ValidateSpec validates a cron spec for the periodic pass.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}
