package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"scanflow/internal/domain"
	"scanflow/internal/gateway"
	"scanflow/internal/queue"
	"scanflow/internal/rollup"
	"scanflow/internal/runner"
	"scanflow/internal/scheduler"
	"scanflow/internal/store"
)

const (
	DefaultMinWorkers        = 1
	DefaultMaxWorkers        = 8
	DefaultPollInterval      = 250 * time.Millisecond
	DefaultSuperviseInterval = 5 * time.Second
	DefaultIdleTimeout       = time.Minute
)

type Options struct {
	MinWorkers        int
	MaxWorkers        int
	PollInterval      time.Duration
	SuperviseInterval time.Duration
	// IdleTimeout is how long a worker above MinWorkers may find the queue
	// empty before it retires.
	IdleTimeout time.Duration
	Retry       runner.RetryPolicy
}

func (o *Options) withDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = DefaultMaxWorkers
	}
	if o.MinWorkers <= 0 {
		o.MinWorkers = DefaultMinWorkers
	}
	if o.MinWorkers > o.MaxWorkers {
		o.MinWorkers = o.MaxWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SuperviseInterval <= 0 {
		o.SuperviseInterval = DefaultSuperviseInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

// Pool pulls jobs off the queue and runs them. Job permits and unit
// permits are both sized MaxWorkers.
type Pool struct {
	store  store.Store
	queue  queue.Queue
	sched  *scheduler.Service
	runner *runner.Runner
	opts   Options

	permits *semaphore.Weighted
	popMu   sync.Mutex
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]*runner.Token
	live   int
	busy   int
}

func NewPool(st store.Store, q queue.Queue, sched *scheduler.Service, gw gateway.Gateway, data gateway.DataStore, events chan<- rollup.Event, opts Options) *Pool {
	opts.withDefaults()
	return &Pool{
		store: st,
		queue: q,
		sched: sched,
		runner: runner.New(gw, data, events, runner.Options{
			Retry:  opts.Retry,
			Units:  semaphore.NewWeighted(int64(opts.MaxWorkers)),
			FanOut: opts.MaxWorkers,
		}),
		opts:    opts,
		permits: semaphore.NewWeighted(int64(opts.MaxWorkers)),
		active:  make(map[string]*runner.Token),
	}
}

type Stats struct {
	Live   int `json:"live_workers"`
	Busy   int `json:"busy_workers"`
	Active int `json:"active_jobs"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Busy: p.busy, Active: len(p.active)}
}

// Cancel fires the cancellation token of a job running in this process.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	tok, ok := p.active[jobID]
	p.mu.Unlock()
	if ok {
		tok.Cancel()
	}
	return ok
}

// Run starts MinWorkers workers and supervises the pool until ctx is done.
// It returns after every worker has exited.
func (p *Pool) Run(ctx context.Context) {
	p.spawn(ctx, p.opts.MinWorkers)
	log.Info().Int("min", p.opts.MinWorkers).Int("max", p.opts.MaxWorkers).Msg("worker pool started")

	t := time.NewTicker(p.opts.SuperviseInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			log.Info().Msg("worker pool stopped")
			return
		case <-t.C:
			p.supervise(ctx)
		}
	}
}

func (p *Pool) supervise(ctx context.Context) {
	depth, err := p.queue.Len(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read queue depth")
		depth = 0
	}
	p.mu.Lock()
	n := scaleDecision(p.live, p.busy, depth, p.opts.MinWorkers, p.opts.MaxWorkers)
	p.mu.Unlock()
	if n > 0 {
		log.Debug().Int("spawn", n).Int("depth", depth).Msg("scaling worker pool")
		p.spawn(ctx, n)
	}
	p.pollCancels(ctx)
}

// scaleDecision returns how many workers to add so that every queued job and
// every busy worker has one, within [min, max].
func scaleDecision(live, busy, depth, min, max int) int {
	want := busy + depth
	if want < min {
		want = min
	}
	if want > max {
		want = max
	}
	if want <= live {
		return 0
	}
	return want - live
}

// pollCancels fires tokens of active jobs cancelled through another process.
func (p *Pool) pollCancels(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		ok, err := p.store.CancelRequested(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("failed to read cancel flag")
			continue
		}
		if ok && p.Cancel(id) {
			log.Info().Str("job_id", id).Msg("cancellation requested")
		}
	}
}

func (p *Pool) spawn(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range n {
		if p.live >= p.opts.MaxWorkers {
			return
		}
		p.live++
		p.wg.Add(1)
		go p.work(ctx)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	retired := false
	defer func() {
		if !retired {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
		}
	}()

	t := time.NewTicker(p.opts.PollInterval)
	defer t.Stop()
	idleSince := time.Now()
	for {
		worked, err := p.next(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("worker iteration failed")
		}
		if worked {
			idleSince = time.Now()
			continue
		}
		if time.Since(idleSince) >= p.opts.IdleTimeout && p.retire() {
			retired = true
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live <= p.opts.MinWorkers {
		return false
	}
	p.live--
	return true
}

// next pops one job and executes it. It reports whether a job was popped.
func (p *Pool) next(ctx context.Context) (bool, error) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer p.permits.Release(1)

	p.popMu.Lock()
	jobID, err := p.queue.PopMin(ctx)
	p.popMu.Unlock()
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	p.setBusy(1)
	defer p.setBusy(-1)
	return true, p.execute(ctx, jobID)
}

func (p *Pool) setBusy(d int) {
	p.mu.Lock()
	p.busy += d
	p.mu.Unlock()
}

func (p *Pool) execute(ctx context.Context, jobID string) error {
	logger := log.With().Str("job_id", jobID).Logger()

	lock, err := p.sched.AcquireLock(ctx, jobID)
	if errors.Is(err, domain.ErrConflict) {
		logger.Debug().Msg("job locked elsewhere")
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := p.sched.ReleaseLock(context.WithoutCancel(ctx), jobID, lock); err != nil {
			logger.Error().Err(err).Msg("failed to release job lock")
		}
	}()

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("dequeued unknown job")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != domain.JobQueued {
		logger.Info().Str("status", string(job.Status)).Msg("dequeued job is no longer queued")
		return nil
	}

	// The token is registered before the job is Running, so a cancel that
	// finds the job Running also finds the token.
	tok := runner.NewToken()
	if job.CancelRequested {
		tok.Cancel()
	}
	p.mu.Lock()
	p.active[jobID] = tok
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, jobID)
		p.mu.Unlock()
	}()

	if _, err := p.store.TransitionJob(ctx, jobID, domain.JobRunning, ""); err != nil {
		return err
	}
	prior, err := p.store.UnitResults(ctx, jobID)
	if err != nil {
		return err
	}

	rctx, stop := context.WithCancel(ctx)
	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		p.refresh(rctx, jobID, lock)
	}()
	defer func() {
		stop()
		<-refreshed
	}()

	logger.Info().Int("targets", len(job.Targets)).Int("modules", len(job.Steps)).Int("resumed_units", len(prior)).Msg("job started")
	return p.runner.Run(ctx, job, prior, tok)
}

// refresh extends the job lock every third of its TTL.
func (p *Pool) refresh(ctx context.Context, jobID, lock string) {
	t := time.NewTicker(p.sched.LockTTL() / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.sched.RefreshLock(ctx, jobID, lock); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("job_id", jobID).Msg("failed to refresh job lock")
			}
		}
	}
}
