// Package runner executes the (target, module step) units of one job, level
// by level along the step dependency graph.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"scanflow/internal/domain"
	"scanflow/internal/gateway"
	"scanflow/internal/rollup"
)

type Options struct {
	Retry RetryPolicy
	// Units bounds the number of units executing at once, across jobs.
	Units *semaphore.Weighted
	// FanOut caps the goroutines started per level. Zero means no cap.
	FanOut int
}

type Runner struct {
	gw     gateway.Gateway
	data   gateway.DataStore
	events chan<- rollup.Event
	retry  RetryPolicy
	units  *semaphore.Weighted
	fanOut int
	now    func() time.Time
}

func New(gw gateway.Gateway, data gateway.DataStore, events chan<- rollup.Event, opts Options) *Runner {
	if data == nil {
		data = gateway.Discard{}
	}
	if opts.Units == nil {
		opts.Units = semaphore.NewWeighted(1 << 20)
	}
	return &Runner{
		gw:     gw,
		data:   data,
		events: events,
		retry:  opts.Retry,
		units:  opts.Units,
		fanOut: opts.FanOut,
		now:    time.Now,
	}
}

type unitKey struct{ target, step string }

type stepStats struct {
	completed, failed, interrupted int
}

type targetState struct {
	status domain.TargetStatus
	// outstanding counts the target's units not yet settled.
	outstanding int
	// begun is closed once the target's InProgress transition was sent.
	begun chan struct{}
}

// jobRun is the in-memory state of one job execution. Everything it learns
// is also emitted as an event; the store is never read back. mu guards the
// maps only and is never held while emitting.
type jobRun struct {
	r     *Runner
	job   *domain.Job
	tok   *Token
	prior map[unitKey]domain.UnitResult

	mu        sync.Mutex
	order     []string
	targets   map[string]*targetState
	values    map[string]domain.Target
	steps     map[string]domain.StepStatus
	stats     map[string]*stepStats
	cancelled bool
}

// Run executes every unit of job that has no recorded outcome in prior and
// blocks until the job's final status has been written. It returns early
// only when ctx is done, leaving the job Running for orphan recovery.
func (r *Runner) Run(ctx context.Context, job *domain.Job, prior []domain.UnitResult, tok *Token) error {
	logger := log.With().Str("job_id", job.ID).Logger()
	ctx = logger.WithContext(ctx)

	jr := &jobRun{
		r:       r,
		job:     job,
		tok:     tok,
		prior:   make(map[unitKey]domain.UnitResult, len(prior)),
		targets: make(map[string]*targetState, len(job.Targets)),
		values:  make(map[string]domain.Target, len(job.Targets)),
		steps:   make(map[string]domain.StepStatus, len(job.Steps)),
		stats:   make(map[string]*stepStats, len(job.Steps)),
	}
	for _, u := range prior {
		jr.prior[unitKey{u.TargetID, u.StepID}] = u
	}
	for _, t := range job.Targets {
		ts := &targetState{status: t.Status, outstanding: len(job.Steps), begun: make(chan struct{})}
		if t.Status != domain.TargetPending {
			close(ts.begun)
		}
		jr.order = append(jr.order, t.ID)
		jr.targets[t.ID] = ts
		jr.values[t.ID] = t
	}
	for _, st := range job.Steps {
		jr.steps[st.ID] = st.Status
		jr.stats[st.ID] = &stepStats{}
	}

	levels, err := domain.Levels(job.Steps)
	if err != nil {
		msg := err.Error()
		for _, id := range jr.order {
			if err := jr.settle(ctx, id, domain.TargetFailed, msg); err != nil {
				return err
			}
		}
		return jr.finish(ctx)
	}

	for _, level := range levels {
		if jr.checkCancel() {
			break
		}
		if err := jr.runLevel(ctx, level); err != nil {
			return err
		}
		if jr.isCancelled() {
			break
		}
	}

	if jr.isCancelled() {
		if err := jr.skipRemaining(ctx); err != nil {
			return err
		}
	} else if err := jr.completeTargets(ctx); err != nil {
		return err
	}
	return jr.finish(ctx)
}

func (jr *jobRun) runLevel(ctx context.Context, level []domain.ModuleStep) error {
	g := new(errgroup.Group)
	if jr.r.fanOut > 0 {
		g.SetLimit(jr.r.fanOut)
	}

	var running []domain.ModuleStep
	for _, st := range level {
		status := jr.stepStatus(st.ID)
		if status.Terminal() {
			if err := jr.settleStep(ctx, st); err != nil {
				return err
			}
			continue
		}
		if !jr.depsCompleted(st) {
			if err := jr.setStep(ctx, st.ID, domain.StepSkipped); err != nil {
				return err
			}
			zerolog.Ctx(ctx).Info().Str("step_id", st.ID).Str("module_id", st.Module.ID).Msg("module skipped, dependency did not complete")
			if err := jr.settleStep(ctx, st); err != nil {
				return err
			}
			continue
		}
		if status == domain.StepPending {
			if err := jr.setStep(ctx, st.ID, domain.StepRunning); err != nil {
				return err
			}
		}
		running = append(running, st)
		for _, targetID := range jr.order {
			g.Go(func() error { return jr.runUnit(ctx, st, targetID) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, st := range running {
		if err := jr.setStep(ctx, st.ID, jr.stepOutcome(st.ID)); err != nil {
			return err
		}
	}
	return nil
}

// settleStep accounts for the units of a step that will not run in this
// execution.
func (jr *jobRun) settleStep(ctx context.Context, st domain.ModuleStep) error {
	for _, id := range jr.order {
		if res, ok := jr.prior[unitKey{id, st.ID}]; ok {
			if err := jr.applyPrior(ctx, st, res); err != nil {
				return err
			}
			continue
		}
		if err := jr.resolve(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (jr *jobRun) runUnit(ctx context.Context, st domain.ModuleStep, targetID string) error {
	if res, ok := jr.prior[unitKey{targetID, st.ID}]; ok {
		return jr.applyPrior(ctx, st, res)
	}
	if jr.checkCancel() {
		return jr.interrupt(ctx, st, targetID)
	}
	if status := jr.targetStatus(targetID); status.Terminal() {
		return jr.recordSkipped(ctx, st, targetID, fmt.Sprintf("target %s", status))
	}

	logger := zerolog.Ctx(ctx).With().Str("target_id", targetID).Str("module_id", st.Module.ID).Logger()
	req := &gateway.Request{
		CorrelationID: uuid.NewString(),
		Module:        st.Module,
		Target:        jr.values[targetID],
		Parameters:    st.Parameters,
	}
	started := jr.r.now().UTC()

	var rs *RetryState
	for attempt := 1; ; attempt++ {
		if err := jr.r.units.Acquire(ctx, 1); err != nil {
			return err
		}
		if attempt == 1 {
			if jr.checkCancel() {
				jr.r.units.Release(1)
				return jr.interrupt(ctx, st, targetID)
			}
			if err := jr.begin(ctx, targetID); err != nil {
				jr.r.units.Release(1)
				return err
			}
		}
		out, err := jr.r.execute(ctx, jr.job, req)
		jr.r.units.Release(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return jr.recordCompleted(ctx, st, req, attempt, out, started)
		}

		if rs == nil {
			rs = jr.r.retry.NewState()
		}
		delay, again := rs.Fail(jr.r.now())
		if !again {
			logger.Warn().Err(err).Int("attempts", attempt).Msg("unit failed")
			return jr.failUnit(ctx, st, req, attempt, err.Error(), started)
		}
		logger.Debug().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("unit attempt failed")
		if !jr.wait(ctx, delay) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return jr.failUnit(ctx, st, req, attempt, "cancelled before retry: "+err.Error(), started)
		}
	}
}

// execute runs one attempt with the job's per-unit timeout.
func (r *Runner) execute(ctx context.Context, job *domain.Job, req *gateway.Request) (*gateway.Output, error) {
	timeout := job.UnitTimeout()
	uctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out *gateway.Output
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := r.gw.Execute(uctx, req)
		ch <- result{out, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-uctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Timeoutf("module %s timed out after %s", req.Module.ID, timeout)
	}
	if res.err != nil {
		if errors.Is(uctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, domain.Timeoutf("module %s timed out after %s", req.Module.ID, timeout)
		}
		return nil, res.err
	}
	if res.out == nil {
		res.out = &gateway.Output{}
	}
	if len(res.out.Entities) > 0 || len(res.out.Relationships) > 0 {
		if err := r.data.Store(uctx, res.out.Entities, res.out.Relationships); err != nil {
			if errors.Is(uctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, domain.Timeoutf("storing results of module %s timed out after %s", req.Module.ID, timeout)
			}
			return nil, domain.ExternalAPI("failed to store results", err)
		}
	}
	return res.out, nil
}

// wait sleeps for d. It returns false if the job was cancelled or ctx ended
// first.
func (jr *jobRun) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !jr.checkCancel()
	case <-jr.tok.Done():
		jr.checkCancel()
		return false
	case <-ctx.Done():
		return false
	}
}

func (jr *jobRun) recordCompleted(ctx context.Context, st domain.ModuleStep, req *gateway.Request, attempts int, out *gateway.Output, started time.Time) error {
	done := jr.r.now().UTC()
	jr.mu.Lock()
	jr.stats[st.ID].completed++
	jr.mu.Unlock()
	err := jr.emit(ctx, rollup.Event{Kind: rollup.UnitRecorded, JobID: jr.job.ID, Unit: &domain.UnitResult{
		JobID:             jr.job.ID,
		TargetID:          req.Target.ID,
		StepID:            st.ID,
		CorrelationID:     req.CorrelationID,
		Status:            domain.UnitCompleted,
		Attempts:          attempts,
		EntityCount:       len(out.Entities),
		RelationshipCount: len(out.Relationships),
		Raw:               out.Raw,
		StartedAt:         &started,
		CompletedAt:       &done,
	}})
	if err != nil {
		return err
	}
	return jr.resolve(ctx, req.Target.ID)
}

// failUnit records a terminal unit failure and fails its target.
func (jr *jobRun) failUnit(ctx context.Context, st domain.ModuleStep, req *gateway.Request, attempts int, msg string, started time.Time) error {
	done := jr.r.now().UTC()
	jr.mu.Lock()
	jr.stats[st.ID].failed++
	jr.mu.Unlock()
	err := jr.emit(ctx, rollup.Event{Kind: rollup.UnitRecorded, JobID: jr.job.ID, Unit: &domain.UnitResult{
		JobID:         jr.job.ID,
		TargetID:      req.Target.ID,
		StepID:        st.ID,
		CorrelationID: req.CorrelationID,
		Status:        domain.UnitFailed,
		Attempts:      attempts,
		ErrorMessage:  msg,
		StartedAt:     &started,
		CompletedAt:   &done,
	}})
	if err != nil {
		return err
	}
	return jr.settle(ctx, req.Target.ID, domain.TargetFailed, fmt.Sprintf("module %s: %s", st.Module.ID, msg))
}

func (jr *jobRun) recordSkipped(ctx context.Context, st domain.ModuleStep, targetID, reason string) error {
	now := jr.r.now().UTC()
	return jr.emit(ctx, rollup.Event{Kind: rollup.UnitRecorded, JobID: jr.job.ID, Unit: &domain.UnitResult{
		JobID:         jr.job.ID,
		TargetID:      targetID,
		StepID:        st.ID,
		CorrelationID: uuid.NewString(),
		Status:        domain.UnitSkipped,
		ErrorMessage:  reason,
		CompletedAt:   &now,
	}})
}

// interrupt records a unit that cancellation kept from starting. The unit
// stays outstanding so its target ends Skipped.
func (jr *jobRun) interrupt(ctx context.Context, st domain.ModuleStep, targetID string) error {
	jr.mu.Lock()
	jr.stats[st.ID].interrupted++
	jr.mu.Unlock()
	return jr.recordSkipped(ctx, st, targetID, "cancelled")
}

// applyPrior settles a unit whose outcome was recorded by an earlier
// execution of the job.
func (jr *jobRun) applyPrior(ctx context.Context, st domain.ModuleStep, res domain.UnitResult) error {
	jr.mu.Lock()
	switch res.Status {
	case domain.UnitCompleted:
		jr.stats[st.ID].completed++
	case domain.UnitFailed:
		jr.stats[st.ID].failed++
	}
	jr.mu.Unlock()
	if res.Status == domain.UnitFailed {
		return jr.settle(ctx, res.TargetID, domain.TargetFailed, fmt.Sprintf("module %s: %s", st.Module.ID, res.ErrorMessage))
	}
	return jr.resolve(ctx, res.TargetID)
}

// resolve settles one unit of a target and completes the target once none
// is outstanding.
func (jr *jobRun) resolve(ctx context.Context, targetID string) error {
	jr.mu.Lock()
	ts := jr.targets[targetID]
	ts.outstanding--
	last := ts.outstanding == 0 && !ts.status.Terminal()
	jr.mu.Unlock()
	if !last {
		return nil
	}
	return jr.settle(ctx, targetID, domain.TargetCompleted, "")
}

// begin moves a pending target to InProgress. A caller that finds the move
// made by another goroutine waits until its event was sent, so the writer
// never sees a later transition first.
func (jr *jobRun) begin(ctx context.Context, targetID string) error {
	jr.mu.Lock()
	ts := jr.targets[targetID]
	owner := ts.status == domain.TargetPending
	if owner {
		ts.status = domain.TargetInProgress
	}
	jr.mu.Unlock()

	if owner {
		if err := jr.emit(ctx, rollup.Event{Kind: rollup.TargetTransition, JobID: jr.job.ID, TargetID: targetID, TargetStatus: domain.TargetInProgress}); err != nil {
			return err
		}
		close(ts.begun)
		return nil
	}
	select {
	case <-ts.begun:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle moves a target to the terminal status to, unless it already has
// one. Only Skipped is reached from Pending directly.
func (jr *jobRun) settle(ctx context.Context, targetID string, to domain.TargetStatus, msg string) error {
	if to != domain.TargetSkipped || jr.targetStatus(targetID) != domain.TargetPending {
		if err := jr.begin(ctx, targetID); err != nil {
			return err
		}
	}
	jr.mu.Lock()
	ts := jr.targets[targetID]
	if ts.status.Terminal() {
		jr.mu.Unlock()
		return nil
	}
	ts.status = to
	jr.mu.Unlock()
	return jr.emit(ctx, rollup.Event{Kind: rollup.TargetTransition, JobID: jr.job.ID, TargetID: targetID, TargetStatus: to, ErrorMessage: msg})
}

// stepOutcome: a step that was interrupted by cancellation is Skipped; one
// that completed any unit, or had nothing to run, is Completed.
func (jr *jobRun) stepOutcome(stepID string) domain.StepStatus {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	s := jr.stats[stepID]
	switch {
	case s.interrupted > 0:
		return domain.StepSkipped
	case s.completed > 0 || s.failed == 0:
		return domain.StepCompleted
	default:
		return domain.StepFailed
	}
}

func (jr *jobRun) setStep(ctx context.Context, stepID string, to domain.StepStatus) error {
	jr.mu.Lock()
	if jr.steps[stepID] == to {
		jr.mu.Unlock()
		return nil
	}
	jr.steps[stepID] = to
	jr.mu.Unlock()
	return jr.emit(ctx, rollup.Event{Kind: rollup.StepTransition, JobID: jr.job.ID, StepID: stepID, StepStatus: to})
}

func (jr *jobRun) stepStatus(stepID string) domain.StepStatus {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.steps[stepID]
}

func (jr *jobRun) targetStatus(targetID string) domain.TargetStatus {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.targets[targetID].status
}

func (jr *jobRun) depsCompleted(st domain.ModuleStep) bool {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	for _, dep := range st.DependsOn {
		if jr.steps[dep] != domain.StepCompleted {
			return false
		}
	}
	return true
}

func (jr *jobRun) checkCancel() bool {
	if !jr.tok.Cancelled() {
		return false
	}
	jr.mu.Lock()
	jr.cancelled = true
	jr.mu.Unlock()
	return true
}

func (jr *jobRun) isCancelled() bool {
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.cancelled
}

// completeTargets completes targets that were left without runnable units.
func (jr *jobRun) completeTargets(ctx context.Context) error {
	for _, id := range jr.order {
		if err := jr.settle(ctx, id, domain.TargetCompleted, ""); err != nil {
			return err
		}
	}
	return nil
}

// skipRemaining closes out a cancelled run. Targets whose units all
// finished are Completed; the rest are Skipped.
func (jr *jobRun) skipRemaining(ctx context.Context) error {
	for _, st := range jr.job.Steps {
		if jr.stepStatus(st.ID).Terminal() {
			continue
		}
		if err := jr.setStep(ctx, st.ID, domain.StepSkipped); err != nil {
			return err
		}
	}
	for _, id := range jr.order {
		jr.mu.Lock()
		to := domain.TargetSkipped
		if jr.targets[id].outstanding <= 0 {
			to = domain.TargetCompleted
		}
		jr.mu.Unlock()
		if err := jr.settle(ctx, id, to, ""); err != nil {
			return err
		}
	}
	return nil
}

func (jr *jobRun) finish(ctx context.Context) error {
	ev := rollup.Event{Kind: rollup.JobFinished, JobID: jr.job.ID, Cancelled: jr.isCancelled(), Done: make(chan error, 1)}
	if err := jr.emit(ctx, ev); err != nil {
		return err
	}
	select {
	case err := <-ev.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (jr *jobRun) emit(ctx context.Context, ev rollup.Event) error {
	select {
	case jr.r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
