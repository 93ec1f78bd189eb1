package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"scanflow/internal/domain"
)

const jobColumns = `id,name,description,status,priority,tags,metadata,created_by,scheduled_at,created_at,updated_at,
started_at,completed_at,error_message,progress,estimated_completion_time,max_duration,cancel_requested`

const targetColumns = `id,job_id,target_type,value,status,created_at,started_at,completed_at,error_message,result_count,metadata`

const stepColumns = `id,job_id,module_id,module_name,module_version,step_order,depends_on,parameters,status,started_at,completed_at`

const unitColumns = `job_id,target_id,step_id,correlation_id,status,attempts,entity_count,relationship_count,error_message,raw,started_at,completed_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db, now: time.Now} }

var _ Store = (*SQLite)(nil)

func (s *SQLite) CreateJob(ctx context.Context, j *domain.Job) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		tags, err := json.Marshal(nonNilTags(j.Tags))
		if err != nil {
			return domain.Internal("encode tags", err)
		}
		meta, err := json.Marshal(nonNilMeta(j.Metadata))
		if err != nil {
			return domain.Internal("encode metadata", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO jobs (id,name,description,status,priority,tags,metadata,created_by,scheduled_at,created_at,updated_at,max_duration)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, j.Name, j.Description, j.Status, j.Priority, string(tags), string(meta), j.CreatedBy,
			nullNanos(j.ScheduledAt), nanos(j.CreatedAt), nanos(j.UpdatedAt), int64(j.MaxDuration))
		if err != nil {
			return domain.Internal("insert job", err)
		}
		for _, t := range j.Targets {
			meta, err := json.Marshal(nonNilMeta(t.Metadata))
			if err != nil {
				return domain.Internal("encode target metadata", err)
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO targets (id,job_id,target_type,value,status,created_at,metadata) VALUES (?,?,?,?,?,?,?)`,
				t.ID, j.ID, t.Type, t.Value, t.Status, nanos(t.CreatedAt), string(meta))
			if err != nil {
				return domain.Internal("insert target", err)
			}
		}
		for _, st := range j.Steps {
			deps, err := json.Marshal(nonNilTags(st.DependsOn))
			if err != nil {
				return domain.Internal("encode depends_on", err)
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO module_steps (id,job_id,module_id,module_name,module_version,step_order,depends_on,parameters,status)
VALUES (?,?,?,?,?,?,?,?,?)`,
				st.ID, j.ID, st.Module.ID, st.Module.Name, st.Module.Version, st.Order, string(deps),
				nullRaw(st.Parameters), st.Status)
			if err != nil {
				return domain.Internal("insert module step", err)
			}
		}
		return nil
	})
}

func (s *SQLite) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var j *domain.Job
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		var err error
		j, err = loadJob(ctx, tx, id)
		return err
	})
	return j, err
}

// loadJob reads a job with its targets and steps.
func loadJob(ctx context.Context, q querier, id string) (*domain.Job, error) {
	j, err := loadJobRow(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if j.Targets, err = loadTargets(ctx, q, id); err != nil {
		return nil, err
	}
	if j.Steps, err = loadSteps(ctx, q, id); err != nil {
		return nil, err
	}
	return j, nil
}

func loadJobRow(ctx context.Context, q querier, id string) (*domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, domain.Internal("load job", err)
	}
	return j, nil
}

func (s *SQLite) ListJobs(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	page, perPage := req.Page, req.PerPage
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	where := sq.And{}
	if req.Status != "" {
		where = append(where, sq.Eq{"status": string(req.Status)})
	}
	if req.Tag != "" {
		where = append(where, sq.Expr("EXISTS (SELECT 1 FROM json_each(jobs.tags) WHERE json_each.value = ?)", req.Tag))
	}
	if req.CreatedBy != "" {
		where = append(where, sq.Eq{"created_by": req.CreatedBy})
	}
	if req.NameContains != "" {
		where = append(where, sq.Like{"LOWER(name)": "%" + strings.ToLower(req.NameContains) + "%"})
	}
	if req.CreatedAfter != nil {
		where = append(where, sq.GtOrEq{"created_at": nanos(*req.CreatedAfter)})
	}
	if req.CreatedBefore != nil {
		where = append(where, sq.Lt{"created_at": nanos(*req.CreatedBefore)})
	}

	rsp := &ListResponse{Page: page, PerPage: perPage, Jobs: []*domain.Job{}}

	countSQL, countArgs, err := sq.Select("COUNT(*)").From("jobs").Where(where).ToSql()
	if err != nil {
		return nil, domain.Internal("build count query", err)
	}
	if err := s.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&rsp.Total); err != nil {
		return nil, domain.Internal("count jobs", err)
	}

	listSQL, listArgs, err := sq.Select(jobColumns).From("jobs").Where(where).
		OrderBy("created_at DESC", "id").
		Limit(uint64(perPage)).
		Offset(uint64((page - 1) * perPage)).
		ToSql()
	if err != nil {
		return nil, domain.Internal("build list query", err)
	}
	rows, err := s.db.QueryContext(ctx, listSQL, listArgs...)
	if err != nil {
		return nil, domain.Internal("list jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.Internal("scan job", err)
		}
		rsp.Jobs = append(rsp.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal("list jobs", err)
	}
	return rsp, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	var out *domain.Job
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		j, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !j.Status.Updatable() {
			return domain.Validationf("job %s cannot be updated while %s", id, j.Status)
		}
		prev := j.Status
		if err := fn(j); err != nil {
			return err
		}
		if j.Status != prev {
			if err := domain.CheckJobTransition(prev, j.Status); err != nil {
				return err
			}
		}
		tags, err := json.Marshal(nonNilTags(j.Tags))
		if err != nil {
			return domain.Internal("encode tags", err)
		}
		meta, err := json.Marshal(nonNilMeta(j.Metadata))
		if err != nil {
			return domain.Internal("encode metadata", err)
		}
		j.UpdatedAt = s.now().UTC()
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET name=?,description=?,status=?,priority=?,tags=?,metadata=?,scheduled_at=?,max_duration=?,updated_at=?
WHERE id=?`,
			j.Name, j.Description, j.Status, j.Priority, string(tags), string(meta),
			nullNanos(j.ScheduledAt), int64(j.MaxDuration), nanos(j.UpdatedAt), id)
		if err != nil {
			return domain.Internal("update job", err)
		}
		out = j
		return nil
	})
	return out, err
}

func (s *SQLite) TransitionJob(ctx context.Context, id string, to domain.JobStatus, errMsg string) (*domain.Job, error) {
	var out *domain.Job
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		j, err := loadJobRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := domain.CheckJobTransition(j.Status, to); err != nil {
			return err
		}
		if err := transitionJobTx(ctx, tx, j, to, errMsg, s.now().UTC()); err != nil {
			return err
		}
		out, err = loadJob(ctx, tx, id)
		return err
	})
	return out, err
}

func transitionJobTx(ctx context.Context, tx *sql.Tx, j *domain.Job, to domain.JobStatus, errMsg string, now time.Time) error {
	q := sq.Update("jobs").
		Set("status", string(to)).
		Set("updated_at", nanos(now)).
		Where(sq.Eq{"id": j.ID})
	if to == domain.JobRunning && j.StartedAt == nil {
		q = q.Set("started_at", nanos(now)).Set("progress", sq.Expr("COALESCE(progress, 0)"))
	}
	if to.Terminal() {
		q = q.Set("completed_at", nanos(now))
	}
	if errMsg != "" {
		q = q.Set("error_message", errMsg)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return domain.Internal("build job transition", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return domain.Internal("update job status", err)
	}
	return nil
}

func (s *SQLite) CancelPending(ctx context.Context, id, reason string) (*domain.Job, error) {
	var out *domain.Job
	err := s.runInTx(ctx, func(tx *sql.Tx) error {
		j, err := loadJobRow(ctx, tx, id)
		if err != nil {
			return err
		}
		switch {
		case j.Status == domain.JobRunning:
			return domain.Conflictf("job %s is running", id)
		case j.Status.Terminal():
			return domain.Validationf("job %s is already %s", id, j.Status)
		}
		if err := domain.CheckJobTransition(j.Status, domain.JobCancelled); err != nil {
			return err
		}
		now := s.now().UTC()
		if err := transitionJobTx(ctx, tx, j, domain.JobCancelled, reason, now); err != nil {
			return err
		}
		if err := skipRemainingTx(ctx, tx, id, now); err != nil {
			return err
		}
		out, err = loadJob(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *SQLite) SkipRemaining(ctx context.Context, jobID string) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		return skipRemainingTx(ctx, tx, jobID, s.now().UTC())
	})
}

func skipRemainingTx(ctx context.Context, tx *sql.Tx, jobID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
UPDATE targets SET status='skipped', completed_at=? WHERE job_id=? AND status IN ('pending','in_progress')`,
		nanos(now), jobID)
	if err != nil {
		return domain.Internal("skip targets", err)
	}
	_, err = tx.ExecContext(ctx, `
UPDATE module_steps SET status='skipped', completed_at=? WHERE job_id=? AND status IN ('pending','running')`,
		nanos(now), jobID)
	if err != nil {
		return domain.Internal("skip module steps", err)
	}
	return nil
}

// UpdateProgress never lowers the stored progress.
func (s *SQLite) UpdateProgress(ctx context.Context, id string, progress int, eta *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET progress=MAX(COALESCE(progress,0), ?), estimated_completion_time=COALESCE(?, estimated_completion_time), updated_at=?
WHERE id=?`,
		progress, nullNanos(eta), nanos(s.now()), id)
	if err != nil {
		return domain.Internal("update progress", err)
	}
	return nil
}

func (s *SQLite) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cancel_requested=1, updated_at=? WHERE id=?`, nanos(s.now()), id)
	if err != nil {
		return domain.Internal("request cancel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("job %s not found", id)
	}
	return nil
}

func (s *SQLite) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id=?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return false, domain.Internal("load cancel flag", err)
	}
	return v, nil
}

func (s *SQLite) SetTargetStatus(ctx context.Context, targetID string, to domain.TargetStatus, errMsg string) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		var from domain.TargetStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM targets WHERE id=?`, targetID).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("target %s not found", targetID)
		}
		if err != nil {
			return domain.Internal("load target", err)
		}
		if err := domain.CheckTargetTransition(from, to); err != nil {
			return err
		}
		now := nanos(s.now())
		q := sq.Update("targets").Set("status", string(to)).Where(sq.Eq{"id": targetID})
		if to == domain.TargetInProgress {
			q = q.Set("started_at", now)
		}
		if to.Terminal() {
			q = q.Set("completed_at", now)
		}
		if errMsg != "" {
			q = q.Set("error_message", errMsg)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return domain.Internal("build target update", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return domain.Internal("update target", err)
		}
		return nil
	})
}

func (s *SQLite) AddTargetResults(ctx context.Context, targetID string, n int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE targets SET result_count=result_count+? WHERE id=?`, n, targetID); err != nil {
		return domain.Internal("update result count", err)
	}
	return nil
}

func (s *SQLite) Targets(ctx context.Context, jobID string) ([]domain.Target, error) {
	return loadTargets(ctx, s.db, jobID)
}

func loadTargets(ctx context.Context, q querier, jobID string) ([]domain.Target, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE job_id=? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, domain.Internal("load targets", err)
	}
	defer rows.Close()

	var targets []domain.Target
	for rows.Next() {
		var (
			t                  domain.Target
			created            int64
			started, completed sql.NullInt64
			meta               string
		)
		if err := rows.Scan(&t.ID, &t.JobID, &t.Type, &t.Value, &t.Status, &created, &started, &completed,
			&t.ErrorMessage, &t.ResultCount, &meta); err != nil {
			return nil, domain.Internal("scan target", err)
		}
		t.CreatedAt = fromNanos(created)
		t.StartedAt = fromNullNanos(started)
		t.CompletedAt = fromNullNanos(completed)
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, domain.Internal("decode target metadata", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *SQLite) SetStepStatus(ctx context.Context, stepID string, to domain.StepStatus) error {
	return s.runInTx(ctx, func(tx *sql.Tx) error {
		var from domain.StepStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM module_steps WHERE id=?`, stepID).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundf("module step %s not found", stepID)
		}
		if err != nil {
			return domain.Internal("load module step", err)
		}
		if err := domain.CheckStepTransition(from, to); err != nil {
			return err
		}
		now := nanos(s.now())
		q := sq.Update("module_steps").Set("status", string(to)).Where(sq.Eq{"id": stepID})
		if to == domain.StepRunning {
			q = q.Set("started_at", now)
		}
		if to.Terminal() {
			q = q.Set("completed_at", now)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return domain.Internal("build step update", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return domain.Internal("update module step", err)
		}
		return nil
	})
}

func loadSteps(ctx context.Context, q querier, jobID string) ([]domain.ModuleStep, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM module_steps WHERE job_id=? ORDER BY step_order, id`, jobID)
	if err != nil {
		return nil, domain.Internal("load module steps", err)
	}
	defer rows.Close()

	var steps []domain.ModuleStep
	for rows.Next() {
		var (
			st                 domain.ModuleStep
			deps               string
			params             []byte
			started, completed sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.JobID, &st.Module.ID, &st.Module.Name, &st.Module.Version, &st.Order,
			&deps, &params, &st.Status, &started, &completed); err != nil {
			return nil, domain.Internal("scan module step", err)
		}
		if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
			return nil, domain.Internal("decode depends_on", err)
		}
		if len(params) > 0 {
			st.Parameters = json.RawMessage(params)
		}
		st.StartedAt = fromNullNanos(started)
		st.CompletedAt = fromNullNanos(completed)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// SaveUnitResult upserts the outcome of a (target, step) unit.
func (s *SQLite) SaveUnitResult(ctx context.Context, r *domain.UnitResult) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO unit_results (`+unitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(target_id, step_id) DO UPDATE SET
  correlation_id=excluded.correlation_id, status=excluded.status, attempts=excluded.attempts,
  entity_count=excluded.entity_count, relationship_count=excluded.relationship_count,
  error_message=excluded.error_message, raw=excluded.raw,
  started_at=excluded.started_at, completed_at=excluded.completed_at`,
		r.JobID, r.TargetID, r.StepID, r.CorrelationID, r.Status, r.Attempts, r.EntityCount, r.RelationshipCount,
		r.ErrorMessage, nullRaw(r.Raw), nullNanos(r.StartedAt), nullNanos(r.CompletedAt))
	if err != nil {
		return domain.Internal("save unit result", err)
	}
	return nil
}

func (s *SQLite) UnitResults(ctx context.Context, jobID string) ([]domain.UnitResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+unitColumns+` FROM unit_results WHERE job_id=? ORDER BY completed_at, rowid`, jobID)
	if err != nil {
		return nil, domain.Internal("load unit results", err)
	}
	defer rows.Close()

	var results []domain.UnitResult
	for rows.Next() {
		var (
			r                  domain.UnitResult
			raw                []byte
			started, completed sql.NullInt64
		)
		if err := rows.Scan(&r.JobID, &r.TargetID, &r.StepID, &r.CorrelationID, &r.Status, &r.Attempts,
			&r.EntityCount, &r.RelationshipCount, &r.ErrorMessage, &raw, &started, &completed); err != nil {
			return nil, domain.Internal("scan unit result", err)
		}
		if len(raw) > 0 {
			r.Raw = json.RawMessage(raw)
		}
		r.StartedAt = fromNullNanos(started)
		r.CompletedAt = fromNullNanos(completed)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *SQLite) JobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? ORDER BY created_at`, status)
}

// DueScheduled returns Scheduled jobs whose scheduled_at is not after now.
func (s *SQLite) DueScheduled(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='scheduled' AND scheduled_at <= ? ORDER BY scheduled_at`,
		nanos(now))
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Internal("query jobs", err)
	}
	defer rows.Close()
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, domain.Internal("scan job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j                                  domain.Job
		tags, meta                         string
		created, updated, maxDuration      int64
		scheduled, started, completed, eta sql.NullInt64
		progress                           sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Name, &j.Description, &j.Status, &j.Priority, &tags, &meta, &j.CreatedBy,
		&scheduled, &created, &updated, &started, &completed, &j.ErrorMessage, &progress, &eta,
		&maxDuration, &j.CancelRequested)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return nil, err
	}
	j.ScheduledAt = fromNullNanos(scheduled)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.StartedAt = fromNullNanos(started)
	j.CompletedAt = fromNullNanos(completed)
	j.EstimatedCompletionTime = fromNullNanos(eta)
	j.MaxDuration = time.Duration(maxDuration)
	if progress.Valid {
		p := int(progress.Int64)
		j.Progress = &p
	}
	return &j, nil
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullRaw(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func nonNilTags(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
