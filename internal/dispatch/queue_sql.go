package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mind-engage/mindengage-results/internal/computation"
)

// SQLQueue keeps jobs in the computation_jobs table. A partial unique index
// on (department_id, semester_id) for processing rows backs the
// one-running-job-per-semester rule across processes.
type SQLQueue struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLQueue(db *sql.DB, now func() time.Time) *SQLQueue {
	if now == nil {
		now = time.Now
	}
	return &SQLQueue{db: db, now: now}
}

const jobCols = `id, department_id, semester_id, purpose, master_computation_id, computed_by, is_retry,
  status, attempts, max_attempts, run_at, locked_by, locked_until, last_error, progress,
  cancel_requested, created_at, updated_at`

func scanJob(sc interface{ Scan(...any) error }) (Job, error) {
	var (
		j                       Job
		purpose, status         string
		runAt, created, updated int64
		lockedUntil             sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.DepartmentID, &j.SemesterID, &purpose, &j.MasterComputationID, &j.ComputedBy,
		&j.IsRetry, &status, &j.Attempts, &j.MaxAttempts, &runAt, &j.LockedBy, &lockedUntil, &j.LastError,
		&j.Progress, &j.CancelRequested, &created, &updated)
	if err != nil {
		return Job{}, err
	}
	j.Purpose, j.Status = computation.Purpose(purpose), computation.Status(status)
	j.RunAt = time.UnixMilli(runAt).UTC()
	j.CreatedAt = time.UnixMilli(created).UTC()
	j.UpdatedAt = time.UnixMilli(updated).UTC()
	if lockedUntil.Valid {
		t := time.UnixMilli(lockedUntil.Int64).UTC()
		j.LockedUntil = &t
	}
	return j, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, jobs ...Job) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := q.now().UTC()
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = computation.StatusPending
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO computation_jobs (`+jobCols+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,'',NULL,'',0,$11,$12,$12)`,
			j.ID, j.DepartmentID, j.SemesterID, string(j.Purpose), j.MasterComputationID, j.ComputedBy,
			j.IsRetry, string(j.Status), j.MaxAttempts, j.RunAt.UnixMilli(), false, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("enqueue job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

func (q *SQLQueue) Claim(ctx context.Context, worker string, lease time.Duration) (Job, bool, error) {
	now := q.now().UTC()
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM computation_jobs
WHERE status=$1 AND run_at <= $2 ORDER BY created_at, id LIMIT 20`,
		string(computation.StatusPending), now.UnixMilli())
	if err != nil {
		return Job{}, false, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Job{}, false, err
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Job{}, false, err
	}

	for _, id := range candidates {
		res, err := q.db.ExecContext(ctx, `
UPDATE computation_jobs SET status=$1, attempts=attempts+1, locked_by=$2, locked_until=$3, updated_at=$4
WHERE id=$5 AND status=$6 AND NOT EXISTS (
  SELECT 1 FROM computation_jobs o
  WHERE o.department_id = computation_jobs.department_id
    AND o.semester_id = computation_jobs.semester_id
    AND o.status = $1)`,
			string(computation.StatusProcessing), worker, now.Add(lease).UnixMilli(), now.UnixMilli(),
			id, string(computation.StatusPending))
		if err != nil {
			// lost a race on the running index
			continue
		}
		if n, _ := res.RowsAffected(); n == 1 {
			j, err := q.Get(ctx, id)
			return j, err == nil, err
		}
	}
	return Job{}, false, nil
}

func (q *SQLQueue) Extend(ctx context.Context, id, worker string, lease time.Duration) (bool, error) {
	now := q.now().UTC()
	if _, err := q.db.ExecContext(ctx, `UPDATE computation_jobs SET locked_until=$1, updated_at=$2
WHERE id=$3 AND status=$4 AND locked_by=$5`,
		now.Add(lease).UnixMilli(), now.UnixMilli(), id, string(computation.StatusProcessing), worker); err != nil {
		return false, err
	}
	var cancel bool
	err := q.db.QueryRowContext(ctx, `SELECT cancel_requested FROM computation_jobs WHERE id=$1`, id).Scan(&cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrJobNotFound
	}
	return cancel, err
}

func (q *SQLQueue) exec(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (q *SQLQueue) SetProgress(ctx context.Context, id string, percent int) error {
	return q.exec(ctx, `UPDATE computation_jobs SET progress=$1, updated_at=$2 WHERE id=$3`,
		percent, q.now().UTC().UnixMilli(), id)
}

func (q *SQLQueue) Finish(ctx context.Context, id string, status computation.Status, lastError string) error {
	return q.exec(ctx, `UPDATE computation_jobs
SET status=$1, last_error=$2, locked_by='', locked_until=NULL,
    progress=CASE WHEN $3 THEN 100 ELSE progress END, updated_at=$4
WHERE id=$5`,
		string(status), lastError, status.Committed(), q.now().UTC().UnixMilli(), id)
}

func (q *SQLQueue) Retry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	return q.exec(ctx, `UPDATE computation_jobs
SET status=$1, run_at=$2, last_error=$3, locked_by='', locked_until=NULL, updated_at=$4
WHERE id=$5`,
		string(computation.StatusPending), runAt.UTC().UnixMilli(), lastError,
		q.now().UTC().UnixMilli(), id)
}

func (q *SQLQueue) RequeueStalled(ctx context.Context, now time.Time) (int, []Job, error) {
	ms := now.UTC().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobCols+` FROM computation_jobs
WHERE status=$1 AND locked_until < $2 AND attempts >= max_attempts ORDER BY id`,
		string(computation.StatusProcessing), ms)
	if err != nil {
		return 0, nil, err
	}
	var exhausted []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, nil, err
		}
		exhausted = append(exhausted, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	// another janitor may have recovered a job between the read and the update
	var failed []Job
	for _, j := range exhausted {
		res, err := q.db.ExecContext(ctx, `UPDATE computation_jobs
SET status=$1, last_error=$2, locked_by='', locked_until=NULL, updated_at=$3
WHERE id=$4 AND status=$5 AND locked_until < $3`,
			string(computation.StatusFailed), leaseExpired, ms, j.ID, string(computation.StatusProcessing))
		if err != nil {
			return 0, failed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			j.Status, j.LastError, j.LockedBy, j.LockedUntil = computation.StatusFailed, leaseExpired, "", nil
			failed = append(failed, j)
		}
	}
	requeued, err := q.db.ExecContext(ctx, `UPDATE computation_jobs
SET status=$1, run_at=$2, locked_by='', locked_until=NULL, updated_at=$2
WHERE status=$3 AND locked_until < $2`,
		string(computation.StatusPending), ms, string(computation.StatusProcessing))
	if err != nil {
		return 0, failed, err
	}
	n, _ := requeued.RowsAffected()
	return int(n), failed, nil
}

func (q *SQLQueue) RequestCancel(ctx context.Context, masterID string) (int, error) {
	ms := q.now().UTC().UnixMilli()
	pending, err := q.db.ExecContext(ctx, `UPDATE computation_jobs SET status=$1, updated_at=$2
WHERE master_computation_id=$3 AND status=$4`,
		string(computation.StatusCancelled), ms, masterID, string(computation.StatusPending))
	if err != nil {
		return 0, err
	}
	running, err := q.db.ExecContext(ctx, `UPDATE computation_jobs SET cancel_requested=$1, updated_at=$2
WHERE master_computation_id=$3 AND status=$4`,
		true, ms, masterID, string(computation.StatusProcessing))
	if err != nil {
		return 0, err
	}
	a, _ := pending.RowsAffected()
	b, _ := running.RowsAffected()
	return int(a + b), nil
}

func (q *SQLQueue) RequeueFailed(ctx context.Context, masterID string, now time.Time) (int, error) {
	ms := now.UTC().UnixMilli()
	res, err := q.db.ExecContext(ctx, `UPDATE computation_jobs
SET status=$1, is_retry=$2, attempts=0, cancel_requested=$3, progress=0, run_at=$4, updated_at=$4
WHERE master_computation_id=$5 AND status=$6`,
		string(computation.StatusPending), true, false, ms, masterID, string(computation.StatusFailed))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *SQLQueue) Get(ctx context.Context, id string) (Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM computation_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (q *SQLQueue) ListByMaster(ctx context.Context, masterID string) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+jobCols+` FROM computation_jobs
WHERE master_computation_id=$1 ORDER BY created_at, id`, masterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *SQLQueue) ListMasters(ctx context.Context, limit, offset int) ([]Master, int, error) {
	if limit <= 0 {
		limit = 20
	}
	var total int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT master_computation_id) FROM computation_jobs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.db.QueryContext(ctx, `
SELECT master_computation_id, MIN(semester_id), MIN(purpose), MIN(computed_by), MIN(created_at),
       COUNT(*), COALESCE(SUM(progress), 0)
FROM computation_jobs
GROUP BY master_computation_id
ORDER BY MIN(created_at) DESC, master_computation_id
LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	var masters []Master
	for rows.Next() {
		var (
			m        Master
			purpose  string
			created  int64
			progress int
		)
		if err := rows.Scan(&m.ID, &m.SemesterID, &purpose, &m.ComputedBy, &created, &m.Jobs, &progress); err != nil {
			rows.Close()
			return nil, 0, err
		}
		m.Purpose = computation.Purpose(purpose)
		m.CreatedAt = time.UnixMilli(created).UTC()
		if m.Jobs > 0 {
			m.Progress = progress / m.Jobs
		}
		m.Counts = map[computation.Status]int{}
		masters = append(masters, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	// counts are read after the cursor is closed; sqlite runs on one connection
	for i := range masters {
		if err := q.countStatuses(ctx, &masters[i]); err != nil {
			return nil, 0, err
		}
		rollup(&masters[i])
	}
	return masters, total, nil
}

func (q *SQLQueue) countStatuses(ctx context.Context, m *Master) error {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM computation_jobs
WHERE master_computation_id=$1 GROUP BY status`, m.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		m.Counts[computation.Status(status)] = n
	}
	return rows.Err()
}
