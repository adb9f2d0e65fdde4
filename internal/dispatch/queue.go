package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mind-engage/mindengage-results/internal/computation"
)

var ErrJobNotFound = errors.New("job not found")

const leaseExpired = "lease expired"

// Queue is the durable job list the dispatcher works from. Attempts are
// counted on claim. A job is never claimed while another job for the same
// department and semester is processing.
type Queue interface {
	Enqueue(ctx context.Context, jobs ...Job) error
	Claim(ctx context.Context, worker string, lease time.Duration) (Job, bool, error)
	// Extend renews the lease and reports whether cancellation was requested.
	Extend(ctx context.Context, id, worker string, lease time.Duration) (bool, error)
	SetProgress(ctx context.Context, id string, percent int) error
	Finish(ctx context.Context, id string, status computation.Status, lastError string) error
	// Retry returns a job to pending for another attempt at runAt.
	Retry(ctx context.Context, id string, runAt time.Time, lastError string) error
	// RequeueStalled recovers processing jobs whose lease expired and
	// returns how many went back to pending. Jobs that have used all
	// attempts are failed instead and returned.
	RequeueStalled(ctx context.Context, now time.Time) (int, []Job, error)
	// RequestCancel cancels pending jobs of the master computation and flags
	// processing ones. It returns how many jobs were affected.
	RequestCancel(ctx context.Context, masterID string) (int, error)
	// RequeueFailed resets failed jobs of the master computation for a
	// fresh set of attempts.
	RequeueFailed(ctx context.Context, masterID string, now time.Time) (int, error)
	Get(ctx context.Context, id string) (Job, error)
	ListByMaster(ctx context.Context, masterID string) ([]Job, error)
	ListMasters(ctx context.Context, limit, offset int) ([]Master, int, error)
}

// MemoryQueue keeps jobs in process. It backs tests and single-node runs
// where losing queued work on restart is acceptable.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	now   func() time.Time
}

func NewMemoryQueue(now func() time.Time) *MemoryQueue {
	if now == nil {
		now = time.Now
	}
	return &MemoryQueue{jobs: map[string]*Job{}, now: now}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobs ...Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = computation.StatusPending
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		j.CreatedAt, j.UpdatedAt = now, now
		jj := j
		if _, ok := q.jobs[j.ID]; !ok {
			q.order = append(q.order, j.ID)
		}
		q.jobs[j.ID] = &jj
	}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, worker string, lease time.Duration) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	running := map[string]bool{}
	for _, j := range q.jobs {
		if j.Status == computation.StatusProcessing {
			running[j.key()] = true
		}
	}
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != computation.StatusPending || j.RunAt.After(now) || running[j.key()] {
			continue
		}
		until := now.Add(lease)
		j.Status = computation.StatusProcessing
		j.Attempts++
		j.LockedBy = worker
		j.LockedUntil = &until
		j.UpdatedAt = now
		return *j, true, nil
	}
	return Job{}, false, nil
}

func (q *MemoryQueue) Extend(_ context.Context, id, worker string, lease time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status == computation.StatusProcessing && j.LockedBy == worker {
		until := q.now().UTC().Add(lease)
		j.LockedUntil = &until
	}
	return j.CancelRequested, nil
}

func (q *MemoryQueue) SetProgress(_ context.Context, id string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Progress = percent
	j.UpdatedAt = q.now().UTC()
	return nil
}

func (q *MemoryQueue) Finish(_ context.Context, id string, status computation.Status, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = status
	j.LastError = lastError
	j.LockedBy, j.LockedUntil = "", nil
	if status == computation.StatusCompleted || status == computation.StatusCompletedWithErrors {
		j.Progress = 100
	}
	j.UpdatedAt = q.now().UTC()
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, id string, runAt time.Time, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = computation.StatusPending
	j.RunAt = runAt.UTC()
	j.LastError = lastError
	j.LockedBy, j.LockedUntil = "", nil
	j.UpdatedAt = q.now().UTC()
	return nil
}

func (q *MemoryQueue) RequeueStalled(_ context.Context, now time.Time) (int, []Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	var failed []Job
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != computation.StatusProcessing || j.LockedUntil == nil || j.LockedUntil.After(now) {
			continue
		}
		j.LockedBy, j.LockedUntil = "", nil
		j.UpdatedAt = now.UTC()
		if j.Attempts >= j.MaxAttempts {
			j.Status = computation.StatusFailed
			j.LastError = leaseExpired
			failed = append(failed, *j)
			continue
		}
		j.Status = computation.StatusPending
		j.RunAt = now.UTC()
		n++
	}
	return n, failed, nil
}

func (q *MemoryQueue) RequestCancel(_ context.Context, masterID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.MasterComputationID != masterID {
			continue
		}
		switch j.Status {
		case computation.StatusPending:
			j.Status = computation.StatusCancelled
		case computation.StatusProcessing:
			j.CancelRequested = true
		default:
			continue
		}
		j.UpdatedAt = q.now().UTC()
		n++
	}
	return n, nil
}

func (q *MemoryQueue) RequeueFailed(_ context.Context, masterID string, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.MasterComputationID != masterID || j.Status != computation.StatusFailed {
			continue
		}
		j.Status = computation.StatusPending
		j.IsRetry = true
		j.Attempts = 0
		j.CancelRequested = false
		j.Progress = 0
		j.RunAt = now.UTC()
		j.UpdatedAt = now.UTC()
		n++
	}
	return n, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (q *MemoryQueue) ListByMaster(_ context.Context, masterID string) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, id := range q.order {
		if j := q.jobs[id]; j.MasterComputationID == masterID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (q *MemoryQueue) ListMasters(_ context.Context, limit, offset int) ([]Master, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	byID := map[string]*Master{}
	var masters []*Master
	for _, id := range q.order {
		j := q.jobs[id]
		m, ok := byID[j.MasterComputationID]
		if !ok {
			m = &Master{
				ID: j.MasterComputationID, SemesterID: j.SemesterID, Purpose: j.Purpose,
				ComputedBy: j.ComputedBy, CreatedAt: j.CreatedAt, Counts: map[computation.Status]int{},
			}
			byID[j.MasterComputationID] = m
			masters = append(masters, m)
		}
		m.Jobs++
		m.Counts[j.Status]++
		m.Progress += j.Progress
	}
	sort.SliceStable(masters, func(i, k int) bool { return masters[i].CreatedAt.After(masters[k].CreatedAt) })
	total := len(masters)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]Master, 0, end-offset)
	for _, m := range masters[offset:end] {
		m.Progress /= m.Jobs
		rollup(m)
		out = append(out, *m)
	}
	return out, total, nil
}
