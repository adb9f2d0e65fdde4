package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/computation"
	"github.com/mind-engage/mindengage-results/internal/notify"
	"github.com/mind-engage/mindengage-results/internal/observability"
)

var (
	ErrNoDepartments  = errors.New("no departments to compute")
	ErrInvalidPurpose = errors.New("purpose must be final or preview")
)

// Runner executes one department job; *computation.Processor is the
// production implementation.
type Runner interface {
	Process(ctx context.Context, req computation.Request) (computation.Summary, error)
	// Abandon fails the summary of a job whose worker went away.
	Abandon(ctx context.Context, req computation.Request, cause string) error
}

type Notifier interface {
	Notify(ctx context.Context, r notify.Request) error
}

// Catalog resolves the departments and semester of a compute-all request.
type Catalog interface {
	ListDepartments(ctx context.Context) ([]academic.Department, error)
	GetSemester(ctx context.Context, id string) (academic.Semester, error)
}

type Config struct {
	Workers      int
	MaxAttempts  int
	BackoffBase  time.Duration
	Lease        time.Duration
	PollInterval time.Duration
	WorkerID     string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		c.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return c
}

type Option func(*Dispatcher)

func WithLogger(l log.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithNotifier(n Notifier) Option { return func(d *Dispatcher) { d.notifier = n } }
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// Dispatcher fans a compute-all request out into department jobs and runs
// them on a bounded pool of workers.
type Dispatcher struct {
	queue    Queue
	runner   Runner
	catalog  Catalog
	notifier Notifier
	cfg      Config
	logger   log.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*computation.CancelToken
}

func New(queue Queue, runner Runner, catalog Catalog, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:   queue,
		runner:  runner,
		catalog: catalog,
		cfg:     cfg.withDefaults(),
		logger:  log.NewNopLogger(),
		now:     time.Now,
		running: map[string]*computation.CancelToken{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type EnqueueRequest struct {
	SemesterID    string              `json:"semester_id"`
	Purpose       computation.Purpose `json:"purpose"`
	ComputedBy    string              `json:"computed_by"`
	DepartmentIDs []string            `json:"department_ids,omitempty"`
}

// EnqueueAll creates one job per department under a new master computation
// id and returns it with the jobs.
func (d *Dispatcher) EnqueueAll(ctx context.Context, req EnqueueRequest) (string, []Job, error) {
	if req.Purpose == "" {
		req.Purpose = computation.PurposeFinal
	}
	if !req.Purpose.Valid() {
		return "", nil, ErrInvalidPurpose
	}
	if _, err := d.catalog.GetSemester(ctx, req.SemesterID); err != nil {
		return "", nil, err
	}
	deptIDs := req.DepartmentIDs
	if len(deptIDs) == 0 {
		depts, err := d.catalog.ListDepartments(ctx)
		if err != nil {
			return "", nil, err
		}
		for _, dep := range depts {
			deptIDs = append(deptIDs, dep.ID)
		}
	}
	if len(deptIDs) == 0 {
		return "", nil, ErrNoDepartments
	}

	masterID := uuid.NewString()
	now := d.now().UTC()
	jobs := make([]Job, 0, len(deptIDs))
	for _, id := range deptIDs {
		jobs = append(jobs, Job{
			ID:                  uuid.NewString(),
			DepartmentID:        id,
			SemesterID:          req.SemesterID,
			Purpose:             req.Purpose,
			MasterComputationID: masterID,
			ComputedBy:          req.ComputedBy,
			Status:              computation.StatusPending,
			MaxAttempts:         d.cfg.MaxAttempts,
			RunAt:               now,
		})
	}
	if err := d.queue.Enqueue(ctx, jobs...); err != nil {
		return "", nil, err
	}
	level.Info(d.logger).Log("msg", "computation enqueued", "master", masterID, "semester", req.SemesterID,
		"purpose", req.Purpose, "jobs", len(jobs), "by", req.ComputedBy)
	return masterID, jobs, nil
}

// Status reports a master computation and its jobs.
func (d *Dispatcher) Status(ctx context.Context, masterID string) (Master, []Job, error) {
	jobs, err := d.queue.ListByMaster(ctx, masterID)
	if err != nil {
		return Master{}, nil, err
	}
	if len(jobs) == 0 {
		return Master{}, nil, ErrJobNotFound
	}
	m := Master{
		ID: masterID, SemesterID: jobs[0].SemesterID, Purpose: jobs[0].Purpose,
		ComputedBy: jobs[0].ComputedBy, CreatedAt: jobs[0].CreatedAt, Counts: map[computation.Status]int{},
	}
	for _, j := range jobs {
		m.Jobs++
		m.Counts[j.Status]++
		m.Progress += j.Progress
	}
	m.Progress /= m.Jobs
	rollup(&m)
	return m, jobs, nil
}

// Cancel stops pending jobs at once and asks running jobs to stop at their
// next batch boundary.
func (d *Dispatcher) Cancel(ctx context.Context, masterID string) (int, error) {
	jobs, err := d.queue.ListByMaster(ctx, masterID)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, ErrJobNotFound
	}
	n, err := d.queue.RequestCancel(ctx, masterID)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	for _, j := range jobs {
		if tok, ok := d.running[j.ID]; ok {
			tok.Cancel()
		}
	}
	d.mu.Unlock()
	level.Info(d.logger).Log("msg", "cancel requested", "master", masterID, "jobs", n)
	return n, nil
}

// RetryFailed requeues the failed jobs of a master computation. They run
// with the retry flag set and a fresh attempt budget.
func (d *Dispatcher) RetryFailed(ctx context.Context, masterID string) (int, error) {
	n, err := d.queue.RequeueFailed(ctx, masterID, d.now())
	if err != nil {
		return 0, err
	}
	level.Info(d.logger).Log("msg", "failed jobs requeued", "master", masterID, "jobs", n)
	return n, nil
}

// History pages through master computations, newest first. page is 1-based.
func (d *Dispatcher) History(ctx context.Context, page, limit int) ([]Master, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return d.queue.ListMasters(ctx, limit, (page-1)*limit)
}

// Run starts the workers and the stalled-job janitor and blocks until ctx
// is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := fmt.Sprintf("%s-%d", d.cfg.WorkerID, i+1)
		g.Go(func() error { return d.work(gctx, worker) })
	}
	g.Go(func() error { return d.janitor(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (d *Dispatcher) work(ctx context.Context, worker string) error {
	logger := log.With(d.logger, "worker", worker)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, ok, err := d.queue.Claim(ctx, worker, d.cfg.Lease)
		if err != nil {
			level.Warn(logger).Log("msg", "claim", "err", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		d.execute(ctx, worker, job)
	}
}

func (d *Dispatcher) janitor(ctx context.Context) error {
	t := time.NewTicker(d.cfg.Lease / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.recoverStalled(ctx)
		}
	}
}

// recoverStalled requeues jobs with expired leases and settles the ones
// that ran out of attempts.
func (d *Dispatcher) recoverStalled(ctx context.Context) {
	n, failed, err := d.queue.RequeueStalled(ctx, d.now())
	if err != nil {
		level.Warn(d.logger).Log("msg", "requeue stalled jobs", "err", err)
	}
	if n > 0 {
		level.Info(d.logger).Log("msg", "stalled jobs recovered", "jobs", n)
	}
	for _, job := range failed {
		logger := log.With(d.logger, "job", job.ID, "department", job.DepartmentID)
		if err := d.runner.Abandon(ctx, job.Request(nil), job.LastError); err != nil {
			level.Error(logger).Log("msg", "fail stalled summary", "err", err)
		}
		level.Warn(logger).Log("msg", "stalled job failed", "attempts", job.Attempts)
		d.notify(ctx, job, computation.StatusFailed, job.LastError)
	}
}

func (d *Dispatcher) execute(ctx context.Context, worker string, job Job) {
	logger := log.With(d.logger, "job", job.ID, "department", job.DepartmentID, "attempt", job.Attempts)
	ctx, span := observability.StartSpan(ctx, "dispatch.job",
		attribute.String("job", job.ID),
		attribute.String("master", job.MasterComputationID),
		attribute.Int("attempt", job.Attempts),
	)
	defer span.End()

	token := computation.NewCancelToken()
	if job.CancelRequested {
		token.Cancel()
	}
	d.mu.Lock()
	d.running[job.ID] = token
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, job.ID)
		d.mu.Unlock()
	}()

	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeat(hbCtx, worker, job.ID, token)
	}()
	summary, err := d.runner.Process(ctx, job.Request(token))
	stop()
	wg.Wait()

	if ctx.Err() != nil {
		level.Warn(logger).Log("msg", "shutdown during job; lease will expire", "err", ctx.Err())
		return
	}

	var (
		status  computation.Status
		lastErr string
	)
	switch {
	case err == nil:
		status = summary.Status
	case errors.Is(err, computation.ErrCancelled):
		status = computation.StatusCancelled
	case retryable(err) && job.Attempts < job.MaxAttempts:
		runAt := d.now().Add(d.backoff(job.Attempts))
		if rerr := d.queue.Retry(ctx, job.ID, runAt, err.Error()); rerr != nil {
			level.Error(logger).Log("msg", "schedule retry", "err", rerr)
		}
		level.Warn(logger).Log("msg", "job failed; retry scheduled", "run_at", runAt, "err", err)
		return
	default:
		status, lastErr = computation.StatusFailed, err.Error()
	}
	if ferr := d.queue.Finish(ctx, job.ID, status, lastErr); ferr != nil {
		level.Error(logger).Log("msg", "finish job", "err", ferr)
	}
	level.Info(logger).Log("msg", "job finished", "status", status)
	d.notify(ctx, job, status, lastErr)
}

// backoff returns base * 2^(attempt-1).
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return d.cfg.BackoffBase << (attempt - 1)
}

// retryable is false for department errors another attempt cannot fix.
func retryable(err error) bool {
	var cerr *computation.Error
	if errors.As(err, &cerr) && cerr.Kind == computation.KindDepartment {
		switch cerr.Reason {
		case computation.ReasonMissingPredecessor, computation.ReasonSuperseded, computation.ReasonNotFound:
			return false
		}
	}
	return true
}

func (d *Dispatcher) heartbeat(ctx context.Context, worker, jobID string, token *computation.CancelToken) {
	t := time.NewTicker(d.cfg.Lease / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cancel, err := d.queue.Extend(ctx, jobID, worker, d.cfg.Lease)
			if err != nil {
				level.Warn(d.logger).Log("msg", "extend lease", "job", jobID, "err", err)
				continue
			}
			if cancel {
				token.Cancel()
			}
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, job Job, status computation.Status, lastErr string) {
	if d.notifier == nil || job.ComputedBy == "" {
		return
	}
	template := notify.TemplateJobFinished
	if status == computation.StatusFailed {
		template = notify.TemplateJobFailed
	}
	err := d.notifier.Notify(ctx, notify.Request{
		Target:    "inbox",
		Recipient: job.ComputedBy,
		Template:  template,
		Metadata: map[string]string{
			"job_id":                job.ID,
			"master_computation_id": job.MasterComputationID,
			"department_id":         job.DepartmentID,
			"semester_id":           job.SemesterID,
			"purpose":               string(job.Purpose),
			"status":                string(status),
			"error":                 lastErr,
		},
	})
	if err != nil {
		level.Warn(d.logger).Log("msg", "queue notification", "job", job.ID, "err", err)
	}
}

type progressReporter struct{ q Queue }

func (r progressReporter) Progress(ctx context.Context, jobID string, percent int) error {
	if jobID == "" {
		return nil
	}
	return r.q.SetProgress(ctx, jobID, percent)
}

// Reporter records processor progress on the queued job.
func Reporter(q Queue) computation.Reporter { return progressReporter{q: q} }
