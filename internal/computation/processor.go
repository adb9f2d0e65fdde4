package computation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/bulk"
	"github.com/mind-engage/mindengage-results/internal/carryover"
	"github.com/mind-engage/mindengage-results/internal/grading"
	"github.com/mind-engage/mindengage-results/internal/observability"
	"github.com/mind-engage/mindengage-results/internal/standing"
)

// Request is the payload of one department job.
type Request struct {
	JobID               string
	DepartmentID        string
	SemesterID          string
	Purpose             Purpose
	MasterComputationID string
	ComputedBy          string
	IsRetry             bool
	Cancel              *CancelToken
}

// Reporter receives progress in percent of students processed.
type Reporter interface {
	Progress(ctx context.Context, jobID string, percent int) error
}

// Archiver stores the master sheet of a finished summary and returns where
// it was written.
type Archiver interface {
	Archive(ctx context.Context, s Summary) (string, error)
}

type Options struct {
	BatchSize int
	Policy    standing.Policy
	Reporter  Reporter
	Archiver  Archiver
	Logger    log.Logger
	Now       func() time.Time
}

// Processor computes one department's semester results.
type Processor struct {
	store     academic.Store
	summaries SummaryStore
	tracker   *carryover.Tracker
	policy    standing.Policy
	batchSize int
	reporter  Reporter
	archiver  Archiver
	logger    log.Logger
	now       func() time.Time
}

func NewProcessor(store academic.Store, summaries SummaryStore, opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	return &Processor{
		store:     store,
		summaries: summaries,
		tracker:   carryover.NewTracker(store, opts.Now),
		policy:    opts.Policy,
		batchSize: bulk.ClampBatchSize(opts.BatchSize),
		reporter:  opts.Reporter,
		archiver:  opts.Archiver,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// run carries the mutable state of one Process call.
type run struct {
	req      Request
	semester academic.Semester
	summary  Summary
	agg      *aggregator
	writer   *bulk.Writer
	pending  []outcome
	required map[int][]academic.Course
}

// Process runs a department job to a terminal state and persists its
// summary. It returns ErrCancelled after a cancel request and a department
// *Error when the job failed; per-student problems are recorded on the
// summary and do not fail the job.
func (p *Processor) Process(ctx context.Context, req Request) (Summary, error) {
	if req.Purpose == "" {
		req.Purpose = PurposeFinal
	}
	ctx, span := observability.StartSpan(ctx, "computation.department",
		attribute.String("department", req.DepartmentID),
		attribute.String("semester", req.SemesterID),
		attribute.String("purpose", string(req.Purpose)),
		attribute.Bool("retry", req.IsRetry),
	)
	defer span.End()
	logger := log.With(p.logger, "department", req.DepartmentID, "semester", req.SemesterID, "job", req.JobID)

	r := &run{
		req: req,
		summary: Summary{
			DepartmentID:        req.DepartmentID,
			SemesterID:          req.SemesterID,
			Purpose:             req.Purpose,
			MasterComputationID: req.MasterComputationID,
			ComputedBy:          req.ComputedBy,
			StartedAt:           p.now().UTC(),
			Errors:              []*Error{},
		},
		agg:      newAggregator(),
		writer:   bulk.NewWriter(p.store, p.batchSize),
		required: map[int][]academic.Course{},
	}
	if derr := p.checkSuperseded(ctx, req); derr != nil {
		r.summary.Status = StatusFailed
		r.summary.ErrorMessage = derr.Error()
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Reason)
		level.Error(logger).Log("msg", "department computation rejected", "reason", derr.Reason, "err", derr.Message)
		return r.summary, derr
	}
	if err := p.summaries.Start(ctx, &r.summary); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start summary")
		return r.summary, DepartmentError(req.DepartmentID, ReasonWriteFailed, err)
	}

	cancelled, derr := p.execute(ctx, r, logger)
	switch {
	case derr != nil:
		r.summary.Status = StatusFailed
		r.summary.ErrorMessage = derr.Error()
		span.RecordError(derr)
		span.SetStatus(codes.Error, derr.Reason)
		level.Error(logger).Log("msg", "department computation failed", "reason", derr.Reason, "err", derr.Message)
	case cancelled:
		r.summary.Status = StatusCancelled
		level.Info(logger).Log("msg", "department computation cancelled", "processed", r.summary.ProcessedStudents)
	case len(r.summary.Errors) > 0:
		r.summary.Status = StatusCompletedWithErrors
	default:
		r.summary.Status = StatusCompleted
	}
	r.summary.Levels, r.summary.MasterSheetDataByLevel = r.agg.finish()
	done := p.now().UTC()
	r.summary.CompletedAt = &done

	if p.archiver != nil && req.Purpose == PurposeFinal && r.summary.Status.Committed() {
		uri, err := p.archiver.Archive(ctx, r.summary)
		if err != nil {
			level.Warn(logger).Log("msg", "archive master sheet", "err", err)
		} else {
			r.summary.MasterSheetURI = uri
		}
	}
	if err := p.summaries.Save(ctx, r.summary); err != nil {
		span.RecordError(err)
		if derr == nil {
			derr = DepartmentError(req.DepartmentID, ReasonWriteFailed, err)
		}
		return r.summary, derr
	}
	if p.reporter != nil && derr == nil && !cancelled {
		_ = p.reporter.Progress(ctx, req.JobID, 100)
	}
	level.Info(logger).Log("msg", "department computation finished", "status", r.summary.Status,
		"total", r.summary.TotalStudents, "processed", r.summary.ProcessedStudents, "failed", r.summary.FailedStudents)

	if derr != nil {
		return r.summary, derr
	}
	if cancelled {
		return r.summary, ErrCancelled
	}
	return r.summary, nil
}

// Abandon marks the summary of a lost run as failed. Summaries already in a
// terminal state, or started by another master computation, are left alone.
func (p *Processor) Abandon(ctx context.Context, req Request, cause string) error {
	if req.Purpose == "" {
		req.Purpose = PurposeFinal
	}
	s, err := p.summaries.Get(ctx, req.DepartmentID, req.SemesterID, req.Purpose)
	if errors.Is(err, academic.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Status != StatusProcessing || s.MasterComputationID != req.MasterComputationID {
		return nil
	}
	derr := DepartmentError(req.DepartmentID, ReasonComputeFailed, errors.New(cause))
	done := p.now().UTC()
	s.Status = StatusFailed
	s.ErrorMessage = derr.Error()
	s.Errors = append(s.Errors, derr)
	s.CompletedAt = &done
	if err := p.summaries.Save(ctx, s); err != nil {
		return err
	}
	level.Warn(p.logger).Log("msg", "department computation abandoned", "department", req.DepartmentID,
		"semester", req.SemesterID, "job", req.JobID, "cause", cause)
	return nil
}

// execute walks the department page by page. It reports whether the run was
// cancelled and any department level error.
func (p *Processor) execute(ctx context.Context, r *run, logger log.Logger) (bool, *Error) {
	req := r.req
	if _, err := p.store.GetDepartment(ctx, req.DepartmentID); err != nil {
		return false, p.loadError(req.DepartmentID, err)
	}
	sem, err := p.store.GetSemester(ctx, req.SemesterID)
	if err != nil {
		return false, p.loadError(req.DepartmentID, err)
	}
	r.semester = sem

	if req.Purpose == PurposeFinal && !req.IsRetry {
		prev, ok, err := p.store.PreviousSemester(ctx, sem.Seq)
		if err != nil {
			return false, DepartmentError(req.DepartmentID, ReasonLoadFailed, err)
		}
		if ok {
			committed, err := p.summaries.HasCommitted(ctx, req.DepartmentID, prev.ID)
			if err != nil {
				return false, DepartmentError(req.DepartmentID, ReasonLoadFailed, err)
			}
			if !committed {
				return false, DepartmentError(req.DepartmentID, ReasonMissingPredecessor,
					fmt.Errorf("semester %s has no completed computation", prev.ID))
			}
		}
	}

	total, err := p.store.CountStudents(ctx, req.DepartmentID)
	if err != nil {
		return false, DepartmentError(req.DepartmentID, ReasonLoadFailed, err)
	}
	r.summary.TotalStudents = total
	level.Debug(logger).Log("msg", "department computation started", "students", total)

	afterID := ""
	for {
		if req.Cancel.Cancelled() {
			if err := p.flush(ctx, r); err != nil {
				return true, DepartmentError(req.DepartmentID, ReasonWriteFailed, err)
			}
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, DepartmentError(req.DepartmentID, ReasonComputeFailed, err)
		}
		page, err := p.store.ListStudents(ctx, req.DepartmentID, afterID, p.batchSize)
		if err != nil {
			return false, DepartmentError(req.DepartmentID, ReasonLoadFailed, err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID
		if derr := p.processPage(ctx, r, page); derr != nil {
			return false, derr
		}
		if err := p.flush(ctx, r); err != nil {
			return false, DepartmentError(req.DepartmentID, ReasonWriteFailed, err)
		}
		if p.reporter != nil && total > 0 {
			pct := r.summary.ProcessedStudents * 100 / total
			if pct > 99 {
				pct = 99
			}
			if err := p.reporter.Progress(ctx, req.JobID, pct); err != nil {
				level.Warn(logger).Log("msg", "report progress", "err", err)
			}
		}
		if len(page) < p.batchSize {
			break
		}
	}
	return false, nil
}

// checkSuperseded rejects a final run of a semester when a later semester
// of the department is already committed; the students' current standing
// belongs to that later run. It leaves the stored summary untouched.
// Lookup errors are left to execute, which records them on the summary.
func (p *Processor) checkSuperseded(ctx context.Context, req Request) *Error {
	if req.Purpose != PurposeFinal {
		return nil
	}
	sem, err := p.store.GetSemester(ctx, req.SemesterID)
	if err != nil {
		return nil
	}
	later, ok, err := p.summaries.CommittedAfter(ctx, req.DepartmentID, sem.Seq)
	if err != nil {
		return DepartmentError(req.DepartmentID, ReasonLoadFailed, err)
	}
	if ok {
		return DepartmentError(req.DepartmentID, ReasonSuperseded,
			fmt.Errorf("semester %s is already computed", later))
	}
	return nil
}

func (p *Processor) loadError(departmentID string, err error) *Error {
	if errors.Is(err, academic.ErrNotFound) {
		return DepartmentError(departmentID, ReasonNotFound, err)
	}
	return DepartmentError(departmentID, ReasonLoadFailed, err)
}

// processPage bulk-loads everything one page of students needs and runs the
// per-student pipeline.
func (p *Processor) processPage(ctx context.Context, r *run, page []academic.Student) *Error {
	ctx, span := observability.StartSpan(ctx, "computation.batch", attribute.Int("students", len(page)))
	defer span.End()

	ids := make([]string, len(page))
	for i, st := range page {
		ids[i] = st.ID
	}
	deptID := r.req.DepartmentID
	results, err := p.store.ListResults(ctx, r.semester.ID, ids)
	if err != nil {
		return DepartmentError(deptID, ReasonLoadFailed, err)
	}
	priors, err := p.store.ListPriorRecords(ctx, ids, r.semester.Seq)
	if err != nil {
		return DepartmentError(deptID, ReasonLoadFailed, err)
	}
	uncleared, err := p.store.ListUnclearedCarryovers(ctx, ids)
	if err != nil {
		return DepartmentError(deptID, ReasonLoadFailed, err)
	}
	for _, st := range page {
		if _, ok := r.required[st.Level]; ok {
			continue
		}
		courses, err := p.store.ListRequiredCourses(ctx, deptID, st.Level, r.semester.Term)
		if err != nil {
			return DepartmentError(deptID, ReasonLoadFailed, err)
		}
		r.required[st.Level] = courses
	}

	for _, st := range page {
		o, serr, cerrs := p.processStudent(ctx, r, st, results[st.ID], priors[st.ID], uncleared[st.ID])
		r.summary.ProcessedStudents++
		r.summary.Errors = append(r.summary.Errors, cerrs...)
		if serr != nil {
			r.summary.FailedStudents++
			r.summary.Errors = append(r.summary.Errors, serr)
			continue
		}
		if r.req.Purpose == PurposePreview {
			r.agg.add(o)
			continue
		}
		r.writer.Add(o.update)
		r.pending = append(r.pending, o)
		if r.writer.Full() {
			if err := p.flush(ctx, r); err != nil {
				return DepartmentError(deptID, ReasonWriteFailed, err)
			}
		}
	}
	return nil
}

// processStudent runs grading, carryover tracking and classification for
// one student. A panic anywhere in the pipeline becomes a student error.
func (p *Processor) processStudent(ctx context.Context, r *run, st academic.Student, results []academic.Result,
	prior academic.SemesterRecord, uncleared []academic.CarryoverCourse) (o outcome, serr *Error, cerrs []*Error) {
	defer func() {
		if rec := recover(); rec != nil {
			serr = StudentError(st.ID, ReasonComputeFailed, fmt.Errorf("panic: %v", rec))
		}
	}()

	graded := grading.GradeResults(results)
	perf := grading.Compute(graded, grading.Cumulative{TCP: prior.CumulativeTCP, TNU: prior.CumulativeTNU})

	plan := carryover.PlanFor(carryover.Input{
		StudentID:  st.ID,
		SemesterID: r.semester.ID,
		Results:    graded,
		Required:   r.required[st.Level],
		Uncleared:  uncleared,
	})
	carry := plan.Uncleared
	if r.req.Purpose == PurposeFinal {
		res, err := p.tracker.Apply(ctx, plan, r.req.ComputedBy)
		for _, f := range res.Failures {
			cerrs = append(cerrs, CarryoverError(f))
		}
		if err != nil {
			return outcome{}, StudentError(st.ID, ReasonWriteFailed, err), cerrs
		}
		carry = res.Uncleared
	}

	category := p.policy.Classify(perf.CGPA, carry, standing.Category(prior.Standing))
	degree := standing.DegreeClassFor(perf.CGPA)
	probation, termination := category.Statuses()
	recordDegree := ""
	if category == standing.Pass {
		recordDegree = degree
	}

	o = outcome{
		student:     st,
		results:     graded,
		perf:        perf,
		category:    category,
		degreeClass: degree,
		carryovers:  carry,
		outstanding: plan.Outstanding,
		update: academic.StudentUpdate{
			StudentID:         st.ID,
			GPA:               perf.GPA,
			CGPA:              perf.CGPA,
			ProbationStatus:   probation,
			TerminationStatus: termination,
			Standing:          string(category),
			TotalCarryovers:   carry,
			CarryoverDelta:    carry - st.TotalCarryovers,
			Record: academic.SemesterRecord{
				StudentID:     st.ID,
				SemesterID:    r.semester.ID,
				SemesterSeq:   r.semester.Seq,
				TCP:           perf.TCP,
				TNU:           perf.TNU,
				GPA:           perf.GPA,
				CumulativeTCP: perf.CumulativeTCP,
				CumulativeTNU: perf.CumulativeTNU,
				CGPA:          perf.CGPA,
				Standing:      string(category),
				DegreeClass:   recordDegree,
				Carryovers:    carry,
				ComputationID: r.req.MasterComputationID,
				UpdatedAt:     p.now().UTC(),
			},
		},
	}
	return o, nil, cerrs
}

// flush writes queued updates and folds the students whose write succeeded
// into the summary. Students whose write failed become student errors.
func (p *Processor) flush(ctx context.Context, r *run) error {
	if r.writer.Pending() == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "computation.flush", attribute.Int("updates", r.writer.Pending()))
	defer span.End()

	res, err := r.writer.Flush(ctx)
	level.Debug(p.logger).Log("msg", "batch flushed", "department", r.req.DepartmentID,
		"written", res.SucceededCount(), "failed", res.FailedCount())
	failed := make(map[string]error, len(res.Failures))
	for _, f := range res.Failures {
		failed[f.StudentID] = f.Err
	}
	for _, o := range r.pending {
		if ferr, bad := failed[o.student.ID]; bad {
			r.summary.FailedStudents++
			r.summary.Errors = append(r.summary.Errors, StudentError(o.student.ID, ReasonWriteFailed, ferr))
			continue
		}
		r.agg.add(o)
	}
	r.pending = r.pending[:0]
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
