package carryover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/grading"
)

// Input is everything the tracker needs to know about one student and
// semester. Uncleared holds the student's uncleared carryovers from every
// semester.
type Input struct {
	StudentID  string
	SemesterID string
	Results    []grading.GradedResult
	Required   []academic.Course
	Uncleared  []academic.CarryoverCourse
}

// Plan is the set of carryover changes a semester implies.
type Plan struct {
	StudentID   string
	SemesterID  string
	Upserts     []academic.CarryoverCourse
	Clears      []string // course ids
	Uncleared   int
	Outstanding []string // course codes still owed once the plan is applied
}

// PlanFor decides which carryovers to record and which to clear. Failed
// courses and unregistered required courses are recorded; passed courses
// clear any earlier carryover of the same course.
func PlanFor(in Input) Plan {
	plan := Plan{StudentID: in.StudentID, SemesterID: in.SemesterID}

	registered := map[string]bool{}
	passed := map[string]bool{}
	for _, r := range in.Results {
		registered[r.CourseID] = true
		if r.Grade.Passed() {
			passed[r.CourseID] = true
		}
	}

	seen := map[string]bool{}
	for _, r := range in.Results {
		if passed[r.CourseID] || seen[r.CourseID] {
			continue
		}
		seen[r.CourseID] = true
		plan.Upserts = append(plan.Upserts, academic.CarryoverCourse{
			StudentID: in.StudentID, CourseID: r.CourseID, CourseCode: r.CourseCode,
			SemesterID: in.SemesterID, Reason: academic.ReasonFailed,
		})
	}
	for _, c := range in.Required {
		if registered[c.ID] {
			continue
		}
		plan.Upserts = append(plan.Upserts, academic.CarryoverCourse{
			StudentID: in.StudentID, CourseID: c.ID, CourseCode: c.Code,
			SemesterID: in.SemesterID, Reason: academic.ReasonNotRegistered,
		})
	}

	outstanding := map[string]string{} // course|semester -> code
	clears := map[string]bool{}
	for _, c := range in.Uncleared {
		if passed[c.CourseID] {
			clears[c.CourseID] = true
			continue
		}
		outstanding[c.CourseID+"|"+c.SemesterID] = c.CourseCode
	}
	for _, c := range plan.Upserts {
		outstanding[c.CourseID+"|"+c.SemesterID] = c.CourseCode
	}
	for id := range clears {
		plan.Clears = append(plan.Clears, id)
	}
	sort.Strings(plan.Clears)

	plan.Uncleared = len(outstanding)
	codes := map[string]bool{}
	for _, code := range outstanding {
		if !codes[code] {
			codes[code] = true
			plan.Outstanding = append(plan.Outstanding, code)
		}
	}
	sort.Strings(plan.Outstanding)
	return plan
}

// Store is the part of academic.Store the tracker writes through.
type Store interface {
	InsertCarryover(ctx context.Context, c academic.CarryoverCourse) error
	ClearCourseCarryovers(ctx context.Context, studentID, courseID, semesterID, by string, at time.Time) (int, error)
	ClearCarryover(ctx context.Context, id, by string, at time.Time) (academic.CarryoverCourse, error)
	CountUnclearedCarryovers(ctx context.Context, studentID string) (int, error)
}

// Failure is a carryover write that failed for a reason other than the
// record already existing.
type Failure struct {
	StudentID string
	CourseID  string
	Op        string // upsert|clear
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("carryover %s %s/%s: %v", f.Op, f.StudentID, f.CourseID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Outcome reports what Apply did.
type Outcome struct {
	Inserted       int
	AlreadyApplied int
	Cleared        int
	Uncleared      int
	Failures       []*Failure
}

type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, now: now}
}

// Apply writes a plan. Rows that already exist are treated as applied, so
// replaying a plan is harmless. The returned Uncleared count is read back from
// storage rather than derived from the plan.
func (t *Tracker) Apply(ctx context.Context, plan Plan, by string) (Outcome, error) {
	var out Outcome
	for _, c := range plan.Upserts {
		err := t.store.InsertCarryover(ctx, c)
		switch {
		case err == nil:
			out.Inserted++
		case errors.Is(err, academic.ErrDuplicate):
			out.AlreadyApplied++
		default:
			out.Failures = append(out.Failures, &Failure{StudentID: plan.StudentID, CourseID: c.CourseID, Op: "upsert", Err: err})
		}
	}
	now := t.now().UTC()
	for _, courseID := range plan.Clears {
		n, err := t.store.ClearCourseCarryovers(ctx, plan.StudentID, courseID, plan.SemesterID, by, now)
		if err != nil {
			out.Failures = append(out.Failures, &Failure{StudentID: plan.StudentID, CourseID: courseID, Op: "clear", Err: err})
			continue
		}
		out.Cleared += n
	}
	n, err := t.store.CountUnclearedCarryovers(ctx, plan.StudentID)
	if err != nil {
		return out, fmt.Errorf("count carryovers for %s: %w", plan.StudentID, err)
	}
	out.Uncleared = n
	return out, nil
}

// Clear marks one carryover cleared outside a computation run. Clearing a
// cleared record returns it unchanged.
func (t *Tracker) Clear(ctx context.Context, id, by string) (academic.CarryoverCourse, error) {
	return t.store.ClearCarryover(ctx, id, by, t.now().UTC())
}
