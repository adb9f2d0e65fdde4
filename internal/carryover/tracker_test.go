package carryover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/db/dbtest"
	"github.com/mind-engage/mindengage-results/internal/grading"
)

func graded(rs ...academic.Result) []grading.GradedResult { return grading.GradeResults(rs) }

func TestPlanFor(t *testing.T) {
	plan := PlanFor(Input{
		StudentID:  "s1",
		SemesterID: "sem2",
		Results: graded(
			academic.Result{CourseID: "math101", CourseCode: "MTH101", Score: 38, CourseUnit: 3},
			academic.Result{CourseID: "phy101", CourseCode: "PHY101", Score: 66, CourseUnit: 2},
		),
		Required: []academic.Course{
			{ID: "math101", Code: "MTH101"},
			{ID: "chm101", Code: "CHM101"},
		},
		Uncleared: []academic.CarryoverCourse{
			{ID: "co1", CourseID: "phy101", CourseCode: "PHY101", SemesterID: "sem1"},
			{ID: "co2", CourseID: "bio101", CourseCode: "BIO101", SemesterID: "sem1"},
		},
	})

	require.Len(t, plan.Upserts, 2)
	assert.Equal(t, "math101", plan.Upserts[0].CourseID)
	assert.Equal(t, academic.ReasonFailed, plan.Upserts[0].Reason)
	assert.Equal(t, "chm101", plan.Upserts[1].CourseID)
	assert.Equal(t, academic.ReasonNotRegistered, plan.Upserts[1].Reason)
	assert.Equal(t, []string{"phy101"}, plan.Clears)
	assert.Equal(t, 3, plan.Uncleared)
	assert.Equal(t, []string{"BIO101", "CHM101", "MTH101"}, plan.Outstanding)
}

func TestPlanFor_RetakeOfFailedCourseInSameSemesterCountsOnce(t *testing.T) {
	plan := PlanFor(Input{
		StudentID:  "s1",
		SemesterID: "sem2",
		Results:    graded(academic.Result{CourseID: "math101", CourseCode: "MTH101", Score: 20, CourseUnit: 3}),
		Uncleared:  []academic.CarryoverCourse{{CourseID: "math101", CourseCode: "MTH101", SemesterID: "sem2"}},
	})
	assert.Equal(t, 1, plan.Uncleared)
	assert.Empty(t, plan.Clears)
}

type fakeStore struct {
	rows      map[string]academic.CarryoverCourse
	insertErr map[string]error
	cleared   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]academic.CarryoverCourse{}, insertErr: map[string]error{}}
}

func key(c academic.CarryoverCourse) string { return c.StudentID + "|" + c.CourseID + "|" + c.SemesterID }

func (f *fakeStore) InsertCarryover(_ context.Context, c academic.CarryoverCourse) error {
	if err := f.insertErr[c.CourseID]; err != nil {
		return err
	}
	if _, ok := f.rows[key(c)]; ok {
		return academic.ErrDuplicate
	}
	f.rows[key(c)] = c
	return nil
}

func (f *fakeStore) ClearCourseCarryovers(_ context.Context, studentID, courseID, _, _ string, _ time.Time) (int, error) {
	n := 0
	for k, c := range f.rows {
		if c.StudentID == studentID && c.CourseID == courseID && !c.Cleared {
			c.Cleared = true
			f.rows[k] = c
			n++
		}
	}
	f.cleared = append(f.cleared, courseID)
	return n, nil
}

func (f *fakeStore) ClearCarryover(_ context.Context, id, _ string, _ time.Time) (academic.CarryoverCourse, error) {
	return academic.CarryoverCourse{}, academic.ErrNotFound
}

func (f *fakeStore) CountUnclearedCarryovers(_ context.Context, studentID string) (int, error) {
	n := 0
	for _, c := range f.rows {
		if c.StudentID == studentID && !c.Cleared {
			n++
		}
	}
	return n, nil
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	tr := NewTracker(store, nil)
	plan := Plan{
		StudentID: "s1", SemesterID: "sem1",
		Upserts: []academic.CarryoverCourse{
			{StudentID: "s1", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonFailed},
		},
	}

	first, err := tr.Apply(context.Background(), plan, "registrar")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Inserted)
	assert.Equal(t, 1, first.Uncleared)

	again, err := tr.Apply(context.Background(), plan, "registrar")
	require.NoError(t, err)
	assert.Zero(t, again.Inserted)
	assert.Equal(t, 1, again.AlreadyApplied)
	assert.Empty(t, again.Failures)
	assert.Equal(t, 1, again.Uncleared)
}

func TestApply_FailureDoesNotAbortStudent(t *testing.T) {
	store := newFakeStore()
	boom := errors.New("disk full")
	store.insertErr["c1"] = boom
	tr := NewTracker(store, nil)

	out, err := tr.Apply(context.Background(), Plan{
		StudentID: "s1", SemesterID: "sem1",
		Upserts: []academic.CarryoverCourse{
			{StudentID: "s1", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonFailed},
			{StudentID: "s1", CourseID: "c2", SemesterID: "sem1", Reason: academic.ReasonNotRegistered},
		},
		Clears: []string{"c9"},
	}, "registrar")
	require.NoError(t, err)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "c1", out.Failures[0].CourseID)
	assert.ErrorIs(t, out.Failures[0], boom)
	assert.Equal(t, 1, out.Inserted)
	assert.Equal(t, []string{"c9"}, store.cleared)
	assert.Equal(t, 1, out.Uncleared)
}

func TestApply_SQLite_DuplicateKeepsOriginalReason(t *testing.T) {
	dbh := dbtest.Open(t)
	dbtest.NewSeeder(t, dbh).
		Department("d1").
		Semester("sem1", 1, 1).
		Course("c1", "MTH101", "d1", 3, 100, 1, true).
		Student("s1", "M001", "d1", 100)
	store := academic.NewSQLStore(dbh)
	tr := NewTracker(store, nil)
	ctx := context.Background()

	_, err := tr.Apply(ctx, Plan{StudentID: "s1", SemesterID: "sem1", Upserts: []academic.CarryoverCourse{
		{StudentID: "s1", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonNotRegistered},
	}}, "registrar")
	require.NoError(t, err)
	out, err := tr.Apply(ctx, Plan{StudentID: "s1", SemesterID: "sem1", Upserts: []academic.CarryoverCourse{
		{StudentID: "s1", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonFailed},
	}}, "registrar")
	require.NoError(t, err)
	assert.Equal(t, 1, out.AlreadyApplied)

	rows, err := store.ListUnclearedCarryovers(ctx, []string{"s1"})
	require.NoError(t, err)
	require.Len(t, rows["s1"], 1)
	assert.Equal(t, academic.ReasonNotRegistered, rows["s1"][0].Reason)
	assert.Equal(t, "MTH101", rows["s1"][0].CourseCode)

	cleared, err := tr.Clear(ctx, rows["s1"][0].ID, "hod")
	require.NoError(t, err)
	assert.True(t, cleared.Cleared)
	assert.Equal(t, "hod", cleared.ClearedBy)

	again, err := tr.Clear(ctx, rows["s1"][0].ID, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "hod", again.ClearedBy)
}
