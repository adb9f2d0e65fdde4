package academic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/db/dbtest"
)

func seeded(t *testing.T) *academic.SQLStore {
	dbh := dbtest.Open(t)
	dbtest.NewSeeder(t, dbh).
		Department("d1").
		Semester("sem1", 1, 1).
		Semester("sem2", 2, 2).
		Semester("sem3", 1, 3).
		Course("c1", "MTH101", "d1", 3, 100, 1, true).
		Course("c2", "PHY101", "d1", 2, 100, 1, false).
		Course("c3", "MTH102", "d1", 3, 100, 2, true).
		Student("s1", "M001", "d1", 100).
		Student("s2", "M002", "d1", 100).
		Student("s3", "M003", "d1", 100).
		Result("r1", "s1", "c1", "sem1", 72).
		Result("r2", "s1", "c2", "sem1", 55).
		Result("r3", "s2", "c1", "sem1", 30).
		DeleteResult("r3").
		Record("s1", "sem1", 1, 21, 5, "pass").
		Record("s1", "sem2", 2, 40, 10, "probation")
	return academic.NewSQLStore(dbh)
}

func TestSQLStore_SemesterOrder(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	prev, ok, err := s.PreviousSemester(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sem2", prev.ID)

	_, ok, err = s.PreviousSemester(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.GetSemester(ctx, "nope")
	assert.ErrorIs(t, err, academic.ErrNotFound)
}

func TestSQLStore_ListStudentsKeyset(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	n, err := s.CountStudents(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := s.ListStudents(ctx, "d1", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "s2", page[1].ID)

	page, err = s.ListStudents(ctx, "d1", page[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "s3", page[0].ID)
}

func TestSQLStore_ListResultsSkipsDeleted(t *testing.T) {
	s := seeded(t)
	res, err := s.ListResults(context.Background(), "sem1", []string{"s1", "s2"})
	require.NoError(t, err)
	require.Len(t, res["s1"], 2)
	assert.Equal(t, "MTH101", res["s1"][0].CourseCode)
	assert.Equal(t, 3, res["s1"][0].CourseUnit)
	assert.Empty(t, res["s2"])
}

func TestSQLStore_RequiredCourses(t *testing.T) {
	s := seeded(t)
	cs, err := s.ListRequiredCourses(context.Background(), "d1", 100, 1)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.Equal(t, "c1", cs[0].ID)
	assert.True(t, cs[0].Required)
}

func TestSQLStore_ListPriorRecordsTakesLatestBefore(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	recs, err := s.ListPriorRecords(ctx, []string{"s1", "s2"}, 3)
	require.NoError(t, err)
	require.Contains(t, recs, "s1")
	assert.Equal(t, "sem2", recs["s1"].SemesterID)
	assert.Equal(t, 40, recs["s1"].CumulativeTCP)
	assert.NotContains(t, recs, "s2")

	recs, err = s.ListPriorRecords(ctx, []string{"s1"}, 2)
	require.NoError(t, err)
	assert.Equal(t, "sem1", recs["s1"].SemesterID)
}

func TestSQLStore_ApplyStudentUpdatesIsolatesFailures(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	gpa, cgpa := 4.2, 3.9

	failures, err := s.ApplyStudentUpdates(ctx, []academic.StudentUpdate{
		{
			StudentID: "s1", GPA: &gpa, CGPA: &cgpa, ProbationStatus: "none", TerminationStatus: "none",
			Standing: "pass", TotalCarryovers: 1,
			Record: academic.SemesterRecord{SemesterID: "sem3", SemesterSeq: 3, TCP: 21, TNU: 5, GPA: &gpa,
				CumulativeTCP: 61, CumulativeTNU: 15, CGPA: &cgpa, Standing: "pass", Carryovers: 1,
				ComputationID: "m1", UpdatedAt: time.Now()},
		},
		{StudentID: "ghost", Record: academic.SemesterRecord{SemesterID: "sem3", SemesterSeq: 3}},
	})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "ghost", failures[0].StudentID)
	assert.ErrorIs(t, failures[0].Err, academic.ErrNotFound)

	st, err := s.GetStudent(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, st.GPA)
	assert.InDelta(t, 4.2, *st.GPA, 1e-9)
	assert.Equal(t, 1, st.TotalCarryovers)

	rec, err := s.GetSemesterRecord(ctx, "s1", "sem3")
	require.NoError(t, err)
	assert.Equal(t, 61, rec.CumulativeTCP)
	assert.Equal(t, "m1", rec.ComputationID)

	// rerunning the semester overwrites the record
	cgpa2 := 3.5
	_, err = s.ApplyStudentUpdates(ctx, []academic.StudentUpdate{{
		StudentID: "s1", CGPA: &cgpa2, ProbationStatus: "none", TerminationStatus: "none", Standing: "pass",
		Record: academic.SemesterRecord{SemesterID: "sem3", SemesterSeq: 3, CGPA: &cgpa2, Standing: "pass", ComputationID: "m2"},
	}})
	require.NoError(t, err)
	rec, err = s.GetSemesterRecord(ctx, "s1", "sem3")
	require.NoError(t, err)
	assert.Equal(t, "m2", rec.ComputationID)
}

func TestSQLStore_ClearCarryoverRecountsStudent(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	require.NoError(t, s.InsertCarryover(ctx, academic.CarryoverCourse{
		ID: "co1", StudentID: "s2", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonFailed,
	}))
	assert.ErrorIs(t, s.InsertCarryover(ctx, academic.CarryoverCourse{
		StudentID: "s2", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonNotRegistered,
	}), academic.ErrDuplicate)

	n, err := s.CountUnclearedCarryovers(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := s.ClearCarryover(ctx, "co1", "hod", time.Now())
	require.NoError(t, err)
	assert.True(t, c.Cleared)
	require.NotNil(t, c.ClearedAt)

	st, err := s.GetStudent(ctx, "s2")
	require.NoError(t, err)
	assert.Zero(t, st.TotalCarryovers)

	_, err = s.ClearCarryover(ctx, "missing", "hod", time.Now())
	assert.ErrorIs(t, err, academic.ErrNotFound)
}
