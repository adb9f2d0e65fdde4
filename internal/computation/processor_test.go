package computation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/computation"
	"github.com/mind-engage/mindengage-results/internal/db/dbtest"
	"github.com/mind-engage/mindengage-results/internal/standing"
	"github.com/mind-engage/mindengage-results/internal/storage"
)

var fixedNow = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	seed      *dbtest.Seeder
	store     *academic.SQLStore
	summaries *computation.SQLSummaryStore
}

func newFixture(t *testing.T) *fixture {
	dbh := dbtest.Open(t)
	return &fixture{
		seed:      dbtest.NewSeeder(t, dbh),
		store:     academic.NewSQLStore(dbh),
		summaries: computation.NewSQLSummaryStore(dbh),
	}
}

// seedLevel100 creates one department with three students:
// s1 passes well, s2 fails the only course, s3 skipped a required course.
func (f *fixture) seedLevel100() {
	f.seed.
		Department("d1").
		Semester("sem1", 1, 1).
		Semester("sem2", 2, 2).
		Course("c1", "MTH101", "d1", 3, 100, 1, true).
		Course("c2", "PHY101", "d1", 2, 100, 1, false).
		Course("c3", "MTH102", "d1", 3, 100, 2, true).
		Student("s1", "M001", "d1", 100).
		Student("s2", "M002", "d1", 100).
		Student("s3", "M003", "d1", 100).
		Result("r1", "s1", "c1", "sem1", 72).
		Result("r2", "s1", "c2", "sem1", 55).
		Result("r3", "s2", "c1", "sem1", 30)
}

type progressLog struct {
	mu     sync.Mutex
	values []int
	onCall func(percent int)
}

func (p *progressLog) Progress(_ context.Context, _ string, percent int) error {
	p.mu.Lock()
	p.values = append(p.values, percent)
	p.mu.Unlock()
	if p.onCall != nil {
		p.onCall(percent)
	}
	return nil
}

func (f *fixture) processor(store academic.Store, opts computation.Options) *computation.Processor {
	if store == nil {
		store = f.store
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return fixedNow }
	}
	if opts.Policy == (standing.Policy{}) {
		opts.Policy = standing.DefaultPolicy()
	}
	return computation.NewProcessor(store, f.summaries, opts)
}

func request(sem string, purpose computation.Purpose) computation.Request {
	return computation.Request{
		JobID: "job-1", DepartmentID: "d1", SemesterID: sem, Purpose: purpose,
		MasterComputationID: "master-1", ComputedBy: "registrar",
	}
}

func ids(entries []computation.StudentEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.StudentID)
	}
	return out
}

func TestProcess_FinalRun(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	blobs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	progress := &progressLog{}
	p := f.processor(nil, computation.Options{Reporter: progress, Archiver: storage.NewSheetArchiver(blobs)})
	ctx := context.Background()

	sum, err := p.Process(ctx, request("sem1", computation.PurposeFinal))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)
	assert.Equal(t, 3, sum.TotalStudents)
	assert.Equal(t, 3, sum.ProcessedStudents)
	assert.Zero(t, sum.FailedStudents)
	assert.Empty(t, sum.Errors)
	require.NotNil(t, sum.CompletedAt)
	assert.Equal(t, 100, progress.values[len(progress.values)-1])

	lvl := sum.Levels[100]
	require.NotNil(t, lvl)
	assert.Equal(t, []string{"s1", "s3"}, ids(lvl.Pass))
	assert.Equal(t, []string{"s2"}, ids(lvl.Withdrawal))
	assert.Empty(t, lvl.Probation)
	assert.Empty(t, lvl.Termination)
	assert.Equal(t, 3, lvl.Listed())
	assert.Equal(t, standing.SecondClassUpper, lvl.Pass[0].DegreeClass)
	assert.Equal(t, map[string]int{"A": 1, "B": 0, "C": 1, "D": 0, "F": 1}, lvl.GradeDistribution)
	assert.Equal(t, 2, lvl.GPA.Count)
	require.NotNil(t, lvl.GPA.Average)
	assert.InDelta(t, 2.1, *lvl.GPA.Average, 1e-9)
	assert.InDelta(t, 4.2, *lvl.GPA.Highest, 1e-9)
	assert.InDelta(t, 0.0, *lvl.GPA.Lowest, 1e-9)
	assert.Equal(t, 2, lvl.Carryovers.Total)
	assert.Equal(t, 2, lvl.Carryovers.StudentsWithCarryovers)
	assert.Equal(t, map[string]int{"MTH101": 2}, lvl.Carryovers.ByCourse)

	sheet := sum.MasterSheetDataByLevel[100]
	require.NotNil(t, sheet)
	assert.Equal(t, []string{"MTH101", "PHY101"}, sheet.Courses)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, 21, sheet.Rows[0].TCP)

	require.True(t, strings.HasPrefix(sum.MasterSheetURI, "file://"), sum.MasterSheetURI)
	_, err = os.Stat(strings.TrimPrefix(sum.MasterSheetURI, "file://"))
	assert.NoError(t, err)

	s1, err := f.store.GetStudent(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s1.GPA)
	assert.InDelta(t, 4.2, *s1.GPA, 1e-9)
	assert.Equal(t, standing.StatusNone, s1.ProbationStatus)

	s2, err := f.store.GetStudent(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, standing.StatusWithdrawal, s2.ProbationStatus)
	assert.Equal(t, 1, s2.TotalCarryovers)

	carry, err := f.store.ListUnclearedCarryovers(ctx, []string{"s2", "s3"})
	require.NoError(t, err)
	require.Len(t, carry["s2"], 1)
	assert.Equal(t, academic.ReasonFailed, carry["s2"][0].Reason)
	require.Len(t, carry["s3"], 1)
	assert.Equal(t, academic.ReasonNotRegistered, carry["s3"][0].Reason)

	rec, err := f.store.GetSemesterRecord(ctx, "s1", "sem1")
	require.NoError(t, err)
	assert.Equal(t, 21, rec.CumulativeTCP)
	assert.Equal(t, "master-1", rec.ComputationID)

	stored, err := f.summaries.Get(ctx, "d1", "sem1", computation.PurposeFinal)
	require.NoError(t, err)
	assert.Equal(t, sum.ID, stored.ID)
	assert.Equal(t, computation.StatusCompleted, stored.Status)
	assert.Equal(t, []string{"s1", "s3"}, ids(stored.Levels[100].Pass))
	assert.Equal(t, sum.MasterSheetURI, stored.MasterSheetURI)
}

func TestProcess_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	p := f.processor(nil, computation.Options{})
	ctx := context.Background()

	first, err := p.Process(ctx, request("sem1", computation.PurposeFinal))
	require.NoError(t, err)
	req := request("sem1", computation.PurposeFinal)
	req.IsRetry = true
	second, err := p.Process(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Levels, second.Levels)

	s2, err := f.store.GetStudent(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 1, s2.TotalCarryovers)
	carry, err := f.store.ListUnclearedCarryovers(ctx, []string{"s2"})
	require.NoError(t, err)
	assert.Len(t, carry["s2"], 1)

	rec, err := f.store.GetSemesterRecord(ctx, "s1", "sem1")
	require.NoError(t, err)
	assert.Equal(t, 21, rec.CumulativeTCP, "cumulative totals must not double")
}

func TestProcess_NextSemesterFoldsForwardAndClearsCarryover(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	p := f.processor(nil, computation.Options{})
	ctx := context.Background()

	_, err := p.Process(ctx, request("sem1", computation.PurposeFinal))
	require.NoError(t, err)

	// s2 retakes MTH101 in the second semester and passes it
	f.seed.Result("r4", "s2", "c1", "sem2", 65).
		Result("r5", "s1", "c3", "sem2", 80).
		Result("r6", "s3", "c3", "sem2", 50).
		Result("r7", "s2", "c3", "sem2", 60)
	sum, err := p.Process(ctx, request("sem2", computation.PurposeFinal))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)

	s2, err := f.store.GetStudent(ctx, "s2")
	require.NoError(t, err)
	assert.Zero(t, s2.TotalCarryovers)
	// sem1: 0/3, sem2: 24/6
	require.NotNil(t, s2.CGPA)
	assert.InDelta(t, 2.67, *s2.CGPA, 1e-9)

	rec, err := f.store.GetSemesterRecord(ctx, "s1", "sem2")
	require.NoError(t, err)
	assert.Equal(t, 36, rec.CumulativeTCP)
	assert.Equal(t, 8, rec.CumulativeTNU)

	// s2 was withdrawn after sem1 and recovered; s3 still owes MTH101
	assert.Contains(t, ids(sum.Levels[100].Pass), "s2")
	s3, err := f.store.GetStudent(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, 1, s3.TotalCarryovers)
}

func TestProcess_CommittedLaterSemesterRejectsRerun(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	f.seed.Result("r4", "s2", "c1", "sem2", 65).
		Result("r7", "s2", "c3", "sem2", 60)
	p := f.processor(nil, computation.Options{})
	ctx := context.Background()

	_, err := p.Process(ctx, request("sem1", computation.PurposeFinal))
	require.NoError(t, err)
	_, err = p.Process(ctx, request("sem2", computation.PurposeFinal))
	require.NoError(t, err)

	for _, retry := range []bool{false, true} {
		req := request("sem1", computation.PurposeFinal)
		req.IsRetry = retry
		sum, err := p.Process(ctx, req)
		var cerr *computation.Error
		require.True(t, errors.As(err, &cerr), "retry=%v", retry)
		assert.Equal(t, computation.ReasonSuperseded, cerr.Reason)
		assert.Equal(t, computation.StatusFailed, sum.Status)
	}

	s2, err := f.store.GetStudent(ctx, "s2")
	require.NoError(t, err)
	require.NotNil(t, s2.CGPA)
	assert.InDelta(t, 2.67, *s2.CGPA, 1e-9)
	assert.Equal(t, "none", s2.ProbationStatus)

	stored, err := f.summaries.Get(ctx, "d1", "sem1", computation.PurposeFinal)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, stored.Status)

	// preview never touches students, so it may still look back
	sum, err := p.Process(ctx, request("sem1", computation.PurposePreview))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)
}

func TestProcessor_AbandonFailsLostRun(t *testing.T) {
	f := newFixture(t)
	p := f.processor(nil, computation.Options{})
	ctx := context.Background()

	lost := computation.Summary{DepartmentID: "d1", SemesterID: "sem1", Purpose: computation.PurposeFinal,
		MasterComputationID: "master-1", StartedAt: fixedNow}
	require.NoError(t, f.summaries.Start(ctx, &lost))

	other := request("sem1", computation.PurposeFinal)
	other.MasterComputationID = "master-0"
	require.NoError(t, p.Abandon(ctx, other, "lease expired"))
	got, err := f.summaries.Get(ctx, "d1", "sem1", computation.PurposeFinal)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusProcessing, got.Status)

	require.NoError(t, p.Abandon(ctx, request("sem1", computation.PurposeFinal), "lease expired"))
	got, err = f.summaries.Get(ctx, "d1", "sem1", computation.PurposeFinal)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "lease expired")
	require.Len(t, got.Errors, 1)
	assert.Equal(t, computation.KindDepartment, got.Errors[0].Kind)
	require.NotNil(t, got.CompletedAt)

	require.NoError(t, p.Abandon(ctx, request("sem2", computation.PurposeFinal), "lease expired"))
}

func TestProcess_ZeroStudentsCompletes(t *testing.T) {
	f := newFixture(t)
	f.seed.Department("d1").Semester("sem1", 1, 1)
	p := f.processor(nil, computation.Options{})

	sum, err := p.Process(context.Background(), request("sem1", computation.PurposeFinal))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)
	assert.Zero(t, sum.TotalStudents)
	assert.Empty(t, sum.Levels)
}

func TestProcess_MissingPredecessor(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	p := f.processor(nil, computation.Options{})
	ctx := context.Background()

	sum, err := p.Process(ctx, request("sem2", computation.PurposeFinal))
	require.Error(t, err)
	var cerr *computation.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, computation.KindDepartment, cerr.Kind)
	assert.Equal(t, computation.ReasonMissingPredecessor, cerr.Reason)
	assert.Equal(t, computation.StatusFailed, sum.Status)
	assert.NotEmpty(t, sum.ErrorMessage)

	stored, err := f.summaries.Get(ctx, "d1", "sem2", computation.PurposeFinal)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusFailed, stored.Status)

	req := request("sem2", computation.PurposeFinal)
	req.IsRetry = true
	sum, err = p.Process(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)
}

func TestProcess_CommittedPredecessorSatisfiesGuard(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	f.seed.CommittedSummary("d1", "sem1")
	p := f.processor(nil, computation.Options{})

	sum, err := p.Process(context.Background(), request("sem2", computation.PurposeFinal))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)
}

func TestProcess_UnknownDepartment(t *testing.T) {
	f := newFixture(t)
	f.seed.Semester("sem1", 1, 1)
	p := f.processor(nil, computation.Options{})

	_, err := p.Process(context.Background(), request("sem1", computation.PurposeFinal))
	var cerr *computation.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, computation.ReasonNotFound, cerr.Reason)
}

func TestProcess_PreviewDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	p := f.processor(nil, computation.Options{})
	ctx := context.Background()

	sum, err := p.Process(ctx, request("sem1", computation.PurposePreview))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompleted, sum.Status)
	assert.Equal(t, []string{"s2"}, ids(sum.Levels[100].Withdrawal))
	assert.Equal(t, 1, sum.Levels[100].Withdrawal[0].Carryovers)

	s2, err := f.store.GetStudent(ctx, "s2")
	require.NoError(t, err)
	assert.Nil(t, s2.GPA)
	assert.Zero(t, s2.TotalCarryovers)
	carry, err := f.store.ListUnclearedCarryovers(ctx, []string{"s2", "s3"})
	require.NoError(t, err)
	assert.Empty(t, carry)

	_, err = f.summaries.Get(ctx, "d1", "sem1", computation.PurposeFinal)
	assert.ErrorIs(t, err, academic.ErrNotFound)
	_, err = f.summaries.Get(ctx, "d1", "sem1", computation.PurposePreview)
	assert.NoError(t, err)
}

func TestProcess_CancelAtBatchBoundary(t *testing.T) {
	f := newFixture(t)
	f.seed.Department("d1").Semester("sem1", 1, 1).Course("c1", "MTH101", "d1", 3, 100, 1, false)
	for i := 0; i < 150; i++ {
		id := fmt.Sprintf("s%03d", i)
		f.seed.Student(id, "M"+id, "d1", 100).Result("r"+id, id, "c1", "sem1", 60)
	}
	token := computation.NewCancelToken()
	progress := &progressLog{onCall: func(int) { token.Cancel() }}
	p := f.processor(nil, computation.Options{BatchSize: 100, Reporter: progress})

	req := request("sem1", computation.PurposeFinal)
	req.Cancel = token
	sum, err := p.Process(context.Background(), req)
	require.ErrorIs(t, err, computation.ErrCancelled)
	assert.Equal(t, computation.StatusCancelled, sum.Status)
	assert.Equal(t, 150, sum.TotalStudents)
	assert.Equal(t, 100, sum.ProcessedStudents)
	assert.Equal(t, 100, sum.Levels[100].Listed())

	stored, err := f.summaries.Get(context.Background(), "d1", "sem1", computation.PurposeFinal)
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCancelled, stored.Status)

	// the first batch was written before stopping
	st, err := f.store.GetStudent(context.Background(), "s099")
	require.NoError(t, err)
	assert.NotNil(t, st.GPA)
	st, err = f.store.GetStudent(context.Background(), "s100")
	require.NoError(t, err)
	assert.Nil(t, st.GPA)
}

// faultyStore injects write failures and panics for chosen students.
type faultyStore struct {
	academic.Store
	rejectWrite string
	panicOn     string
}

func (s *faultyStore) ApplyStudentUpdates(ctx context.Context, updates []academic.StudentUpdate) ([]academic.UpdateFailure, error) {
	var (
		keep     []academic.StudentUpdate
		failures []academic.UpdateFailure
	)
	for _, u := range updates {
		if u.StudentID == s.rejectWrite {
			failures = append(failures, academic.UpdateFailure{StudentID: u.StudentID, Err: errors.New("write conflict")})
			continue
		}
		keep = append(keep, u)
	}
	more, err := s.Store.ApplyStudentUpdates(ctx, keep)
	return append(failures, more...), err
}

func (s *faultyStore) InsertCarryover(ctx context.Context, c academic.CarryoverCourse) error {
	if c.StudentID == s.panicOn {
		panic("corrupt row")
	}
	return s.Store.InsertCarryover(ctx, c)
}

func TestProcess_StudentFailuresAreIsolated(t *testing.T) {
	f := newFixture(t)
	f.seedLevel100()
	store := &faultyStore{Store: f.store, rejectWrite: "s1", panicOn: "s3"}
	p := f.processor(store, computation.Options{})

	sum, err := p.Process(context.Background(), request("sem1", computation.PurposeFinal))
	require.NoError(t, err)
	assert.Equal(t, computation.StatusCompletedWithErrors, sum.Status)
	assert.Equal(t, 3, sum.ProcessedStudents)
	assert.Equal(t, 2, sum.FailedStudents)
	require.Len(t, sum.Errors, 2)

	failed := map[string]string{}
	for _, e := range sum.Errors {
		assert.Equal(t, computation.KindStudent, e.Kind)
		failed[e.StudentID] = e.Reason
	}
	assert.Equal(t, computation.ReasonWriteFailed, failed["s1"])
	assert.Equal(t, computation.ReasonComputeFailed, failed["s3"])

	lvl := sum.Levels[100]
	assert.Equal(t, 1, lvl.Listed())
	assert.Equal(t, []string{"s2"}, ids(lvl.Withdrawal))
	assert.Equal(t, sum.ProcessedStudents-sum.FailedStudents, lvl.Listed())
}
