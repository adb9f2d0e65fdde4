package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/computation"
	"github.com/mind-engage/mindengage-results/internal/db/dbtest"
	"github.com/mind-engage/mindengage-results/internal/standing"
)

// flakyCatalog fails semester lookups while down is set.
type flakyCatalog struct {
	academic.Store
	down atomic.Bool
}

func (s *flakyCatalog) GetSemester(ctx context.Context, id string) (academic.Semester, error) {
	if s.down.Load() {
		return academic.Semester{}, errors.New("connection reset by peer")
	}
	return s.Store.GetSemester(ctx, id)
}

func TestDispatcher_AutomaticRetryKeepsPredecessorGuard(t *testing.T) {
	dbh := dbtest.Open(t)
	dbtest.NewSeeder(t, dbh).
		Department("d1").
		Semester("sem1", 1, 1).
		Semester("sem2", 2, 2).
		Course("c1", "MTH101", "d1", 3, 100, 2, true).
		Student("s1", "M001", "d1", 100).
		Result("r1", "s1", "c1", "sem2", 70)
	store := &flakyCatalog{Store: academic.NewSQLStore(dbh)}
	summaries := computation.NewSQLSummaryStore(dbh)
	clk := newClock()
	proc := computation.NewProcessor(store, summaries, computation.Options{Policy: standing.DefaultPolicy(), Now: clk.Now})
	q := NewMemoryQueue(clk.Now)
	d := New(q, proc, store, Config{WorkerID: "test"}, WithClock(clk.Now))
	ctx := context.Background()

	job := testJob("j1", "d1")
	job.SemesterID = "sem2"
	require.NoError(t, q.Enqueue(ctx, job))
	claimAndRun := func() Job {
		t.Helper()
		j, ok, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		d.execute(ctx, "w1", j)
		j, err = q.Get(ctx, "j1")
		require.NoError(t, err)
		return j
	}

	store.down.Store(true)
	j := claimAndRun()
	assert.Equal(t, computation.StatusPending, j.Status)
	assert.Contains(t, j.LastError, computation.ReasonLoadFailed)

	store.down.Store(false)
	clk.Advance(5 * time.Second)
	j = claimAndRun()
	assert.Equal(t, computation.StatusFailed, j.Status)
	assert.Contains(t, j.LastError, computation.ReasonMissingPredecessor)
	_, err := store.GetSemesterRecord(ctx, "s1", "sem2")
	assert.ErrorIs(t, err, academic.ErrNotFound)

	// the operator retry is the one path past the guard
	n, err := d.RetryFailed(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	j = claimAndRun()
	assert.Equal(t, computation.StatusCompleted, j.Status)
	assert.True(t, j.IsRetry)
}
