package http_test

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-results/internal/academic"
	api "github.com/mind-engage/mindengage-results/internal/api/http"
	"github.com/mind-engage/mindengage-results/internal/carryover"
	"github.com/mind-engage/mindengage-results/internal/db/dbtest"
)

func TestStudentSemesterAndClear(t *testing.T) {
	dbh := dbtest.Open(t)
	dbtest.NewSeeder(t, dbh).
		Department("d1").
		Semester("sem1", 1, 1).
		Course("c1", "MTH101", "d1", 3, 100, 1, true).
		Student("s1", "M001", "d1", 100).
		Record("s1", "sem1", 1, 12, 6, "pass")
	store := academic.NewSQLStore(dbh)
	ctx := context.Background()
	require.NoError(t, store.InsertCarryover(ctx, academic.CarryoverCourse{
		ID: "co1", StudentID: "s1", CourseID: "c1", SemesterID: "sem1", Reason: academic.ReasonFailed,
	}))
	tracker := carryover.NewTracker(store, func() time.Time { return time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC) })

	r := chi.NewRouter()
	r.Use(withSubject("hod-1"))
	r.Get("/gpa/student/{studentID}/semester/{semesterID}", api.StudentSemesterHandler(store))
	r.Patch("/carryovers/{id}/clear", api.ClearCarryoverHandler(tracker))

	rec := do(r, nethttp.MethodGet, "/gpa/student/s1/semester/sem1", "")
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Record     academic.SemesterRecord    `json:"record"`
		Carryovers []academic.CarryoverCourse `json:"carryovers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 12, body.Record.CumulativeTCP)
	require.Len(t, body.Carryovers, 1)
	assert.Equal(t, "MTH101", body.Carryovers[0].CourseCode)

	assert.Equal(t, nethttp.StatusNotFound, do(r, nethttp.MethodGet, "/gpa/student/nobody/semester/sem1", "").Code)
	assert.Equal(t, nethttp.StatusNotFound, do(r, nethttp.MethodGet, "/gpa/student/s1/semester/sem9", "").Code)

	rec = do(r, nethttp.MethodPatch, "/carryovers/co1/clear", "")
	require.Equal(t, nethttp.StatusOK, rec.Code, rec.Body.String())
	var cleared academic.CarryoverCourse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cleared))
	assert.True(t, cleared.Cleared)
	assert.Equal(t, "hod-1", cleared.ClearedBy)

	rec = do(r, nethttp.MethodGet, "/gpa/student/s1/semester/sem1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Carryovers)

	assert.Equal(t, nethttp.StatusNotFound, do(r, nethttp.MethodPatch, "/carryovers/nope/clear", "").Code)
}

func TestHealthAndReady(t *testing.T) {
	dbh := dbtest.Open(t)
	r := chi.NewRouter()
	r.Get("/healthz", api.HealthHandler())
	r.Get("/readyz", api.ReadyHandler(dbh))

	assert.Equal(t, nethttp.StatusOK, do(r, nethttp.MethodGet, "/healthz", "").Code)
	assert.Equal(t, nethttp.StatusOK, do(r, nethttp.MethodGet, "/readyz", "").Code)
	require.NoError(t, dbh.Close())
	assert.Equal(t, nethttp.StatusServiceUnavailable, do(r, nethttp.MethodGet, "/readyz", "").Code)
}
