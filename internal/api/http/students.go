package http

import (
	"context"
	nethttp "net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-results/internal/academic"
	authmw "github.com/mind-engage/mindengage-results/internal/auth/middleware"
)

type StudentReader interface {
	GetStudent(ctx context.Context, id string) (academic.Student, error)
	GetSemesterRecord(ctx context.Context, studentID, semesterID string) (academic.SemesterRecord, error)
	ListUnclearedCarryovers(ctx context.Context, studentIDs []string) (map[string][]academic.CarryoverCourse, error)
}

type CarryoverClearer interface {
	Clear(ctx context.Context, id, by string) (academic.CarryoverCourse, error)
}

// GET /gpa/student/{studentID}/semester/{semesterID}
func StudentSemesterHandler(store StudentReader) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx := r.Context()
		studentID := chi.URLParam(r, "studentID")
		st, err := store.GetStudent(ctx, studentID)
		if err != nil {
			writeError(w, err)
			return
		}
		rec, err := store.GetSemesterRecord(ctx, studentID, chi.URLParam(r, "semesterID"))
		if err != nil {
			writeError(w, err)
			return
		}
		carry, err := store.ListUnclearedCarryovers(ctx, []string{studentID})
		if err != nil {
			writeError(w, err)
			return
		}
		outstanding := carry[studentID]
		if outstanding == nil {
			outstanding = []academic.CarryoverCourse{}
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"student":    st,
			"record":     rec,
			"carryovers": outstanding,
		})
	}
}

// PATCH /carryovers/{id}/clear
func ClearCarryoverHandler(tracker CarryoverClearer) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		by := authmw.SubjectFromContext(r.Context())
		c, err := tracker.Clear(r.Context(), chi.URLParam(r, "id"), by)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nethttp.StatusOK, c)
	}
}
