package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	authmw "github.com/mind-engage/mindengage-results/internal/auth/middleware"
	"github.com/mind-engage/mindengage-results/internal/computation"
	"github.com/mind-engage/mindengage-results/internal/dispatch"
)

// Computations is the control surface of the dispatcher.
type Computations interface {
	EnqueueAll(ctx context.Context, req dispatch.EnqueueRequest) (string, []dispatch.Job, error)
	Status(ctx context.Context, masterID string) (dispatch.Master, []dispatch.Job, error)
	Cancel(ctx context.Context, masterID string) (int, error)
	RetryFailed(ctx context.Context, masterID string) (int, error)
	History(ctx context.Context, page, limit int) ([]dispatch.Master, int, error)
}

type SummaryReader interface {
	Get(ctx context.Context, departmentID, semesterID string, purpose computation.Purpose) (computation.Summary, error)
	List(ctx context.Context, f computation.ListFilter) ([]computation.Summary, int, error)
}

// POST /computations/compute-all  { "semester_id": "...", "purpose": "final|preview", "department_ids": [...] }
func ComputeAllHandler(svc Computations) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var req dispatch.EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SemesterID) == "" {
			nethttp.Error(w, "bad json", nethttp.StatusBadRequest)
			return
		}
		req.ComputedBy = authmw.SubjectFromContext(r.Context())
		masterID, jobs, err := svc.EnqueueAll(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nethttp.StatusAccepted, map[string]any{
			"master_computation_id": masterID,
			"status":                computation.StatusPending,
			"jobs":                  len(jobs),
		})
	}
}

// GET /computations/status/{masterID}
func StatusHandler(svc Computations) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		m, jobs, err := svc.Status(r.Context(), chi.URLParam(r, "masterID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"master": m, "jobs": jobs})
	}
}

// POST /computations/cancel/{masterID}
func CancelHandler(svc Computations) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		n, err := svc.Cancel(r.Context(), chi.URLParam(r, "masterID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nethttp.StatusAccepted, map[string]int{"cancelled": n})
	}
}

// POST /computations/retry/{masterID}
func RetryHandler(svc Computations) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		n, err := svc.RetryFailed(r.Context(), chi.URLParam(r, "masterID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nethttp.StatusAccepted, map[string]int{"requeued": n})
	}
}

// GET /computations/history?page=&limit=
func HistoryHandler(svc Computations) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		page := queryInt(r, "page", 1)
		limit := queryInt(r, "limit", 20)
		items, total, err := svc.History(r.Context(), page, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []dispatch.Master{}
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"items": items, "total": total, "page": page, "limit": limit,
		})
	}
}

// GET /computations/history/{masterID}/summaries?department=&page=&limit=
// Persisted per-department summaries of one master computation, without
// their level lists.
func HistorySummariesHandler(summaries SummaryReader) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		page := queryInt(r, "page", 1)
		limit := queryInt(r, "limit", 20)
		if limit > 100 {
			limit = 100
		}
		items, total, err := summaries.List(r.Context(), computation.ListFilter{
			MasterComputationID: chi.URLParam(r, "masterID"),
			DepartmentID:        r.URL.Query().Get("department"),
			Limit:               limit,
			Offset:              (page - 1) * limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		if items == nil {
			items = []computation.Summary{}
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"items": items, "total": total, "page": page, "limit": limit,
		})
	}
}

// GET /computations/summaries/{departmentID}/{semesterID}?purpose=final|preview
func SummaryHandler(summaries SummaryReader) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		purpose := computation.Purpose(r.URL.Query().Get("purpose"))
		if purpose == "" {
			purpose = computation.PurposeFinal
		}
		if !purpose.Valid() {
			nethttp.Error(w, "bad purpose", nethttp.StatusBadRequest)
			return
		}
		s, err := summaries.Get(r.Context(), chi.URLParam(r, "departmentID"), chi.URLParam(r, "semesterID"), purpose)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nethttp.StatusOK, s)
	}
}
