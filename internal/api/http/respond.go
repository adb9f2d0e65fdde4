package http

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"strconv"

	"github.com/mind-engage/mindengage-results/internal/academic"
	"github.com/mind-engage/mindengage-results/internal/dispatch"
)

// Handlers only; routes are mounted in cmd/resultsd.

func writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func writeError(w nethttp.ResponseWriter, err error) {
	switch {
	case errors.Is(err, academic.ErrNotFound), errors.Is(err, dispatch.ErrJobNotFound):
		nethttp.Error(w, err.Error(), nethttp.StatusNotFound)
	case errors.Is(err, dispatch.ErrInvalidPurpose), errors.Is(err, dispatch.ErrNoDepartments):
		nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
	default:
		nethttp.Error(w, "internal error", nethttp.StatusInternalServerError)
	}
}

func queryInt(r *nethttp.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return def
}
