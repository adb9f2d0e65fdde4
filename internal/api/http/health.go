package http

import (
	"context"
	nethttp "net/http"
	"time"
)

// GET /healthz
func HealthHandler() nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write([]byte("ok"))
	}
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// GET /readyz reports whether the database answers.
func ReadyHandler(db Pinger) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			nethttp.Error(w, "database unavailable", nethttp.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	}
}
