package http

import (
	"context"
	nethttp "net/http"
	"strconv"

	"github.com/mind-engage/mindengage-results/internal/notify"
)

type NotificationReader interface {
	Since(ctx context.Context, after int64, limit int) ([]notify.Request, error)
}

// GET /notifications?after=&limit=
// The delivery service polls with the last seq it handled.
func NotificationsHandler(outbox NotificationReader) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var after int64
		if v := r.URL.Query().Get("after"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				nethttp.Error(w, "bad after", nethttp.StatusBadRequest)
				return
			}
			after = n
		}
		limit := queryInt(r, "limit", 100)
		if limit > 500 {
			limit = 500
		}
		items, err := outbox.Since(r.Context(), after, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		next := after
		if len(items) > 0 {
			next = items[len(items)-1].Seq
		} else {
			items = []notify.Request{}
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{"items": items, "next": next})
	}
}
