package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Request asks an external mailer to deliver a templated notification.
type Request struct {
	Seq       int64             `json:"seq"`
	Target    string            `json:"target"` // email|sms|inbox
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

const (
	TemplateJobFinished = "computation_job_finished"
	TemplateJobFailed   = "computation_job_failed"
)

// Outbox is an append-only table drained by the delivery service.
type Outbox struct{ db *sql.DB }

func NewOutbox(db *sql.DB) *Outbox { return &Outbox{db: db} }

func (o *Outbox) Notify(ctx context.Context, r Request) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT INTO notification_outbox (target, recipient, template, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		r.Target, r.Recipient, r.Template, string(meta), time.Now().UnixMilli())
	return err
}

// Since returns requests with a sequence number above after, oldest first.
func (o *Outbox) Since(ctx context.Context, after int64, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.QueryContext(ctx,
		`SELECT seq, target, recipient, template, metadata, created_at
		 FROM notification_outbox WHERE seq > $1 ORDER BY seq LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		var (
			r       Request
			meta    string
			created int64
		)
		if err := rows.Scan(&r.Seq, &r.Target, &r.Recipient, &r.Template, &meta, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
