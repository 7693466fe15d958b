package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ManualReview is one unmatched normalized event parked for a human. The
// event travels as JSON so the admin surface can show it verbatim and the
// resolver can reconstruct it.
type ManualReview struct {
	ID              int64           `json:"id"`
	NormalizedEvent json.RawMessage `json:"normalized_event"`
	Reason          string          `json:"reason"`
	Priority        int             `json:"priority"`
	CreatedAt       time.Time       `json:"created_at"`
}

// InsertManualReview parks an event and returns the queue row id.
func (q *Queries) InsertManualReview(ctx context.Context, r ManualReview) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO manual_review_queue (normalized_event, reason, priority, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id`,
		[]byte(r.NormalizedEvent), r.Reason, r.Priority,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert manual review: %w", err)
	}
	return id, nil
}

// ListManualReview returns the oldest unresolved rows, highest priority
// first.
func (q *Queries) ListManualReview(ctx context.Context, limit int) ([]ManualReview, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, normalized_event, reason, priority, created_at
		FROM manual_review_queue
		ORDER BY priority DESC, created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list manual review: %w", err)
	}
	defer rows.Close()

	var out []ManualReview
	for rows.Next() {
		var r ManualReview
		var raw []byte
		if err := rows.Scan(&r.ID, &raw, &r.Reason, &r.Priority, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan manual review: %w", err)
		}
		r.NormalizedEvent = json.RawMessage(raw)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetManualReview loads one queue row.
func (q *Queries) GetManualReview(ctx context.Context, id int64) (ManualReview, error) {
	var r ManualReview
	var raw []byte
	err := q.db.QueryRow(ctx, `
		SELECT id, normalized_event, reason, priority, created_at
		FROM manual_review_queue WHERE id = $1`,
		id,
	).Scan(&r.ID, &raw, &r.Reason, &r.Priority, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ManualReview{}, ErrNotFound
	}
	if err != nil {
		return ManualReview{}, fmt.Errorf("get manual review: %w", err)
	}
	r.NormalizedEvent = json.RawMessage(raw)
	return r, nil
}

// DeleteManualReview removes a resolved row.
func (q *Queries) DeleteManualReview(ctx context.Context, id int64) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM manual_review_queue WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete manual review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountManualReview reports the queue depth for metrics.
func (q *Queries) CountManualReview(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM manual_review_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count manual review: %w", err)
	}
	return n, nil
}
