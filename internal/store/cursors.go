package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetCursor returns the durable poll cursor for an agency. A connector that
// has never completed a page gets "" and starts from the agency's epoch.
func (q *Queries) GetCursor(ctx context.Context, agencyID string) (string, error) {
	var cursor string
	err := q.db.QueryRow(ctx,
		`SELECT cursor FROM connector_cursors WHERE agency_id = $1`, agencyID,
	).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", agencyID, err)
	}
	return cursor, nil
}

// SetCursor commits the cursor after a page's events were published. Called
// once per page, never on failure, so a crash replays at most one page.
func (q *Queries) SetCursor(ctx context.Context, agencyID, cursor string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO connector_cursors (agency_id, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (agency_id) DO UPDATE SET cursor = $2, updated_at = now()`,
		agencyID, cursor,
	)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", agencyID, err)
	}
	return nil
}
