package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

const statementCols = `
	id, user_id, period_start, period_end, timezone,
	subtotal, fees, credits, total, status, version, created_at, updated_at`

// GetStatement loads the statement row for a user's period, whatever its
// status. (user_id, period_start) is unique.
func (q *Queries) GetStatement(ctx context.Context, userID string, periodStart time.Time) (domain.Statement, error) {
	row := q.db.QueryRow(ctx,
		`SELECT`+statementCols+` FROM statements WHERE user_id = $1 AND period_start = $2`,
		userID, periodStart,
	)
	return scanStatement(row)
}

// InsertStatement creates a fresh draft row at version 1.
func (q *Queries) InsertStatement(ctx context.Context, st domain.Statement) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO statements (
			id, user_id, period_start, period_end, timezone,
			subtotal, fees, credits, total, status, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now(),now())`,
		st.ID, st.UserID, st.PeriodStart, st.PeriodEnd, st.Timezone,
		st.Subtotal, st.Fees, st.Credits, st.Total, string(st.Status), st.Version,
	)
	if err != nil {
		return fmt.Errorf("insert statement: %w", err)
	}
	return nil
}

// AddToStatement increments a draft's running totals under optimistic
// concurrency. Returns false when the version check misses (someone else
// updated the row, or the draft was frozen) so the caller can reload and
// retry.
func (q *Queries) AddToStatement(ctx context.Context, id string, amount, fees decimal.Decimal, version int64) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE statements SET
			subtotal = subtotal + $2,
			fees     = fees + $3,
			total    = subtotal + $2 + fees + $3 - credits,
			version  = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $4 AND status = 'draft'`,
		id, amount, fees, version,
	)
	if err != nil {
		return false, fmt.Errorf("add to statement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AddCredit increments a draft's credits (dispute upheld, event voided).
// Same OCC contract as AddToStatement.
func (q *Queries) AddCredit(ctx context.Context, id string, credit decimal.Decimal, version int64) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE statements SET
			credits = credits + $2,
			total   = subtotal + fees - (credits + $2),
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $3 AND status = 'draft'`,
		id, credit, version,
	)
	if err != nil {
		return false, fmt.Errorf("add credit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FreezeStatement transitions a draft to open with its final totals. The
// status guard makes the close idempotent: a redelivered generate request
// finds no draft row and freezes nothing.
func (q *Queries) FreezeStatement(ctx context.Context, id string, subtotal, fees, credits, total decimal.Decimal, version int64) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE statements SET
			subtotal = $2, fees = $3, credits = $4, total = $5,
			status = 'open', version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $6 AND status = 'draft'`,
		id, subtotal, fees, credits, total, version,
	)
	if err != nil {
		return false, fmt.Errorf("freeze statement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDueDrafts returns drafts whose period ended at or before closeBefore.
func (q *Queries) ListDueDrafts(ctx context.Context, closeBefore time.Time) ([]domain.Statement, error) {
	rows, err := q.db.Query(ctx,
		`SELECT`+statementCols+` FROM statements WHERE status = 'draft' AND period_end <= $1`,
		closeBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("list due drafts: %w", err)
	}
	defer rows.Close()
	return collectStatements(rows)
}

// InsertStatementItem appends one line item.
func (q *Queries) InsertStatementItem(ctx context.Context, statementID string, item domain.StatementItem) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO statement_items (statement_id, toll_event_id, amount, fees, late_arrival)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (statement_id, toll_event_id) DO NOTHING`,
		statementID, item.TollEventID, item.Amount, item.Fees, item.LateArrival,
	)
	if err != nil {
		return fmt.Errorf("insert statement item: %w", err)
	}
	return nil
}

// ListStatementItems returns a statement's line items ordered by the
// referenced events' timestamps.
func (q *Queries) ListStatementItems(ctx context.Context, statementID string) ([]domain.StatementItem, error) {
	rows, err := q.db.Query(ctx, `
		SELECT i.toll_event_id, i.amount, i.fees, i.late_arrival
		FROM statement_items i
		JOIN toll_events e ON e.id = i.toll_event_id
		WHERE i.statement_id = $1
		ORDER BY e.event_timestamp, i.toll_event_id`,
		statementID,
	)
	if err != nil {
		return nil, fmt.Errorf("list statement items: %w", err)
	}
	defer rows.Close()

	var items []domain.StatementItem
	for rows.Next() {
		var it domain.StatementItem
		if err := rows.Scan(&it.TollEventID, &it.Amount, &it.Fees, &it.LateArrival); err != nil {
			return nil, fmt.Errorf("scan statement item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// FindItemStatement locates the statement holding a given toll event's line
// item, for dispute/void adjustments.
func (q *Queries) FindItemStatement(ctx context.Context, tollEventID string) (domain.Statement, domain.StatementItem, error) {
	row := q.db.QueryRow(ctx, `
		SELECT s.id, s.user_id, s.period_start, s.period_end, s.timezone,
		       s.subtotal, s.fees, s.credits, s.total, s.status, s.version,
		       s.created_at, s.updated_at,
		       i.toll_event_id, i.amount, i.fees, i.late_arrival
		FROM statement_items i
		JOIN statements s ON s.id = i.statement_id
		WHERE i.toll_event_id = $1`,
		tollEventID,
	)

	var (
		st     domain.Statement
		it     domain.StatementItem
		status string
	)
	err := row.Scan(
		&st.ID, &st.UserID, &st.PeriodStart, &st.PeriodEnd, &st.Timezone,
		&st.Subtotal, &st.Fees, &st.Credits, &st.Total, &status, &st.Version,
		&st.CreatedAt, &st.UpdatedAt,
		&it.TollEventID, &it.Amount, &it.Fees, &it.LateArrival,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Statement{}, domain.StatementItem{}, ErrNotFound
	}
	if err != nil {
		return domain.Statement{}, domain.StatementItem{}, fmt.Errorf("find item statement: %w", err)
	}
	st.Status = domain.StatementStatus(status)
	return st, it, nil
}

func scanStatement(row pgx.Row) (domain.Statement, error) {
	var (
		st     domain.Statement
		status string
	)
	err := row.Scan(
		&st.ID, &st.UserID, &st.PeriodStart, &st.PeriodEnd, &st.Timezone,
		&st.Subtotal, &st.Fees, &st.Credits, &st.Total, &status, &st.Version,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Statement{}, ErrNotFound
	}
	if err != nil {
		return domain.Statement{}, fmt.Errorf("scan statement: %w", err)
	}
	st.Status = domain.StatementStatus(status)
	return st, nil
}

func collectStatements(rows pgx.Rows) ([]domain.Statement, error) {
	var out []domain.Statement
	for rows.Next() {
		st, err := scanStatement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
