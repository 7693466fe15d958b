// Package store is the hand-written Postgres repository layer. Queries works
// over any pgx querying surface (pool or transaction), so transactional
// callers can do
//
//	st.InTx(ctx, func(q store.Querier) error { ... })
//
// while read paths hit the pool directly. All monetary columns are NUMERIC
// and scan straight into shopspring decimals.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), so callers can tell an insert race from a real
// database failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// DBTX is the pgx surface Queries runs on: *pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Querier is the full repository surface. Stage packages depend on this (or
// a subset of it) so tests can hand-roll mocks.
type Querier interface {
	// toll events
	InsertTollEvent(ctx context.Context, ev domain.TollEvent) (bool, error)
	GetTollEvent(ctx context.Context, id string) (domain.TollEvent, error)
	UpdateTollEventStatus(ctx context.Context, id string, status domain.EventStatus) error

	// statements
	GetStatement(ctx context.Context, userID string, periodStart time.Time) (domain.Statement, error)
	InsertStatement(ctx context.Context, st domain.Statement) error
	AddToStatement(ctx context.Context, id string, amount, fees decimal.Decimal, version int64) (bool, error)
	AddCredit(ctx context.Context, id string, credit decimal.Decimal, version int64) (bool, error)
	FreezeStatement(ctx context.Context, id string, subtotal, fees, credits, total decimal.Decimal, version int64) (bool, error)
	ListDueDrafts(ctx context.Context, closeBefore time.Time) ([]domain.Statement, error)
	InsertStatementItem(ctx context.Context, statementID string, item domain.StatementItem) error
	ListStatementItems(ctx context.Context, statementID string) ([]domain.StatementItem, error)
	FindItemStatement(ctx context.Context, tollEventID string) (domain.Statement, domain.StatementItem, error)

	// identity read models
	FindActiveVehicles(ctx context.Context, plate, plateState string) ([]domain.Vehicle, error)
	ListActiveVehiclesByState(ctx context.Context, plateState string) ([]domain.Vehicle, error)
	ListVehiclesSeenBetween(ctx context.Context, from, to time.Time) ([]domain.Vehicle, error)
	GetUserTimezone(ctx context.Context, userID string) (string, error)

	// connector cursors
	GetCursor(ctx context.Context, agencyID string) (string, error)
	SetCursor(ctx context.Context, agencyID, cursor string) error

	// manual review
	InsertManualReview(ctx context.Context, r ManualReview) (int64, error)
	ListManualReview(ctx context.Context, limit int) ([]ManualReview, error)
	GetManualReview(ctx context.Context, id int64) (ManualReview, error)
	DeleteManualReview(ctx context.Context, id int64) error
	CountManualReview(ctx context.Context) (int64, error)

	// rate configs
	GetRateConfig(ctx context.Context, agencyID, rateKey, vehicleClass string) (domain.RateConfig, error)
}

// Queries implements Querier against a DBTX.
type Queries struct {
	db DBTX
}

// New builds a Queries over db.
func New(db DBTX) *Queries { return &Queries{db: db} }

var _ Querier = (*Queries)(nil)

// Store owns the pool and provides transactions.
type Store struct {
	pool *pgxpool.Pool
	*Queries
}

// NewStore builds a Store over an established pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, Queries: New(pool)}
}

// TxRunner runs a function inside one database transaction. The persister
// and aggregator depend on this narrow interface so their tests can fake
// transactionality without a live database.
type TxRunner interface {
	InTx(ctx context.Context, fn func(q Querier) error) error
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var _ TxRunner = (*Store)(nil)
