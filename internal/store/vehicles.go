package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// Vehicle and user rows are read models owned by the identity service; the
// pipeline only queries them.

const vehicleCols = `
	id, user_id, plate, plate_state, COALESCE(type, ''), COALESCE(axle_count, 0),
	COALESCE(class, ''), active, last_seen, last_location`

// FindActiveVehicles returns the active vehicles registered with an exact
// canonical plate and state.
func (q *Queries) FindActiveVehicles(ctx context.Context, plate, plateState string) ([]domain.Vehicle, error) {
	rows, err := q.db.Query(ctx,
		`SELECT`+vehicleCols+` FROM vehicles WHERE plate = $1 AND plate_state = $2 AND active`,
		plate, plateState,
	)
	if err != nil {
		return nil, fmt.Errorf("find vehicles by plate: %w", err)
	}
	defer rows.Close()
	return collectVehicles(rows)
}

// ListActiveVehiclesByState returns every active vehicle registered in a
// state, the fuzzy matcher's candidate pool.
func (q *Queries) ListActiveVehiclesByState(ctx context.Context, plateState string) ([]domain.Vehicle, error) {
	rows, err := q.db.Query(ctx,
		`SELECT`+vehicleCols+` FROM vehicles WHERE plate_state = $1 AND active`,
		plateState,
	)
	if err != nil {
		return nil, fmt.Errorf("list vehicles by state: %w", err)
	}
	defer rows.Close()
	return collectVehicles(rows)
}

// ListVehiclesSeenBetween returns active vehicles whose last_seen falls in
// [from, to], the time-and-location matcher's candidate pool.
func (q *Queries) ListVehiclesSeenBetween(ctx context.Context, from, to time.Time) ([]domain.Vehicle, error) {
	rows, err := q.db.Query(ctx,
		`SELECT`+vehicleCols+` FROM vehicles WHERE active AND last_seen BETWEEN $1 AND $2`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("list vehicles seen between: %w", err)
	}
	defer rows.Close()
	return collectVehicles(rows)
}

// GetUserTimezone returns the user's IANA timezone, or ErrNotFound.
func (q *Queries) GetUserTimezone(ctx context.Context, userID string) (string, error) {
	var tz string
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(timezone, 'UTC') FROM users WHERE id = $1`, userID,
	).Scan(&tz)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user timezone: %w", err)
	}
	return tz, nil
}

func collectVehicles(rows pgx.Rows) ([]domain.Vehicle, error) {
	var out []domain.Vehicle
	for rows.Next() {
		var (
			v      domain.Vehicle
			locRaw []byte
		)
		if err := rows.Scan(
			&v.ID, &v.UserID, &v.Plate, &v.PlateState, &v.Type, &v.AxleCount,
			&v.Class, &v.Active, &v.LastSeen, &locRaw,
		); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		if loc, err := unmarshalLocation(locRaw); err == nil {
			v.LastLocation = loc
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
