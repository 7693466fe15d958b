package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// InsertTollEvent writes the canonical event row. The unique constraint on
// (agency_id, external_event_id) absorbs latent duplicates: the second insert
// is a clean no-op and the return value is false.
func (q *Queries) InsertTollEvent(ctx context.Context, ev domain.TollEvent) (bool, error) {
	loc, err := marshalLocation(ev.Location)
	if err != nil {
		return false, err
	}

	tag, err := q.db.Exec(ctx, `
		INSERT INTO toll_events (
			id, user_id, vehicle_id, agency_id, external_event_id,
			plate, plate_state, event_timestamp, gantry_id, location,
			vehicle_class, raw_amount, rated_amount, fees, currency,
			evidence_uri, source, status, late_arrival, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now(),now())
		ON CONFLICT (agency_id, external_event_id) DO NOTHING`,
		ev.ID, ev.UserID, ev.VehicleID, ev.AgencyID, ev.ExternalEventID,
		ev.Plate, ev.PlateState, ev.EventTimestamp, nullStr(ev.GantryID), loc,
		nullStr(ev.VehicleClass), ev.RawAmount, ev.RatedAmount, ev.Fees, ev.Currency,
		nullStr(ev.EvidenceURI), string(ev.Source), string(ev.Status), ev.LateArrival,
	)
	if err != nil {
		return false, fmt.Errorf("insert toll event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const tollEventCols = `
	id, user_id, vehicle_id, agency_id, external_event_id,
	plate, plate_state, event_timestamp, COALESCE(gantry_id, ''), location,
	COALESCE(vehicle_class, ''), raw_amount, rated_amount, fees, currency,
	COALESCE(evidence_uri, ''), source, status, late_arrival, created_at, updated_at`

// GetTollEvent loads one event by id.
func (q *Queries) GetTollEvent(ctx context.Context, id string) (domain.TollEvent, error) {
	row := q.db.QueryRow(ctx, `SELECT`+tollEventCols+` FROM toll_events WHERE id = $1`, id)
	return scanTollEvent(row)
}

// UpdateTollEventStatus moves a persisted event through its lifecycle
// (posted → disputed / voided). Unknown ids are ErrNotFound.
func (q *Queries) UpdateTollEventStatus(ctx context.Context, id string, status domain.EventStatus) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE toll_events SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update toll event status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTollEvent(row pgx.Row) (domain.TollEvent, error) {
	var (
		ev       domain.TollEvent
		locRaw   []byte
		source   string
		status   string
		tsEvent  time.Time
		tsCreate time.Time
		tsUpdate time.Time
	)
	err := row.Scan(
		&ev.ID, &ev.UserID, &ev.VehicleID, &ev.AgencyID, &ev.ExternalEventID,
		&ev.Plate, &ev.PlateState, &tsEvent, &ev.GantryID, &locRaw,
		&ev.VehicleClass, &ev.RawAmount, &ev.RatedAmount, &ev.Fees, &ev.Currency,
		&ev.EvidenceURI, &source, &status, &ev.LateArrival, &tsCreate, &tsUpdate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TollEvent{}, ErrNotFound
	}
	if err != nil {
		return domain.TollEvent{}, fmt.Errorf("scan toll event: %w", err)
	}
	ev.EventTimestamp = tsEvent
	ev.CreatedAt = tsCreate
	ev.UpdatedAt = tsUpdate
	ev.Source = domain.Source(source)
	ev.Status = domain.EventStatus(status)
	if loc, err := unmarshalLocation(locRaw); err == nil {
		ev.Location = loc
	}
	return ev, nil
}

// ── column helpers ────────────────────────────────────────────────────────

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalLocation(loc *domain.Location) (any, error) {
	if loc == nil {
		return nil, nil
	}
	b, err := json.Marshal(loc)
	if err != nil {
		return nil, fmt.Errorf("marshal location: %w", err)
	}
	return b, nil
}

func unmarshalLocation(raw []byte) (*domain.Location, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var loc domain.Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return nil, fmt.Errorf("unmarshal location: %w", err)
	}
	return &loc, nil
}
