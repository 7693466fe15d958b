package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// GetRateConfig resolves the pricing rule for an event. Lookup is exact on
// (agency_id, rate_key, vehicle_class) with a fallback to the agency's "*"
// rate key; ErrNotFound means the rater falls through to the raw amount.
func (q *Queries) GetRateConfig(ctx context.Context, agencyID, rateKey, vehicleClass string) (domain.RateConfig, error) {
	row := q.db.QueryRow(ctx, `
		SELECT agency_id, rate_key, vehicle_class, base_rate, time_rules, location_multipliers
		FROM rate_configs
		WHERE agency_id = $1 AND rate_key IN ($2, '*') AND vehicle_class = $3
		ORDER BY rate_key = '*'
		LIMIT 1`,
		agencyID, rateKey, vehicleClass,
	)

	var (
		rc      domain.RateConfig
		timeRaw []byte
		locRaw  []byte
	)
	err := row.Scan(&rc.AgencyID, &rc.RateKey, &rc.VehicleClass, &rc.BaseRate, &timeRaw, &locRaw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RateConfig{}, ErrNotFound
	}
	if err != nil {
		return domain.RateConfig{}, fmt.Errorf("get rate config: %w", err)
	}

	if len(timeRaw) > 0 {
		if err := json.Unmarshal(timeRaw, &rc.TimeRules); err != nil {
			return domain.RateConfig{}, fmt.Errorf("unmarshal time rules: %w", err)
		}
	}
	if len(locRaw) > 0 {
		if err := json.Unmarshal(locRaw, &rc.LocationMultipliers); err != nil {
			return domain.RateConfig{}, fmt.Errorf("unmarshal location multipliers: %w", err)
		}
	}
	return rc, nil
}
