// Package rater prices matched toll events. Rating is a pure decimal
// computation over a RateConfig; the only I/O is the config lookup, behind
// RateStore so tests stay in memory.
package rater

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// RateStore looks up the pricing rule for one event. The implementation
// (store.Queries) falls back to the agency-wide "*" rate key before giving
// up with store.ErrNotFound.
type RateStore interface {
	GetRateConfig(ctx context.Context, agencyID, rateKey, vehicleClass string) (domain.RateConfig, error)
}

// Rater computes rated amounts.
type Rater struct {
	rates   RateStore
	metrics *telemetry.Metrics
	log     *zap.Logger
}

func New(rates RateStore, m *telemetry.Metrics, log *zap.Logger) *Rater {
	return &Rater{rates: rates, metrics: m, log: log.Named("rater")}
}

// Rate prices one event: base rate scaled by the first applicable time rule
// and the gantry's location multiplier, rounded half-even to cents. When no
// config matches, the agency's raw amount passes through unchanged.
func (r *Rater) Rate(ctx context.Context, ev domain.NormalizedEvent, vehicleClass string) (decimal.Decimal, error) {
	cfg, err := r.rates.GetRateConfig(ctx, ev.AgencyID, ev.GantryID, vehicleClass)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.metrics.MissingRateConfig.Inc()
			r.log.Warn("no rate config, passing raw amount through",
				zap.String("agency", ev.AgencyID),
				zap.String("gantry", ev.GantryID),
				zap.String("vehicle_class", vehicleClass),
			)
			return ev.RawAmount.RoundBank(2), nil
		}
		return decimal.Decimal{}, fmt.Errorf("load rate config: %w", err)
	}
	return Apply(cfg, ev).RoundBank(2), nil
}

// Apply evaluates a config against an event without rounding. Time rules are
// checked in order and the first match wins; an absent location multiplier
// means 1.
func Apply(cfg domain.RateConfig, ev domain.NormalizedEvent) decimal.Decimal {
	amount := cfg.BaseRate

	for _, rule := range cfg.TimeRules {
		if rule.Applies(ev.EventTimestamp) {
			amount = amount.Mul(rule.Multiplier)
			break
		}
	}

	if mult, ok := cfg.LocationMultipliers[ev.GantryID]; ok {
		amount = amount.Mul(mult)
	}
	return amount
}
