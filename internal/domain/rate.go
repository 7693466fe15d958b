package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateConfig is the pricing rule for one (agency, rate key, vehicle class)
// triple. RateKey is usually a gantry id; the row with RateKey "*" is the
// agency-wide fallback.
type RateConfig struct {
	AgencyID            string                     `json:"agency_id"`
	RateKey             string                     `json:"rate_key"`
	VehicleClass        string                     `json:"vehicle_class"`
	BaseRate            decimal.Decimal            `json:"base_rate"`
	TimeRules           []TimeRule                 `json:"time_rules,omitempty"`
	LocationMultipliers map[string]decimal.Decimal `json:"location_multipliers,omitempty"`
}

// TimeRule scales the base rate during a recurring window. Days are
// time.Weekday values (0 = Sunday); hours are [StartHour, EndHour) in the
// event's UTC clock. An empty Days list applies every day.
type TimeRule struct {
	Days       []int           `json:"days,omitempty"`
	StartHour  int             `json:"start_hour"`
	EndHour    int             `json:"end_hour"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Applies reports whether the rule covers ts.
func (r TimeRule) Applies(ts time.Time) bool {
	h := ts.Hour()
	if h < r.StartHour || h >= r.EndHour {
		return false
	}
	if len(r.Days) == 0 {
		return true
	}
	wd := int(ts.Weekday())
	for _, d := range r.Days {
		if d == wd {
			return true
		}
	}
	return false
}
