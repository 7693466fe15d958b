// Package normalizer turns agency-shaped raw payloads into canonical
// NormalizedEvents. Each agency contributes a pure mapping function; shared
// validation then canonicalizes plates, checks coordinates, and parses
// money. Anything that fails validation is a ValidationError and belongs in
// the DLQ, never back on the topic.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// ErrValidation marks a payload the pipeline can never process.
var ErrValidation = errors.New("validation error")

// schemaVersion recorded on every normalized event. Evolution is
// additive-only.
const schemaVersion = 1

// Fields is the agency-independent intermediate form a mapper extracts from
// a payload. Strings are raw; Normalize canonicalizes and validates them.
type Fields struct {
	Plate        string
	PlateState   string
	Timestamp    string // any layout in timeLayouts
	GantryID     string
	Lat, Lon     *float64
	Direction    string
	RoadName     string
	VehicleClass string
	Amount       string
	Fees         string
	Currency     string
	EvidenceURI  string
}

// Mapper extracts Fields from one agency's payload shape.
type Mapper func(payload json.RawMessage) (Fields, error)

var mappers = map[string]Mapper{
	"etoll":       mapEToll,
	"expresstoll": mapExpressToll,
	"fasttrack":   mapFastTrack,
}

// RegisterMapper installs a payload mapper for an agency. Shipped agencies
// are pre-registered; tests add synthetic ones.
func RegisterMapper(agencyID string, m Mapper) {
	mappers[agencyID] = m
}

// timeLayouts are accepted event timestamp formats across agencies.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Normalize maps and validates one raw event into its canonical form.
// Failures wrap ErrValidation.
func Normalize(raw domain.RawEvent) (domain.NormalizedEvent, error) {
	mapper, ok := mappers[raw.AgencyID]
	if !ok {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: no mapper for agency %q", ErrValidation, raw.AgencyID)
	}
	f, err := mapper(raw.Payload)
	if err != nil {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: map %s payload: %v", ErrValidation, raw.AgencyID, err)
	}

	plate, err := domain.CanonicalPlate(f.Plate)
	if err != nil {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	state, err := domain.CanonicalPlateState(f.PlateState)
	if err != nil {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	ts, err := parseTimestamp(f.Timestamp)
	if err != nil {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	amount, err := parseAmount(f.Amount, "amount")
	if err != nil {
		return domain.NormalizedEvent{}, err
	}
	fees := decimal.Zero
	if f.Fees != "" {
		if fees, err = parseAmount(f.Fees, "fees"); err != nil {
			return domain.NormalizedEvent{}, err
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(f.Currency))
	if len(currency) != 3 {
		return domain.NormalizedEvent{}, fmt.Errorf("%w: currency %q is not ISO-4217", ErrValidation, f.Currency)
	}

	var loc *domain.Location
	if f.Lat != nil || f.Lon != nil {
		if f.Lat == nil || f.Lon == nil {
			return domain.NormalizedEvent{}, fmt.Errorf("%w: partial coordinates", ErrValidation)
		}
		if !domain.ValidCoordinates(*f.Lat, *f.Lon) {
			return domain.NormalizedEvent{}, fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrValidation, *f.Lat, *f.Lon)
		}
		loc = &domain.Location{Lat: *f.Lat, Lon: *f.Lon, Direction: f.Direction, RoadName: f.RoadName}
	}

	evidence := f.EvidenceURI
	if evidence == "" {
		evidence = raw.EvidenceURI
	}

	return domain.NormalizedEvent{
		NormalizedID:    uuid.NewString(),
		AgencyID:        raw.AgencyID,
		ExternalEventID: raw.EventID,
		Plate:           plate,
		PlateState:      state,
		EventTimestamp:  ts,
		GantryID:        f.GantryID,
		Location:        loc,
		VehicleClass:    f.VehicleClass,
		RawAmount:       amount,
		Fees:            fees,
		Currency:        currency,
		EvidenceURI:     evidence,
		Source:          raw.Source,
		SchemaVersion:   schemaVersion,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing event timestamp")
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable event timestamp %q", s)
}

func parseAmount(s, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s %q is not a number", ErrValidation, field, s)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: negative %s %s", ErrValidation, field, d)
	}
	return d, nil
}

// ── agency payload shapes ─────────────────────────────────────────────────

// mapEToll handles E-Toll's feed: nested plate object, ISO timestamps,
// string money.
func mapEToll(payload json.RawMessage) (Fields, error) {
	var p struct {
		Plate struct {
			Number string `json:"number"`
			State  string `json:"state"`
		} `json:"plate"`
		OccurredAt   string   `json:"occurred_at"`
		GantryID     string   `json:"gantry_id"`
		Lat          *float64 `json:"lat"`
		Lon          *float64 `json:"lon"`
		Direction    string   `json:"direction"`
		RoadName     string   `json:"road_name"`
		VehicleClass string   `json:"vehicle_class"`
		Amount       string   `json:"amount"`
		Fees         string   `json:"fees"`
		Currency     string   `json:"currency"`
		PhotoURL     string   `json:"photo_url"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fields{}, err
	}
	return Fields{
		Plate:        p.Plate.Number,
		PlateState:   p.Plate.State,
		Timestamp:    p.OccurredAt,
		GantryID:     p.GantryID,
		Lat:          p.Lat,
		Lon:          p.Lon,
		Direction:    p.Direction,
		RoadName:     p.RoadName,
		VehicleClass: p.VehicleClass,
		Amount:       p.Amount,
		Fees:         p.Fees,
		Currency:     p.Currency,
		EvidenceURI:  p.PhotoURL,
	}, nil
}

// mapExpressToll handles ExpressToll's feed: flat fields, numeric money,
// "plaza" instead of gantry.
func mapExpressToll(payload json.RawMessage) (Fields, error) {
	var p struct {
		LicensePlate string   `json:"license_plate"`
		PlateState   string   `json:"plate_state"`
		TxnTime      string   `json:"txn_time"`
		PlazaID      string   `json:"plaza_id"`
		Latitude     *float64 `json:"latitude"`
		Longitude    *float64 `json:"longitude"`
		Class        string   `json:"class"`
		TollAmount   *float64 `json:"toll_amount"`
		FeeAmount    *float64 `json:"fee_amount"`
		Currency     string   `json:"currency"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fields{}, err
	}
	f := Fields{
		Plate:        p.LicensePlate,
		PlateState:   p.PlateState,
		Timestamp:    p.TxnTime,
		GantryID:     p.PlazaID,
		Lat:          p.Latitude,
		Lon:          p.Longitude,
		VehicleClass: p.Class,
		Currency:     p.Currency,
	}
	if p.TollAmount != nil {
		f.Amount = decimal.NewFromFloat(*p.TollAmount).String()
	}
	if p.FeeAmount != nil {
		f.Fees = decimal.NewFromFloat(*p.FeeAmount).String()
	}
	return f, nil
}

// mapFastTrack handles FastTrack's feed: cents-denominated integer money
// and epoch-second timestamps.
func mapFastTrack(payload json.RawMessage) (Fields, error) {
	var p struct {
		Tag struct {
			Plate string `json:"plate"`
			State string `json:"state"`
		} `json:"tag"`
		EpochSeconds *int64   `json:"epoch_seconds"`
		Gantry       string   `json:"gantry"`
		Lat          *float64 `json:"lat"`
		Lng          *float64 `json:"lng"`
		Heading      string   `json:"heading"`
		Road         string   `json:"road"`
		VehClass     string   `json:"veh_class"`
		AmountCents  *int64   `json:"amount_cents"`
		FeeCents     *int64   `json:"fee_cents"`
		Currency     string   `json:"currency"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return Fields{}, err
	}
	f := Fields{
		Plate:        p.Tag.Plate,
		PlateState:   p.Tag.State,
		GantryID:     p.Gantry,
		Lat:          p.Lat,
		Lon:          p.Lng,
		Direction:    p.Heading,
		RoadName:     p.Road,
		VehicleClass: p.VehClass,
		Currency:     p.Currency,
	}
	if p.EpochSeconds != nil {
		f.Timestamp = time.Unix(*p.EpochSeconds, 0).UTC().Format(time.RFC3339)
	}
	if p.AmountCents != nil {
		f.Amount = decimal.New(*p.AmountCents, -2).String()
	}
	if p.FeeCents != nil {
		f.Fees = decimal.New(*p.FeeCents, -2).String()
	}
	return f, nil
}
