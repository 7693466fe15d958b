// Package domain holds the canonical entities that flow through the toll
// pipeline: raw agency events, normalized events, match results, persisted
// toll events, and statements. Values are plain data — all behavior that
// touches storage, the bus, or external services lives in the stage packages.
package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies how a toll event entered the system.
type Source string

const (
	SourceAgencyFeed Source = "agency_feed"
	SourcePlatePay   Source = "plate_pay"
	SourceManual     Source = "manual"
)

// RawEvent is what a connector publishes: the agency's transaction verbatim,
// wrapped with just enough identity to deduplicate it. Payload stays an
// opaque byte bag until normalization.
type RawEvent struct {
	EventID    string          `json:"event_id"`
	AgencyID   string          `json:"agency_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Source     Source          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	// EvidenceURI is connector-supplied enrichment from fetch_evidence; ""
	// when the agency keeps none or the fetch was skipped.
	EvidenceURI string `json:"evidence_uri,omitempty"`
}

// Location is a WGS84 point with optional road metadata.
type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Direction string  `json:"direction,omitempty"`
	RoadName  string  `json:"road_name,omitempty"`
}

// NormalizedEvent is the canonical, validated form of a raw agency
// transaction. Immutable once published.
type NormalizedEvent struct {
	NormalizedID    string          `json:"normalized_id"`
	AgencyID        string          `json:"agency_id"`
	ExternalEventID string          `json:"external_event_id"`
	Plate           string          `json:"plate"`
	PlateState      string          `json:"plate_state"`
	EventTimestamp  time.Time       `json:"event_timestamp"`
	GantryID        string          `json:"gantry_id,omitempty"`
	Location        *Location       `json:"location,omitempty"`
	VehicleClass    string          `json:"vehicle_class,omitempty"`
	RawAmount       decimal.Decimal `json:"raw_amount"`
	Fees            decimal.Decimal `json:"fees"`
	Currency        string          `json:"currency"`
	EvidenceURI     string          `json:"evidence_uri,omitempty"`
	Source          Source          `json:"source"`
	SchemaVersion   int             `json:"schema_version"`
}

// MatchType records which strategy resolved a NormalizedEvent to a vehicle.
type MatchType string

const (
	MatchExact        MatchType = "exact"
	MatchFuzzy        MatchType = "fuzzy"
	MatchTimeBased    MatchType = "time_based"
	MatchManualReview MatchType = "manual_review"
)

// MatchResult is the matcher's verdict for one normalized event. Transient:
// it travels on the bus next to the candidate TollEvent but is not stored
// on its own.
type MatchResult struct {
	Matched    bool      `json:"matched"`
	UserID     string    `json:"user_id,omitempty"`
	VehicleID  string    `json:"vehicle_id,omitempty"`
	Confidence float64   `json:"confidence"`
	MatchType  MatchType `json:"match_type"`
	// VehicleClass is the matched vehicle's registered class, used when the
	// agency event carries none.
	VehicleClass string `json:"vehicle_class,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// EventStatus is the lifecycle state of a persisted TollEvent.
type EventStatus string

const (
	EventPending  EventStatus = "pending"
	EventPosted   EventStatus = "posted"
	EventDisputed EventStatus = "disputed"
	EventVoided   EventStatus = "voided"
)

// TollEvent is the persisted canonical record of one gantry pass.
// (agency_id, external_event_id) is globally unique.
type TollEvent struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	VehicleID       string          `json:"vehicle_id"`
	AgencyID        string          `json:"agency_id"`
	ExternalEventID string          `json:"external_event_id"`
	Plate           string          `json:"plate"`
	PlateState      string          `json:"plate_state"`
	EventTimestamp  time.Time       `json:"event_timestamp"`
	GantryID        string          `json:"gantry_id,omitempty"`
	Location        *Location       `json:"location,omitempty"`
	VehicleClass    string          `json:"vehicle_class,omitempty"`
	RawAmount       decimal.Decimal `json:"raw_amount"`
	RatedAmount     decimal.Decimal `json:"rated_amount"`
	Fees            decimal.Decimal `json:"fees"`
	Currency        string          `json:"currency"`
	EvidenceURI     string          `json:"evidence_uri,omitempty"`
	Source          Source          `json:"source"`
	Status          EventStatus     `json:"status"`
	LateArrival     bool            `json:"late_arrival,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MatchedRecord is the value published on toll.events.matched: the candidate
// TollEvent (id already assigned, status still pending) together with how it
// was matched.
type MatchedRecord struct {
	Event TollEvent   `json:"event"`
	Match MatchResult `json:"match"`
}

// StatusChange is published by the dispute service on toll.events.status
// when a posted event is disputed or voided.
type StatusChange struct {
	TollEventID string      `json:"toll_event_id"`
	UserID      string      `json:"user_id"`
	Status      EventStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
}
