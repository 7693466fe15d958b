package domain

import "time"

// Vehicle is the identity service's record of a registered vehicle. The
// pipeline only reads it: the matcher resolves plates against this catalog
// and the persister uses its owner for statement assignment.
type Vehicle struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Plate        string     `json:"plate"`
	PlateState   string     `json:"plate_state"`
	Type         string     `json:"type,omitempty"`
	AxleCount    int        `json:"axle_count,omitempty"`
	Class        string     `json:"class,omitempty"`
	Active       bool       `json:"active"`
	LastSeen     *time.Time `json:"last_seen,omitempty"`
	LastLocation *Location  `json:"last_location,omitempty"`
}

// VehicleNotice is published by the identity service on identity.vehicles
// whenever a vehicle is created or updated. The matcher uses it to
// invalidate its plate cache.
type VehicleNotice struct {
	VehicleID  string `json:"vehicle_id"`
	Plate      string `json:"plate"`
	PlateState string `json:"plate_state"`
	Change     string `json:"change"` // created | updated | deactivated
}
