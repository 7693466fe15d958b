package domain

import "time"

// HealthState is the coarse condition of a connector or of the pipeline as
// a whole. Ordering matters: aggregation takes the worst state present.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// severity ranks states for worst-of aggregation.
var severity = map[HealthState]int{
	HealthHealthy:   0,
	HealthDegraded:  1,
	HealthUnhealthy: 2,
}

// WorseOf returns the more severe of two states.
func WorseOf(a, b HealthState) HealthState {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// HealthHeartbeat is published by each connector poller on connector.health
// every heartbeat interval.
type HealthHeartbeat struct {
	AgencyID       string      `json:"agency_id"`
	Status         HealthState `json:"status"`
	ResponseTimeMS int64       `json:"response_time_ms"`
	ErrorRate      float64     `json:"error_rate"`
	LastSuccessAt  *time.Time  `json:"last_success_at,omitempty"`
	SentAt         time.Time   `json:"sent_at"`
}
