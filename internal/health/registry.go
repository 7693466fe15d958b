// Package health aggregates connector heartbeats into a pipeline-wide
// condition, notifies an operator webhook on state transitions, and samples
// bus backlog into gauges.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// Group is the consumer group reading connector heartbeats.
const Group = "health-registry"

// AgencyStatus is one agency's latest reported condition as the registry
// sees it.
type AgencyStatus struct {
	AgencyID       string             `json:"agency_id"`
	State          domain.HealthState `json:"state"`
	ResponseTimeMS int64              `json:"response_time_ms"`
	ErrorRate      float64            `json:"error_rate"`
	LastSuccessAt  *time.Time         `json:"last_success_at,omitempty"`
	LastHeartbeat  time.Time          `json:"last_heartbeat"`
	Expired        bool               `json:"expired,omitempty"`
}

// Overview is the aggregate served on the health surface.
type Overview struct {
	State    domain.HealthState `json:"state"`
	Agencies []AgencyStatus     `json:"agencies"`
}

// Registry keeps the latest heartbeat per agency. A heartbeat older than the
// TTL means the poller is gone or wedged, which is worse than anything it
// last reported: the agency counts as unhealthy until it speaks again.
type Registry struct {
	bus      bus.Consumer
	ttl      time.Duration
	notifier *Notifier
	metrics  *telemetry.Metrics
	log      *zap.Logger

	mu     sync.Mutex
	latest map[string]AgencyStatus
	missed map[string]bool // agencies already counted as expired

	now func() time.Time
}

// NewRegistry builds a registry. notifier may be nil when no webhook is
// configured.
func NewRegistry(b bus.Consumer, ttl time.Duration, notifier *Notifier, m *telemetry.Metrics, log *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		bus:      b,
		ttl:      ttl,
		notifier: notifier,
		metrics:  m,
		log:      log.Named("health-registry"),
		latest:   map[string]AgencyStatus{},
		missed:   map[string]bool{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start joins the heartbeat consumer group.
func (r *Registry) Start(ctx context.Context) error {
	return r.bus.Subscribe(ctx, bus.TopicHealth, Group, r.handle)
}

func (r *Registry) handle(ctx context.Context, msg *bus.Message) error {
	var hb domain.HealthHeartbeat
	if err := json.Unmarshal(msg.Value, &hb); err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("decode heartbeat: %w", err))
	}
	if hb.AgencyID == "" {
		return bus.Permanent("ValidationError", fmt.Errorf("heartbeat without agency id"))
	}

	r.mu.Lock()
	prev, known := r.latest[hb.AgencyID]
	next := AgencyStatus{
		AgencyID:       hb.AgencyID,
		State:          hb.Status,
		ResponseTimeMS: hb.ResponseTimeMS,
		ErrorRate:      hb.ErrorRate,
		LastSuccessAt:  hb.LastSuccessAt,
		LastHeartbeat:  r.now(),
	}
	r.latest[hb.AgencyID] = next
	delete(r.missed, hb.AgencyID)
	r.mu.Unlock()

	// An unknown agency starts from healthy, so its first degraded or
	// unhealthy report is a transition and a healthy first report is not.
	before := domain.HealthHealthy
	if known {
		before = prev.State
	}
	if r.notifier != nil && before != next.State {
		r.notifier.NotifyTransition(ctx, hb.AgencyID, before, next.State)
	}
	return nil
}

// Snapshot returns the current per-agency view and the worst-of aggregate,
// applying TTL expiry at read time.
func (r *Registry) Snapshot() Overview {
	now := r.now()
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	out := Overview{State: domain.HealthHealthy}
	for id, st := range r.latest {
		if st.LastHeartbeat.Before(cutoff) {
			st.State = domain.HealthUnhealthy
			st.Expired = true
			if !r.missed[id] {
				r.missed[id] = true
				r.metrics.HeartbeatsMissed.WithLabelValues(id).Inc()
				r.log.Warn("heartbeat expired", zap.String("agency", id))
			}
		}
		out.State = domain.WorseOf(out.State, st.State)
		out.Agencies = append(out.Agencies, st)
	}
	return out
}
