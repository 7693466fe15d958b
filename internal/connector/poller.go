package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

const (
	// cycleDeadline bounds one poll cycle end to end.
	cycleDeadline = 60 * time.Second
	// rateLimitDefaultWait applies when a 429 carries no Retry-After.
	rateLimitDefaultWait = 60 * time.Second
	defaultPageSize      = 100

	// thresholds for the self-reported health state.
	degradedErrorRate  = 0.10
	unhealthyErrorRate = 0.30
)

// CursorStore persists each agency's durable poll position.
type CursorStore interface {
	GetCursor(ctx context.Context, agencyID string) (string, error)
	SetCursor(ctx context.Context, agencyID, cursor string) error
}

// Poller drives one agency connector: schedule, token bucket, circuit
// breaker, retry policy, raw-event publishing, durable cursor commits, and
// health heartbeats. Cursors only advance after every event of a page was
// published, so a crash replays at most one page — downstream dedup is
// authoritative for the duplicates that causes.
type Poller struct {
	conn    Connector
	cfg     config.Connector
	pub     bus.Publisher
	cursors CursorStore
	limiter *rate.Limiter
	breaker *Breaker
	metrics *telemetry.Metrics
	log     *zap.Logger

	heartbeatEvery time.Duration
	pageSize       int

	// sleep is ctx-aware and swapped out by tests.
	sleep func(ctx context.Context, d time.Duration)

	stats pollerStats
}

// NewPoller wires a poller for one configured agency.
func NewPoller(conn Connector, cfg config.Connector, pub bus.Publisher, cursors CursorStore, metrics *telemetry.Metrics, heartbeatEvery time.Duration, log *zap.Logger) *Poller {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}
	return &Poller{
		conn:    conn,
		cfg:     cfg,
		pub:     pub,
		cursors: cursors,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimit.RPM)/60.0), cfg.RateLimit.Burst),
		breaker: NewBreaker(20, 0.5, 30*time.Second, 8*time.Minute),
		metrics: metrics,
		log:     log.With(zap.String("agency", cfg.AgencyID)),

		heartbeatEvery: heartbeatEvery,
		pageSize:       defaultPageSize,
		sleep:          sleepCtx,
	}
}

// Run blocks until ctx is cancelled, polling on the agency's interval and
// heartbeating in a sibling goroutine.
func (p *Poller) Run(ctx context.Context) {
	interval := time.Duration(p.cfg.PollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	go p.heartbeatLoop(ctx)

	p.log.Info("poller started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopping")
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle runs one scheduled poll: breaker gate, token bucket, then the
// bounded fetch-publish-commit pass. A rate-limited pass sleeps the
// suggested interval and re-enters once.
func (p *Poller) cycle(ctx context.Context) {
	if !p.breaker.Allow() {
		p.metrics.PollSkips.WithLabelValues(p.cfg.AgencyID, "breaker_open").Inc()
		p.log.Warn("poll skipped, circuit open", zap.Duration("cooldown", p.breaker.cooldown))
		return
	}

	// Reserve a token, waiting at most one poll interval.
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.PollInterval)*time.Second)
	err := p.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.PollSkips.WithLabelValues(p.cfg.AgencyID, "rate_limited").Inc()
		p.log.Warn("poll skipped, local rate limit")
		return
	}

	for reentry := 0; ; reentry++ {
		cctx, cancel := context.WithTimeout(ctx, cycleDeadline)
		err := p.pollOnce(cctx)
		cancel()

		if err == nil {
			p.metrics.PollCycles.WithLabelValues(p.cfg.AgencyID, "ok").Inc()
			return
		}

		if KindOf(err) == KindRateLimit && reentry == 0 && ctx.Err() == nil {
			wait := RetryAfterOf(err)
			if wait <= 0 {
				wait = rateLimitDefaultWait
			}
			p.log.Warn("agency rate limited, backing off", zap.Duration("retry_after", wait))
			p.sleep(ctx, wait)
			continue
		}

		p.metrics.PollCycles.WithLabelValues(p.cfg.AgencyID, "error").Inc()
		p.log.Error("poll cycle failed",
			zap.String("class", string(KindOf(err))),
			zap.Error(err),
		)
		return
	}
}

// pollOnce walks the transaction sequence from the persisted cursor,
// publishing every event of a page before committing that page's cursor.
func (p *Poller) pollOnce(ctx context.Context) error {
	// A credential expiring inside the skew window renews up front instead
	// of burning a request on a guaranteed 401.
	if err := p.conn.RefreshAuth(ctx); err != nil {
		p.metrics.ConnectorErrors.WithLabelValues(p.cfg.AgencyID, string(KindOf(err))).Inc()
		return fmt.Errorf("refresh auth: %w", err)
	}

	cursor, err := p.cursors.GetCursor(ctx, p.cfg.AgencyID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	for {
		page, err := p.fetchPage(ctx, cursor)
		if err != nil {
			return err
		}

		for _, txn := range page.Transactions {
			if err := p.publishRaw(ctx, txn); err != nil {
				// Cursor stays put; the whole page is refetched next cycle
				// and dedup downstream absorbs the repeats.
				return fmt.Errorf("publish raw event %s: %w", txn.ExternalEventID, err)
			}
			p.metrics.EventsIngested.WithLabelValues(p.cfg.AgencyID).Inc()
		}

		if page.NextCursor != "" && page.NextCursor != cursor {
			if err := p.cursors.SetCursor(ctx, p.cfg.AgencyID, page.NextCursor); err != nil {
				return fmt.Errorf("commit cursor: %w", err)
			}
			cursor = page.NextCursor
		}

		if !page.HasMore {
			p.stats.markSuccess()
			return nil
		}
	}
}

// fetchPage retrieves one page, applying the retry policy: a 401 gets one
// credential refresh and then one from-scratch authentication, transient
// failures back off exponentially up to the configured attempts, everything
// else surfaces immediately.
func (p *Poller) fetchPage(ctx context.Context, cursor string) (Page, error) {
	var (
		backoff     = time.Duration(p.cfg.Retry.InitialMS) * time.Millisecond
		maxBackoff  = time.Duration(p.cfg.Retry.MaxMS) * time.Millisecond
		refreshed   bool
		reauthed    bool
		lastFailure error
	)

	for attempt := 0; attempt <= p.cfg.Retry.Max; attempt++ {
		start := time.Now()
		page, err := p.conn.ListTransactions(ctx, cursor, p.pageSize)
		p.observe(time.Since(start), err)

		if err == nil {
			return page, nil
		}
		lastFailure = err
		kind := KindOf(err)
		p.metrics.ConnectorErrors.WithLabelValues(p.cfg.AgencyID, string(kind)).Inc()

		switch {
		case kind == KindAuth && !refreshed:
			// The agency rejected our credential: renew through the refresh
			// grant once, then retry.
			refreshed = true
			if authErr := p.conn.RefreshAuth(ctx); authErr != nil {
				p.metrics.ConnectorErrors.WithLabelValues(p.cfg.AgencyID, string(KindAuth)).Inc()
				return Page{}, fmt.Errorf("refresh after 401 failed: %w", authErr)
			}
			p.log.Info("credentials refreshed after 401")

		case kind == KindAuth && !reauthed:
			// Still rejected after the refresh: the token was unexpired but
			// revoked. Authenticate from scratch once.
			reauthed = true
			if authErr := p.conn.Authenticate(ctx); authErr != nil {
				p.metrics.ConnectorErrors.WithLabelValues(p.cfg.AgencyID, string(KindAuth)).Inc()
				return Page{}, fmt.Errorf("re-authentication failed: %w", authErr)
			}
			p.log.Info("re-authenticated after 401")

		case transientKind(kind):
			if attempt == p.cfg.Retry.Max {
				return Page{}, lastFailure
			}
			p.sleep(ctx, backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}

		default:
			// RateLimitExceeded is handled a level up; InvalidResponse and
			// the rest do not improve with retries.
			return Page{}, lastFailure
		}
	}
	return Page{}, lastFailure
}

func (p *Poller) publishRaw(ctx context.Context, txn Transaction) error {
	raw := domain.RawEvent{
		EventID:    txn.ExternalEventID,
		AgencyID:   p.cfg.AgencyID,
		ReceivedAt: time.Now().UTC(),
		Source:     domain.SourceAgencyFeed,
		Payload:    txn.Payload,
	}

	if p.cfg.Endpoints.Evidence != "" {
		// Evidence is best effort: a miss never blocks ingestion.
		if uri, err := p.conn.FetchEvidence(ctx, txn.ExternalEventID); err == nil {
			raw.EvidenceURI = uri
		}
	}

	value, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal raw event: %w", err)
	}

	hdrs := bus.NewHeaders(ctx, "RawEvent", "connector."+p.cfg.AgencyID)
	bus.InjectTrace(ctx, hdrs)
	return p.pub.Publish(ctx, bus.TopicRaw, p.cfg.AgencyID, value, hdrs)
}

// observe feeds one request outcome into the health stats and the breaker.
// Rate limits are throttling, not failures, and do not trip the breaker.
func (p *Poller) observe(latency time.Duration, err error) {
	p.stats.observe(latency)
	p.metrics.ConnectorLatency.WithLabelValues(p.cfg.AgencyID).Observe(latency.Seconds())
	if KindOf(err) != KindRateLimit {
		p.breaker.Record(err == nil)
	}
	p.metrics.BreakerState.WithLabelValues(p.cfg.AgencyID).Set(float64(p.breaker.State()))
}

// ── heartbeats ────────────────────────────────────────────────────────────

func (p *Poller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishHeartbeat(ctx)
		}
	}
}

func (p *Poller) publishHeartbeat(ctx context.Context) {
	hb := p.Heartbeat()
	value, err := json.Marshal(hb)
	if err != nil {
		p.log.Error("marshal heartbeat", zap.Error(err))
		return
	}
	hdrs := bus.NewHeaders(ctx, "HealthHeartbeat", "connector."+p.cfg.AgencyID)
	if err := p.pub.Publish(ctx, bus.TopicHealth, p.cfg.AgencyID, value, hdrs); err != nil {
		p.log.Warn("heartbeat publish failed", zap.Error(err))
	}
}

// Heartbeat snapshots the poller's current self-assessment.
func (p *Poller) Heartbeat() domain.HealthHeartbeat {
	latency, lastSuccess := p.stats.snapshot()
	errorRate := p.breaker.FailureRate()

	state := domain.HealthHealthy
	switch {
	case p.breaker.State() == BreakerOpen || errorRate > unhealthyErrorRate:
		state = domain.HealthUnhealthy
	case errorRate > degradedErrorRate:
		state = domain.HealthDegraded
	}

	return domain.HealthHeartbeat{
		AgencyID:       p.cfg.AgencyID,
		Status:         state,
		ResponseTimeMS: latency.Milliseconds(),
		ErrorRate:      errorRate,
		LastSuccessAt:  lastSuccess,
		SentAt:         time.Now().UTC(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
