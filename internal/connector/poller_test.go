package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/storetest"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

type fakeConn struct {
	listFn    func(ctx context.Context, cursor string, pageSize int) (Page, error)
	authFn    func(ctx context.Context) error
	refreshFn func(ctx context.Context) error
}

var _ Connector = (*fakeConn)(nil)

func (f *fakeConn) AgencyID() string { return "etoll" }

func (f *fakeConn) Initialize(context.Context) error { return nil }

func (f *fakeConn) RefreshAuth(ctx context.Context) error {
	if f.refreshFn != nil {
		return f.refreshFn(ctx)
	}
	return nil
}

func (f *fakeConn) Authenticate(ctx context.Context) error {
	if f.authFn != nil {
		return f.authFn(ctx)
	}
	return nil
}

func (f *fakeConn) ListTransactions(ctx context.Context, cursor string, pageSize int) (Page, error) {
	return f.listFn(ctx, cursor, pageSize)
}

func (f *fakeConn) FetchEvidence(context.Context, string) (string, error) { return "", nil }

func (f *fakeConn) HealthProbe(context.Context) Health {
	return Health{State: domain.HealthHealthy}
}

// newPoller builds a poller over the in-memory bus with a recording sleep, so
// back-off behavior is observable without waiting it out.
func newPoller(t *testing.T, conn Connector) (*Poller, *bus.Memory, *storetest.Fake, *telemetry.Metrics, *[]time.Duration) {
	t.Helper()
	log := zaptest.NewLogger(t)
	b := bus.NewMemory(2, 3, log)
	t.Cleanup(func() { b.Close() })

	cfg := config.Connector{
		AgencyID:     "etoll",
		PollInterval: 1,
		RateLimit:    config.RateLimit{RPM: 6000, Burst: 100},
		Retry:        config.ConnectorRetry{Max: 3, InitialMS: 10, MaxMS: 40},
	}
	cursors := storetest.New()
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	p := NewPoller(conn, cfg, b, cursors, m, time.Minute, log)

	slept := &[]time.Duration{}
	p.sleep = func(_ context.Context, d time.Duration) { *slept = append(*slept, d) }
	return p, b, cursors, m, slept
}

func rateLimited(after time.Duration) error {
	e := NewError(KindRateLimit, "etoll", errors.New("429 too many requests"))
	e.RetryAfter = after
	return e
}

func onePage(id, next string) Page {
	return Page{
		Transactions: []Transaction{{ExternalEventID: id, Payload: json.RawMessage(`{"amount":"4.50"}`)}},
		NextCursor:   next,
	}
}

func TestCycleBacksOffOnAgencyRateLimit(t *testing.T) {
	calls := 0
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		calls++
		return Page{}, rateLimited(2 * time.Second)
	}}
	p, _, cursors, m, slept := newPoller(t, conn)

	ctx := context.Background()
	require.NoError(t, cursors.SetCursor(ctx, "etoll", "c-41"))
	p.cycle(ctx)

	// One suggested back-off, one re-entry, then the cycle gives up.
	assert.Equal(t, 2, calls)
	require.Len(t, *slept, 1)
	assert.Equal(t, 2*time.Second, (*slept)[0])

	cur, err := cursors.GetCursor(ctx, "etoll")
	require.NoError(t, err)
	assert.Equal(t, "c-41", cur, "rate-limited cycle must not move the cursor")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollCycles.WithLabelValues("etoll", "error")))
}

func TestCycleDefaultsRateLimitWait(t *testing.T) {
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		return Page{}, rateLimited(0)
	}}
	p, _, _, _, slept := newPoller(t, conn)

	p.cycle(context.Background())

	require.NotEmpty(t, *slept)
	assert.Equal(t, rateLimitDefaultWait, (*slept)[0])
}

func TestCycleRecoversAfterRateLimit(t *testing.T) {
	calls := 0
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		calls++
		if calls == 1 {
			return Page{}, rateLimited(2 * time.Second)
		}
		return onePage("etoll-0001", "c-2"), nil
	}}
	p, b, cursors, m, _ := newPoller(t, conn)

	ctx := context.Background()
	p.cycle(ctx)

	msgs, err := b.ReadTopic(ctx, bus.TopicRaw, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var raw domain.RawEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &raw))
	assert.Equal(t, "etoll-0001", raw.EventID)
	assert.Equal(t, "etoll", raw.AgencyID)
	assert.Equal(t, domain.SourceAgencyFeed, raw.Source)

	cur, err := cursors.GetCursor(ctx, "etoll")
	require.NoError(t, err)
	assert.Equal(t, "c-2", cur)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollCycles.WithLabelValues("etoll", "ok")))
}

func TestPollRefreshesBeforePaging(t *testing.T) {
	refreshCalls := 0
	conn := &fakeConn{
		listFn: func(context.Context, string, int) (Page, error) {
			return onePage("etoll-0002", "c-1"), nil
		},
		refreshFn: func(context.Context) error {
			refreshCalls++
			return nil
		},
	}
	p, _, _, _, _ := newPoller(t, conn)

	p.cycle(context.Background())

	// The skew-based renewal runs once per poll, ahead of the page walk.
	assert.Equal(t, 1, refreshCalls)
}

func TestFetchPageRefreshesOnUnauthorized(t *testing.T) {
	listCalls, refreshCalls, authCalls := 0, 0, 0
	conn := &fakeConn{
		listFn: func(context.Context, string, int) (Page, error) {
			listCalls++
			if listCalls == 1 {
				return Page{}, NewError(KindAuth, "etoll", errors.New("401 token expired"))
			}
			return onePage("etoll-0002", "c-1"), nil
		},
		refreshFn: func(context.Context) error {
			refreshCalls++
			return nil
		},
		authFn: func(context.Context) error {
			authCalls++
			return nil
		},
	}
	p, b, _, _, _ := newPoller(t, conn)

	ctx := context.Background()
	p.cycle(ctx)

	// One proactive renewal plus one forced by the 401; no from-scratch
	// authentication while the refresh grant works.
	assert.Equal(t, 2, refreshCalls)
	assert.Equal(t, 0, authCalls)
	assert.Equal(t, 2, listCalls)
	msgs, err := b.ReadTopic(ctx, bus.TopicRaw, 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFetchPageFallsBackToFullAuth(t *testing.T) {
	listCalls, authCalls := 0, 0
	conn := &fakeConn{
		listFn: func(context.Context, string, int) (Page, error) {
			listCalls++
			if listCalls <= 2 {
				// Refresh did not help: the token is unexpired but revoked.
				return Page{}, NewError(KindAuth, "etoll", errors.New("401 token revoked"))
			}
			return onePage("etoll-0003", "c-1"), nil
		},
		authFn: func(context.Context) error {
			authCalls++
			return nil
		},
	}
	p, b, _, _, _ := newPoller(t, conn)

	ctx := context.Background()
	p.cycle(ctx)

	assert.Equal(t, 1, authCalls)
	assert.Equal(t, 3, listCalls)
	msgs, err := b.ReadTopic(ctx, bus.TopicRaw, 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFetchPageSurfacesFailedReauth(t *testing.T) {
	listCalls, authCalls := 0, 0
	conn := &fakeConn{
		listFn: func(context.Context, string, int) (Page, error) {
			listCalls++
			return Page{}, NewError(KindAuth, "etoll", errors.New("401"))
		},
		authFn: func(context.Context) error {
			authCalls++
			return errors.New("credentials revoked")
		},
	}
	p, b, _, m, _ := newPoller(t, conn)

	ctx := context.Background()
	p.cycle(ctx)

	// Refresh is a no-op for a revoked credential; the from-scratch attempt
	// runs once and its failure ends the cycle without a third list.
	assert.Equal(t, 1, authCalls)
	assert.Equal(t, 2, listCalls)
	msgs, err := b.ReadTopic(ctx, bus.TopicRaw, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollCycles.WithLabelValues("etoll", "error")))
}

func TestFetchPageRetriesTransientWithBackoff(t *testing.T) {
	calls := 0
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		calls++
		if calls <= 2 {
			return Page{}, NewError(KindNetwork, "etoll", errors.New("connection reset"))
		}
		return onePage("etoll-0003", "c-1"), nil
	}}
	p, b, _, _, slept := newPoller(t, conn)

	ctx := context.Background()
	p.cycle(ctx)

	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, *slept)
	msgs, err := b.ReadTopic(ctx, bus.TopicRaw, 1, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFetchPageExhaustsTransientRetries(t *testing.T) {
	calls := 0
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		calls++
		return Page{}, NewError(KindTimeout, "etoll", errors.New("deadline"))
	}}
	p, _, _, m, slept := newPoller(t, conn)

	p.cycle(context.Background())

	// Retry.Max = 3: the initial attempt plus three retries, back-off doubling
	// up to the configured ceiling.
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, *slept)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollCycles.WithLabelValues("etoll", "error")))
}

func TestCycleSkipsWhenBreakerOpen(t *testing.T) {
	called := false
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		called = true
		return Page{}, nil
	}}
	p, _, _, m, _ := newPoller(t, conn)

	for i := 0; i < 20; i++ {
		p.breaker.Record(false)
	}
	require.Equal(t, BreakerOpen, p.breaker.State())

	p.cycle(context.Background())

	assert.False(t, called)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollSkips.WithLabelValues("etoll", "breaker_open")))
}

func TestCycleSkipsWhenTokenBucketEmpty(t *testing.T) {
	called := false
	conn := &fakeConn{listFn: func(context.Context, string, int) (Page, error) {
		called = true
		return Page{}, nil
	}}
	p, _, _, m, _ := newPoller(t, conn)
	p.limiter = rate.NewLimiter(0, 0)

	p.cycle(context.Background())

	assert.False(t, called)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollSkips.WithLabelValues("etoll", "rate_limited")))
}

func TestHeartbeatTracksErrorRate(t *testing.T) {
	conn := &fakeConn{}

	p, _, _, _, _ := newPoller(t, conn)
	assert.Equal(t, domain.HealthHealthy, p.Heartbeat().Status)

	// 3 failures in a window of 20 is 0.15: degraded but under the breaker
	// threshold.
	p, _, _, _, _ = newPoller(t, conn)
	for i := 0; i < 17; i++ {
		p.breaker.Record(true)
	}
	for i := 0; i < 3; i++ {
		p.breaker.Record(false)
	}
	hb := p.Heartbeat()
	assert.Equal(t, domain.HealthDegraded, hb.Status)
	assert.InDelta(t, 0.15, hb.ErrorRate, 1e-9)

	// 7 of 20 is 0.35: unhealthy while the breaker is still closed.
	p, _, _, _, _ = newPoller(t, conn)
	for i := 0; i < 13; i++ {
		p.breaker.Record(true)
	}
	for i := 0; i < 7; i++ {
		p.breaker.Record(false)
	}
	require.Equal(t, BreakerClosed, p.breaker.State())
	assert.Equal(t, domain.HealthUnhealthy, p.Heartbeat().Status)

	// An open breaker is unhealthy regardless of the rate.
	p, _, _, _, _ = newPoller(t, conn)
	for i := 0; i < 20; i++ {
		p.breaker.Record(false)
	}
	assert.Equal(t, domain.HealthUnhealthy, p.Heartbeat().Status)
}
