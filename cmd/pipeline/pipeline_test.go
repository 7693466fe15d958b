package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/dedup"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/matcher"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/normalizer"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/persister"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/rater"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/statement"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/storetest"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// TestRoundTrip drives one synthetic agency transaction through every stage
// on the in-memory bus: raw → dedup/normalize → match → rate → persist →
// close. A duplicate delivery of the same raw event must not change any
// money.
func TestRoundTrip(t *testing.T) {
	log := zaptest.NewLogger(t)
	b := bus.NewMemory(4, 3, log)
	t.Cleanup(func() { b.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	fake := storetest.New()
	fake.Vehicles = append(fake.Vehicles, domain.Vehicle{
		ID: "veh-1", UserID: "user-1", Plate: "ABC123", PlateState: "CA",
		Class: "standard", Active: true,
	})
	fake.Timezones["user-1"] = "America/New_York"
	fake.Rates = append(fake.Rates, domain.RateConfig{
		AgencyID: "etoll", RateKey: "G-12", VehicleClass: "standard",
		BaseRate: decimal.RequireFromString("5.00"),
	})

	m := telemetry.NewMetrics(prometheus.NewRegistry())
	pricer := rater.New(fake, m, log)
	stmtCfg := config.Statement{
		TimezoneSource: "user", Period: "monthly", CutDayOfMonth: 1, GracePeriodHours: 48,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, normalizer.NewConsumer(b, dedup.New(rdb, time.Hour), m, log).Start(ctx))

	plateCache := matcher.NewPlateCache(rdb, log)
	mtch := matcher.New(fake, plateCache, config.Matcher{FuzzyThreshold: 0.8, TimeWindowMinutes: 30, DistanceMeters: 10_000}, log)
	require.NoError(t, matcher.NewConsumer(b, mtch, pricer, fake, m, log).Start(ctx))

	require.NoError(t, persister.NewConsumer(b, fake, stmtCfg, m, log).Start(ctx))
	require.NoError(t, statement.NewCloser(b, fake, m, log).Start(ctx))

	// One agency transaction, delivered twice with distinct broker ids.
	payload := `{
		"plate": {"number": "abc 123", "state": "ca"},
		"occurred_at": "2026-03-10T08:30:00Z",
		"gantry_id": "G-12",
		"amount": "4.50",
		"fees": "0.10",
		"currency": "usd"
	}`
	raw := domain.RawEvent{
		EventID:    "etoll-0001",
		AgencyID:   "etoll",
		ReceivedAt: time.Now().UTC(),
		Source:     "etoll",
		Payload:    json.RawMessage(payload),
	}
	value, err := json.Marshal(raw)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		hdrs := bus.NewHeaders(ctx, "RawEvent", "etoll")
		require.NoError(t, b.Publish(ctx, bus.TopicRaw, raw.AgencyID, value, hdrs))
	}

	// Persisted event: rated from the config, posted into the user's March
	// statement in their own timezone.
	draft := waitForDraft(t, fake)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.True(t, draft.PeriodStart.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, ny)),
		"period start %s", draft.PeriodStart)
	assert.Equal(t, domain.StatementDraft, draft.Status)
	assert.True(t, draft.Subtotal.Equal(decimal.RequireFromString("5.00")),
		"subtotal %s", draft.Subtotal)
	assert.True(t, draft.Fees.Equal(decimal.RequireFromString("0.10")))

	items, err := fake.ListStatementItems(ctx, draft.ID)
	require.NoError(t, err)
	require.Len(t, items, 1, "duplicate delivery must not add a second item")

	ev, err := fake.GetTollEvent(ctx, items[0].TollEventID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, "veh-1", ev.VehicleID)
	assert.Equal(t, domain.EventPosted, ev.Status)
	assert.True(t, ev.RatedAmount.Equal(decimal.RequireFromString("5.00")))

	// Period long past: the sweep requests the close and the closer freezes
	// and publishes the statement.
	sweeper := statement.NewScheduler(fake, b, stmtCfg, log)
	require.NoError(t, sweeper.Sweep(ctx))

	closed := waitForClosed(t, b)
	assert.Equal(t, draft.ID, closed.ID)
	assert.Equal(t, domain.StatementOpen, closed.Status)
	assert.True(t, closed.Total.Equal(decimal.RequireFromString("5.10")),
		"total %s", closed.Total)
	require.Len(t, closed.Items, 1)
	assert.True(t, closed.Items[0].Amount.Equal(decimal.RequireFromString("5.00")))

	frozen, ok := fake.StatementByID(draft.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatementOpen, frozen.Status)
}

func waitForDraft(t *testing.T, fake *storetest.Fake) domain.Statement {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		drafts, err := fake.ListDueDrafts(context.Background(), time.Now().UTC().Add(365*24*time.Hour))
		require.NoError(t, err)
		if len(drafts) == 1 && drafts[0].Subtotal.IsPositive() {
			return drafts[0]
		}
		select {
		case <-deadline:
			t.Fatalf("draft statement never accrued (have %d)", len(drafts))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForClosed(t *testing.T, b *bus.Memory) domain.Statement {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		msgs, err := b.ReadTopic(context.Background(), bus.TopicClosed, 1, 10)
		require.NoError(t, err)
		if len(msgs) >= 1 {
			var st domain.Statement
			require.NoError(t, json.Unmarshal(msgs[0].Value, &st))
			return st
		}
		select {
		case <-deadline:
			t.Fatal("closed statement never published")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
