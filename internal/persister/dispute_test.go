package persister

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/storetest"
)

func newStatusConsumer(t *testing.T, fake *storetest.Fake) (*StatusConsumer, *bus.Memory) {
	t.Helper()
	log := zaptest.NewLogger(t)
	b := bus.NewMemory(4, 3, log)
	t.Cleanup(func() { b.Close() })
	return NewStatusConsumer(b, fake, statementCfg(), log), b
}

func publishStatus(t *testing.T, b *bus.Memory, change domain.StatusChange) {
	t.Helper()
	value, err := json.Marshal(change)
	require.NoError(t, err)
	hdrs := bus.NewHeaders(context.Background(), "StatusChange", "test")
	require.NoError(t, b.Publish(context.Background(), bus.TopicStatus, change.UserID, value, hdrs))
}

func seedPostedEvent(t *testing.T, fake *storetest.Fake, draftStatus domain.StatementStatus) (domain.TollEvent, domain.Statement) {
	t.Helper()
	ts := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	ev := tollEvent("e-1", "u-1", "etoll", "x-1", "4.50", "0.25", ts)
	ev.Status = domain.EventPosted
	inserted, err := fake.InsertTollEvent(context.Background(), ev)
	require.NoError(t, err)
	require.True(t, inserted)

	start, end := domain.MonthlyPeriod(ts, time.UTC, 1)
	st := domain.Statement{
		ID: "st-1", UserID: "u-1",
		PeriodStart: start, PeriodEnd: end, Timezone: "UTC",
		Subtotal: dec("4.50"), Fees: dec("0.25"), Total: dec("4.75"),
		Status: domain.StatementDraft, Version: 2,
	}
	require.NoError(t, fake.InsertStatement(context.Background(), st))
	require.NoError(t, fake.InsertStatementItem(context.Background(), st.ID, domain.StatementItem{
		TollEventID: ev.ID, Amount: dec("4.50"), Fees: dec("0.25"),
	}))

	if draftStatus != domain.StatementDraft {
		fake.SetStatementStatus(st.ID, draftStatus)
	}
	return ev, st
}

func waitEventStatus(t *testing.T, fake *storetest.Fake, id string, want domain.EventStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		ev, err := fake.GetTollEvent(context.Background(), id)
		require.NoError(t, err)
		if ev.Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("event %s status %s, want %s", id, ev.Status, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDisputeOnlyFlipsStatus(t *testing.T) {
	fake := storetest.New()
	ev, st := seedPostedEvent(t, fake, domain.StatementDraft)
	c, b := newStatusConsumer(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	publishStatus(t, b, domain.StatusChange{TollEventID: ev.ID, UserID: "u-1", Status: domain.EventDisputed, Reason: "not my car"})
	waitEventStatus(t, fake, ev.ID, domain.EventDisputed)

	got, ok := fake.StatementByID(st.ID)
	require.True(t, ok)
	assert.True(t, got.Credits.IsZero())
	assert.True(t, got.Total.Equal(dec("4.75")))
}

func TestVoidCreditsOriginalDraft(t *testing.T) {
	fake := storetest.New()
	ev, st := seedPostedEvent(t, fake, domain.StatementDraft)
	c, b := newStatusConsumer(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	publishStatus(t, b, domain.StatusChange{TollEventID: ev.ID, UserID: "u-1", Status: domain.EventVoided, Reason: "agency reversal"})
	waitEventStatus(t, fake, ev.ID, domain.EventVoided)

	deadline := time.After(2 * time.Second)
	for {
		got, _ := fake.StatementByID(st.ID)
		if got.Credits.Equal(dec("4.75")) {
			assert.True(t, got.Total.IsZero(), "total %s", got.Total)
			return
		}
		select {
		case <-deadline:
			t.Fatalf("credit never applied, credits %s", got.Credits)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestVoidAfterFreezeCreditsCurrentPeriod(t *testing.T) {
	fake := storetest.New()
	ev, st := seedPostedEvent(t, fake, domain.StatementOpen)
	c, b := newStatusConsumer(t, fake)
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	publishStatus(t, b, domain.StatusChange{TollEventID: ev.ID, UserID: "u-1", Status: domain.EventVoided})
	waitEventStatus(t, fake, ev.ID, domain.EventVoided)

	// The frozen March statement stays untouched.
	frozen, _ := fake.StatementByID(st.ID)
	assert.True(t, frozen.Credits.IsZero())
	assert.Equal(t, domain.StatementOpen, frozen.Status)

	aprilStart, _ := domain.MonthlyPeriod(now, time.UTC, 1)
	deadline := time.After(2 * time.Second)
	for {
		cur, err := fake.GetStatement(context.Background(), "u-1", aprilStart)
		if err == nil && cur.Credits.Equal(dec("4.75")) {
			assert.True(t, cur.Total.Equal(dec("-4.75")))
			return
		}
		select {
		case <-deadline:
			t.Fatal("credit never landed on current period")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestVoidSurfacesInsertFailureAsError(t *testing.T) {
	fake := storetest.New()
	ev, _ := seedPostedEvent(t, fake, domain.StatementOpen)
	// The current-period insert hits a genuine database failure, not a
	// unique-constraint race.
	fake.InsertStatementErr = errors.New("connection refused")

	c, b := newStatusConsumer(t, fake)
	c.now = func() time.Time { return time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC) }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	publishStatus(t, b, domain.StatusChange{TollEventID: ev.ID, UserID: "u-1", Status: domain.EventVoided})

	deadline := time.After(2 * time.Second)
	for {
		depth, err := b.Depth(context.Background(), bus.TopicDLQ)
		require.NoError(t, err)
		if depth == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("failing void never dead-lettered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// The real error surfaces through redelivery, not disguised as
	// statement contention.
	msgs, err := b.ReadTopic(context.Background(), bus.TopicDLQ, 1, 1)
	require.NoError(t, err)
	var rec bus.DLQRecord
	require.NoError(t, json.Unmarshal(msgs[0].Value, &rec))
	assert.Equal(t, "RetryExhausted", rec.ErrorClass)
	assert.Contains(t, rec.ErrorMessage, "connection refused")
	assert.NotContains(t, rec.ErrorMessage, "contention")
}

func TestStatusChangeForUnknownEventDeadLetters(t *testing.T) {
	fake := storetest.New()
	c, b := newStatusConsumer(t, fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	publishStatus(t, b, domain.StatusChange{TollEventID: "ghost", UserID: "u-1", Status: domain.EventDisputed})

	deadline := time.After(2 * time.Second)
	for {
		depth, err := b.Depth(context.Background(), bus.TopicDLQ)
		require.NoError(t, err)
		if depth == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("unknown-event change never dead-lettered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
