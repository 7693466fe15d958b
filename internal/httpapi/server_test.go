package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/health"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/rater"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/storetest"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

type fixture struct {
	server   *Server
	bus      *bus.Memory
	fake     *storetest.Fake
	registry *health.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	b := bus.NewMemory(2, 3, log)
	t.Cleanup(func() { b.Close() })

	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	fake := storetest.New()
	hr := health.NewRegistry(b, 5*time.Minute, nil, m, log)

	review := NewReviewHandler(fake, b, rater.New(fake, m, log), log)
	srv := NewServer(config.HTTP{Addr: ":0"}, hr, review, reg, log)
	return &fixture{server: srv, bus: b, fake: fake, registry: hr}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func normalizedJSON(t *testing.T) []byte {
	t.Helper()
	ev := domain.NormalizedEvent{
		NormalizedID:    "norm-1",
		AgencyID:        "etoll",
		ExternalEventID: "ext-1",
		Plate:           "ABC123",
		PlateState:      "CA",
		EventTimestamp:  time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC),
		GantryID:        "G-12",
		RawAmount:       decimal.RequireFromString("4.50"),
		Currency:        "USD",
		Source:          "etoll",
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	return raw
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPipelineHealthReflectsRegistry(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.registry.Start(ctx))

	rec := f.do(t, http.MethodGet, "/health/pipeline", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	hb, err := json.Marshal(domain.HealthHeartbeat{AgencyID: "etoll", Status: domain.HealthUnhealthy, SentAt: time.Now().UTC()})
	require.NoError(t, err)
	hdrs := bus.NewHeaders(ctx, "HealthHeartbeat", "test")
	require.NoError(t, f.bus.Publish(ctx, bus.TopicHealth, "etoll", hb, hdrs))

	deadline := time.After(2 * time.Second)
	for {
		rec = f.do(t, http.MethodGet, "/health/pipeline", "")
		if rec.Code == http.StatusServiceUnavailable {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline health never went unhealthy, last code %d", rec.Code)
		case <-time.After(5 * time.Millisecond):
		}
	}

	var ov health.Overview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ov))
	assert.Equal(t, domain.HealthUnhealthy, ov.State)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "toll_")
}

func TestListReviewQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.fake.InsertManualReview(ctx, store.ManualReview{NormalizedEvent: normalizedJSON(t), Reason: "no candidate", Priority: 0})
	require.NoError(t, err)
	_, err = f.fake.InsertManualReview(ctx, store.ManualReview{NormalizedEvent: normalizedJSON(t), Reason: "ambiguous", Priority: 2})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/admin/review", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []store.ManualReview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "ambiguous", rows[0].Reason) // higher priority first
}

func TestListReviewQueueRejectsBadLimit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/review?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolvePublishesAndRemovesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.fake.InsertManualReview(ctx, store.ManualReview{NormalizedEvent: normalizedJSON(t), Reason: "no candidate", Priority: 1})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/admin/review/1/resolve", `{"user_id":"user-9","vehicle_id":"veh-9","note":"plate confirmed from photo"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var record domain.MatchedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "user-9", record.Event.UserID)
	assert.Equal(t, domain.MatchManualReview, record.Match.MatchType)
	assert.Equal(t, 1.0, record.Match.Confidence)
	// No rate config seeded: the raw amount passes through.
	assert.True(t, record.Event.RatedAmount.Equal(decimal.RequireFromString("4.50")))

	msgs, err := f.bus.ReadTopic(ctx, bus.TopicMatched, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user-9", msgs[0].Key)
	assert.Equal(t, record.Event.ID, msgs[0].Headers[bus.HeaderMessageID])

	_, err = f.fake.GetManualReview(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveRequiresAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.fake.InsertManualReview(ctx, store.ManualReview{NormalizedEvent: normalizedJSON(t), Reason: "r", Priority: 0})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/admin/review/1/resolve", `{"user_id":"user-9"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveUnknownRow(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/admin/review/404/resolve", `{"user_id":"u","vehicle_id":"v"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
