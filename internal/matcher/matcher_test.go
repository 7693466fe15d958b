package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

type fakeVehicles struct {
	findFn        func(ctx context.Context, plate, state string) ([]domain.Vehicle, error)
	listByStateFn func(ctx context.Context, state string) ([]domain.Vehicle, error)
	seenBetweenFn func(ctx context.Context, from, to time.Time) ([]domain.Vehicle, error)
}

func (f *fakeVehicles) FindActiveVehicles(ctx context.Context, plate, state string) ([]domain.Vehicle, error) {
	if f.findFn == nil {
		return nil, nil
	}
	return f.findFn(ctx, plate, state)
}

func (f *fakeVehicles) ListActiveVehiclesByState(ctx context.Context, state string) ([]domain.Vehicle, error) {
	if f.listByStateFn == nil {
		return nil, nil
	}
	return f.listByStateFn(ctx, state)
}

func (f *fakeVehicles) ListVehiclesSeenBetween(ctx context.Context, from, to time.Time) ([]domain.Vehicle, error) {
	if f.seenBetweenFn == nil {
		return nil, nil
	}
	return f.seenBetweenFn(ctx, from, to)
}

func testConfig() config.Matcher {
	return config.Matcher{FuzzyThreshold: 0.8, TimeWindowMinutes: 30, DistanceMeters: 10_000}
}

func newMatcher(t *testing.T, vehicles VehicleStore) *Matcher {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := zaptest.NewLogger(t)
	return New(vehicles, NewPlateCache(rdb, log), testConfig(), log)
}

func normEvent(plate, state string) domain.NormalizedEvent {
	return domain.NormalizedEvent{
		NormalizedID:   "n-1",
		AgencyID:       "etoll",
		Plate:          plate,
		PlateState:     state,
		EventTimestamp: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestExactMatch(t *testing.T) {
	m := newMatcher(t, &fakeVehicles{
		findFn: func(_ context.Context, plate, state string) ([]domain.Vehicle, error) {
			require.Equal(t, "ABC123", plate)
			require.Equal(t, "CA", state)
			return []domain.Vehicle{{ID: "v-1", UserID: "u-1", Plate: "ABC123", PlateState: "CA", Class: "motorcycle", Active: true}}, nil
		},
	})

	res, err := m.Match(context.Background(), normEvent("ABC123", "CA"))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, domain.MatchExact, res.MatchType)
	assert.Equal(t, "u-1", res.UserID)
	assert.Equal(t, "v-1", res.VehicleID)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "motorcycle", res.VehicleClass)
}

func TestExactMatchUsesCacheOnSecondLookup(t *testing.T) {
	calls := 0
	m := newMatcher(t, &fakeVehicles{
		findFn: func(context.Context, string, string) ([]domain.Vehicle, error) {
			calls++
			return []domain.Vehicle{{ID: "v-1", UserID: "u-1", Plate: "ABC123", PlateState: "CA", Active: true}}, nil
		},
	})

	for i := 0; i < 3; i++ {
		res, err := m.Match(context.Background(), normEvent("ABC123", "CA"))
		require.NoError(t, err)
		require.True(t, res.Matched)
	}
	assert.Equal(t, 1, calls)
}

func TestExactMatchMultipleActivePrefersLastSeen(t *testing.T) {
	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	m := newMatcher(t, &fakeVehicles{
		findFn: func(context.Context, string, string) ([]domain.Vehicle, error) {
			return []domain.Vehicle{
				{ID: "v-old", UserID: "u-old", Plate: "ABC123", PlateState: "CA", Active: true, LastSeen: &older},
				{ID: "v-new", UserID: "u-new", Plate: "ABC123", PlateState: "CA", Active: true, LastSeen: &newer},
			}, nil
		},
	})

	res, err := m.Match(context.Background(), normEvent("ABC123", "CA"))
	require.NoError(t, err)
	assert.Equal(t, "v-new", res.VehicleID)
	assert.Contains(t, res.Notes, "multi_match")
}

func TestFuzzyMatchOCRConfusion(t *testing.T) {
	// ABC12O read by the camera for registered ABC120: one edit over six
	// characters gives confidence 5/6.
	m := newMatcher(t, &fakeVehicles{
		listByStateFn: func(context.Context, string) ([]domain.Vehicle, error) {
			return []domain.Vehicle{{ID: "v-1", UserID: "u-1", Plate: "ABC120", PlateState: "CA", Active: true}}, nil
		},
	})

	res, err := m.Match(context.Background(), normEvent("ABC12O", "CA"))
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, domain.MatchFuzzy, res.MatchType)
	assert.InDelta(t, 5.0/6.0, res.Confidence, 1e-9)
}

func TestFuzzyConfidenceDecreasesWithDistance(t *testing.T) {
	score := func(observed, registered string) float64 {
		m := newMatcher(t, &fakeVehicles{
			listByStateFn: func(context.Context, string) ([]domain.Vehicle, error) {
				return []domain.Vehicle{{ID: "v-1", UserID: "u-1", Plate: registered, PlateState: "CA", Active: true}}, nil
			},
		})
		res, err := m.Match(context.Background(), normEvent(observed, "CA"))
		require.NoError(t, err)
		if !res.Matched || res.MatchType != domain.MatchFuzzy {
			return 0
		}
		return res.Confidence
	}

	one := score("ABCDEFGH1J", "ABCDEFGHIJ") // distance 1
	two := score("ABCDEFGH12", "ABCDEFGHIJ") // distance 2
	assert.Greater(t, one, two)
	assert.Greater(t, two, 0.0)
}

func TestFuzzyRejectsBeyondMaxDistance(t *testing.T) {
	m := newMatcher(t, &fakeVehicles{
		listByStateFn: func(context.Context, string) ([]domain.Vehicle, error) {
			return []domain.Vehicle{{ID: "v-1", UserID: "u-1", Plate: "XYZWVU9876", PlateState: "CA", Active: true}}, nil
		},
	})

	res, err := m.Match(context.Background(), normEvent("ABCDEFGHIJ", "CA"))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, domain.MatchManualReview, res.MatchType)
}

func TestFuzzyTieBreaksOnLastSeenThenPlate(t *testing.T) {
	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	m := newMatcher(t, &fakeVehicles{
		listByStateFn: func(context.Context, string) ([]domain.Vehicle, error) {
			// Both one edit away from ABC12X, equal score.
			return []domain.Vehicle{
				{ID: "v-a", UserID: "u-a", Plate: "ABC121", PlateState: "CA", Active: true, LastSeen: &older},
				{ID: "v-b", UserID: "u-b", Plate: "ABC122", PlateState: "CA", Active: true, LastSeen: &newer},
			}, nil
		},
	})

	res, err := m.Match(context.Background(), normEvent("ABC12X", "CA"))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, "v-b", res.VehicleID)
}

func TestTimeLocationMatch(t *testing.T) {
	eventTime := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	seen := eventTime.Add(-5 * time.Minute)
	m := newMatcher(t, &fakeVehicles{
		seenBetweenFn: func(context.Context, time.Time, time.Time) ([]domain.Vehicle, error) {
			return []domain.Vehicle{{
				ID: "v-1", UserID: "u-1", Plate: "UNREADABLE", PlateState: "CA", Active: true,
				LastSeen:     &seen,
				LastLocation: &domain.Location{Lat: 37.7750, Lon: -122.4195},
			}}, nil
		},
	})

	ev := normEvent("ZZ", "CA")
	ev.EventTimestamp = eventTime
	ev.Location = &domain.Location{Lat: 37.7749, Lon: -122.4194}

	res, err := m.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, domain.MatchTimeBased, res.MatchType)
	assert.GreaterOrEqual(t, res.Confidence, 0.8)
}

func TestTimeLocationRejectsWeakSubscore(t *testing.T) {
	eventTime := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	// Seen 28 minutes out: time subscore below the floor even though the
	// location is a perfect hit.
	seen := eventTime.Add(-28 * time.Minute)
	m := newMatcher(t, &fakeVehicles{
		seenBetweenFn: func(context.Context, time.Time, time.Time) ([]domain.Vehicle, error) {
			return []domain.Vehicle{{
				ID: "v-1", UserID: "u-1", Active: true,
				LastSeen:     &seen,
				LastLocation: &domain.Location{Lat: 37.7749, Lon: -122.4194},
			}}, nil
		},
	})

	ev := normEvent("ZZ", "CA")
	ev.EventTimestamp = eventTime
	ev.Location = &domain.Location{Lat: 37.7749, Lon: -122.4194}

	res, err := m.Match(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestNoLocationSkipsTimeLocationStrategy(t *testing.T) {
	called := false
	m := newMatcher(t, &fakeVehicles{
		seenBetweenFn: func(context.Context, time.Time, time.Time) ([]domain.Vehicle, error) {
			called = true
			return nil, nil
		},
	})

	res, err := m.Match(context.Background(), normEvent("ZZ99", "CA"))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.False(t, called)
}

func TestCacheInvalidationForcesRefetch(t *testing.T) {
	calls := 0
	m := newMatcher(t, &fakeVehicles{
		findFn: func(context.Context, string, string) ([]domain.Vehicle, error) {
			calls++
			return []domain.Vehicle{{ID: "v-1", UserID: "u-1", Plate: "ABC123", PlateState: "CA", Active: true}}, nil
		},
	})

	_, err := m.Match(context.Background(), normEvent("ABC123", "CA"))
	require.NoError(t, err)
	m.cache.Invalidate(context.Background(), "ABC123", "CA")
	_, err = m.Match(context.Background(), normEvent("ABC123", "CA"))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}
