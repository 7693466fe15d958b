// Package matcher resolves normalized toll events to registered vehicles.
// Strategies run in order of decreasing confidence — exact plate, fuzzy
// plate, time-and-location correlation — and the first hit wins. Events no
// strategy can place go to the manual review queue instead of the bus.
package matcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// maxFuzzyDistance bounds the edit distance a fuzzy match may bridge. Two
// covers the common OCR confusions (O/0, I/1, B/8) without letting short
// plates collide.
const maxFuzzyDistance = 2

// subscoreFloor is the minimum either time or distance subscore must reach
// for a time-location match; it stops one perfect dimension from carrying a
// hopeless other.
const subscoreFloor = 0.5

// VehicleStore is the slice of the read model the matcher needs.
type VehicleStore interface {
	FindActiveVehicles(ctx context.Context, plate, plateState string) ([]domain.Vehicle, error)
	ListActiveVehiclesByState(ctx context.Context, plateState string) ([]domain.Vehicle, error)
	ListVehiclesSeenBetween(ctx context.Context, from, to time.Time) ([]domain.Vehicle, error)
}

// Matcher runs the strategy chain.
type Matcher struct {
	vehicles VehicleStore
	cache    *PlateCache
	cfg      config.Matcher
	log      *zap.Logger
}

func New(vehicles VehicleStore, cache *PlateCache, cfg config.Matcher, log *zap.Logger) *Matcher {
	return &Matcher{vehicles: vehicles, cache: cache, cfg: cfg, log: log.Named("matcher")}
}

// Match resolves one event. A MatchResult with Matched=false and
// MatchType=manual_review means no strategy placed it; the caller owns the
// review-queue insert.
func (m *Matcher) Match(ctx context.Context, ev domain.NormalizedEvent) (domain.MatchResult, error) {
	if res, ok, err := m.exact(ctx, ev); err != nil {
		return domain.MatchResult{}, err
	} else if ok {
		return res, nil
	}

	if res, ok, err := m.fuzzy(ctx, ev); err != nil {
		return domain.MatchResult{}, err
	} else if ok {
		return res, nil
	}

	if res, ok, err := m.timeLocation(ctx, ev); err != nil {
		return domain.MatchResult{}, err
	} else if ok {
		return res, nil
	}

	return domain.MatchResult{
		Matched:   false,
		MatchType: domain.MatchManualReview,
		Notes:     "no strategy matched",
	}, nil
}

// exact looks the canonical plate up in the cache, then the read model.
func (m *Matcher) exact(ctx context.Context, ev domain.NormalizedEvent) (domain.MatchResult, bool, error) {
	vehicles, hit := m.cache.Get(ctx, ev.Plate, ev.PlateState)
	if !hit {
		var err error
		vehicles, err = m.vehicles.FindActiveVehicles(ctx, ev.Plate, ev.PlateState)
		if err != nil {
			return domain.MatchResult{}, false, fmt.Errorf("exact lookup: %w", err)
		}
		m.cache.Set(ctx, ev.Plate, ev.PlateState, vehicles)
	}

	if len(vehicles) == 0 {
		return domain.MatchResult{}, false, nil
	}

	v := vehicles[0]
	notes := ""
	if len(vehicles) > 1 {
		// Two active registrations for one plate+state is an identity-side
		// defect; match the most recently seen and flag it.
		sortBySeen(vehicles)
		v = vehicles[0]
		notes = fmt.Sprintf("multi_match: %d active vehicles for plate", len(vehicles))
		m.log.Warn("multiple active vehicles for plate",
			zap.String("plate", ev.Plate),
			zap.String("state", ev.PlateState),
			zap.Int("count", len(vehicles)),
		)
	}

	return domain.MatchResult{
		Matched:      true,
		UserID:       v.UserID,
		VehicleID:    v.ID,
		Confidence:   1.0,
		MatchType:    domain.MatchExact,
		VehicleClass: v.Class,
		Notes:        notes,
	}, true, nil
}

// fuzzy scans the state's active plates for near-misses within
// maxFuzzyDistance edits. Score is 1 - d/len(longer); ties break on most
// recently seen, then lexicographic plate so reruns are deterministic.
func (m *Matcher) fuzzy(ctx context.Context, ev domain.NormalizedEvent) (domain.MatchResult, bool, error) {
	candidates, err := m.vehicles.ListActiveVehiclesByState(ctx, ev.PlateState)
	if err != nil {
		return domain.MatchResult{}, false, fmt.Errorf("fuzzy candidates: %w", err)
	}

	type scored struct {
		v     domain.Vehicle
		score float64
	}
	var hits []scored
	for _, v := range candidates {
		d := levenshtein.ComputeDistance(ev.Plate, v.Plate)
		if d == 0 || d > maxFuzzyDistance {
			continue
		}
		longer := len(ev.Plate)
		if len(v.Plate) > longer {
			longer = len(v.Plate)
		}
		score := 1.0 - float64(d)/float64(longer)
		if score >= m.cfg.FuzzyThreshold {
			hits = append(hits, scored{v: v, score: score})
		}
	}
	if len(hits) == 0 {
		return domain.MatchResult{}, false, nil
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		si, sj := seenAt(hits[i].v), seenAt(hits[j].v)
		if !si.Equal(sj) {
			return si.After(sj)
		}
		return hits[i].v.Plate < hits[j].v.Plate
	})

	best := hits[0]
	return domain.MatchResult{
		Matched:      true,
		UserID:       best.v.UserID,
		VehicleID:    best.v.ID,
		Confidence:   best.score,
		MatchType:    domain.MatchFuzzy,
		VehicleClass: best.v.Class,
		Notes:        fmt.Sprintf("fuzzy: %s ~ %s", ev.Plate, best.v.Plate),
	}, true, nil
}

// timeLocation correlates an unreadable plate with vehicles seen near the
// gantry around the event time. Both subscores must clear subscoreFloor and
// their average must clear the configured threshold.
func (m *Matcher) timeLocation(ctx context.Context, ev domain.NormalizedEvent) (domain.MatchResult, bool, error) {
	if ev.Location == nil {
		return domain.MatchResult{}, false, nil
	}

	window := time.Duration(m.cfg.TimeWindowMinutes) * time.Minute
	candidates, err := m.vehicles.ListVehiclesSeenBetween(ctx, ev.EventTimestamp.Add(-window), ev.EventTimestamp.Add(window))
	if err != nil {
		return domain.MatchResult{}, false, fmt.Errorf("time-location candidates: %w", err)
	}

	var (
		best      domain.Vehicle
		bestScore float64
	)
	for _, v := range candidates {
		if v.LastSeen == nil || v.LastLocation == nil {
			continue
		}

		dt := ev.EventTimestamp.Sub(*v.LastSeen)
		if dt < 0 {
			dt = -dt
		}
		timeScore := 1.0 - float64(dt)/float64(window)

		dist := domain.HaversineMeters(ev.Location.Lat, ev.Location.Lon, v.LastLocation.Lat, v.LastLocation.Lon)
		distScore := 1.0 - dist/m.cfg.DistanceMeters

		if timeScore < subscoreFloor || distScore < subscoreFloor {
			continue
		}
		score := (timeScore + distScore) / 2
		if score > bestScore {
			best, bestScore = v, score
		}
	}

	if bestScore < m.cfg.FuzzyThreshold {
		return domain.MatchResult{}, false, nil
	}

	return domain.MatchResult{
		Matched:      true,
		UserID:       best.UserID,
		VehicleID:    best.ID,
		Confidence:   bestScore,
		MatchType:    domain.MatchTimeBased,
		VehicleClass: best.Class,
		Notes:        fmt.Sprintf("time_location: vehicle %s seen nearby", best.ID),
	}, true, nil
}

func seenAt(v domain.Vehicle) time.Time {
	if v.LastSeen == nil {
		return time.Time{}
	}
	return *v.LastSeen
}

func sortBySeen(vehicles []domain.Vehicle) {
	sort.Slice(vehicles, func(i, j int) bool {
		si, sj := seenAt(vehicles[i]), seenAt(vehicles[j])
		if !si.Equal(sj) {
			return si.After(sj)
		}
		return vehicles[i].ID < vehicles[j].ID
	})
}
