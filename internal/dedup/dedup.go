// Package dedup suppresses reprocessing of raw events the pipeline has
// already seen. The store is Redis: SET NX EX gives an atomic
// check-and-set with a native TTL, which is exactly the 7-day suppression
// window the normalizer needs.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// opDeadline bounds a single check-and-set round trip.
const opDeadline = time.Second

// Store is the Redis-backed dedup store keyed by
// (agency_id, external_event_id).
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Store with the given suppression TTL (≤ 0 defaults to 7
// days).
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func key(agencyID, externalEventID string) string {
	return "dedup:" + agencyID + ":" + externalEventID
}

// CheckAndSet atomically claims an event id. True means this is the first
// sighting and the caller must publish the normalized event; false means a
// duplicate to acknowledge and drop. Errors are transient (Redis down) and
// the message should be redelivered.
func (s *Store) CheckAndSet(ctx context.Context, agencyID, externalEventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	fresh, err := s.rdb.SetNX(ctx, key(agencyID, externalEventID), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check-and-set %s/%s: %w", agencyID, externalEventID, err)
	}
	return fresh, nil
}

// Release drops a claim so a later delivery can retry. Used when the
// normalized publish fails after the claim succeeded; best effort, since the
// TTL bounds the damage if the delete itself fails.
func (s *Store) Release(ctx context.Context, agencyID, externalEventID string) error {
	ctx, cancel := context.WithTimeout(ctx, opDeadline)
	defer cancel()

	if err := s.rdb.Del(ctx, key(agencyID, externalEventID)).Err(); err != nil {
		return fmt.Errorf("dedup release %s/%s: %w", agencyID, externalEventID, err)
	}
	return nil
}
