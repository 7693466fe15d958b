package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// cacheTTL bounds staleness for plate lookups that miss an invalidation
// (e.g. a notice published while the matcher was down).
const cacheTTL = time.Hour

// PlateCache is the write-through Redis cache in front of the vehicle read
// model. Keys are vehicle:<plate>|<state>; values are the JSON list of
// active vehicles for that plate. Cache failures degrade to DB reads, never
// to match failures.
type PlateCache struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewPlateCache(rdb *redis.Client, log *zap.Logger) *PlateCache {
	return &PlateCache{rdb: rdb, log: log.Named("plate-cache")}
}

func cacheKey(plate, state string) string {
	return "vehicle:" + domain.PlateKey(plate, state)
}

// Get returns the cached vehicle list and whether the key was present.
func (c *PlateCache) Get(ctx context.Context, plate, state string) ([]domain.Vehicle, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(plate, state)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var vehicles []domain.Vehicle
	if err := json.Unmarshal(raw, &vehicles); err != nil {
		c.log.Warn("cache entry corrupt, dropping", zap.String("plate", plate), zap.Error(err))
		c.Invalidate(ctx, plate, state)
		return nil, false
	}
	return vehicles, true
}

// Set stores the vehicle list (possibly empty — a cached miss) for one plate.
func (c *PlateCache) Set(ctx context.Context, plate, state string, vehicles []domain.Vehicle) {
	if vehicles == nil {
		vehicles = []domain.Vehicle{}
	}
	raw, err := json.Marshal(vehicles)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(plate, state), raw, cacheTTL).Err(); err != nil {
		c.log.Warn("cache write failed", zap.Error(err))
	}
}

// Invalidate drops one plate's entry.
func (c *PlateCache) Invalidate(ctx context.Context, plate, state string) {
	if err := c.rdb.Del(ctx, cacheKey(plate, state)).Err(); err != nil {
		c.log.Warn("cache invalidation failed", zap.Error(err))
	}
}

// SubscribeInvalidations joins the vehicle-notice topic and drops the cache
// entry for every changed plate, keeping the write-through cache coherent
// with the identity service.
func (c *PlateCache) SubscribeInvalidations(ctx context.Context, consumer bus.Consumer) error {
	return consumer.Subscribe(ctx, bus.TopicVehicles, "matcher-cache", func(ctx context.Context, msg *bus.Message) error {
		var notice domain.VehicleNotice
		if err := json.Unmarshal(msg.Value, &notice); err != nil {
			return bus.Permanent("ValidationError", fmt.Errorf("decode vehicle notice: %w", err))
		}
		c.Invalidate(ctx, notice.Plate, notice.PlateState)
		c.log.Debug("plate cache invalidated",
			zap.String("plate", notice.Plate),
			zap.String("state", notice.PlateState),
			zap.String("change", notice.Change),
		)
		return nil
	})
}
