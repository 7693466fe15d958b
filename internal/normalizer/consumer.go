package normalizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/dedup"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// Group is the consumer group this stage joins on the raw topic.
const Group = "normalizer"

// Consumer is the dedup-then-normalize stage: it reads raw events, suppresses
// anything seen inside the dedup window, validates and canonicalizes the
// rest, and publishes normalized events keyed by plate so every sighting of
// one vehicle stays on one partition.
type Consumer struct {
	bus     bus.Bus
	dedup   *dedup.Store
	metrics *telemetry.Metrics
	log     *zap.Logger
}

func NewConsumer(b bus.Bus, d *dedup.Store, m *telemetry.Metrics, log *zap.Logger) *Consumer {
	return &Consumer{bus: b, dedup: d, metrics: m, log: log.Named("normalizer")}
}

// Start joins the consumer group. Delivery runs until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, bus.TopicRaw, Group, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg *bus.Message) error {
	var raw domain.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		c.metrics.ValidationFailures.WithLabelValues("unknown").Inc()
		return bus.Permanent("ValidationError", fmt.Errorf("decode raw event: %w", err))
	}
	if raw.AgencyID == "" || raw.EventID == "" {
		c.metrics.ValidationFailures.WithLabelValues(raw.AgencyID).Inc()
		return bus.Permanent("ValidationError", errors.New("raw event missing agency_id or event_id"))
	}

	fresh, err := c.dedup.CheckAndSet(ctx, raw.AgencyID, raw.EventID)
	if err != nil {
		// Redis unavailable: transient, redeliver.
		return err
	}
	if !fresh {
		c.metrics.DuplicatesSuppressed.WithLabelValues(raw.AgencyID).Inc()
		c.log.Debug("duplicate suppressed",
			zap.String("agency", raw.AgencyID),
			zap.String("event_id", raw.EventID),
		)
		return nil
	}

	norm, err := Normalize(raw)
	if err != nil {
		c.metrics.ValidationFailures.WithLabelValues(raw.AgencyID).Inc()
		// The event dead-letters; give the claim back so a replay after the
		// upstream data is fixed is not swallowed as a duplicate.
		c.release(ctx, raw)
		return bus.Permanent("ValidationError", err)
	}

	value, err := json.Marshal(norm)
	if err != nil {
		c.release(ctx, raw)
		return bus.Permanent("ValidationError", fmt.Errorf("encode normalized event: %w", err))
	}

	hdrs := bus.NewHeaders(ctx, "NormalizedEvent", "normalizer")
	bus.InjectTrace(ctx, hdrs)
	key := domain.PlateKey(norm.Plate, norm.PlateState)
	if err := c.bus.Publish(ctx, bus.TopicNormalized, key, value, hdrs); err != nil {
		// Give the claim back so the redelivery is not swallowed as a
		// duplicate.
		c.release(ctx, raw)
		return fmt.Errorf("publish normalized event: %w", err)
	}

	c.metrics.EventsNormalized.WithLabelValues(raw.AgencyID).Inc()
	return nil
}

// release drops the dedup claim so a later delivery of the same external id
// is processed again. Best effort; if it fails the TTL expires the claim
// eventually.
func (c *Consumer) release(ctx context.Context, raw domain.RawEvent) {
	if err := c.dedup.Release(ctx, raw.AgencyID, raw.EventID); err != nil {
		c.log.Warn("dedup release failed",
			zap.String("agency", raw.AgencyID),
			zap.String("event_id", raw.EventID),
			zap.Error(err),
		)
	}
}
