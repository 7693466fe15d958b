package matcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/rater"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// Group is the consumer group this stage joins on the normalized topic.
const Group = "matcher"

// ReviewStore parks events no strategy could place.
type ReviewStore interface {
	InsertManualReview(ctx context.Context, r store.ManualReview) (int64, error)
}

// Consumer is the match-and-rate stage: it resolves each normalized event to
// a vehicle, prices it, and publishes the candidate toll event keyed by user
// so one user's events stay ordered into the persister.
type Consumer struct {
	bus     bus.Bus
	matcher *Matcher
	rater   *rater.Rater
	review  ReviewStore
	metrics *telemetry.Metrics
	log     *zap.Logger
}

func NewConsumer(b bus.Bus, m *Matcher, r *rater.Rater, review ReviewStore, metrics *telemetry.Metrics, log *zap.Logger) *Consumer {
	return &Consumer{bus: b, matcher: m, rater: r, review: review, metrics: metrics, log: log.Named("matcher")}
}

// Start joins the consumer group and the cache-invalidation feed.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.matcher.cache.SubscribeInvalidations(ctx, c.bus); err != nil {
		return err
	}
	return c.bus.Subscribe(ctx, bus.TopicNormalized, Group, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg *bus.Message) error {
	var ev domain.NormalizedEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("decode normalized event: %w", err))
	}

	res, err := c.matcher.Match(ctx, ev)
	if err != nil {
		// Read-model unavailable: redeliver.
		return err
	}
	c.metrics.MatchResults.WithLabelValues(string(res.MatchType)).Inc()

	if !res.Matched {
		return c.parkForReview(ctx, ev, res.Notes)
	}

	record, err := BuildRecord(ctx, c.rater, ev, res)
	if err != nil {
		return err
	}
	return c.publish(ctx, record)
}

// parkForReview inserts the event into the review queue and acknowledges.
// The insert is idempotent enough for at-least-once delivery: a redelivered
// event produces a second row, which a reviewer resolves as a no-op.
func (c *Consumer) parkForReview(ctx context.Context, ev domain.NormalizedEvent, reason string) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("encode event for review: %w", err))
	}
	id, err := c.review.InsertManualReview(ctx, store.ManualReview{
		NormalizedEvent: raw,
		Reason:          reason,
		Priority:        reviewPriority(ev),
	})
	if err != nil {
		return fmt.Errorf("park for review: %w", err)
	}
	c.log.Info("event parked for manual review",
		zap.Int64("review_id", id),
		zap.String("plate", ev.Plate),
		zap.String("state", ev.PlateState),
		zap.String("agency", ev.AgencyID),
	)
	return nil
}

// reviewPriority weights higher-value events for reviewers.
func reviewPriority(ev domain.NormalizedEvent) int {
	switch {
	case ev.RawAmount.IntPart() >= 50:
		return 2
	case ev.RawAmount.IntPart() >= 10:
		return 1
	default:
		return 0
	}
}

// BuildRecord assembles and prices the candidate toll event for a successful
// match. Vehicle class resolution: the agency's word, then the registered
// class, then "standard". Shared with the admin review resolver.
func BuildRecord(ctx context.Context, r *rater.Rater, ev domain.NormalizedEvent, res domain.MatchResult) (domain.MatchedRecord, error) {
	class := ev.VehicleClass
	if class == "" {
		class = res.VehicleClass
	}
	if class == "" {
		class = "standard"
	}

	rated, err := r.Rate(ctx, ev, class)
	if err != nil {
		return domain.MatchedRecord{}, err
	}

	now := time.Now().UTC()
	event := domain.TollEvent{
		ID:              uuid.Must(uuid.NewV7()).String(),
		UserID:          res.UserID,
		VehicleID:       res.VehicleID,
		AgencyID:        ev.AgencyID,
		ExternalEventID: ev.ExternalEventID,
		Plate:           ev.Plate,
		PlateState:      ev.PlateState,
		EventTimestamp:  ev.EventTimestamp,
		GantryID:        ev.GantryID,
		Location:        ev.Location,
		VehicleClass:    class,
		RawAmount:       ev.RawAmount,
		RatedAmount:     rated,
		Fees:            ev.Fees,
		Currency:        ev.Currency,
		EvidenceURI:     ev.EvidenceURI,
		Source:          ev.Source,
		Status:          domain.EventPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return domain.MatchedRecord{Event: event, Match: res}, nil
}

func (c *Consumer) publish(ctx context.Context, record domain.MatchedRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("encode matched record: %w", err))
	}

	hdrs := bus.NewHeaders(ctx, "MatchedRecord", "matcher")
	hdrs[bus.HeaderMessageID] = record.Event.ID
	bus.InjectTrace(ctx, hdrs)
	if err := c.bus.Publish(ctx, bus.TopicMatched, record.Event.UserID, value, hdrs); err != nil {
		return fmt.Errorf("publish matched record: %w", err)
	}
	return nil
}
