// Package persister commits matched toll events to storage and accrues them
// onto the owner's draft statement. Event insert and statement update share
// one transaction, so a crash between them cannot strand money: either both
// land or the redelivery does both again. The (agency_id, external_event_id)
// unique constraint is the durable dedup of last resort.
package persister

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// Group is the consumer group this stage joins on the matched topic.
const Group = "persister"

// occRetries bounds optimistic-concurrency retries on a contended draft.
// Events for one user arrive on one partition, so contention only comes from
// the dispute path and the close sweep.
const occRetries = 5

// errOCCConflict signals a version-check miss inside the transaction.
var errOCCConflict = errors.New("statement version conflict")

// Consumer is the persistence stage.
type Consumer struct {
	bus     bus.Consumer
	tx      store.TxRunner
	cfg     config.Statement
	metrics *telemetry.Metrics
	log     *zap.Logger

	// now is swapped out by late-arrival tests.
	now func() time.Time
}

func NewConsumer(b bus.Consumer, tx store.TxRunner, cfg config.Statement, m *telemetry.Metrics, log *zap.Logger) *Consumer {
	return &Consumer{
		bus:     b,
		tx:      tx,
		cfg:     cfg,
		metrics: m,
		log:     log.Named("persister"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start joins the consumer group.
func (c *Consumer) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, bus.TopicMatched, Group, c.handle)
}

func (c *Consumer) handle(ctx context.Context, msg *bus.Message) error {
	var record domain.MatchedRecord
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("decode matched record: %w", err))
	}
	if record.Event.ID == "" || record.Event.UserID == "" {
		return bus.Permanent("ValidationError", errors.New("matched record missing event id or user id"))
	}
	return c.persist(ctx, record.Event)
}

func (c *Consumer) persist(ctx context.Context, ev domain.TollEvent) error {
	loc, tzName := c.timezone(ctx, ev.UserID)

	for attempt := 0; attempt < occRetries; attempt++ {
		err := c.tx.InTx(ctx, func(q store.Querier) error {
			return c.persistTx(ctx, q, ev, loc, tzName)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, errOCCConflict) {
			c.log.Debug("draft contention, retrying",
				zap.String("user", ev.UserID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		return err
	}
	// Leave the message uncommitted; redelivery starts a fresh budget.
	return fmt.Errorf("statement contention for user %s after %d attempts", ev.UserID, occRetries)
}

func (c *Consumer) persistTx(ctx context.Context, q store.Querier, ev domain.TollEvent, loc *time.Location, tzName string) error {
	periodStart, periodEnd := domain.PeriodBounds(ev.EventTimestamp, loc, c.cfg.Period, c.cfg.CutDayOfMonth)

	// A frozen statement for the event's own period means the event arrived
	// after close: it accrues onto the period being billed now instead.
	late := false
	st, err := q.GetStatement(ctx, ev.UserID, periodStart)
	if err == nil && st.Status != domain.StatementDraft {
		late = true
		periodStart, periodEnd = domain.PeriodBounds(c.now(), loc, c.cfg.Period, c.cfg.CutDayOfMonth)
		st, err = q.GetStatement(ctx, ev.UserID, periodStart)
	}
	missing := errors.Is(err, store.ErrNotFound)
	if err != nil && !missing {
		return fmt.Errorf("load statement: %w", err)
	}

	ev.Status = domain.EventPosted
	ev.LateArrival = late
	inserted, err := q.InsertTollEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("insert toll event: %w", err)
	}
	if !inserted {
		// Latent duplicate: an event with the same (agency, external id)
		// already landed under a different pipeline run. Success, not error.
		c.metrics.LatentDuplicates.Inc()
		c.log.Info("latent duplicate absorbed",
			zap.String("agency", ev.AgencyID),
			zap.String("external_id", ev.ExternalEventID),
		)
		return nil
	}

	if missing {
		st = domain.Statement{
			ID:          uuid.Must(uuid.NewV7()).String(),
			UserID:      ev.UserID,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Timezone:    tzName,
			Status:      domain.StatementDraft,
			Version:     1,
		}
		if err := q.InsertStatement(ctx, st); err != nil {
			// A concurrent insert for the same period hits the unique
			// constraint; surface as a conflict so the retry reloads it.
			// Anything else is a real failure.
			if store.IsUniqueViolation(err) {
				return errOCCConflict
			}
			return fmt.Errorf("insert statement: %w", err)
		}
	}

	ok, err := q.AddToStatement(ctx, st.ID, ev.RatedAmount, ev.Fees, st.Version)
	if err != nil {
		return err
	}
	if !ok {
		return errOCCConflict
	}

	if err := q.InsertStatementItem(ctx, st.ID, domain.StatementItem{
		TollEventID: ev.ID,
		Amount:      ev.RatedAmount,
		Fees:        ev.Fees,
		LateArrival: late,
	}); err != nil {
		return err
	}

	if late {
		c.metrics.LateArrivals.Inc()
	}
	c.metrics.EventsPersisted.WithLabelValues(ev.AgencyID).Inc()
	return nil
}

// timezone resolves the billing clock for a user. Unknown users and broken
// zone names bill in UTC rather than failing the event.
func (c *Consumer) timezone(ctx context.Context, userID string) (*time.Location, string) {
	if c.cfg.TimezoneSource != "user" {
		return time.UTC, "UTC"
	}

	var name string
	err := c.tx.InTx(ctx, func(q store.Querier) error {
		var err error
		name, err = q.GetUserTimezone(ctx, userID)
		return err
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Warn("timezone lookup failed, billing in UTC", zap.String("user", userID), zap.Error(err))
		}
		return time.UTC, "UTC"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		c.log.Warn("unknown timezone, billing in UTC", zap.String("user", userID), zap.String("tz", name))
		return time.UTC, "UTC"
	}
	return loc, name
}
