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
)

// StatusGroup is the consumer group for event status changes.
const StatusGroup = "status-applier"

// StatusConsumer applies dispute and void decisions to persisted events.
// Disputes only flip the event status; voids additionally credit the charge
// back to the user — on the original draft when it is still open, otherwise
// on the period being billed now.
type StatusConsumer struct {
	bus bus.Consumer
	tx  store.TxRunner
	cfg config.Statement
	log *zap.Logger

	now func() time.Time
}

func NewStatusConsumer(b bus.Consumer, tx store.TxRunner, cfg config.Statement, log *zap.Logger) *StatusConsumer {
	return &StatusConsumer{
		bus: b,
		tx:  tx,
		cfg: cfg,
		log: log.Named("status-applier"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start joins the consumer group.
func (c *StatusConsumer) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, bus.TopicStatus, StatusGroup, c.handle)
}

func (c *StatusConsumer) handle(ctx context.Context, msg *bus.Message) error {
	var change domain.StatusChange
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("decode status change: %w", err))
	}

	switch change.Status {
	case domain.EventDisputed, domain.EventVoided:
	default:
		return bus.Permanent("ValidationError", fmt.Errorf("unsupported status transition %q", change.Status))
	}

	for attempt := 0; attempt < occRetries; attempt++ {
		err := c.tx.InTx(ctx, func(q store.Querier) error {
			return c.applyTx(ctx, q, change)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, errOCCConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("statement contention applying %s to event %s", change.Status, change.TollEventID)
}

func (c *StatusConsumer) applyTx(ctx context.Context, q store.Querier, change domain.StatusChange) error {
	ev, err := q.GetTollEvent(ctx, change.TollEventID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Status change for an event that never persisted; nothing to
			// apply and nothing a redelivery would fix.
			return bus.Permanent("ValidationError", fmt.Errorf("status change for unknown event %s", change.TollEventID))
		}
		return err
	}
	if ev.Status == change.Status {
		// Redelivered decision; already applied.
		return nil
	}

	if err := q.UpdateTollEventStatus(ctx, change.TollEventID, change.Status); err != nil {
		return err
	}
	c.log.Info("event status applied",
		zap.String("event", change.TollEventID),
		zap.String("status", string(change.Status)),
		zap.String("reason", change.Reason),
	)

	if change.Status != domain.EventVoided {
		return nil
	}
	return c.credit(ctx, q, ev)
}

// credit returns a voided event's charge to the user.
func (c *StatusConsumer) credit(ctx context.Context, q store.Querier, ev domain.TollEvent) error {
	amount := ev.RatedAmount.Add(ev.Fees)

	st, item, err := q.FindItemStatement(ctx, ev.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && st.Status == domain.StatementDraft {
		amount = item.Amount.Add(item.Fees)
		ok, err := q.AddCredit(ctx, st.ID, amount, st.Version)
		if err != nil {
			return err
		}
		if !ok {
			return errOCCConflict
		}
		return nil
	}

	// Original statement already frozen (or the item never landed): the
	// credit goes on the draft for the current period.
	loc := time.UTC
	if st.Timezone != "" {
		if l, lerr := time.LoadLocation(st.Timezone); lerr == nil {
			loc = l
		}
	}
	periodStart, periodEnd := domain.PeriodBounds(c.now(), loc, c.cfg.Period, c.cfg.CutDayOfMonth)

	cur, err := q.GetStatement(ctx, ev.UserID, periodStart)
	if errors.Is(err, store.ErrNotFound) {
		cur = domain.Statement{
			ID:          uuid.Must(uuid.NewV7()).String(),
			UserID:      ev.UserID,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Timezone:    st.Timezone,
			Status:      domain.StatementDraft,
			Version:     1,
		}
		if cur.Timezone == "" {
			cur.Timezone = "UTC"
		}
		if err := q.InsertStatement(ctx, cur); err != nil {
			// A concurrent insert for the period is a conflict to retry;
			// anything else is a real failure.
			if store.IsUniqueViolation(err) {
				return errOCCConflict
			}
			return fmt.Errorf("insert statement: %w", err)
		}
	} else if err != nil {
		return err
	}

	ok, err := q.AddCredit(ctx, cur.ID, amount, cur.Version)
	if err != nil {
		return err
	}
	if !ok {
		return errOCCConflict
	}
	return nil
}
