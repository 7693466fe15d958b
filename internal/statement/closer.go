package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// Group is the consumer group closing statements.
const Group = "statement-closer"

// closeRetries bounds version-check retries while freezing a contended
// draft.
const closeRetries = 5

var errCloseConflict = errors.New("close version conflict")

// Closer freezes due drafts. Totals are recomputed from the line items
// before the freeze, so the statement's money always equals the sum of its
// items regardless of what the running totals accumulated to.
type Closer struct {
	bus     bus.Bus
	tx      store.TxRunner
	metrics *telemetry.Metrics
	log     *zap.Logger
}

func NewCloser(b bus.Bus, tx store.TxRunner, m *telemetry.Metrics, log *zap.Logger) *Closer {
	return &Closer{bus: b, tx: tx, metrics: m, log: log.Named("statement-closer")}
}

// Start joins the consumer group.
func (c *Closer) Start(ctx context.Context) error {
	return c.bus.Subscribe(ctx, bus.TopicGenerate, Group, c.handle)
}

func (c *Closer) handle(ctx context.Context, msg *bus.Message) error {
	var req domain.GenerateRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return bus.Permanent("ValidationError", fmt.Errorf("decode generate request: %w", err))
	}

	var closed *domain.Statement
	var lastErr error
	for attempt := 0; attempt < closeRetries; attempt++ {
		lastErr = c.tx.InTx(ctx, func(q store.Querier) error {
			var err error
			closed, err = c.closeTx(ctx, q, req)
			return err
		})
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, errCloseConflict) {
			closed = nil
			continue
		}
		return lastErr
	}
	if lastErr != nil {
		return fmt.Errorf("close contention for %s/%s: %w", req.UserID, req.PeriodStart.Format("2006-01-02"), lastErr)
	}
	if closed == nil {
		return nil
	}

	if err := c.publishClosed(ctx, *closed); err != nil {
		// The freeze is committed; redelivery republishes under the same
		// message id and the broker dedups it.
		return err
	}
	c.metrics.StatementsClosed.Inc()
	return nil
}

// closeTx freezes the draft and returns the statement to publish. A nil
// statement with nil error means nothing to do (never drafted, or a
// redelivery already published).
func (c *Closer) closeTx(ctx context.Context, q store.Querier, req domain.GenerateRequest) (*domain.Statement, error) {
	st, err := q.GetStatement(ctx, req.UserID, req.PeriodStart)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, bus.Permanent("ValidationError", fmt.Errorf("generate request for unknown statement %s/%s", req.UserID, req.PeriodStart.Format("2006-01-02")))
		}
		return nil, err
	}

	items, err := q.ListStatementItems(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	if st.Status == domain.StatementOpen {
		// Already frozen by an earlier delivery. Republish so a crash
		// between freeze and publish cannot lose the statement.
		st.Items = items
		return &st, nil
	}
	if st.Status != domain.StatementDraft {
		// Paid, overdue, or otherwise settled long ago; re-announcing a
		// stale lifecycle state would confuse downstream consumers.
		return nil, nil
	}

	subtotal, fees := decimal.Zero, decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Amount)
		fees = fees.Add(item.Fees)
	}
	total := subtotal.Add(fees).Sub(st.Credits)

	ok, err := q.FreezeStatement(ctx, st.ID, subtotal, fees, st.Credits, total, st.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errCloseConflict
	}

	c.log.Info("statement closed",
		zap.String("statement", st.ID),
		zap.String("user", st.UserID),
		zap.Time("period_start", st.PeriodStart),
		zap.String("total", total.String()),
		zap.Int("items", len(items)),
	)

	st.Subtotal, st.Fees, st.Total = subtotal, fees, total
	st.Status = domain.StatementOpen
	st.Version++
	st.Items = items
	return &st, nil
}

func (c *Closer) publishClosed(ctx context.Context, st domain.Statement) error {
	value, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal closed statement: %w", err)
	}
	hdrs := bus.NewHeaders(ctx, "Statement", "statement-closer")
	hdrs[bus.HeaderMessageID] = st.ID
	bus.InjectTrace(ctx, hdrs)
	if err := c.bus.Publish(ctx, bus.TopicClosed, st.UserID, value, hdrs); err != nil {
		return fmt.Errorf("publish closed statement: %w", err)
	}
	return nil
}
