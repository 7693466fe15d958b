// Package statement closes billing periods: a cron sweep finds drafts whose
// period (plus grace) has ended and asks for their close on the bus; the
// closer consumer freezes each draft and publishes the immutable statement.
// Sweep and close are separated so the close itself rides the same
// at-least-once, per-user-ordered machinery as everything else.
package statement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/store"
)

// sweepSchedule runs the close sweep at the top of every hour.
const sweepSchedule = "0 * * * *"

// DraftLister is the slice of the store the sweep needs.
type DraftLister interface {
	ListDueDrafts(ctx context.Context, closeBefore time.Time) ([]domain.Statement, error)
}

// Scheduler owns the periodic close sweep.
type Scheduler struct {
	drafts DraftLister
	pub    bus.Publisher
	cfg    config.Statement
	log    *zap.Logger
	cron   *cron.Cron

	now func() time.Time
}

func NewScheduler(drafts DraftLister, pub bus.Publisher, cfg config.Statement, log *zap.Logger) *Scheduler {
	return &Scheduler{
		drafts: drafts,
		pub:    pub,
		cfg:    cfg,
		log:    log.Named("statement-sweep"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start schedules the hourly sweep. Stop with Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(sweepSchedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.log.Error("close sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule close sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("close sweep scheduled", zap.String("cron", sweepSchedule))
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep publishes one generate request per due draft. The message id is the
// statement id, so overlapping sweeps collapse into one close per draft at
// the broker.
func (s *Scheduler) Sweep(ctx context.Context) error {
	cutoff := s.now().Add(-time.Duration(s.cfg.GracePeriodHours) * time.Hour)

	drafts, err := s.drafts.ListDueDrafts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list due drafts: %w", err)
	}
	if len(drafts) == 0 {
		return nil
	}
	s.log.Info("close sweep found due drafts", zap.Int("count", len(drafts)))

	var firstErr error
	for _, st := range drafts {
		req := domain.GenerateRequest{
			UserID:      st.UserID,
			PeriodStart: st.PeriodStart,
			PeriodEnd:   st.PeriodEnd,
		}
		value, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal generate request: %w", err)
		}

		hdrs := bus.NewHeaders(ctx, "GenerateRequest", "statement-sweep")
		hdrs[bus.HeaderMessageID] = st.ID
		if err := s.pub.Publish(ctx, bus.TopicGenerate, st.UserID, value, hdrs); err != nil {
			// Keep going; the missed draft is still due next hour.
			s.log.Warn("generate request publish failed",
				zap.String("statement", st.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var _ DraftLister = (store.Querier)(nil)
