package health

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/matcher"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/normalizer"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/persister"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/statement"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/telemetry"
)

// groupedTopic is one (topic, consumer group) pair the monitor samples lag
// for.
type groupedTopic struct {
	topic string
	group string
}

// ReviewCounter reports the manual review backlog.
type ReviewCounter interface {
	CountManualReview(ctx context.Context) (int64, error)
}

// Monitor periodically samples consumer lag, topic depth, and the manual
// review backlog into gauges. It observes only; alerting lives behind the
// metrics.
type Monitor struct {
	bus     bus.Introspector
	review  ReviewCounter
	metrics *telemetry.Metrics
	log     *zap.Logger
	every   time.Duration
	pairs   []groupedTopic
}

// NewMonitor wires a monitor over the stage consumer groups.
func NewMonitor(b bus.Introspector, review ReviewCounter, m *telemetry.Metrics, every time.Duration, log *zap.Logger) *Monitor {
	if every <= 0 {
		every = 15 * time.Second
	}
	return &Monitor{
		bus:     b,
		review:  review,
		metrics: m,
		log:     log.Named("pipeline-monitor"),
		every:   every,
		pairs: []groupedTopic{
			{bus.TopicRaw, normalizer.Group},
			{bus.TopicNormalized, matcher.Group},
			{bus.TopicMatched, persister.Group},
			{bus.TopicStatus, persister.StatusGroup},
			{bus.TopicGenerate, statement.Group},
			{bus.TopicHealth, Group},
		},
	}
}

// Run blocks, sampling until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	for _, pair := range m.pairs {
		lags, err := m.bus.Lag(ctx, pair.topic, pair.group)
		if err != nil {
			// Group not yet established is normal at startup.
			continue
		}
		for _, lag := range lags {
			m.metrics.ConsumerLag.
				WithLabelValues(pair.topic, pair.group, strconv.Itoa(lag.Partition)).
				Set(float64(lag.Pending))
		}
	}

	for _, topic := range bus.Topics {
		depth, err := m.bus.Depth(ctx, topic)
		if err != nil {
			continue
		}
		m.metrics.TopicDepth.WithLabelValues(topic).Set(float64(depth))
	}

	if m.review != nil {
		n, err := m.review.CountManualReview(ctx)
		if err != nil {
			m.log.Warn("review backlog count failed", zap.Error(err))
		} else {
			m.metrics.ManualReviewDepth.Set(float64(n))
		}
	}
}
