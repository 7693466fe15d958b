// Package replay re-enqueues dead-lettered messages onto their origin
// topics. It is an operator tool: the pipeline never calls it.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/bus"
)

// DefaultMaxRetries caps how many times a record may be replayed.
const DefaultMaxRetries = 3

// Source reads a sequence range out of the dead-letter topic. Both bus
// implementations provide it.
type Source interface {
	ReadTopic(ctx context.Context, topic string, from, to uint64) ([]bus.Message, error)
}

// Options select which DLQ records to replay.
type Options struct {
	From, To uint64
	// Topic filters by originating topic; empty replays everything in range.
	Topic string
	// MaxRetries refuses records already replayed this many times.
	MaxRetries int
}

// Summary is the outcome of one replay run.
type Summary struct {
	Scanned  int `json:"scanned"`
	Replayed int `json:"replayed"`
	Refused  int `json:"refused"`
	Skipped  int `json:"skipped"`
}

// Replayer republishes DLQ payloads to their origin topics.
type Replayer struct {
	src Source
	pub bus.Publisher
	log *zap.Logger
}

func New(src Source, pub bus.Publisher, log *zap.Logger) *Replayer {
	return &Replayer{src: src, pub: pub, log: log.Named("replay")}
}

// Run scans [From, To] on the dead-letter topic and republishes matching
// records. Each replay carries the original headers with retry_count
// incremented and a fresh message id, so the broker treats it as a new
// message while the lineage stays visible. Records at the retry cap are
// refused and counted; the caller decides what a nonzero refusal means.
func (r *Replayer) Run(ctx context.Context, opts Options) (Summary, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	msgs, err := r.src.ReadTopic(ctx, bus.TopicDLQ, opts.From, opts.To)
	if err != nil {
		return Summary{}, fmt.Errorf("read dlq range %d..%d: %w", opts.From, opts.To, err)
	}

	var sum Summary
	for _, msg := range msgs {
		sum.Scanned++

		var rec bus.DLQRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			r.log.Warn("unreadable dlq record skipped",
				zap.Uint64("seq", msg.Offset),
				zap.Error(err),
			)
			sum.Skipped++
			continue
		}

		if opts.Topic != "" && rec.OrigTopic != opts.Topic {
			sum.Skipped++
			continue
		}

		retries := retryCount(rec.Headers)
		if retries >= opts.MaxRetries {
			r.log.Warn("replay refused at retry cap",
				zap.Uint64("seq", msg.Offset),
				zap.String("orig_topic", rec.OrigTopic),
				zap.String("error_class", rec.ErrorClass),
				zap.Int("retry_count", retries),
			)
			sum.Refused++
			continue
		}

		hdrs := rec.Headers.Clone()
		if hdrs == nil {
			hdrs = bus.Headers{}
		}
		hdrs[bus.HeaderRetryCount] = strconv.Itoa(retries + 1)
		hdrs[bus.HeaderMessageID] = uuid.NewString()

		if err := r.pub.Publish(ctx, rec.OrigTopic, rec.OrigKey, []byte(rec.Payload), hdrs); err != nil {
			return sum, fmt.Errorf("republish seq %d to %s: %w", msg.Offset, rec.OrigTopic, err)
		}
		sum.Replayed++

		r.log.Info("dlq record replayed",
			zap.Uint64("seq", msg.Offset),
			zap.String("orig_topic", rec.OrigTopic),
			zap.String("error_class", rec.ErrorClass),
			zap.Int("retry_count", retries+1),
		)
	}
	return sum, nil
}

func retryCount(hdrs bus.Headers) int {
	if hdrs == nil {
		return 0
	}
	n, err := strconv.Atoi(hdrs[bus.HeaderRetryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
