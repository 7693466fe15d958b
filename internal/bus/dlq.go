package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PermanentError marks a handler failure that redelivery cannot fix: the
// message is dead-lettered and its offset committed. Class lands in the DLQ
// record as error_class (taxonomy: ValidationError, UnknownError, ...).
type PermanentError struct {
	Class string
	Err   error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError with the given class.
func Permanent(class string, err error) error {
	return &PermanentError{Class: class, Err: err}
}

// DLQRecord is the value written to dead-letter-queue, keyed by the
// originating topic. It carries everything replay needs to reconstruct the
// original message.
type DLQRecord struct {
	OrigTopic     string          `json:"orig_topic"`
	OrigPartition int             `json:"orig_partition"`
	OrigOffset    uint64          `json:"orig_offset"`
	OrigKey       string          `json:"orig_key"`
	ErrorClass    string          `json:"error_class"`
	ErrorMessage  string          `json:"error_message"`
	Payload       json.RawMessage `json:"payload"`
	Headers       Headers         `json:"headers,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

// outcome is the dispatch decision after a handler returns.
type outcome int

const (
	outcomeCommit outcome = iota
	outcomeRedeliver
	outcomeDeadLetter
)

// decide implements the stage-wide propagation policy: permanent errors
// dead-letter immediately, transient errors redeliver until the attempt cap,
// then dead-letter. maxDeliveries ≤ 0 means retry forever.
func decide(err error, attempt, maxDeliveries int) (outcome, string) {
	if err == nil {
		return outcomeCommit, ""
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return outcomeDeadLetter, perm.Class
	}
	if maxDeliveries > 0 && attempt >= maxDeliveries {
		return outcomeDeadLetter, "RetryExhausted"
	}
	return outcomeRedeliver, ""
}

// deadLetter writes a DLQ record for msg. Failure to write is logged and
// reported so the caller can leave the message uncommitted instead of
// losing it.
func deadLetter(ctx context.Context, pub Publisher, msg *Message, class string, cause error, log *zap.Logger) error {
	rec := DLQRecord{
		OrigTopic:     msg.Topic,
		OrigPartition: msg.Partition,
		OrigOffset:    msg.Offset,
		OrigKey:       msg.Key,
		ErrorClass:    class,
		ErrorMessage:  cause.Error(),
		Payload:       json.RawMessage(msg.Value),
		Headers:       msg.Headers.Clone(),
		FailedAt:      time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal dlq record: %w", err)
	}

	hdrs := NewHeaders(ctx, "DLQRecord", "pipeline")
	if err := pub.Publish(ctx, TopicDLQ, msg.Topic, value, hdrs); err != nil {
		log.Error("dead-letter publish failed",
			zap.String("orig_topic", msg.Topic),
			zap.Uint64("orig_offset", msg.Offset),
			zap.Error(err),
		)
		return fmt.Errorf("publish dlq record: %w", err)
	}

	log.Warn("message dead-lettered",
		zap.String("orig_topic", msg.Topic),
		zap.Int("orig_partition", msg.Partition),
		zap.Uint64("orig_offset", msg.Offset),
		zap.String("error_class", class),
		zap.String("error", cause.Error()),
	)
	return nil
}
