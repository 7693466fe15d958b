// Package bus defines the event bus the pipeline runs on: durable,
// partitioned topics with per-partition FIFO delivery, at-least-once
// semantics, consumer groups with manual commit, and a dead-letter queue.
//
// Two implementations ship: JetStream (production) and Memory (tests, local
// development). Stage code depends only on the interfaces here, so the
// transport stays swappable.
package bus

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
)

// Topic names. Partitioned subjects derive from these (topic.<partition>).
const (
	TopicRaw        = "toll.events.raw"
	TopicNormalized = "toll.events.normalized"
	TopicMatched    = "toll.events.matched"
	TopicStatus     = "toll.events.status"
	TopicGenerate   = "statements.generate"
	TopicClosed     = "statements.closed"
	TopicHealth     = "connector.health"
	TopicVehicles   = "identity.vehicles"
	TopicDLQ        = "dead-letter-queue"
)

// Topics lists every topic the pipeline provisions, in no particular order.
var Topics = []string{
	TopicRaw, TopicNormalized, TopicMatched, TopicStatus,
	TopicGenerate, TopicClosed, TopicHealth, TopicVehicles, TopicDLQ,
}

// Header keys carried on every message.
const (
	HeaderMessageID     = "message_id"
	HeaderMessageType   = "message_type"
	HeaderSchemaVersion = "schema_version"
	HeaderCorrelationID = "correlation_id"
	HeaderProducedAt    = "produced_at"
	HeaderSource        = "source"
	HeaderRetryCount    = "retry_count"
	HeaderTraceID       = "trace_id"
	HeaderSpanID        = "span_id"
)

// SchemaVersion is the wire schema this build produces. Evolution is
// additive-only: consumers accept any version up to their own.
const SchemaVersion = "1"

// Headers is the string metadata attached to a message.
type Headers map[string]string

// NewHeaders builds the standard header set for a fresh message. The caller
// may override message_id afterwards when a deterministic id is required
// (e.g. matched records keyed by TollEvent.id).
func NewHeaders(ctx context.Context, messageType, source string) Headers {
	h := Headers{
		HeaderMessageID:     uuid.NewString(),
		HeaderMessageType:   messageType,
		HeaderSchemaVersion: SchemaVersion,
		HeaderProducedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		HeaderSource:        source,
	}
	if cid := CorrelationIDFrom(ctx); cid != "" {
		h[HeaderCorrelationID] = cid
	} else {
		h[HeaderCorrelationID] = uuid.NewString()
	}
	return h
}

// Clone returns a copy so a consumer can republish without aliasing.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Message is one record as seen by a consumer.
type Message struct {
	Topic     string
	Key       string
	Partition int
	Offset    uint64
	Value     []byte
	Headers   Headers
	Attempt   int // delivery attempt, 1-based
}

// Handler processes one message. A nil return commits the offset. Errors
// wrapped with Permanent are dead-lettered immediately; any other error
// leaves the offset uncommitted so the message is redelivered.
type Handler func(ctx context.Context, msg *Message) error

// Publisher appends a record to a topic. The key selects the partition;
// records with equal keys are delivered in publish order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, hdrs Headers) error
}

// Consumer joins a consumer group on a topic. Subscribe returns once the
// group is established; delivery runs on background goroutines until ctx is
// cancelled. Within a group each partition is owned by exactly one worker,
// so per-partition FIFO holds end to end.
type Consumer interface {
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// PartitionLag is the backlog of one partition for one consumer group.
type PartitionLag struct {
	Partition int    `json:"partition"`
	Pending   uint64 `json:"pending"`
}

// Introspector exposes the operational counters the health surface needs.
type Introspector interface {
	// Lag reports, per partition, how many records the group has not yet
	// acknowledged (high-watermark minus committed position).
	Lag(ctx context.Context, topic, group string) ([]PartitionLag, error)
	// Depth reports how many records a topic currently retains.
	Depth(ctx context.Context, topic string) (uint64, error)
}

// Bus is the full surface the pipeline wires against.
type Bus interface {
	Publisher
	Consumer
	Introspector
	Close() error
}

// PartitionFor maps a key onto one of n partitions with FNV-1a. Stable
// across processes and restarts; n must be ≥ 1.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

type ctxKey string

const correlationIDKey ctxKey = "correlation_id"

// WithCorrelationID stores a correlation id for downstream publishes.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFrom returns the correlation id in ctx, or "".
func CorrelationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}
