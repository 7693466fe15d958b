package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// JetStream is the production Bus. Topics map to file-backed streams, one
// subject per partition (topic.<p>). A consumer group is one durable pull
// consumer per partition with MaxAckPending(1): the broker never has more
// than one unacknowledged message outstanding per partition, which yields
// strict per-partition FIFO even when several processes fetch from the same
// durable, and redeliveries cannot jump the queue.
type JetStream struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *zap.Logger
	opts Options
}

// Options tune the JetStream bus.
type Options struct {
	Partitions    int           // subjects per topic (default 8)
	MaxDeliveries int           // attempts before dead-lettering (default 5)
	AckWait       time.Duration // redelivery timeout (default 30s)
	TopicAge      time.Duration // retention for regular topics (default 7d)
	DLQAge        time.Duration // retention for the DLQ (default 30d)
	FetchTimeout  time.Duration // pull wait per fetch (default 5s)
}

func (o *Options) defaults() {
	if o.Partitions <= 0 {
		o.Partitions = 8
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.AckWait <= 0 {
		o.AckWait = 30 * time.Second
	}
	if o.TopicAge <= 0 {
		o.TopicAge = 7 * 24 * time.Hour
	}
	if o.DLQAge <= 0 {
		o.DLQAge = 30 * 24 * time.Hour
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
}

// keyHeader carries the partition key on the wire so consumers can
// reconstruct it (the subject only encodes the partition number).
const keyHeader = "X-Partition-Key"

// ConnectJetStream dials NATS and returns a JetStream bus. The connection
// retries forever on failure, so a broker restart does not kill the
// pipeline.
func ConnectJetStream(url, clientName string, opts Options, log *zap.Logger) (*JetStream, error) {
	opts.defaults()

	conn, err := nats.Connect(url,
		nats.Name(clientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	log.Info("connected to NATS", zap.String("url", url), zap.String("client", clientName))
	return &JetStream{conn: conn, js: js, log: log, opts: opts}, nil
}

// streamName maps a topic to its stream (dots and dashes → underscores,
// uppercased): toll.events.raw → TOLL_EVENTS_RAW.
func streamName(topic string) string {
	s := strings.ReplaceAll(topic, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ToUpper(s)
}

func subjectFor(topic string, partition int) string {
	return topic + "." + strconv.Itoa(partition)
}

// Provision idempotently creates every pipeline stream. Existing streams are
// left untouched so redeploys are safe.
func (j *JetStream) Provision() error {
	for _, topic := range Topics {
		name := streamName(topic)

		_, err := j.js.StreamInfo(name)
		if err == nil {
			j.log.Debug("stream exists", zap.String("stream", name))
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", name, err)
		}

		age := j.opts.TopicAge
		if topic == TopicDLQ {
			age = j.opts.DLQAge
		}

		_, err = j.js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   []string{topic + ".*"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			MaxAge:     age,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			return fmt.Errorf("add stream %s: %w", name, err)
		}
		j.log.Info("stream created",
			zap.String("stream", name),
			zap.String("subjects", topic+".*"),
			zap.Duration("max_age", age),
		)
	}
	return nil
}

// Publish appends the record to its key's partition subject. The message_id
// header doubles as the broker dedup id, making publishes idempotent within
// the stream's duplicate window.
func (j *JetStream) Publish(ctx context.Context, topic, key string, value []byte, hdrs Headers) error {
	m := nats.NewMsg(subjectFor(topic, PartitionFor(key, j.opts.Partitions)))
	m.Data = value
	for k, v := range hdrs {
		m.Header.Set(k, v)
	}
	m.Header.Set(keyHeader, key)
	if id := hdrs[HeaderMessageID]; id != "" {
		m.Header.Set(nats.MsgIdHdr, id)
	}

	if _, err := j.js.PublishMsg(m, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe establishes the group's durable consumers (one per partition)
// and starts a fetch loop for each. Returns after all consumers are bound;
// processing continues until ctx is cancelled.
func (j *JetStream) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	stream := streamName(topic)

	for p := 0; p < j.opts.Partitions; p++ {
		durable := fmt.Sprintf("%s-p%d", group, p)
		sub, err := j.js.PullSubscribe(
			subjectFor(topic, p),
			durable,
			nats.BindStream(stream),
			nats.AckExplicit(),
			nats.AckWait(j.opts.AckWait),
			nats.MaxDeliver(-1),
			nats.MaxAckPending(1),
		)
		if err != nil {
			return fmt.Errorf("pull subscribe %s/%s: %w", topic, durable, err)
		}

		go j.consume(ctx, sub, topic, group, p, h)
	}

	j.log.Info("consumer group bound",
		zap.String("topic", topic),
		zap.String("group", group),
		zap.Int("partitions", j.opts.Partitions),
	)
	return nil
}

func (j *JetStream) consume(ctx context.Context, sub *nats.Subscription, topic, group string, partition int, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msgs, err := sub.Fetch(1, nats.Context(ctx))
			if err != nil {
				continue // timeout or ctx cancel — retry
			}
			for _, nm := range msgs {
				j.process(ctx, nm, topic, partition, h)
			}
		}
	}
}

// process runs the handler and translates its verdict into broker actions:
// commit → Ack, transient → Nak with growing delay, permanent or exhausted →
// DLQ record then Ack. A failed DLQ write leaves the message unacked so
// nothing is ever dropped silently.
func (j *JetStream) process(ctx context.Context, nm *nats.Msg, topic string, partition int, h Handler) {
	msg := &Message{
		Topic:     topic,
		Key:       nm.Header.Get(keyHeader),
		Partition: partition,
		Attempt:   1,
		Value:     nm.Data,
		Headers:   headersFromNATS(nm.Header),
	}
	if meta, err := nm.Metadata(); err == nil {
		msg.Offset = meta.Sequence.Stream
		msg.Attempt = int(meta.NumDelivered)
	}

	hctx := WithCorrelationID(ctx, msg.Headers[HeaderCorrelationID])
	hctx = ExtractTrace(hctx, msg.Headers)

	err := h(hctx, msg)

	out, class := decide(err, msg.Attempt, j.opts.MaxDeliveries)
	switch out {
	case outcomeCommit:
		if ackErr := nm.Ack(); ackErr != nil {
			j.log.Warn("ack failed", zap.String("topic", topic), zap.Error(ackErr))
		}
	case outcomeRedeliver:
		j.log.Warn("transient handler error, message will be redelivered",
			zap.String("topic", topic),
			zap.Int("partition", partition),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		if nakErr := nm.NakWithDelay(nakDelay(msg.Attempt)); nakErr != nil {
			j.log.Warn("nak failed", zap.String("topic", topic), zap.Error(nakErr))
		}
	case outcomeDeadLetter:
		if dlqErr := deadLetter(ctx, j, msg, class, err, j.log); dlqErr != nil {
			nm.NakWithDelay(nakDelay(msg.Attempt))
			return
		}
		if ackErr := nm.Ack(); ackErr != nil {
			j.log.Warn("ack after dead-letter failed", zap.String("topic", topic), zap.Error(ackErr))
		}
	}
}

// nakDelay backs off redeliveries: 500ms, 1s, 2s, ... capped at 30s.
func nakDelay(attempt int) time.Duration {
	d := 500 * time.Millisecond << uint(attempt-1)
	if d > 30*time.Second || d <= 0 {
		return 30 * time.Second
	}
	return d
}

func headersFromNATS(h nats.Header) Headers {
	out := make(Headers, len(h))
	for k := range h {
		if k == keyHeader || k == nats.MsgIdHdr {
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}

// Lag sums, per partition, what the broker has not yet seen acked from the
// group: undelivered backlog plus the in-flight message, if any.
func (j *JetStream) Lag(ctx context.Context, topic, group string) ([]PartitionLag, error) {
	stream := streamName(topic)
	lags := make([]PartitionLag, 0, j.opts.Partitions)

	for p := 0; p < j.opts.Partitions; p++ {
		durable := fmt.Sprintf("%s-p%d", group, p)
		info, err := j.js.ConsumerInfo(stream, durable)
		if err != nil {
			return nil, fmt.Errorf("consumer info %s/%s: %w", stream, durable, err)
		}
		lags = append(lags, PartitionLag{
			Partition: p,
			Pending:   info.NumPending + uint64(info.NumAckPending),
		})
	}
	return lags, nil
}

// Depth reports how many records a topic's stream currently holds.
func (j *JetStream) Depth(ctx context.Context, topic string) (uint64, error) {
	info, err := j.js.StreamInfo(streamName(topic))
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", topic, err)
	}
	return info.State.Msgs, nil
}

// ReadTopic fetches records by stream sequence, inclusive on both ends.
// Sequences that have expired out of retention are skipped. Used by the DLQ
// replay tool; not part of the Bus interface.
func (j *JetStream) ReadTopic(ctx context.Context, topic string, from, to uint64) ([]Message, error) {
	stream := streamName(topic)
	var out []Message

	for seq := from; seq <= to; seq++ {
		raw, err := j.js.GetMsg(stream, seq)
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				continue
			}
			return nil, fmt.Errorf("get msg %s@%d: %w", stream, seq, err)
		}
		out = append(out, Message{
			Topic:   topic,
			Key:     raw.Header.Get(keyHeader),
			Offset:  raw.Sequence,
			Value:   raw.Data,
			Headers: headersFromNATS(raw.Header),
		})
	}
	return out, nil
}

// Close drains the connection, letting in-flight acks finish first.
func (j *JetStream) Close() error {
	if err := j.conn.Drain(); err != nil {
		j.conn.Close()
		return err
	}
	return nil
}

var _ Bus = (*JetStream)(nil)
