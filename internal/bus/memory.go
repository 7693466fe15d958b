package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Memory is an in-process Bus with the same contract as the JetStream
// implementation: partitioned per-key FIFO, at-least-once delivery with
// attempt counting, producer dedup by message_id, and dead-lettering.
// It backs unit tests and local development; nothing survives a restart.
type Memory struct {
	partitions    int
	maxDeliveries int
	log           *zap.Logger

	mu     sync.Mutex
	topics map[string]*memTopic
	groups map[string]*memGroup
	seen   map[string]struct{}
	order  []string // insertion order of seen keys, for bounded eviction

	closed chan struct{}
	wg     sync.WaitGroup
}

const seenLimit = 8192

type memRecord struct {
	key   string
	value []byte
	hdrs  Headers
}

type memTopic struct {
	mu    sync.Mutex
	parts [][]memRecord
	all   []memRecord // publish order across partitions, for range reads
}

type memGroup struct {
	cursors []uint64
}

// NewMemory builds a Memory bus. partitions ≤ 0 defaults to 4;
// maxDeliveries ≤ 0 retries forever.
func NewMemory(partitions, maxDeliveries int, log *zap.Logger) *Memory {
	if partitions <= 0 {
		partitions = 4
	}
	return &Memory{
		partitions:    partitions,
		maxDeliveries: maxDeliveries,
		log:           log,
		topics:        make(map[string]*memTopic),
		groups:        make(map[string]*memGroup),
		seen:          make(map[string]struct{}),
		closed:        make(chan struct{}),
	}
}

func (m *Memory) topic(name string) *memTopic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{parts: make([][]memRecord, m.partitions)}
		m.topics[name] = t
	}
	return t
}

// Publish appends the record to its key's partition. Re-publishing the same
// message_id on the same topic is a no-op, mirroring the broker-side dedup
// window producers rely on.
func (m *Memory) Publish(ctx context.Context, topic, key string, value []byte, hdrs Headers) error {
	select {
	case <-m.closed:
		return fmt.Errorf("memory bus: closed")
	default:
	}

	if id := hdrs[HeaderMessageID]; id != "" {
		m.mu.Lock()
		dedupKey := topic + "|" + id
		if _, dup := m.seen[dedupKey]; dup {
			m.mu.Unlock()
			return nil
		}
		m.seen[dedupKey] = struct{}{}
		m.order = append(m.order, dedupKey)
		if len(m.order) > seenLimit {
			delete(m.seen, m.order[0])
			m.order = m.order[1:]
		}
		m.mu.Unlock()
	}

	t := m.topic(topic)
	p := PartitionFor(key, m.partitions)

	rec := memRecord{key: key, value: value, hdrs: hdrs.Clone()}
	t.mu.Lock()
	t.parts[p] = append(t.parts[p], rec)
	t.all = append(t.all, rec)
	t.mu.Unlock()
	return nil
}

// Subscribe starts one worker per partition. Each worker owns its partition
// exclusively and processes records in order, so the FIFO and exclusive
// assignment guarantees match production.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	m.mu.Lock()
	gkey := topic + "/" + group
	if _, dup := m.groups[gkey]; dup {
		m.mu.Unlock()
		return fmt.Errorf("memory bus: group %s already subscribed to %s", group, topic)
	}
	g := &memGroup{cursors: make([]uint64, m.partitions)}
	m.groups[gkey] = g
	m.mu.Unlock()

	t := m.topic(topic)

	for p := 0; p < m.partitions; p++ {
		m.wg.Add(1)
		go m.consumePartition(ctx, t, g, topic, group, p, h)
	}
	return nil
}

func (m *Memory) consumePartition(ctx context.Context, t *memTopic, g *memGroup, topic, group string, p int, h Handler) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closed:
			return
		default:
		}

		t.mu.Lock()
		cursor := g.cursors[p]
		var rec memRecord
		have := cursor < uint64(len(t.parts[p]))
		if have {
			rec = t.parts[p][cursor]
		}
		t.mu.Unlock()

		if !have {
			time.Sleep(2 * time.Millisecond)
			continue
		}

		msg := &Message{
			Topic:     topic,
			Key:       rec.key,
			Partition: p,
			Offset:    cursor,
			Value:     rec.value,
			Headers:   rec.hdrs,
			Attempt:   1,
		}

		for {
			hctx := WithCorrelationID(ctx, msg.Headers[HeaderCorrelationID])
			hctx = ExtractTrace(hctx, msg.Headers)
			err := h(hctx, msg)

			out, class := decide(err, msg.Attempt, m.maxDeliveries)
			if out == outcomeRedeliver {
				msg.Attempt++
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if out == outcomeDeadLetter {
				if dlqErr := deadLetter(ctx, m, msg, class, err, m.log); dlqErr != nil {
					time.Sleep(5 * time.Millisecond)
					continue // keep the offset; try again
				}
			}
			break
		}

		t.mu.Lock()
		g.cursors[p] = cursor + 1
		t.mu.Unlock()
	}
}

// Lag reports unconsumed records per partition for a group.
func (m *Memory) Lag(ctx context.Context, topic, group string) ([]PartitionLag, error) {
	m.mu.Lock()
	g, ok := m.groups[topic+"/"+group]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory bus: unknown group %s on %s", group, topic)
	}

	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	lags := make([]PartitionLag, m.partitions)
	for p := 0; p < m.partitions; p++ {
		lags[p] = PartitionLag{
			Partition: p,
			Pending:   uint64(len(t.parts[p])) - g.cursors[p],
		}
	}
	return lags, nil
}

// Depth reports the total records retained on a topic.
func (m *Memory) Depth(ctx context.Context, topic string) (uint64, error) {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	var total uint64
	for _, part := range t.parts {
		total += uint64(len(part))
	}
	return total, nil
}

// ReadTopic returns records by 1-based publish sequence, inclusive, matching
// the production bus's range-read surface for the replay tool.
func (m *Memory) ReadTopic(ctx context.Context, topic string, from, to uint64) ([]Message, error) {
	t := m.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for seq := from; seq <= to && seq <= uint64(len(t.all)); seq++ {
		if seq == 0 {
			continue
		}
		rec := t.all[seq-1]
		out = append(out, Message{
			Topic:   topic,
			Key:     rec.key,
			Offset:  seq,
			Value:   rec.value,
			Headers: rec.hdrs.Clone(),
		})
	}
	return out, nil
}

// Close stops all partition workers and rejects further publishes.
func (m *Memory) Close() error {
	select {
	case <-m.closed:
		return nil
	default:
		close(m.closed)
	}
	m.wg.Wait()
	return nil
}

var _ Bus = (*Memory)(nil)
