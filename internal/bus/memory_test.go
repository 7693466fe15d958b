package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func publish(t *testing.T, m *Memory, topic, key, value string) {
	t.Helper()
	hdrs := NewHeaders(context.Background(), "test", "test")
	require.NoError(t, m.Publish(context.Background(), topic, key, []byte(value), hdrs))
}

func TestMemory_PerKeyFIFO(t *testing.T) {
	m := NewMemory(4, 5, zaptest.NewLogger(t))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[string][]string{}

	err := m.Subscribe(ctx, TopicRaw, "stage", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		got[msg.Key] = append(got[msg.Key], string(msg.Value))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		publish(t, m, TopicRaw, "etoll", fmt.Sprintf("a%d", i))
		publish(t, m, TopicRaw, "fasttrack", fmt.Sprintf("b%d", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["etoll"]) == 20 && len(got["fasttrack"]) == 20
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("a%d", i), got["etoll"][i])
		assert.Equal(t, fmt.Sprintf("b%d", i), got["fasttrack"][i])
	}
}

func TestMemory_TransientErrorRedelivers(t *testing.T) {
	m := NewMemory(1, 10, zaptest.NewLogger(t))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	err := m.Subscribe(ctx, TopicNormalized, "stage", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		attempts = append(attempts, msg.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return errors.New("db unavailable")
		}
		close(done)
		return nil
	})
	require.NoError(t, err)

	publish(t, m, TopicNormalized, "k", "v")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered to success")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts, "attempt counter grows per delivery")
}

func TestMemory_PermanentErrorDeadLetters(t *testing.T) {
	m := NewMemory(1, 5, zaptest.NewLogger(t))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := m.Subscribe(ctx, TopicRaw, "stage", func(ctx context.Context, msg *Message) error {
		calls++
		return Permanent("ValidationError", errors.New("missing plate"))
	})
	require.NoError(t, err)

	publish(t, m, TopicRaw, "etoll", `{"bad":"payload"}`)

	require.Eventually(t, func() bool {
		d, _ := m.Depth(context.Background(), TopicDLQ)
		return d == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, calls, "permanent failures are not redelivered")

	msgs, err := m.ReadTopic(context.Background(), TopicDLQ, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, TopicRaw, msgs[0].Key, "DLQ is keyed by originating topic")

	var rec DLQRecord
	require.NoError(t, json.Unmarshal(msgs[0].Value, &rec))
	assert.Equal(t, TopicRaw, rec.OrigTopic)
	assert.Equal(t, "ValidationError", rec.ErrorClass)
	assert.Contains(t, rec.ErrorMessage, "missing plate")
	assert.JSONEq(t, `{"bad":"payload"}`, string(rec.Payload))
}

func TestMemory_RetryExhaustedDeadLetters(t *testing.T) {
	m := NewMemory(1, 3, zaptest.NewLogger(t))
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	err := m.Subscribe(ctx, TopicMatched, "stage", func(ctx context.Context, msg *Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("still broken")
	})
	require.NoError(t, err)

	publish(t, m, TopicMatched, "u7", "v")

	require.Eventually(t, func() bool {
		d, _ := m.Depth(context.Background(), TopicDLQ)
		return d == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)

	msgs, err := m.ReadTopic(context.Background(), TopicDLQ, 1, 1)
	require.NoError(t, err)
	var rec DLQRecord
	require.NoError(t, json.Unmarshal(msgs[0].Value, &rec))
	assert.Equal(t, "RetryExhausted", rec.ErrorClass)
}

func TestMemory_ProducerDedupByMessageID(t *testing.T) {
	m := NewMemory(1, 5, zaptest.NewLogger(t))
	defer m.Close()

	hdrs := NewHeaders(context.Background(), "test", "test")
	require.NoError(t, m.Publish(context.Background(), TopicMatched, "u7", []byte("v"), hdrs))
	require.NoError(t, m.Publish(context.Background(), TopicMatched, "u7", []byte("v"), hdrs))

	d, err := m.Depth(context.Background(), TopicMatched)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d, "same message_id publishes once")
}

func TestMemory_Lag(t *testing.T) {
	m := NewMemory(2, 5, zaptest.NewLogger(t))
	defer m.Close()

	// No subscriber yet: publish then subscribe with a blocking handler.
	for i := 0; i < 6; i++ {
		publish(t, m, TopicRaw, fmt.Sprintf("k%d", i), "v")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	err := m.Subscribe(ctx, TopicRaw, "stage", func(ctx context.Context, msg *Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	lags, err := m.Lag(context.Background(), TopicRaw, "stage")
	require.NoError(t, err)
	var total uint64
	for _, l := range lags {
		total += l.Pending
	}
	assert.Equal(t, uint64(6), total)

	close(release)
	require.Eventually(t, func() bool {
		lags, err := m.Lag(context.Background(), TopicRaw, "stage")
		require.NoError(t, err)
		var left uint64
		for _, l := range lags {
			left += l.Pending
		}
		return left == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPartitionFor_StableAndBounded(t *testing.T) {
	for _, key := range []string{"etoll", "ABC123|CA", "u7", ""} {
		p := PartitionFor(key, 8)
		assert.Equal(t, p, PartitionFor(key, 8), "stable for %q", key)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 8)
	}
	assert.Zero(t, PartitionFor("anything", 1))
	assert.Zero(t, PartitionFor("anything", 0))
}

func TestHeaders_NewAndClone(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-1")
	h := NewHeaders(ctx, "NormalizedEvent", "normalizer")

	assert.NotEmpty(t, h[HeaderMessageID])
	assert.Equal(t, "NormalizedEvent", h[HeaderMessageType])
	assert.Equal(t, SchemaVersion, h[HeaderSchemaVersion])
	assert.Equal(t, "corr-1", h[HeaderCorrelationID])
	assert.Equal(t, "normalizer", h[HeaderSource])
	_, err := time.Parse(time.RFC3339Nano, h[HeaderProducedAt])
	assert.NoError(t, err)

	c := h.Clone()
	c[HeaderSource] = "other"
	assert.Equal(t, "normalizer", h[HeaderSource])
}
