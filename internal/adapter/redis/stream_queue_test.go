package redis

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEntry(t *testing.T) {
	msg := decodeEntry(goredis.XMessage{
		ID: "1700000000123-0",
		Values: map[string]any{
			FieldBody:        `{"n":1}`,
			FieldLabel:       "order",
			FieldContentType: domain.ContentTypeJSON,
			FieldChannel:     "orders",
		},
	}, true)

	assert.Equal(t, "1700000000123-0", msg.ID)
	assert.Equal(t, []byte(`{"n":1}`), msg.Body)
	assert.Equal(t, "order", msg.Label)
	assert.Equal(t, domain.ContentTypeJSON, msg.ContentType)
	assert.Equal(t, "orders", msg.Channel)
	assert.True(t, msg.Redelivered)
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), msg.EnqueuedAt)
}

func TestDecodeEntry_Defaults(t *testing.T) {
	msg := decodeEntry(goredis.XMessage{ID: "bogus", Values: map[string]any{}}, false)

	assert.Nil(t, msg.Body)
	assert.Equal(t, domain.ContentTypeText, msg.ContentType)
	assert.Empty(t, msg.Channel)
	assert.True(t, msg.EnqueuedAt.IsZero())
}

// --- Integration tests (require Redis via testcontainers) ---

func newTestQueue(t *testing.T, client *Client, consumer string, visibility time.Duration) *StreamQueue {
	t.Helper()
	q := NewStreamQueue(client.rdb, StreamQueueOptions{
		Stream:            "notifications",
		Group:             "relay",
		Consumer:          consumer,
		PollTimeout:       100 * time.Millisecond,
		VisibilityTimeout: visibility,
		Metrics:           metrics.NewRedisMetrics(metrics.NewRegistry()),
	})
	require.NoError(t, q.EnsureGroup(context.Background()))
	return q
}

func TestStreamQueue_EnqueueDequeueAck(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	q := newTestQueue(t, client, "relay-1", time.Minute)
	producer := NewProducer(client.rdb, "notifications", 0)

	id, err := producer.Enqueue(ctx, OutboundMessage{Body: "hello", Label: "greeting", ContentType: domain.ContentTypeText})
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "hello", string(msg.Body))
	assert.Equal(t, "greeting", msg.Label)
	assert.False(t, msg.Redelivered)

	require.NoError(t, q.Ack(ctx, msg))

	pending, err := client.rdb.XPending(ctx, "notifications", "relay").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
	assert.InDelta(t, 1, testutil.ToFloat64(q.opts.Metrics.MessagesDequeued.WithLabelValues("new")), 0)
}

func TestStreamQueue_PollTimeoutReturnsNil(t *testing.T) {
	client := setupTestClient(t)
	q := newTestQueue(t, client, "relay-1", time.Minute)

	msg, err := q.Dequeue(context.Background())

	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestStreamQueue_PreservesOrder(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	q := newTestQueue(t, client, "relay-1", time.Minute)
	producer := NewProducer(client.rdb, "notifications", 0)

	for _, body := range []string{"one", "two", "three"} {
		_, err := producer.Enqueue(ctx, OutboundMessage{Body: body})
		require.NoError(t, err)
	}

	var got []string
	for range 3 {
		msg, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg)
		got = append(got, string(msg.Body))
		require.NoError(t, q.Ack(ctx, msg))
	}

	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestStreamQueue_ReclaimsUnackedEntries(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	crashed := newTestQueue(t, client, "relay-crashed", 50*time.Millisecond)
	survivor := newTestQueue(t, client, "relay-survivor", 50*time.Millisecond)
	producer := NewProducer(client.rdb, "notifications", 0)

	id, err := producer.Enqueue(ctx, OutboundMessage{Body: "hello"})
	require.NoError(t, err)

	first, err := crashed.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(100 * time.Millisecond)

	again, err := survivor.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.True(t, again.Redelivered)

	require.NoError(t, survivor.Ack(ctx, again))
}

func TestStreamQueue_RecreatesDeletedGroup(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	q := newTestQueue(t, client, "relay-1", 0)

	require.NoError(t, client.rdb.Del(ctx, "notifications").Err())

	_, err := q.Dequeue(ctx)
	require.Error(t, err)

	msg, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestProducer_RejectsEmptyBody(t *testing.T) {
	producer := NewProducer(goredis.NewClient(&goredis.Options{}), "notifications", 0)

	_, err := producer.Enqueue(context.Background(), OutboundMessage{})

	assert.Error(t, err)
}
