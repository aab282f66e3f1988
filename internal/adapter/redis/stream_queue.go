package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	FieldBody        = "body"
	FieldLabel       = "label"
	FieldContentType = "content_type"
	FieldChannel     = "channel"
)

const cursorStart = "0-0"

type StreamQueueOptions struct {
	Stream   string
	Group    string
	Consumer string
	// PollTimeout bounds how long Dequeue blocks waiting for new entries.
	PollTimeout time.Duration
	// VisibilityTimeout is how long an entry may stay pending on a consumer
	// before another consumer reclaims it.
	VisibilityTimeout time.Duration
	Metrics           *metrics.RedisMetrics
}

// StreamQueue consumes a Redis stream through a consumer group. Each relay
// instance is one consumer; entries left pending by a crashed consumer are
// reclaimed after the visibility timeout.
type StreamQueue struct {
	rdb  *goredis.Client
	opts StreamQueueOptions

	mu          sync.Mutex
	claimCursor string
}

var _ domain.Queue = (*StreamQueue)(nil)

func NewStreamQueue(rdb *goredis.Client, opts StreamQueueOptions) *StreamQueue {
	return &StreamQueue{rdb: rdb, opts: opts, claimCursor: cursorStart}
}

// EnsureGroup creates the stream and consumer group if they do not exist yet.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.opts.Group, q.opts.Stream, err)
	}
	return nil
}

// Dequeue returns the next entry for this consumer, preferring stale entries
// of other consumers. It returns (nil, nil) when the poll timeout elapses.
func (q *StreamQueue) Dequeue(ctx context.Context) (*domain.InboundMessage, error) {
	msg, err := q.reclaim(ctx)
	if err != nil || msg != nil {
		return msg, err
	}

	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    1,
		Block:    q.opts.PollTimeout,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.handleReadError(ctx, "xreadgroup", err)
	}

	for _, stream := range streams {
		for _, entry := range stream.Messages {
			q.observe("new")
			return decodeEntry(entry, false), nil
		}
	}
	return nil, nil
}

func (q *StreamQueue) Ack(ctx context.Context, msg *domain.InboundMessage) error {
	if err := q.rdb.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", msg.ID, err)
	}
	return nil
}

func (q *StreamQueue) reclaim(ctx context.Context) (*domain.InboundMessage, error) {
	if q.opts.VisibilityTimeout <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	entries, next, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.VisibilityTimeout,
		Start:    q.claimCursor,
		Count:    1,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.handleReadError(ctx, "xautoclaim", err)
	}

	q.claimCursor = next
	if next == "" {
		q.claimCursor = cursorStart
	}

	if len(entries) == 0 {
		return nil, nil
	}

	q.observe("reclaimed")
	slog.InfoContext(ctx, "Reclaimed stale queue entry", "message_id", entries[0].ID, "stream", q.opts.Stream)
	return decodeEntry(entries[0], true), nil
}

// handleReadError recreates the group when the stream was deleted underneath us.
func (q *StreamQueue) handleReadError(ctx context.Context, op string, err error) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		slog.WarnContext(ctx, "Consumer group missing, recreating", "stream", q.opts.Stream, "group", q.opts.Group)
		if gerr := q.EnsureGroup(ctx); gerr != nil {
			return fmt.Errorf("%s: %w", op, errors.Join(err, gerr))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (q *StreamQueue) observe(source string) {
	if q.opts.Metrics != nil {
		q.opts.Metrics.MessagesDequeued.WithLabelValues(source).Inc()
	}
}

func decodeEntry(entry goredis.XMessage, redelivered bool) *domain.InboundMessage {
	msg := &domain.InboundMessage{
		ID:          entry.ID,
		Label:       stringField(entry.Values, FieldLabel),
		ContentType: stringField(entry.Values, FieldContentType),
		Channel:     stringField(entry.Values, FieldChannel),
		EnqueuedAt:  entryTime(entry.ID),
		Redelivered: redelivered,
	}
	if body := stringField(entry.Values, FieldBody); body != "" {
		msg.Body = []byte(body)
	}
	if msg.ContentType == "" {
		msg.ContentType = domain.ContentTypeText
	}
	return msg
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// entryTime extracts the millisecond timestamp Redis encodes in stream ids.
func entryTime(id string) time.Time {
	ms, _, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
