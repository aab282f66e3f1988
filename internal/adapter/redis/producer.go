package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const defaultMaxLen = 100_000

// OutboundMessage is what producers put on the stream.
type OutboundMessage struct {
	Body        string
	Label       string
	ContentType string
	Channel     string
}

// Producer appends messages to the stream consumed by StreamQueue.
type Producer struct {
	rdb    *goredis.Client
	stream string
	maxLen int64
}

// NewProducer creates a producer. maxLen caps the stream approximately; zero uses the default.
func NewProducer(rdb *goredis.Client, stream string, maxLen int64) *Producer {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &Producer{rdb: rdb, stream: stream, maxLen: maxLen}
}

// Enqueue adds msg to the stream and returns its entry id.
func (p *Producer) Enqueue(ctx context.Context, msg OutboundMessage) (string, error) {
	if msg.Body == "" {
		return "", errors.New("message body must not be empty")
	}

	values := map[string]any{FieldBody: msg.Body}
	if msg.Label != "" {
		values[FieldLabel] = msg.Label
	}
	if msg.ContentType != "" {
		values[FieldContentType] = msg.ContentType
	}
	if msg.Channel != "" {
		values[FieldChannel] = msg.Channel
	}

	id, err := p.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}
