package domain

import (
	"context"
	"time"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// InboundMessage is a payload dequeued from the external queue.
// It is transient: acknowledging it to the queue is the source of truth for redelivery.
type InboundMessage struct {
	ID          string
	Channel     string
	Body        []byte
	Label       string
	ContentType string
	EnqueuedAt  time.Time
	Redelivered bool
}

// Queue is the inbound queue collaborator.
// Dequeue returns (nil, nil) when the poll timeout elapses without a message.
type Queue interface {
	Dequeue(ctx context.Context) (*InboundMessage, error)
	Ack(ctx context.Context, msg *InboundMessage) error
}

// Broadcast is one logical group send: every member receives Target(Args...).
type Broadcast struct {
	MessageID string
	Channel   string
	Target    string
	Args      []any
	Members   []Member
}

// BroadcastResult reports how many members this instance handed the frame to.
// Transports that deliver through a cross-node broker leave Delivered at zero.
// Failed members are not an error for the caller.
type BroadcastResult struct {
	Delivered int
	Failed    []string
}

// Partial reports whether some, but not necessarily all, members were unreachable.
func (r BroadcastResult) Partial() bool {
	return len(r.Failed) > 0
}

// BroadcastTransport pushes a broadcast to the realtime transport.
type BroadcastTransport interface {
	SendToChannel(ctx context.Context, b Broadcast) (BroadcastResult, error)
}

// DeadLetterSink records queue messages that were discarded without broadcasting.
type DeadLetterSink interface {
	RecordDiscarded(ctx context.Context, msg *InboundMessage, reason string) error
}
