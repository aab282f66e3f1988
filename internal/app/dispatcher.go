package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/correlation"
	"github.com/pscheid92/notifyrelay/internal/platform/retry"
)

const (
	DefaultTarget = "notify"

	defaultSendTimeout = 5 * time.Second
)

// Outcomes reported to DispatchRecorder.
const (
	OutcomeDelivered = "delivered"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeMalformed = "malformed"
)

// DispatchRecorder receives per-message dispatch observations.
type DispatchRecorder interface {
	MessageDispatched(outcome string, members int, took time.Duration)
	AckFailed()
	DequeueRetried()
}

type noopRecorder struct{}

func (noopRecorder) MessageDispatched(string, int, time.Duration) {}
func (noopRecorder) AckFailed()                                   {}
func (noopRecorder) DequeueRetried()                              {}

// MemberSource is the read side of the subscriber registry.
type MemberSource interface {
	Members(channel string) []domain.Member
}

type DispatcherOptions struct {
	// DefaultChannel is used for messages that do not name a channel.
	DefaultChannel string
	Target         string
	SendTimeout    time.Duration
	DequeueRetry   retry.Policy
	DeadLetters    domain.DeadLetterSink
	Recorder       DispatchRecorder
	Clock          clockwork.Clock
}

// Dispatcher consumes the inbound queue and hands every message to the
// broadcast transport for the current members of its channel.
type Dispatcher struct {
	queue     domain.Queue
	members   MemberSource
	transport domain.BroadcastTransport
	opts      DispatcherOptions
}

func NewDispatcher(queue domain.Queue, members MemberSource, transport domain.BroadcastTransport, opts DispatcherOptions) *Dispatcher {
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = DefaultTarget
	}
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Recorder == nil {
		opts.Recorder = noopRecorder{}
	}
	if opts.DequeueRetry.MaxAttempts == 0 {
		opts.DequeueRetry = retry.Policy{
			MaxAttempts:    8,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		}
	}
	if opts.DequeueRetry.Clock == nil {
		opts.DequeueRetry.Clock = opts.Clock
	}

	return &Dispatcher{
		queue:     queue,
		members:   members,
		transport: transport,
		opts:      opts,
	}
}

// Run consumes messages until ctx is cancelled. It returns nil on cancellation
// and an error wrapping domain.ErrQueueUnavailable once dequeue retries are exhausted.
// A message that was already dequeued is broadcast and acknowledged even if
// ctx is cancelled meanwhile.
func (d *Dispatcher) Run(ctx context.Context) error {
	policy := d.opts.DequeueRetry
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		d.opts.Recorder.DequeueRetried()
		slog.WarnContext(ctx, "Dequeue failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		if onRetry != nil {
			onRetry(attempt, err, backoff)
		}
	}

	slog.InfoContext(ctx, "Dispatcher started", "default_channel", d.opts.DefaultChannel, "target", d.opts.Target)

	for {
		if ctx.Err() != nil {
			slog.InfoContext(ctx, "Dispatcher stopped")
			return nil
		}

		msg, err := retry.Do(ctx, policy, classifyDequeue, d.queue.Dequeue)
		if err != nil {
			if ctx.Err() != nil {
				slog.InfoContext(ctx, "Dispatcher stopped")
				return nil
			}
			return fmt.Errorf("dequeue: %w: %w", domain.ErrQueueUnavailable, err)
		}
		if msg == nil {
			continue
		}

		d.Handle(context.WithoutCancel(ctx), msg)
	}
}

// Handle broadcasts one message and acknowledges it. Broadcast failures are
// logged and never prevent the acknowledgement.
func (d *Dispatcher) Handle(ctx context.Context, msg *domain.InboundMessage) {
	ctx = correlation.Ensure(ctx, msg.ID)
	start := d.opts.Clock.Now()

	if err := d.dispatch(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrMalformedMessage) {
			d.discard(ctx, msg, err)
		} else {
			slog.ErrorContext(ctx, "Broadcast failed", "message_id", msg.ID, "channel", d.channelOf(msg), "error", err)
		}
	}

	if err := d.queue.Ack(ctx, msg); err != nil {
		d.opts.Recorder.AckFailed()
		slog.ErrorContext(ctx, "Ack failed, message will be redelivered", "message_id", msg.ID, "error", err)
		return
	}

	slog.DebugContext(ctx, "Message acknowledged", "message_id", msg.ID, "took", d.opts.Clock.Since(start))
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *domain.InboundMessage) error {
	start := d.opts.Clock.Now()

	arg, err := DecodePayload(msg)
	if err != nil {
		d.opts.Recorder.MessageDispatched(OutcomeMalformed, 0, d.opts.Clock.Since(start))
		return err
	}

	channel := d.channelOf(msg)
	members := d.members.Members(channel)

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()

	result, err := d.transport.SendToChannel(sendCtx, domain.Broadcast{
		MessageID: msg.ID,
		Channel:   channel,
		Target:    d.opts.Target,
		Args:      []any{arg},
		Members:   members,
	})
	took := d.opts.Clock.Since(start)
	if err != nil {
		d.opts.Recorder.MessageDispatched(OutcomeFailed, len(members), took)
		return fmt.Errorf("send to channel %q: %w", channel, err)
	}

	if result.Partial() {
		d.opts.Recorder.MessageDispatched(OutcomePartial, len(members), took)
		slog.WarnContext(ctx, "Broadcast reached channel partially",
			"message_id", msg.ID,
			"channel", channel,
			"delivered", result.Delivered,
			"failed", len(result.Failed),
			"error", domain.ErrBroadcastPartialFailure)
		for _, id := range result.Failed {
			slog.DebugContext(ctx, "Member unreachable", "message_id", msg.ID, "connection_id", id)
		}
		return nil
	}

	d.opts.Recorder.MessageDispatched(OutcomeDelivered, len(members), took)
	slog.InfoContext(ctx, "Message broadcast",
		"message_id", msg.ID,
		"label", msg.Label,
		"channel", channel,
		"members", len(members),
		"redelivered", msg.Redelivered)
	return nil
}

func (d *Dispatcher) discard(ctx context.Context, msg *domain.InboundMessage, cause error) {
	slog.WarnContext(ctx, "Discarding message", "message_id", msg.ID, "label", msg.Label, "error", cause)

	if d.opts.DeadLetters == nil {
		return
	}
	if err := d.opts.DeadLetters.RecordDiscarded(ctx, msg, cause.Error()); err != nil {
		slog.ErrorContext(ctx, "Failed to record discarded message", "message_id", msg.ID, "error", err)
	}
}

func (d *Dispatcher) channelOf(msg *domain.InboundMessage) string {
	if msg.Channel != "" {
		return msg.Channel
	}
	return d.opts.DefaultChannel
}

// DecodePayload turns a message body into the single string argument of the
// client invocation. JSON bodies are validated but sent as their text.
func DecodePayload(msg *domain.InboundMessage) (any, error) {
	body := bytes.TrimSpace(msg.Body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body: %w", domain.ErrMalformedMessage)
	}

	if msg.ContentType != domain.ContentTypeJSON {
		return string(msg.Body), nil
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON body: %w", domain.ErrMalformedMessage)
	}
	if bytes.Equal(body, []byte("null")) || bytes.Equal(body, []byte(`""`)) {
		return nil, fmt.Errorf("null body: %w", domain.ErrMalformedMessage)
	}
	return string(msg.Body), nil
}

// classifyDequeue treats every dequeue error as transient; cancellation is
// handled by retry.Do itself.
func classifyDequeue(error) retry.Action {
	return retry.Retry
}
