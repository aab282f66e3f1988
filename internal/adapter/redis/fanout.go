package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/pscheid92/notifyrelay/internal/platform/correlation"
	goredis "github.com/redis/go-redis/v9"
)

const fanoutChannelPrefix = "notifyrelay:fanout:"

// MemberSource resolves channel members on this instance.
type MemberSource interface {
	Members(channel string) []domain.Member
}

type fanoutEnvelope struct {
	Origin    string            `json:"origin"`
	MessageID string            `json:"message_id"`
	Channel   string            `json:"channel"`
	Target    string            `json:"target"`
	Args      []json.RawMessage `json:"args"`
}

// Fanout relays broadcasts to the other relay instances over Redis pub/sub.
// Each stream entry is consumed by one instance only; Fanout makes sure
// subscribers connected to the other instances still receive it.
type Fanout struct {
	rdb      *goredis.Client
	local    domain.BroadcastTransport
	members  MemberSource
	channel  string
	instance string
	metrics  *metrics.RedisMetrics
}

var _ domain.BroadcastTransport = (*Fanout)(nil)

func NewFanout(rdb *goredis.Client, local domain.BroadcastTransport, members MemberSource, hub, instance string, m *metrics.RedisMetrics) *Fanout {
	return &Fanout{
		rdb:      rdb,
		local:    local,
		members:  members,
		channel:  fanoutChannelPrefix + hub,
		instance: instance,
		metrics:  m,
	}
}

// SendToChannel delivers to local members and publishes the broadcast for
// the other instances. A failed publish is logged, not returned.
func (f *Fanout) SendToChannel(ctx context.Context, b domain.Broadcast) (domain.BroadcastResult, error) {
	result, err := f.local.SendToChannel(ctx, b)
	if err != nil {
		return result, err
	}

	if perr := f.publish(ctx, b); perr != nil {
		slog.WarnContext(ctx, "Fan-out publish failed", "message_id", b.MessageID, "channel", b.Channel, "error", perr)
	}
	return result, nil
}

func (f *Fanout) publish(ctx context.Context, b domain.Broadcast) error {
	args := make([]json.RawMessage, 0, len(b.Args))
	for _, arg := range b.Args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return fmt.Errorf("encode argument: %w", err)
		}
		args = append(args, raw)
	}

	data, err := json.Marshal(fanoutEnvelope{
		Origin:    f.instance,
		MessageID: b.MessageID,
		Channel:   b.Channel,
		Target:    b.Target,
		Args:      args,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := f.rdb.Publish(ctx, f.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", f.channel, err)
	}
	f.count("out")
	return nil
}

// Run subscribes to broadcasts from the other instances and delivers them to
// local members. It blocks until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) error {
	pubsub := f.rdb.Subscribe(ctx, f.channel)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	slog.InfoContext(ctx, "Fan-out subscriber started", "channel", f.channel, "instance", f.instance)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.handle(ctx, msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Fanout) handle(ctx context.Context, payload string) {
	var env fanoutEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		slog.WarnContext(ctx, "Invalid fan-out message", "error", err)
		return
	}
	if env.Origin == f.instance {
		return
	}
	f.count("in")

	ctx = correlation.Ensure(ctx, env.MessageID)
	args := make([]any, 0, len(env.Args))
	for _, a := range env.Args {
		args = append(args, a)
	}

	members := f.members.Members(env.Channel)
	if len(members) == 0 {
		return
	}

	result, err := f.local.SendToChannel(ctx, domain.Broadcast{
		MessageID: env.MessageID,
		Channel:   env.Channel,
		Target:    env.Target,
		Args:      args,
		Members:   members,
	})
	if err != nil {
		slog.ErrorContext(ctx, "Fan-out delivery failed", "message_id", env.MessageID, "origin", env.Origin, "error", err)
		return
	}
	slog.DebugContext(ctx, "Fan-out delivered",
		"message_id", env.MessageID,
		"origin", env.Origin,
		"channel", env.Channel,
		"delivered", result.Delivered,
		"failed", len(result.Failed))
}

func (f *Fanout) count(direction string) {
	if f.metrics != nil {
		f.metrics.FanoutMessages.WithLabelValues(direction).Inc()
	}
}
