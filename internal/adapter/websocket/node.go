package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
)

const NodePath = "/connection/websocket"

type NodeOptions struct {
	Hub            string
	DefaultChannel string
	LogLevel       string
	Metrics        *metrics.WebSocketMetrics
	// Ping checks the broker backing the node; nil means in-memory.
	Ping func(ctx context.Context) error
}

// Node runs the relay on a centrifuge node. Channels are namespaced "<hub>:<channel>".
type Node struct {
	node     *centrifuge.Node
	registry domain.Registry
	tokens   domain.TokenIssuer
	opts     NodeOptions
	// brokered is set once publications go through Redis to every node.
	brokered bool
}

func NewNode(registry domain.Registry, tokens domain.TokenIssuer, opts NodeOptions) (*Node, error) {
	conf := centrifuge.Config{LogLevel: parseCentrifugeLogLevel(opts.LogLevel), LogHandler: slogHandler}
	node, err := centrifuge.New(conf)
	if err != nil {
		return nil, fmt.Errorf("create centrifuge node: %w", err)
	}

	n := &Node{node: node, registry: registry, tokens: tokens, opts: opts}
	node.OnConnecting(n.onConnecting)
	node.OnConnect(n.onConnect)

	return n, nil
}

func (n *Node) Run() error {
	if err := n.node.Run(); err != nil {
		return fmt.Errorf("run centrifuge node: %w", err)
	}
	return nil
}

func (n *Node) Shutdown(ctx context.Context) error {
	if err := n.node.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown centrifuge node: %w", err)
	}
	return nil
}

// Handler returns the websocket handler to mount at NodePath.
func (n *Node) Handler(checkOrigin func(r *http.Request) bool) http.Handler {
	return centrifuge.NewWebsocketHandler(n.node, centrifuge.WebsocketConfig{CheckOrigin: checkOrigin})
}

func (n *Node) Path(string) string {
	return NodePath
}

func (n *Node) Ping(ctx context.Context) error {
	if n.opts.Ping == nil {
		return nil
	}
	return n.opts.Ping(ctx)
}

// SendToChannel publishes one invocation frame to the namespaced channel.
// In memory the node delivers to the local members, which are reported as
// Delivered. Behind a Redis broker delivery happens on every node
// asynchronously, so the result carries no count.
func (n *Node) SendToChannel(ctx context.Context, b domain.Broadcast) (domain.BroadcastResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.BroadcastResult{}, err
	}

	frame, err := EncodeInvocation(b.Target, b.Args)
	if err != nil {
		return domain.BroadcastResult{}, err
	}

	channel := n.channelName(b.Channel)
	if _, err := n.node.Publish(channel, frame); err != nil {
		return domain.BroadcastResult{}, fmt.Errorf("publish to channel %s: %w", channel, err)
	}

	if n.brokered {
		if n.opts.Metrics != nil {
			n.opts.Metrics.Publications.Inc()
		}
		return domain.BroadcastResult{}, nil
	}

	if n.opts.Metrics != nil {
		n.opts.Metrics.FramesSent.Add(float64(len(b.Members)))
	}
	return domain.BroadcastResult{Delivered: len(b.Members)}, nil
}

func (n *Node) onConnecting(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
	grant, err := n.tokens.Verify(e.Token)
	if err != nil {
		slog.DebugContext(ctx, "Centrifuge token rejected", "client_id", e.ClientID, "error", err)
		return centrifuge.ConnectReply{}, centrifuge.DisconnectInvalidToken
	}
	if grant.Hub != n.opts.Hub {
		return centrifuge.ConnectReply{}, centrifuge.DisconnectPermissionDenied
	}

	reply := centrifuge.ConnectReply{
		Credentials: &centrifuge.Credentials{UserID: grant.Subject},
	}
	if n.opts.DefaultChannel != "" {
		reply.Subscriptions = map[string]centrifuge.SubscribeOptions{
			n.channelName(n.opts.DefaultChannel): {},
		}
	}
	return reply, nil
}

func (n *Node) onConnect(client *centrifuge.Client) {
	id := client.ID()
	if err := n.registry.Connect(id, clientHandle{client: client}); err != nil {
		slog.Error("Failed to establish connection", "client_id", id, "error", err)
		client.Disconnect(centrifuge.DisconnectServerError)
		return
	}
	if n.opts.DefaultChannel != "" {
		if err := n.registry.Register(id, n.opts.DefaultChannel); err != nil {
			slog.Warn("Default channel registration failed", "client_id", id, "error", err)
		}
	}
	slog.Debug("Client connected", "client_id", id, "user_id", client.UserID())

	client.OnSubscribe(func(e centrifuge.SubscribeEvent, cb centrifuge.SubscribeCallback) {
		channel, ok := n.localChannel(e.Channel)
		if !ok || !validChannel(channel) {
			cb(centrifuge.SubscribeReply{}, centrifuge.ErrorPermissionDenied)
			return
		}
		if err := n.registry.Register(id, channel); err != nil {
			slog.Warn("Subscribe failed", "client_id", id, "channel", channel, "error", err)
			cb(centrifuge.SubscribeReply{}, centrifuge.ErrorInternal)
			return
		}
		cb(centrifuge.SubscribeReply{}, nil)
	})

	client.OnUnsubscribe(func(e centrifuge.UnsubscribeEvent) {
		channel, ok := n.localChannel(e.Channel)
		if !ok {
			return
		}
		if err := n.registry.Leave(id, channel); err != nil {
			slog.Debug("Unsubscribe after disconnect", "client_id", id, "channel", channel, "error", err)
		}
	})

	client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
		n.registry.Unregister(id)
		slog.Debug("Client disconnected", "client_id", id, "reason", e.Reason)
	})
}

func (n *Node) channelName(channel string) string {
	return n.opts.Hub + ":" + channel
}

func (n *Node) localChannel(name string) (string, bool) {
	return strings.CutPrefix(name, n.opts.Hub+":")
}

// clientHandle lets the registry address a centrifuge client directly.
type clientHandle struct {
	client *centrifuge.Client
}

func (h clientHandle) Send(_ context.Context, frame []byte) error {
	if err := h.client.Send(frame); err != nil {
		return fmt.Errorf("send to client %s: %w", h.client.ID(), err)
	}
	return nil
}

func (h clientHandle) Close(reason string) {
	slog.Debug("Disconnecting client", "client_id", h.client.ID(), "reason", reason)
	h.client.Disconnect(centrifuge.DisconnectForceNoReconnect)
}

// SetupRedis switches the node to a Redis broker and presence manager so
// publications reach clients on every instance. redisAddress may be host:port
// or a redis:// URL.
func (n *Node) SetupRedis(redisAddress string) error {
	shardConfig := centrifuge.RedisShardConfig{Address: redisAddress}
	shard, err := centrifuge.NewRedisShard(n.node, shardConfig)
	if err != nil {
		return fmt.Errorf("create redis shard: %w", err)
	}

	brokerConfig := centrifuge.RedisBrokerConfig{Prefix: "notifyrelay", Shards: []*centrifuge.RedisShard{shard}}
	broker, err := centrifuge.NewRedisBroker(n.node, brokerConfig)
	if err != nil {
		return fmt.Errorf("create redis broker: %w", err)
	}
	n.node.SetBroker(broker)

	pmConfig := centrifuge.RedisPresenceManagerConfig{Prefix: "notifyrelay", Shards: []*centrifuge.RedisShard{shard}}
	presenceManager, err := centrifuge.NewRedisPresenceManager(n.node, pmConfig)
	if err != nil {
		return fmt.Errorf("create redis presence manager: %w", err)
	}
	n.node.SetPresenceManager(presenceManager)
	n.brokered = true

	return nil
}

func slogHandler(entry centrifuge.LogEntry) {
	attrs := make([]any, 0, len(entry.Fields)*2)
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}
	switch entry.Level {
	case centrifuge.LogLevelDebug, centrifuge.LogLevelTrace:
		slog.Debug(entry.Message, attrs...)
	case centrifuge.LogLevelInfo:
		slog.Info(entry.Message, attrs...)
	case centrifuge.LogLevelWarn:
		slog.Warn(entry.Message, attrs...)
	case centrifuge.LogLevelError:
		slog.Error(entry.Message, attrs...)
	case centrifuge.LogLevelNone:
		// EMPTY
	}
}

func parseCentrifugeLogLevel(level string) centrifuge.LogLevel {
	switch level {
	case "debug":
		return centrifuge.LogLevelDebug
	case "warn":
		return centrifuge.LogLevelWarn
	case "error":
		return centrifuge.LogLevelError
	default:
		return centrifuge.LogLevelInfo
	}
}
