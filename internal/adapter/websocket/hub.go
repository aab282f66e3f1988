package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/domain"
)

const (
	ClientPath = "/client/"

	maxFrameSize     = 4096
	maxChannelLength = 128

	reasonShutdown   = "server shutting down"
	reasonSlowClient = "slow client"
)

var errHubClosed = errors.New("hub is shutting down")

type HubOptions struct {
	Hub            string
	DefaultChannel string
	MaxConnections int
	CheckOrigin    func(r *http.Request) bool
	Clock          clockwork.Clock
	Metrics        *metrics.WebSocketMetrics
}

// Hub accepts websocket clients, keeps the subscriber registry in sync with
// their lifecycle and delivers broadcasts to them.
type Hub struct {
	registry domain.Registry
	tokens   domain.TokenIssuer
	opts     HubOptions
	upgrader websocket.Upgrader
	limiter  *connectionLimiter

	mu      sync.Mutex
	writers map[string]*clientWriter
	closing bool
	wg      sync.WaitGroup
}

func NewHub(registry domain.Registry, tokens domain.TokenIssuer, opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}

	return &Hub{
		registry: registry,
		tokens:   tokens,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		limiter: newConnectionLimiter(int64(opts.MaxConnections)),
		writers: make(map[string]*clientWriter),
	}
}

// Path returns the client URL path for hub, relative to the public base URL.
func (h *Hub) Path(hub string) string {
	return ClientPath + "?hub=" + url.QueryEscape(hub)
}

// Ready fails only once the hub is shutting down. A full hub is still ready:
// it keeps serving the clients it has.
func (h *Hub) Ready(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return errHubClosed
	}
	return nil
}

// Ping reports whether the hub can accept another client. Negotiation uses it
// to avoid handing out URLs that would be refused.
func (h *Hub) Ping(ctx context.Context) error {
	if err := h.Ready(ctx); err != nil {
		return err
	}
	if h.limiter.full() {
		return fmt.Errorf("connection limit of %d reached", h.opts.MaxConnections)
	}
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if hub := r.URL.Query().Get("hub"); hub != "" && hub != h.opts.Hub {
		h.reject(w, http.StatusNotFound, "unknown_hub")
		return
	}

	grant, err := h.tokens.Verify(accessToken(r))
	if err != nil {
		slog.DebugContext(ctx, "WebSocket token rejected", "remote_addr", r.RemoteAddr, "error", err)
		h.reject(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	if grant.Hub != h.opts.Hub {
		h.reject(w, http.StatusForbidden, "wrong_hub")
		return
	}

	if !h.track() {
		h.reject(w, http.StatusServiceUnavailable, "shutdown")
		return
	}
	defer h.wg.Done()

	if !h.limiter.acquire() {
		slog.WarnContext(ctx, "WebSocket connection limit reached", "max", h.opts.MaxConnections)
		h.reject(w, http.StatusServiceUnavailable, "capacity")
		return
	}
	defer h.limiter.release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(ctx, "WebSocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	id := uuid.NewString()
	writer := newClientWriter(conn, h.opts.Clock, h.opts.Metrics)

	if err := h.registry.Connect(id, writer); err != nil {
		slog.ErrorContext(ctx, "Failed to establish connection", "connection_id", id, "error", err)
		writer.Close("connection rejected")
		return
	}
	h.addWriter(id, writer)

	defer func() {
		h.registry.Unregister(id)
		h.removeWriter(id)
		writer.stop()
		slog.DebugContext(ctx, "WebSocket client disconnected", "connection_id", id, "subject", grant.Subject)
	}()

	for _, channel := range initialChannels(r, h.opts.DefaultChannel) {
		if err := h.registry.Register(id, channel); err != nil {
			slog.WarnContext(ctx, "Initial channel registration failed", "connection_id", id, "channel", channel, "error", err)
		}
	}

	slog.DebugContext(ctx, "WebSocket client connected", "connection_id", id, "subject", grant.Subject)
	h.readLoop(ctx, id, conn, writer)
}

// SendToChannel queues the invocation frame on every member's writer.
// Members whose buffer is full are evicted and reported as failed.
func (h *Hub) SendToChannel(ctx context.Context, b domain.Broadcast) (domain.BroadcastResult, error) {
	var result domain.BroadcastResult
	if err := ctx.Err(); err != nil {
		return result, err
	}

	frame, err := EncodeInvocation(b.Target, b.Args)
	if err != nil {
		return result, err
	}

	for _, m := range b.Members {
		if err := m.Handle.Send(ctx, frame); err != nil {
			result.Failed = append(result.Failed, m.ID)
			if errors.Is(err, errSendBufferFull) {
				slog.WarnContext(ctx, "Disconnecting slow client", "connection_id", m.ID, "channel", b.Channel)
				if h.opts.Metrics != nil {
					h.opts.Metrics.SlowClientEvictions.Inc()
				}
				go m.Handle.Close(reasonSlowClient)
			}
			continue
		}
		result.Delivered++
	}

	if h.opts.Metrics != nil {
		h.opts.Metrics.FramesSent.Add(float64(result.Delivered))
	}
	return result, nil
}

// Shutdown closes every client with a close frame and waits for their
// handlers to finish unregistering.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	writers := make([]*clientWriter, 0, len(h.writers))
	for _, w := range h.writers {
		writers = append(writers, w)
	}
	h.mu.Unlock()

	for _, w := range writers {
		w.Close(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("WebSocket hub stopped", "closed_clients", len(writers))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) readLoop(ctx context.Context, id string, conn *websocket.Conn, writer *clientWriter) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "WebSocket read failed", "connection_id", id, "error", err)
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.reply(writer, controlFrame{Type: frameError, Error: "invalid frame"})
			continue
		}

		switch frame.Type {
		case frameSubscribe:
			if !validChannel(frame.Channel) {
				h.reply(writer, controlFrame{Type: frameError, Channel: frame.Channel, Error: "invalid channel"})
				continue
			}
			if err := h.registry.Register(id, frame.Channel); err != nil {
				slog.WarnContext(ctx, "Subscribe failed", "connection_id", id, "channel", frame.Channel, "error", err)
				return
			}
			h.reply(writer, controlFrame{Type: frameSubscribed, Channel: frame.Channel})
		case frameUnsubscribe:
			if err := h.registry.Leave(id, frame.Channel); err != nil {
				slog.WarnContext(ctx, "Unsubscribe failed", "connection_id", id, "channel", frame.Channel, "error", err)
				return
			}
			h.reply(writer, controlFrame{Type: frameUnsubscribed, Channel: frame.Channel})
		default:
			h.reply(writer, controlFrame{Type: frameError, Error: "unknown frame type"})
		}
	}
}

func (h *Hub) reply(writer *clientWriter, frame controlFrame) {
	_ = writer.Send(context.Background(), encodeControl(frame))
}

func (h *Hub) reject(w http.ResponseWriter, status int, reason string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	}
	http.Error(w, http.StatusText(status), status)
}

// track registers an in-flight handler unless the hub is shutting down.
func (h *Hub) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Hub) addWriter(id string, w *clientWriter) {
	h.mu.Lock()
	h.writers[id] = w
	closing := h.closing
	h.mu.Unlock()

	if closing {
		w.Close(reasonShutdown)
	}
}

func (h *Hub) removeWriter(id string) {
	h.mu.Lock()
	delete(h.writers, id)
	h.mu.Unlock()
}

func accessToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

func initialChannels(r *http.Request, fallback string) []string {
	var channels []string
	for _, ch := range r.URL.Query()["channel"] {
		if validChannel(ch) {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 && fallback != "" {
		channels = []string{fallback}
	}
	return channels
}

func validChannel(channel string) bool {
	return channel != "" && len(channel) <= maxChannelLength && !strings.ContainsAny(channel, " \t\r\n")
}
