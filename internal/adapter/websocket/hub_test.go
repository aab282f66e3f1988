package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/notifyrelay/internal/adapter/metrics"
	"github.com/pscheid92/notifyrelay/internal/adapter/token"
	"github.com/pscheid92/notifyrelay/internal/app"
	"github.com/pscheid92/notifyrelay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testHub struct {
	hub      *Hub
	registry *app.Registry
	tokens   *token.Issuer
	metrics  *metrics.WebSocketMetrics
	url      string
}

func newTestHub(t *testing.T, opts HubOptions) *testHub {
	t.Helper()

	clock := clockwork.NewRealClock()
	registry := app.NewRegistry(clock)
	tokens, err := token.NewIssuer(testSecret, clock)
	require.NoError(t, err)

	if opts.Hub == "" {
		opts.Hub = "chat"
	}
	if opts.DefaultChannel == "" {
		opts.DefaultChannel = "notify"
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewWebSocketMetrics(metrics.NewRegistry())
	}
	opts.Clock = clock

	hub := NewHub(registry, tokens, opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
	})

	return &testHub{
		hub:      hub,
		registry: registry,
		tokens:   tokens,
		metrics:  opts.Metrics,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + ClientPath,
	}
}

func (th *testHub) issue(t *testing.T, hub string) string {
	t.Helper()
	raw, err := th.tokens.Issue(domain.Grant{Subject: "anon-test", Hub: hub, ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	return raw
}

func (th *testHub) dial(t *testing.T, accessToken string, query url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if query == nil {
		query = url.Values{}
	}
	query.Set("hub", "chat")
	if accessToken != "" {
		query.Set("access_token", accessToken)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(th.url+"?"+query.Encode(), nil)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (th *testHub) waitMembers(t *testing.T, channel string, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(th.registry.MembersOf(channel)) == n
	}, 2*time.Second, 5*time.Millisecond)
	return th.registry.MembersOf(channel)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHub_ConnectRegistersDefaultChannel(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	_, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)

	members := th.waitMembers(t, "notify", 1)
	conn, ok := th.registry.Connection(members[0])
	require.True(t, ok)
	assert.Equal(t, domain.StateActive, conn.State)
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	client, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)
	th.waitMembers(t, "notify", 1)

	result, err := th.hub.SendToChannel(context.Background(), domain.Broadcast{
		MessageID: "m1",
		Channel:   "notify",
		Target:    "notify",
		Args:      []any{"hello"},
		Members:   th.registry.Members("notify"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Empty(t, result.Failed)

	frame := readFrame(t, client)
	assert.Equal(t, "invocation", frame["type"])
	assert.Equal(t, "notify", frame["target"])
	assert.Equal(t, []any{"hello"}, frame["arguments"])
	assert.InDelta(t, 1, testutil.ToFloat64(th.metrics.FramesSent), 0)
}

func TestHub_InitialChannelsFromQuery(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	_, _, err := th.dial(t, th.issue(t, "chat"), url.Values{"channel": {"orders", "alerts"}})
	require.NoError(t, err)

	th.waitMembers(t, "orders", 1)
	th.waitMembers(t, "alerts", 1)
	assert.Empty(t, th.registry.MembersOf("notify"))
}

func TestHub_BearerHeader(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+th.issue(t, "chat"))
	conn, _, err := websocket.DefaultDialer.Dial(th.url+"?hub=chat", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	th.waitMembers(t, "notify", 1)
}

func TestHub_RejectsHandshake(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	tests := []struct {
		name   string
		token  string
		status int
		reason string
	}{
		{name: "missing token", token: "", status: http.StatusUnauthorized, reason: "invalid_token"},
		{name: "garbage token", token: "garbage", status: http.StatusUnauthorized, reason: "invalid_token"},
		{name: "token for another hub", token: th.issue(t, "other"), status: http.StatusForbidden, reason: "wrong_hub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := th.dial(t, tt.token, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.GreaterOrEqual(t, testutil.ToFloat64(th.metrics.ConnectionsRejected.WithLabelValues(tt.reason)), 1.0)
		})
	}

	assert.Equal(t, domain.RegistryStats{}, th.registry.Stats())
}

func TestHub_RejectsUnknownHubQuery(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	_, resp, err := websocket.DefaultDialer.Dial(th.url+"?hub=elsewhere&access_token="+th.issue(t, "chat"), nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHub_SubscribeAndUnsubscribeFrames(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	client, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)
	th.waitMembers(t, "notify", 1)

	require.NoError(t, client.WriteJSON(map[string]string{"type": "subscribe", "channel": "alerts"}))
	frame := readFrame(t, client)
	assert.Equal(t, "subscribed", frame["type"])
	assert.Equal(t, "alerts", frame["channel"])
	assert.Len(t, th.registry.MembersOf("alerts"), 1)

	require.NoError(t, client.WriteJSON(map[string]string{"type": "unsubscribe", "channel": "alerts"}))
	frame = readFrame(t, client)
	assert.Equal(t, "unsubscribed", frame["type"])
	assert.Empty(t, th.registry.MembersOf("alerts"))
	assert.Len(t, th.registry.MembersOf("notify"), 1)
}

func TestHub_InvalidFramesGetErrorReplies(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	client, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "error", readFrame(t, client)["type"])

	require.NoError(t, client.WriteJSON(map[string]string{"type": "subscribe", "channel": ""}))
	assert.Equal(t, "error", readFrame(t, client)["type"])

	require.NoError(t, client.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, "error", readFrame(t, client)["type"])

	th.waitMembers(t, "notify", 1)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	a, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)
	_, _, err = th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)
	th.waitMembers(t, "notify", 2)

	require.NoError(t, a.Close())

	th.waitMembers(t, "notify", 1)
	assert.Equal(t, 1, th.registry.Stats().Connections)
}

func TestHub_ConnectionLimit(t *testing.T) {
	th := newTestHub(t, HubOptions{MaxConnections: 1})

	_, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)
	th.waitMembers(t, "notify", 1)

	_, resp, err := th.dial(t, th.issue(t, "chat"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Error(t, th.hub.Ping(context.Background()), "a full hub refuses negotiation")
	assert.NoError(t, th.hub.Ready(context.Background()), "a full hub stays ready")
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	client, _, err := th.dial(t, th.issue(t, "chat"), nil)
	require.NoError(t, err)
	th.waitMembers(t, "notify", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, th.hub.Shutdown(ctx))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, reasonShutdown, closeErr.Text)

	assert.Equal(t, domain.RegistryStats{}, th.registry.Stats())
	assert.ErrorIs(t, th.hub.Ping(context.Background()), errHubClosed)
	assert.ErrorIs(t, th.hub.Ready(context.Background()), errHubClosed)

	_, resp, err := th.dial(t, th.issue(t, "chat"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_PathAndPing(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	assert.Equal(t, "/client/?hub=chat", th.hub.Path("chat"))
	assert.Equal(t, "/client/?hub=a+b", th.hub.Path("a b"))
	assert.NoError(t, th.hub.Ping(context.Background()))
	assert.NoError(t, th.hub.Ready(context.Background()))
}

type stubHandle struct {
	mu      sync.Mutex
	sendErr error
	sent    int
	closed  chan string
}

func newStubHandle(sendErr error) *stubHandle {
	return &stubHandle{sendErr: sendErr, closed: make(chan string, 1)}
}

func (s *stubHandle) Send(context.Context, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent++
	return nil
}

func (s *stubHandle) Close(reason string) {
	s.closed <- reason
}

func TestHub_SendToChannelEvictsSlowClients(t *testing.T) {
	th := newTestHub(t, HubOptions{})
	fast := newStubHandle(nil)
	slow := newStubHandle(errSendBufferFull)
	gone := newStubHandle(errWriterClosed)

	result, err := th.hub.SendToChannel(context.Background(), domain.Broadcast{
		Channel: "notify",
		Target:  "notify",
		Args:    []any{"x"},
		Members: []domain.Member{{ID: "fast", Handle: fast}, {ID: "slow", Handle: slow}, {ID: "gone", Handle: gone}},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.ElementsMatch(t, []string{"slow", "gone"}, result.Failed)
	assert.True(t, result.Partial())

	select {
	case reason := <-slow.closed:
		assert.Equal(t, reasonSlowClient, reason)
	case <-time.After(time.Second):
		t.Fatal("slow client was not evicted")
	}
	assert.Empty(t, gone.closed)
	assert.InDelta(t, 1, testutil.ToFloat64(th.metrics.SlowClientEvictions), 0)
}

func TestHub_SendToChannelNoMembers(t *testing.T) {
	th := newTestHub(t, HubOptions{})

	result, err := th.hub.SendToChannel(context.Background(), domain.Broadcast{Channel: "empty", Target: "notify", Args: []any{"x"}})

	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastResult{}, result)
}

func TestHub_SendToChannelCancelledContext(t *testing.T) {
	th := newTestHub(t, HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := th.hub.SendToChannel(ctx, domain.Broadcast{Channel: "notify", Target: "notify"})

	assert.ErrorIs(t, err, context.Canceled)
}
