package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}

func TestClientWriter_DeliversFramesInOrder(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), nil)
	t.Cleanup(cw.stop)

	require.NoError(t, cw.Send(context.Background(), []byte("one")))
	require.NoError(t, cw.Send(context.Background(), []byte("two")))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, first, err := client.ReadMessage()
	require.NoError(t, err)
	_, second, err := client.ReadMessage()
	require.NoError(t, err)

	assert.Equal(t, "one", string(first))
	assert.Equal(t, "two", string(second))
}

func TestClientWriter_FullBufferRejectsSend(t *testing.T) {
	server, _ := newTestConnPair(t)
	cw := &clientWriter{
		connection:  server,
		clock:       clockwork.NewRealClock(),
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}

	for range messageBufferSize {
		require.NoError(t, cw.Send(context.Background(), []byte("x")))
	}

	assert.ErrorIs(t, cw.Send(context.Background(), []byte("overflow")), errSendBufferFull)
}

func TestClientWriter_SendAfterCloseFails(t *testing.T) {
	server, _ := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), nil)

	cw.stop()

	assert.ErrorIs(t, cw.Send(context.Background(), []byte("late")), errWriterClosed)
}

func TestClientWriter_CloseSendsReason(t *testing.T) {
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clockwork.NewRealClock(), nil)

	cw.Close(reasonSlowClient)
	cw.Close(reasonSlowClient)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, reasonSlowClient, closeErr.Text)
}

func TestClientWriter_SendsPings(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	server, client := newTestConnPair(t)
	cw := newClientWriter(server, clock, nil)
	t.Cleanup(cw.stop)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(pingInterval)

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}
