package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newServer starts a WebSocket server running fn for every connection
func newServer(t *testing.T, fn func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func waitClose(t *testing.T, ch <-chan CloseInfo) CloseInfo {
	t.Helper()
	select {
	case info := <-ch:
		return info
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close")
		return CloseInfo{}
	}
}

func TestSocket_SendAndReceive(t *testing.T) {
	url := newServer(t, echo)

	sock, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)

	received := make(chan []byte, 1)
	closed := make(chan CloseInfo, 1)
	sock.Run(Handlers{
		OnMessage: func(data []byte) { received <- data },
		OnClose:   func(info CloseInfo) { closed <- info },
	})

	require.NoError(t, sock.Send(map[string]string{"type": "heartbeat"}))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
	case <-time.After(3 * time.Second):
		t.Fatal("no echo received")
	}

	require.NoError(t, sock.Close(websocket.CloseNormalClosure, CloseReasonClient))
	info := waitClose(t, closed)
	assert.True(t, info.Intentional)
	assert.NoError(t, info.Err)
	assert.True(t, sock.Closed())

	assert.ErrorIs(t, sock.Send(map[string]string{"type": "heartbeat"}), ErrClosed)
	assert.NoError(t, sock.Close(websocket.CloseNormalClosure, CloseReasonClient))
}

func TestSocket_RemoteClose(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay restarting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	sock, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)

	closed := make(chan CloseInfo, 1)
	sock.Run(Handlers{OnClose: func(info CloseInfo) { closed <- info }})

	info := waitClose(t, closed)
	assert.False(t, info.Intentional)
	assert.Equal(t, websocket.CloseGoingAway, info.Code)
	assert.Equal(t, "relay restarting", info.Reason)
	assert.Error(t, info.Err)

	select {
	case <-sock.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	assert.ErrorIs(t, sock.Send("x"), ErrClosed)
}

func TestSocket_AbnormalClose(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		// drop the TCP connection without a close frame
		_ = conn.UnderlyingConn().Close()
	})

	sock, err := Dial(context.Background(), url, Options{})
	require.NoError(t, err)

	closed := make(chan CloseInfo, 1)
	sock.Run(Handlers{OnClose: func(info CloseInfo) { closed <- info }})

	info := waitClose(t, closed)
	assert.False(t, info.Intentional)
	assert.Equal(t, websocket.CloseAbnormalClosure, info.Code)
}

func TestDial_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tunnel registration disabled", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "tunnel registration disabled")
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, Options{HandshakeTimeout: time.Second})
	assert.Error(t, err)
}
