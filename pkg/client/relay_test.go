package client

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ops-relay/pkg/types"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

var relayUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeRelay is an in-process relay accepting tunnel sockets
type fakeRelay struct {
	srv      *httptest.Server
	conns    chan *relayConn
	paths    chan string
	requests atomic.Int32
	reject   atomic.Bool
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		conns: make(chan *relayConn, 16),
		paths: make(chan string, 16),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.requests.Add(1)
		select {
		case r.paths <- req.URL.Path:
		default:
		}
		if r.reject.Load() {
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := relayUpgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		rc := &relayConn{
			ws:     ws,
			frames: make(chan frame, 64),
			closed: make(chan struct{}),
		}
		r.conns <- rc
		rc.readLoop()
	}))
	t.Cleanup(r.srv.Close)
	return r
}

// URL is the relay base URL as a user would configure it
func (r *fakeRelay) URL() string {
	return r.srv.URL
}

func (r *fakeRelay) accept(t *testing.T) *relayConn {
	t.Helper()
	select {
	case rc := <-r.conns:
		t.Cleanup(func() { _ = rc.ws.Close() })
		return rc
	case <-time.After(waitTimeout):
		t.Fatal("relay: no connection")
		return nil
	}
}

func (r *fakeRelay) expectNoConnection(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case <-r.conns:
		t.Fatal("relay: unexpected connection")
	case <-time.After(d):
	}
}

type frame map[string]interface{}

func (f frame) str(key string) string {
	s, _ := f[key].(string)
	return s
}

// relayConn is the relay side of one tunnel socket
type relayConn struct {
	ws       *websocket.Conn
	frames   chan frame
	closed   chan struct{}
	closeErr error
	writeMu  sync.Mutex
}

func (rc *relayConn) readLoop() {
	defer close(rc.closed)
	for {
		_, data, err := rc.ws.ReadMessage()
		if err != nil {
			rc.closeErr = err
			return
		}
		var f frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		rc.frames <- f
	}
}

// next returns the next frame of type typ, skipping heartbeats unless typ is heartbeat
func (rc *relayConn) next(t *testing.T, typ string) frame {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case f := <-rc.frames:
			if f.str("type") == "heartbeat" && typ != "heartbeat" {
				continue
			}
			require.Equal(t, typ, f.str("type"), "frame %v", f)
			return f
		case <-rc.closed:
			t.Fatalf("relay: socket closed while waiting for %s: %v", typ, rc.closeErr)
			return nil
		case <-deadline:
			t.Fatalf("relay: no %s frame", typ)
			return nil
		}
	}
}

func (rc *relayConn) send(t *testing.T, v interface{}) {
	t.Helper()
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	require.NoError(t, rc.ws.WriteJSON(v))
}

func (rc *relayConn) sendRaw(t *testing.T, data string) {
	t.Helper()
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	require.NoError(t, rc.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

// register answers the register frame and returns it
func (rc *relayConn) register(t *testing.T, token, tunnelID, publicURL string) frame {
	t.Helper()
	f := rc.next(t, "register")
	rc.send(t, map[string]string{
		"type":      "registered",
		"token":     token,
		"tunnel_id": tunnelID,
		"relay_url": publicURL,
	})
	return f
}

func (rc *relayConn) closeWith(code int, reason string) {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	_ = rc.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// drop kills the TCP connection without a close frame
func (rc *relayConn) drop() {
	_ = rc.ws.UnderlyingConn().Close()
}

func (rc *relayConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-rc.closed:
	case <-time.After(waitTimeout):
		t.Fatal("relay: socket not closed")
	}
}

type statusChange struct {
	status types.Status
	err    string
}

// watchStatus records every status change of c
func watchStatus(t *testing.T, c *Client) <-chan statusChange {
	t.Helper()
	ch := make(chan statusChange, 64)
	unsubscribe := c.OnStatusChange(func(s types.Status, errMsg string) {
		select {
		case ch <- statusChange{s, errMsg}:
		default:
		}
	})
	t.Cleanup(unsubscribe)
	return ch
}

// waitStatus reads changes until want shows up
func waitStatus(t *testing.T, ch <-chan statusChange, want types.Status) statusChange {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case sc := <-ch:
			if sc.status == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("status %s not observed", want)
			return statusChange{}
		}
	}
}

func testOptions() Options {
	return Options{
		HeartbeatInterval:   time.Hour,
		ReconnectDelay:      20 * time.Millisecond,
		MaxReconnect:        3,
		RegistrationTimeout: 2 * time.Second,
		HandshakeTimeout:    time.Second,
		RequestTimeout:      2 * time.Second,
	}
}

func hostPort(t *testing.T, rawAddr string) (string, int) {
	t.Helper()
	host, port, err := net.SplitHostPort(rawAddr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

// relayConfig points a tunnel at relay and the local server listening on localAddr
func relayConfig(t *testing.T, relay *fakeRelay, localAddr string) types.RelayConfig {
	t.Helper()
	host, port := hostPort(t, localAddr)
	return types.RelayConfig{
		RelayBaseURL: relay.URL(),
		NetworkID:    "net-1",
		LocalHost:    host,
		LocalPort:    port,
	}
}

// unreachableAddr returns an address nothing listens on anymore
func unreachableAddr(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	return addr
}
