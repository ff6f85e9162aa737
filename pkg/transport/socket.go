package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// CloseReasonClient is the close reason the client sends when it disconnects on purpose
const CloseReasonClient = "client disconnect"

// ErrClosed is returned by Send once the socket is closed
var ErrClosed = errors.New("socket closed")

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGrace              = 500 * time.Millisecond
)

// Options tune a single socket
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
	TLSConfig        *tls.Config
	ReadLimit        int64 // max frame size in bytes, 0 = unlimited
}

// CloseInfo describes why the read loop ended
type CloseInfo struct {
	Intentional bool   // Close was called on this socket
	Code        int    // WebSocket close code, CloseAbnormalClosure when no close frame arrived
	Reason      string // Close frame text
	Err         error  // Read error that ended the loop, nil when intentional
}

// Handlers receive socket events on the read loop goroutine
type Handlers struct {
	OnMessage func(data []byte)
	OnClose   func(info CloseInfo)
}

// Socket is one WebSocket connection carrying JSON text frames
type Socket struct {
	conn         *websocket.Conn
	url          string
	connectedAt  time.Time
	writeTimeout time.Duration

	writeMu     sync.Mutex
	closed      atomic.Bool
	intentional atomic.Bool
	running     atomic.Bool
	done        chan struct{}
	doneOnce    sync.Once
}

// Dial opens a WebSocket connection to rawURL. The read loop does not start until Run.
func Dial(ctx context.Context, rawURL string, opts Options) (*Socket, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		TLSClientConfig:  opts.TLSConfig,
	}

	conn, resp, err := dialer.DialContext(ctx, rawURL, opts.Header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			_ = resp.Body.Close()
			return nil, fmt.Errorf("relay handshake failed: %s - %s", resp.Status, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("dial relay %s: %w", rawURL, err)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}

	return &Socket{
		conn:         conn,
		url:          rawURL,
		connectedAt:  time.Now(),
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
	}, nil
}

// Run starts the read loop. OnClose is called exactly once when it ends.
func (s *Socket) Run(h Handlers) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.readLoop(h)
}

func (s *Socket) readLoop(h Handlers) {
	var info CloseInfo
	defer func() {
		s.shutdown()
		if h.OnClose != nil {
			h.OnClose(info)
		}
	}()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			info = s.closeInfo(err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
}

func (s *Socket) closeInfo(err error) CloseInfo {
	info := CloseInfo{
		Intentional: s.intentional.Load(),
		Code:        websocket.CloseAbnormalClosure,
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		info.Code = ce.Code
		info.Reason = ce.Text
	}
	if !info.Intentional {
		info.Err = err
	}
	return info
}

// Send encodes v as JSON and writes it as one text frame.
// Writes are serialized; after Close every Send returns ErrClosed.
func (s *Socket) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the socket on purpose: it sends a close frame with code and reason, waits
// briefly for the peer to answer and tears the connection down. Safe to call more than once.
func (s *Socket) Close(code int, reason string) error {
	s.intentional.Store(true)

	s.writeMu.Lock()
	if s.closed.Swap(true) {
		s.writeMu.Unlock()
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	s.writeMu.Unlock()

	if err == nil && s.running.Load() {
		select {
		case <-s.done:
		case <-time.After(closeGrace):
		}
	}
	s.shutdown()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("send close frame: %w", err)
	}
	return nil
}

func (s *Socket) shutdown() {
	s.closed.Store(true)
	s.doneOnce.Do(func() {
		_ = s.conn.Close()
		close(s.done)
	})
}

// Done is closed once the connection is torn down
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the socket no longer accepts writes
func (s *Socket) Closed() bool {
	return s.closed.Load()
}

// URL returns the dialed URL
func (s *Socket) URL() string {
	return s.url
}

// ConnectedAt returns the time the handshake completed
func (s *Socket) ConnectedAt() time.Time {
	return s.connectedAt
}
