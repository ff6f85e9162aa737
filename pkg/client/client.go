package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ops-relay/pkg/config"
	"github.com/ops-relay/pkg/logging"
	"github.com/ops-relay/pkg/metrics"
	"github.com/ops-relay/pkg/protocol"
	"github.com/ops-relay/pkg/proxy"
	"github.com/ops-relay/pkg/routing"
	"github.com/ops-relay/pkg/status"
	"github.com/ops-relay/pkg/transport"
	"github.com/ops-relay/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrDisconnected is returned by a Connect that was aborted by Disconnect or by a newer Connect
	ErrDisconnected = errors.New("relay client disconnected")
	// ErrMaxReconnect is the terminal error once reconnection gives up
	ErrMaxReconnect = errors.New("max reconnect attempts reached")
	// ErrRegistrationTimeout is returned when no registered reply arrives in time
	ErrRegistrationTimeout = errors.New("timed out waiting for relay registration")
)

// RegistrationError is the relay rejecting a registration
type RegistrationError struct {
	Message string
}

func (e *RegistrationError) Error() string {
	return "relay rejected registration: " + e.Message
}

const (
	defaultHeartbeatInterval   = 30 * time.Second
	defaultReconnectDelay      = 3 * time.Second
	defaultMaxReconnect        = 5
	defaultRegistrationTimeout = 30 * time.Second
)

// Options tune a Client. Zero values fall back to defaults, except MaxReconnect where
// zero means no reconnection; use DefaultOptions for the stock values.
type Options struct {
	RegisterPath        string
	HeartbeatInterval   time.Duration
	ReconnectDelay      time.Duration // base delay, multiplied by the attempt number
	MaxReconnect        int
	RegistrationTimeout time.Duration
	HandshakeTimeout    time.Duration
	RequestTimeout      time.Duration
	LocalTransport      http.RoundTripper // used for forwarded requests, optional
}

// DefaultOptions returns the stock client settings
func DefaultOptions() Options {
	return Options{
		RegisterPath:        routing.DefaultRegisterPath,
		HeartbeatInterval:   defaultHeartbeatInterval,
		ReconnectDelay:      defaultReconnectDelay,
		MaxReconnect:        defaultMaxReconnect,
		RegistrationTimeout: defaultRegistrationTimeout,
	}
}

// OptionsFromConfig builds client options from the file configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RegisterPath:        cfg.Relay.RegisterPath,
		HeartbeatInterval:   cfg.GetHeartbeatInterval(),
		ReconnectDelay:      cfg.GetReconnectDelay(),
		MaxReconnect:        cfg.Relay.MaxReconnect,
		RegistrationTimeout: cfg.GetRegistrationTimeout(),
		HandshakeTimeout:    cfg.GetHandshakeTimeout(),
		RequestTimeout:      cfg.GetRequestTimeout(),
	}
}

type connectResult struct {
	conn types.RelayConnection
	err  error
}

// Client keeps one tunnel to a relay: it registers the local network, keeps the socket
// alive, replays forwarded requests against the local server and reconnects after
// unintentional closes.
type Client struct {
	opts      Options
	status    *status.Broadcaster
	collector *metrics.Collector
	inflight  atomic.Int64

	mu        sync.Mutex
	state     linkState
	gen       uint64 // bumped whenever the owned socket changes; stale callbacks compare against it
	cfg       *types.RelayConfig
	sock      *transport.Socket
	conn      types.RelayConnection
	pending   chan connectResult
	forwarder *proxy.Forwarder
	policy    *reconnectPolicy
	timer     *time.Timer // pending reconnect
	regTimer  *time.Timer // registration deadline of the current socket
	hb        *heartbeat
}

// New creates an idle client
func New(opts Options) *Client {
	if opts.RegisterPath == "" {
		opts.RegisterPath = routing.DefaultRegisterPath
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.RegistrationTimeout <= 0 {
		opts.RegistrationTimeout = defaultRegistrationTimeout
	}

	c := &Client{
		opts:   opts,
		status: status.NewBroadcaster(),
		state:  stateIdle,
		conn:   types.RelayConnection{Status: types.StatusDisconnected},
		policy: newReconnectPolicy(opts.ReconnectDelay, opts.MaxReconnect),
	}
	c.collector = metrics.NewCollector(c.Connection, c.Attempts)
	return c
}

// Collector returns the tunnel state metrics of this client
func (c *Client) Collector() prometheus.Collector {
	return c.collector
}

// OnStatusChange registers handler for status transitions and returns its unsubscribe func.
// Handlers run synchronously without client locks held.
func (c *Client) OnStatusChange(handler status.Handler) func() {
	return c.status.Subscribe(handler)
}

// Connection returns a snapshot of the tunnel state
func (c *Client) Connection() types.RelayConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Status returns the current status
func (c *Client) Status() types.Status {
	return c.Connection().Status
}

// Attempts returns the consecutive reconnect attempts since the last registration
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy.attempts
}

// InFlight returns the number of forwarded requests still running
func (c *Client) InFlight() int {
	return int(c.inflight.Load())
}

// Connect opens a tunnel for cfg, superseding any previous one, and waits for the relay to
// register it. It returns when the relay replies, the registration timeout passes or ctx is
// done; ctx bounds the wait and the dial, not the tunnel. Unless Disconnect is called,
// transport failures keep being retried in the background after Connect returns.
func (c *Client) Connect(ctx context.Context, cfg types.RelayConfig) (types.RelayConnection, error) {
	return c.connect(ctx, cfg, 0, false)
}

// reconnect is run by the reconnect timer armed for generation gen
func (c *Client) reconnect(gen uint64, cfg types.RelayConfig) {
	if _, err := c.connect(context.Background(), cfg, gen, true); err != nil {
		logging.Debugf("[reconnect] attempt ended: %v", err)
	}
}

func (c *Client) connect(ctx context.Context, cfg types.RelayConfig, fromGen uint64, isReconnect bool) (types.RelayConnection, error) {
	wsURL, err := routing.NormalizeRelayURL(cfg.RelayBaseURL, c.opts.RegisterPath)
	if err != nil {
		return types.RelayConnection{}, err
	}

	c.mu.Lock()
	if isReconnect && (c.gen != fromGen || c.state != stateReconnecting) {
		c.mu.Unlock()
		return types.RelayConnection{}, ErrDisconnected
	}
	if !isReconnect {
		c.policy.reset()
	}
	old := c.supersedeLocked(fmt.Errorf("%w: superseded by a newer connect", ErrDisconnected))
	gen := c.gen
	cfgCopy := cfg
	c.cfg = &cfgCopy
	target := routing.LocalTarget{Host: cfg.LocalHost, Port: cfg.LocalPort, UseHTTPS: cfg.UseHTTPS}
	if c.forwarder == nil || c.forwarder.Target() != target {
		c.forwarder = proxy.NewForwarder(target, proxy.Options{Timeout: c.opts.RequestTimeout, Transport: c.opts.LocalTransport})
	}
	c.conn = types.RelayConnection{
		NetworkID:    cfg.NetworkID,
		RelayBaseURL: cfg.RelayBaseURL,
		Status:       types.StatusConnecting,
	}
	c.setStateLocked(stateConnecting)
	pending := make(chan connectResult, 1)
	c.pending = pending
	c.mu.Unlock()

	if old != nil {
		_ = old.Close(websocket.CloseNormalClosure, "superseded")
	}
	c.status.Publish(types.StatusConnecting, "")
	logging.Logf("[client] connecting to %s as %s", wsURL, cfg.NetworkID)

	sock, err := transport.Dial(ctx, wsURL, transport.Options{HandshakeTimeout: c.opts.HandshakeTimeout})
	if err != nil {
		err = fmt.Errorf("connect relay %s: %w", wsURL, err)
		c.handleTransportFailure(gen, err)
		return settled(pending, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = sock.Close(websocket.CloseNormalClosure, "superseded")
		return settled(pending, ErrDisconnected)
	}
	c.sock = sock
	c.mu.Unlock()

	register := protocol.NewRegister(cfg.NetworkID, protocol.RegisterInfo{
		Name: cfg.DisplayName(),
		Host: cfg.LocalHost,
		Port: cfg.LocalPort,
	})
	if err := sock.Send(register); err != nil {
		err = fmt.Errorf("send register: %w", err)
		c.handleTransportFailure(gen, err)
		return settled(pending, err)
	}
	sock.Run(transport.Handlers{
		OnMessage: func(data []byte) { c.handleMessage(gen, sock, data) },
		OnClose:   func(info transport.CloseInfo) { c.handleClose(gen, info) },
	})

	c.mu.Lock()
	if c.gen == gen && c.state == stateConnecting {
		c.regTimer = time.AfterFunc(c.opts.RegistrationTimeout, func() { c.registrationTimedOut(gen) })
	}
	c.mu.Unlock()

	select {
	case res := <-pending:
		return res.conn, res.err
	case <-ctx.Done():
		c.abandonPending(pending)
		return types.RelayConnection{}, ctx.Err()
	}
}

// settled returns the result already delivered to pending, or fallback
func settled(pending chan connectResult, fallback error) (types.RelayConnection, error) {
	select {
	case res := <-pending:
		return res.conn, res.err
	default:
		return types.RelayConnection{}, fallback
	}
}

// supersedeLocked drops the current socket and its timers and moves to a new generation.
// The returned socket, if any, must be closed by the caller outside the lock.
func (c *Client) supersedeLocked(reason error) *transport.Socket {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.stopRegistrationTimerLocked()
	c.stopHeartbeatLocked()
	c.rejectPendingLocked(reason)
	old := c.sock
	c.sock = nil
	return old
}

func (c *Client) setStateLocked(to linkState) {
	if c.state == to && to != stateConnecting {
		return
	}
	if !canTransition(c.state, to) {
		logging.Logf("[reconnect] ignoring transition %s -> %s", c.state, to)
		return
	}
	logging.Debugf("[reconnect] %s -> %s", c.state, to)
	c.state = to
}

func (c *Client) stopRegistrationTimerLocked() {
	if c.regTimer != nil {
		c.regTimer.Stop()
		c.regTimer = nil
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.hb != nil {
		c.hb.Stop()
		c.hb = nil
	}
}

func (c *Client) resolvePendingLocked(res connectResult) {
	if c.pending == nil {
		return
	}
	c.pending <- res
	c.pending = nil
}

func (c *Client) rejectPendingLocked(err error) {
	c.resolvePendingLocked(connectResult{err: err})
}

func (c *Client) abandonPending(pending chan connectResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == pending {
		c.pending = nil
	}
}

func (c *Client) handleMessage(gen uint64, sock *transport.Socket, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if errors.Is(err, protocol.ErrInvalidRequest) {
		c.collector.RecordMalformedFrame("invalid_request")
		c.rejectRequest(gen, sock, msg.Request, err)
		return
	}
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		c.collector.RecordMalformedFrame(reason)
		logging.Logf("[client] ignoring frame: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeRegistered:
		c.handleRegistered(gen, sock, msg.Registered)
	case protocol.TypeHTTPRequest:
		c.dispatchForward(gen, sock, msg.Request)
	case protocol.TypeHeartbeatAck:
		c.collector.RecordHeartbeatAck()
		logging.Debugf("[heartbeat] ack")
	case protocol.TypeError:
		c.handleRelayError(gen, msg.Error.Message)
	}
}

func (c *Client) handleRegistered(gen uint64, sock *transport.Socket, reg *protocol.Registered) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn.Token = reg.Token
	c.conn.TunnelID = reg.TunnelID
	c.conn.PublicURL = reg.RelayURL
	c.conn.Status = types.StatusConnected
	c.conn.Error = ""
	c.setStateLocked(stateConnected)
	c.stopRegistrationTimerLocked()
	c.policy.reset()
	c.stopHeartbeatLocked()
	c.hb = startHeartbeat(sock, c.opts.HeartbeatInterval, c.collector.RecordHeartbeat)
	conn := c.conn
	c.resolvePendingLocked(connectResult{conn: conn})
	c.mu.Unlock()

	c.collector.RecordRegistration()
	logging.Logf("[client] registered tunnel=%s public_url=%s", conn.TunnelID, conn.PublicURL)
	c.status.Publish(types.StatusConnected, "")
}

func (c *Client) handleRelayError(gen uint64, message string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state != stateConnecting {
		c.mu.Unlock()
		logging.Logf("[client] relay error: %s", message)
		return
	}
	old := c.supersedeLocked(&RegistrationError{Message: message})
	c.conn.Status = types.StatusError
	c.conn.Error = message
	events := append([]statusEvent{{types.StatusError, message}}, c.scheduleReconnectLocked()...)
	c.mu.Unlock()

	c.collector.RecordRegistrationError()
	if old != nil {
		_ = old.Close(websocket.CloseNormalClosure, "registration rejected")
	}
	logging.Logf("[client] registration rejected: %s", message)
	c.publish(events)
}

// dispatchForward replays req on its own goroutine and answers on the socket it came from.
// The answer is dropped if that socket is gone by then.
func (c *Client) dispatchForward(gen uint64, sock *transport.Socket, req *protocol.HTTPRequest) {
	c.mu.Lock()
	fwd := c.forwarder
	current := gen == c.gen
	c.mu.Unlock()
	if !current || fwd == nil {
		logging.Logf("[forward] dropping request_id=%s from a stale socket", req.RequestID)
		return
	}

	method := strings.ToUpper(req.Method)
	label := methodLabel(method)
	c.inflight.Add(1)
	recordForwardStart(label)
	go func() {
		defer c.inflight.Add(-1)

		start := time.Now()
		resp, err := fwd.Forward(context.Background(), req)
		switch {
		case errors.Is(err, proxy.ErrLocalUnreachable):
			recordForwardFail(label, "unreachable")
		case errors.Is(err, proxy.ErrInvalidRequest):
			recordForwardFail(label, "invalid_request")
		case errors.Is(err, proxy.ErrResponseTooLarge):
			recordForwardFail(label, "response_too_large")
		case err != nil:
			recordForwardFail(label, "other")
		default:
			recordForwardSuccess(label)
		}
		if err != nil {
			logging.Logf("[forward] %s %s request_id=%s failed: %v", method, req.Path, req.RequestID, err)
		} else {
			logging.Debugf("[forward] %s %s request_id=%s status=%d in %v", method, req.Path, req.RequestID, resp.Status, time.Since(start))
		}
		c.reply(sock, resp)
	}()
}

// rejectRequest answers a forwarded request that could not be decoded with a 400
func (c *Client) rejectRequest(gen uint64, sock *transport.Socket, req *protocol.HTTPRequest, cause error) {
	c.mu.Lock()
	current := gen == c.gen
	c.mu.Unlock()
	if !current {
		return
	}

	label := methodLabel(req.Method)
	c.inflight.Add(1)
	recordForwardStart(label)
	recordForwardFail(label, "invalid_request")
	logging.Logf("[forward] rejecting request_id=%s: %v", req.RequestID, cause)
	resp := protocol.NewErrorResponse(req.RequestID, http.StatusBadRequest, proxy.ReasonInvalidRequest, cause.Error())
	go func() {
		defer c.inflight.Add(-1)
		c.reply(sock, resp)
	}()
}

// reply sends resp on the socket its request came from, dropping it if that socket is gone
func (c *Client) reply(sock *transport.Socket, resp protocol.HTTPResponse) {
	if err := sock.Send(resp); err != nil {
		c.collector.RecordDroppedResponse()
		logging.Logf("[forward] dropping response request_id=%s: %v", resp.RequestID, err)
	}
}

// handleClose runs once per socket when its read loop ends
func (c *Client) handleClose(gen uint64, info transport.CloseInfo) {
	c.mu.Lock()
	if gen != c.gen || info.Intentional {
		c.mu.Unlock()
		return
	}
	c.sock = nil
	c.stopHeartbeatLocked()

	abnormal := info.Code == websocket.CloseAbnormalClosure
	detail := fmt.Sprintf("closed by relay (code %d)", info.Code)
	if info.Reason != "" {
		detail = fmt.Sprintf("%s: %s", detail, info.Reason)
	}
	if abnormal && info.Err != nil {
		detail = info.Err.Error()
	}
	c.rejectPendingLocked(fmt.Errorf("relay connection closed before registration: %s", detail))

	var events []statusEvent
	if abnormal {
		c.conn.Status = types.StatusError
		c.conn.Error = detail
		events = append(events, statusEvent{types.StatusError, detail})
	} else {
		c.conn.Status = types.StatusDisconnected
		events = append(events, statusEvent{types.StatusDisconnected, ""})
	}
	events = append(events, c.scheduleReconnectLocked()...)
	c.mu.Unlock()

	logging.Logf("[client] connection lost: %s", detail)
	c.publish(events)
}

// handleTransportFailure abandons the socket of generation gen after a failure the read loop
// cannot see (dial or register write) and schedules a reconnect.
func (c *Client) handleTransportFailure(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	old, events := c.failLocked(cause)
	c.mu.Unlock()
	c.finishFailure(old, events, cause)
}

// registrationTimedOut fires when the socket of generation gen was not registered in time
func (c *Client) registrationTimedOut(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.regTimer = nil
	old, events := c.failLocked(ErrRegistrationTimeout)
	c.mu.Unlock()
	c.collector.RecordRegistrationError()
	c.finishFailure(old, events, ErrRegistrationTimeout)
}

func (c *Client) failLocked(cause error) (*transport.Socket, []statusEvent) {
	old := c.supersedeLocked(cause)
	c.conn.Status = types.StatusError
	c.conn.Error = cause.Error()
	events := []statusEvent{{types.StatusError, cause.Error()}}
	return old, append(events, c.scheduleReconnectLocked()...)
}

func (c *Client) finishFailure(old *transport.Socket, events []statusEvent, cause error) {
	if old != nil {
		_ = old.Close(websocket.CloseNormalClosure, "registration failed")
	}
	logging.Logf("[client] %v", cause)
	c.publish(events)
}

// scheduleReconnectLocked runs the reconnection policy for the current generation
func (c *Client) scheduleReconnectLocked() []statusEvent {
	if c.cfg == nil {
		return nil
	}
	delay, attempt, ok := c.policy.next()
	if !ok {
		c.setStateLocked(stateFailed)
		c.cfg = nil
		c.conn.Status = types.StatusError
		c.conn.Error = ErrMaxReconnect.Error()
		logging.Logf("[reconnect] giving up after %d attempts", attempt-1)
		return []statusEvent{{types.StatusError, ErrMaxReconnect.Error()}}
	}

	c.setStateLocked(stateReconnecting)
	gen := c.gen
	cfg := *c.cfg
	c.timer = time.AfterFunc(delay, func() { c.reconnect(gen, cfg) })
	c.collector.RecordReconnect()
	logging.Logf("[reconnect] attempt %d in %v", attempt, delay)
	return nil
}

// Disconnect closes the tunnel on purpose. It cancels any scheduled reconnect, stops the
// heartbeat, fails a pending Connect with ErrDisconnected, sends unregister and closes the
// socket. Forwarded requests already running are not recalled; their responses are dropped.
func (c *Client) Disconnect() {
	c.mu.Lock()
	wasIdle := c.state == stateIdle
	sock := c.supersedeLocked(ErrDisconnected)
	c.cfg = nil
	c.forwarder = nil
	c.policy.reset()
	c.setStateLocked(stateIdle)
	c.conn = types.RelayConnection{Status: types.StatusDisconnected}
	c.mu.Unlock()

	if sock != nil {
		if err := sock.Send(protocol.NewUnregister()); err != nil {
			logging.Debugf("[client] unregister not sent: %v", err)
		}
		if err := sock.Close(websocket.CloseNormalClosure, transport.CloseReasonClient); err != nil {
			logging.Debugf("[client] close: %v", err)
		}
	}
	if !wasIdle {
		logging.Logf("[client] disconnected")
		c.status.Publish(types.StatusDisconnected, "")
	}
}

type statusEvent struct {
	status types.Status
	err    string
}

func (c *Client) publish(events []statusEvent) {
	for _, e := range events {
		c.status.Publish(e.status, e.err)
	}
}
