// Package transport owns the single duplex connection to the speech backend.
//
// A Channel dials a WebSocket endpoint, delivers inbound frames to one handler
// in arrival order, drops outbound frames while it is not open, and reconnects
// after unclean closures according to a ReconnectPolicy.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting // waiting for a scheduled retry
	StateFailed       // retry budget spent
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FrameType distinguishes text from binary frames.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
)

// Frame is one inbound or outbound message.
type Frame struct {
	Type FrameType
	Data []byte
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Stats holds channel counters.
type Stats struct {
	FramesSent     uint64 `json:"frames_sent"`
	BytesSent      uint64 `json:"bytes_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesReceived  uint64 `json:"bytes_received"`
	FramesDropped  uint64 `json:"frames_dropped"`
	Reconnects     uint64 `json:"reconnects"`
}

// Channel is a reconnecting WebSocket client.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	dialer   Dialer
	schedule Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	policy      ReconnectPolicy
	gen         uint64
	cancelRetry func()
	closed      bool

	// gorilla allows one concurrent writer per connection.
	writeMu sync.Mutex

	cbMu          sync.RWMutex
	onFrame       func(Frame)
	onStateChange func(State)
	onClose       func(*CloseError)

	framesSent     atomic.Uint64
	bytesSent      atomic.Uint64
	framesReceived atomic.Uint64
	bytesReceived  atomic.Uint64
	framesDropped  atomic.Uint64
	reconnects     atomic.Uint64
}

// New creates a Channel for the given endpoint. It does not dial.
func New(url string, opts ...Option) (*Channel, error) {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "transport"),
		dialer:   cfg.Dialer,
		schedule: cfg.Scheduler,
		ctx:      ctx,
		cancel:   cancel,
		policy:   cfg.Reconnect,
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		}
	}
	if c.schedule == nil {
		c.schedule = afterFunc
	}
	return c, nil
}

// URL returns the configured endpoint.
func (c *Channel) URL() string {
	return c.cfg.URL
}

// OnFrame registers the single inbound frame handler, replacing any previous
// one. The handler runs on the read goroutine; frames arrive in order.
func (c *Channel) OnFrame(fn func(Frame)) {
	c.cbMu.Lock()
	c.onFrame = fn
	c.cbMu.Unlock()
}

// OnStateChange registers a callback for lifecycle transitions.
func (c *Channel) OnStateChange(fn func(State)) {
	c.cbMu.Lock()
	c.onStateChange = fn
	c.cbMu.Unlock()
}

// OnClose registers a callback invoked whenever a live or pending connection
// ends, whether by the peer, a network failure, a failed handshake, or
// Disconnect.
func (c *Channel) OnClose(fn func(*CloseError)) {
	c.cbMu.Lock()
	c.onClose = fn
	c.cbMu.Unlock()
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is open.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// IsConnecting reports whether a handshake is in progress.
func (c *Channel) IsConnecting() bool {
	return c.State() == StateConnecting
}

// Policy returns a copy of the current reconnect policy.
func (c *Channel) Policy() ReconnectPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		FramesSent:     c.framesSent.Load(),
		BytesSent:      c.bytesSent.Load(),
		FramesReceived: c.framesReceived.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		FramesDropped:  c.framesDropped.Load(),
		Reconnects:     c.reconnects.Load(),
	}
}

// Connect opens the channel. It is a no-op while connected or connecting.
// A manual connect restores the full retry budget and cancels any pending
// retry. If the handshake fails the failure is treated like an unclean close
// and a retry is scheduled.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.policy.Reset()
	c.cancelRetryLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

// Disconnect closes the channel with the given close code and reason and
// spends the retry budget so no reconnect follows. Safe to call repeatedly.
func (c *Channel) Disconnect(code int, reason string) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}

	c.mu.Lock()
	c.policy.Exhaust()
	c.gen++
	c.cancelRetryLocked()
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("close frame not sent", "error", err)
		}
		conn.Close()
	}

	if prev == StateDisconnected {
		return
	}

	c.logger.Info("disconnected", "code", code, "reason", reason)
	c.notifyClose(&CloseError{Code: code, Reason: reason, Clean: true})
	c.notifyState(StateDisconnected)
}

// Close disconnects and permanently shuts the channel down.
func (c *Channel) Close() error {
	c.Disconnect(websocket.CloseNormalClosure, "client closing")

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return nil
}

// SendBinary sends a binary frame. See Send.
func (c *Channel) SendBinary(data []byte) error {
	return c.Send(Frame{Type: FrameBinary, Data: data})
}

// SendText sends a text frame. See Send.
func (c *Channel) SendText(text string) error {
	return c.Send(Frame{Type: FrameText, Data: []byte(text)})
}

// Send writes one frame. When the channel is not open the frame is dropped
// and ErrNotConnected is returned; nothing is queued and the call never
// blocks on network state.
func (c *Channel) Send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.framesDropped.Add(1)
		c.logger.Debug("dropping frame, not connected", "bytes", len(f.Data))
		return ErrNotConnected
	}

	mt := websocket.BinaryMessage
	if f.Type == FrameText {
		mt = websocket.TextMessage
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err := conn.WriteMessage(mt, f.Data)
	c.writeMu.Unlock()

	if err != nil {
		c.framesDropped.Add(1)
		c.logger.Warn("send failed", "error", err)
		// The read loop observes the broken connection and runs the close path.
		conn.Close()
		return fmt.Errorf("transport: send: %w", err)
	}

	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(f.Data)))
	return nil
}

// dial performs one handshake attempt.
func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	c.logger.Info("connecting", "url", c.cfg.URL)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, c.cfg.Header)
	cancel()

	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d): %v", ErrDialFailed, resp.StatusCode, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrDialFailed, err)
		}
		c.logger.Warn("connect failed", "error", err)
		c.handleClose(gen, &CloseError{
			Code:   websocket.CloseAbnormalClosure,
			Reason: err.Error(),
			Cause:  err,
		})
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return ErrCanceled
	}
	c.conn = conn
	c.state = StateConnected
	c.policy.Reset()
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.cfg.URL)
	c.notifyState(StateConnected)

	done := make(chan struct{})
	go c.readLoop(gen, conn, done)
	if c.cfg.PingInterval > 0 {
		go c.keepalive(conn, done)
	}
	return nil
}

// readLoop delivers frames for one connection until it fails.
func (c *Channel) readLoop(gen uint64, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	if c.cfg.PingInterval > 0 {
		wait := 2 * c.cfg.PingInterval
		conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			c.handleClose(gen, closeErrorFrom(err))
			return
		}
		if c.cfg.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(2 * c.cfg.PingInterval))
		}

		// Frames still buffered after Disconnect belong to a dead generation.
		c.mu.Lock()
		stale := gen != c.gen
		c.mu.Unlock()
		if stale {
			conn.Close()
			return
		}

		c.framesReceived.Add(1)
		c.bytesReceived.Add(uint64(len(data)))

		f := Frame{Type: FrameBinary, Data: data}
		if mt == websocket.TextMessage {
			f.Type = FrameText
		}

		c.cbMu.RLock()
		fn := c.onFrame
		c.cbMu.RUnlock()
		if fn != nil {
			fn(f)
		}
	}
}

// keepalive pings the peer until the connection's read loop exits.
func (c *Channel) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("keepalive ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// handleClose runs once per connection attempt. Stale generations are
// ignored so a superseded connection cannot trigger a retry.
func (c *Channel) handleClose(gen uint64, ce *CloseError) {
	ce.Clean = IsCleanClose(ce.Code)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	next := c.gen
	c.conn = nil

	var (
		delay time.Duration
		retry bool
	)
	if !ce.Clean {
		delay, retry = c.policy.Next()
	}

	switch {
	case ce.Clean:
		c.state = StateDisconnected
	case retry:
		c.state = StateReconnecting
	default:
		c.state = StateFailed
	}
	state := c.state
	attempt := c.policy.RetryCount
	c.mu.Unlock()

	if ce.Clean {
		c.logger.Info("connection closed", "code", ce.Code, "reason", ce.Reason)
	} else {
		c.logger.Warn("connection lost", "code", ce.Code, "reason", ce.Reason)
	}

	c.notifyClose(ce)
	c.notifyState(state)

	if state == StateFailed {
		c.logger.Error("reconnect budget exhausted", "retries", attempt)
		return
	}
	if !retry {
		return
	}

	c.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	cancel := c.schedule(delay, func() { c.retry(next) })

	c.mu.Lock()
	if c.gen == next {
		c.cancelRetry = cancel
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	cancel()
}

// retry is the scheduled reconnect. It only proceeds if nothing has happened
// to the channel since it was scheduled.
func (c *Channel) retry(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateReconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelRetry = nil
	c.mu.Unlock()

	c.reconnects.Add(1)
	if err := c.dial(c.ctx); err != nil {
		c.logger.Debug("reconnect attempt failed", "error", err)
	}
}

func (c *Channel) cancelRetryLocked() {
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
}

func (c *Channel) notifyState(s State) {
	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Channel) notifyClose(ce *CloseError) {
	c.cbMu.RLock()
	fn := c.onClose
	c.cbMu.RUnlock()
	if fn != nil {
		fn(ce)
	}
}

// closeErrorFrom maps a read error to a close description.
func closeErrorFrom(err error) *CloseError {
	var wsErr *websocket.CloseError
	if errors.As(err, &wsErr) {
		return &CloseError{Code: wsErr.Code, Reason: wsErr.Text, Cause: err}
	}
	return &CloseError{
		Code:   websocket.CloseAbnormalClosure,
		Reason: err.Error(),
		Cause:  err,
	}
}
