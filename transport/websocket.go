// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/cowork/protocol"
)

// Compile-time interface checks.
var (
	_ Transport = (*WebSocketClient)(nil)
	_ Transport = (*WebSocketServer)(nil)
)

// WebSocketOptions configures DialWebSocket.
type WebSocketOptions struct {
	// Header is sent with every handshake, including redials.
	Header http.Header

	// HandshakeTimeout bounds each dial. Default: 10s
	HandshakeTimeout time.Duration

	// MaxFrameSize bounds inbound frames. Default: 16 MiB
	MaxFrameSize int64

	// NewBackOff returns the redial policy used after each link loss.
	// Default: exponential from 250ms to 30s with no elapsed-time limit.
	NewBackOff func() backoff.BackOff

	Logger *slog.Logger
}

func (o *WebSocketOptions) setDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = 16 << 20
	}
	if o.NewBackOff == nil {
		o.NewBackOff = func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 250 * time.Millisecond
			policy.MaxInterval = 30 * time.Second
			policy.MaxElapsedTime = 0
			return policy
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WebSocketClient is the peer side of a relay connection. After link
// loss it emits EventDisconnect, redials in the background, and emits
// EventReconnect once a new connection is established. Frames are sent
// as binary WebSocket messages.
type WebSocketClient struct {
	id      string
	url     string
	options WebSocketOptions
	dialer  *websocket.Dialer
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	done    chan struct{}
}

// DialWebSocket connects to url. The first dial is synchronous and its
// failure is returned.
func DialWebSocket(ctx context.Context, url string, options WebSocketOptions) (*WebSocketClient, error) {
	options.setDefaults()
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: options.HandshakeTimeout,
	}

	conn, err := dial(ctx, dialer, url, options)
	if err != nil {
		return nil, err
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	client := &WebSocketClient{
		id:      "ws-" + uuid.NewString()[:8],
		url:     url,
		options: options,
		dialer:  dialer,
		events:  make(chan Event, 64),
		ctx:     clientCtx,
		cancel:  cancel,
		conn:    conn,
		done:    make(chan struct{}),
	}
	go client.run(conn)
	return client, nil
}

func dial(ctx context.Context, dialer *websocket.Dialer, url string, options WebSocketOptions) (*websocket.Conn, error) {
	conn, response, err := dialer.DialContext(ctx, url, options.Header)
	if err != nil {
		if response != nil {
			return nil, &protocol.TransportError{Op: "dial", Err: fmt.Errorf("%s: %s: %w", url, response.Status, err)}
		}
		return nil, &protocol.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(options.MaxFrameSize)
	return conn, nil
}

// ID implements Transport.
func (c *WebSocketClient) ID() string { return c.id }

// Events implements Transport.
func (c *WebSocketClient) Events() <-chan Event { return c.events }

// Write implements Transport.
func (c *WebSocketClient) Write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return &protocol.TransportError{Op: "write", Err: ErrNotConnected}
	}
	return writeFrame(ctx, &c.writeMu, conn, frame)
}

func writeFrame(ctx context.Context, mu *sync.Mutex, conn *websocket.Conn, frame []byte) error {
	mu.Lock()
	defer mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return &protocol.TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close implements Transport.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	<-c.done
	return err
}

// run reads from conn until it fails, then redials. It owns the events
// channel.
func (c *WebSocketClient) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		readErr := c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.options.Logger.Warn("relay connection lost", "transport", c.id, "error", readErr)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		if !c.emit(Event{Type: EventDisconnect, Err: &protocol.TransportError{Op: "read", Err: readErr}}) {
			return
		}

		next, err := c.redial()
		if err != nil {
			return
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()
		conn = next
		c.options.Logger.Info("relay connection restored", "transport", c.id)
		if !c.emit(Event{Type: EventReconnect}) {
			return
		}
	}
}

func (c *WebSocketClient) readLoop(conn *websocket.Conn) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if !c.emit(Event{Type: EventFrame, Frame: data}) {
			return context.Canceled
		}
	}
}

func (c *WebSocketClient) redial() (*websocket.Conn, error) {
	var conn *websocket.Conn
	operation := func() error {
		next, err := dial(c.ctx, c.dialer, c.url, c.options)
		if err != nil {
			return err
		}
		conn = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.options.Logger.Debug("relay redial failed", "transport", c.id, "error", err, "retry_in", wait)
		c.emit(Event{Type: EventError, Err: err})
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(c.options.NewBackOff(), c.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *WebSocketClient) emit(event Event) bool {
	select {
	case c.events <- event:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// WebSocketServer is the relay side of an accepted connection. It
// reports EventDisconnect once when the connection fails and then
// closes its events channel; the peer's redial arrives as a new
// connection.
type WebSocketServer struct {
	id      string
	conn    *websocket.Conn
	events  chan Event
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketServer wraps conn and starts reading from it.
func NewWebSocketServer(conn *websocket.Conn, maxFrameSize int64) *WebSocketServer {
	if maxFrameSize > 0 {
		conn.SetReadLimit(maxFrameSize)
	}
	server := &WebSocketServer{
		id:     "ws-" + uuid.NewString()[:8],
		conn:   conn,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go server.readLoop()
	return server
}

// ID implements Transport.
func (s *WebSocketServer) ID() string { return s.id }

// Events implements Transport.
func (s *WebSocketServer) Events() <-chan Event { return s.events }

// Write implements Transport.
func (s *WebSocketServer) Write(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	return writeFrame(ctx, &s.writeMu, s.conn, frame)
}

// Close implements Transport.
func (s *WebSocketServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WebSocketServer) readLoop() {
	defer close(s.events)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
				err = &protocol.TransportError{Op: "read", Err: err}
			}
			select {
			case s.events <- Event{Type: EventDisconnect, Err: err}:
			case <-s.closed:
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case s.events <- Event{Type: EventFrame, Frame: data}:
		case <-s.closed:
			return
		}
	}
}
