// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

// DefaultRequestTimeout applies when Config.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// RequestHandler answers a request. The returned value is CBOR-encoded
// as the result. Returning a *protocol.ApplicationError sends its code
// to the caller.
type RequestHandler func(ctx context.Context, origin string, params []codec.RawMessage) (any, error)

// MessageHandler handles a notification or broadcast. It runs on the
// event loop goroutine and must not block on requests.
type MessageHandler func(origin string, params []codec.RawMessage)

// UnhandledRequestHandler receives requests for methods with no
// registered handler.
type UnhandledRequestHandler func(ctx context.Context, origin, method string, params []codec.RawMessage) (any, error)

// UnhandledMessageHandler receives notifications or broadcasts for
// methods with no registered handler.
type UnhandledMessageHandler func(origin, method string, params []codec.RawMessage)

// Config holds the dependencies of a Connection.
type Config struct {
	Transport transport.Transport
	Codec     *wire.Codec
	Clock     clock.Clock
	Logger    *slog.Logger

	// RequestTimeout bounds each SendRequest. Zero uses
	// DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// Connection is the message bus for one session. Create it with New,
// register handlers, then call Start.
type Connection struct {
	transport transport.Transport
	codec     *wire.Codec
	clock     clock.Clock
	logger    *slog.Logger
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu                    sync.Mutex
	nextID                uint64
	pending               map[uint64]*pendingRequest
	requestHandlers       map[string]RequestHandler
	notificationHandlers  map[string]MessageHandler
	broadcastHandlers     map[string]MessageHandler
	unhandledRequest      UnhandledRequestHandler
	unhandledNotification UnhandledMessageHandler
	unhandledBroadcast    UnhandledMessageHandler
	subscriptions         subscriptions
	ready                 bool
	readyChannel          chan struct{}
	queued                []*wire.Message
	started               bool
	closed                bool

	handlers sync.WaitGroup
}

type pendingRequest struct {
	method  string
	target  string
	timer   *clock.Timer
	outcome chan outcome
}

type outcome struct {
	result codec.RawMessage
	err    error
}

// New creates a connection. It panics if a required dependency is
// missing.
func New(config Config) *Connection {
	if config.Transport == nil || config.Codec == nil || config.Clock == nil || config.Logger == nil {
		panic("connection.New: Transport, Codec, Clock, and Logger are required")
	}
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		transport:            config.Transport,
		codec:                config.Codec,
		clock:                config.Clock,
		logger:               config.Logger.With("transport", config.Transport.ID()),
		timeout:              timeout,
		ctx:                  ctx,
		cancel:               cancel,
		done:                 make(chan struct{}),
		pending:              make(map[uint64]*pendingRequest),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]MessageHandler),
		broadcastHandlers:    make(map[string]MessageHandler),
		readyChannel:         make(chan struct{}),
	}
}

// Codec returns the codec the connection seals with.
func (c *Connection) Codec() *wire.Codec { return c.codec }

// LocalID returns the local peer id, empty until the relay announced it.
func (c *Connection) LocalID() string { return c.codec.LocalID() }

// Start launches the event loop. It may be called once.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		panic("connection: Start called twice")
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Done is closed when the event loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close stops the event loop, closes the transport, rejects outstanding
// requests with ErrClosed, and waits for running request handlers.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.queued = nil
	c.mu.Unlock()

	c.cancel()
	err := c.transport.Close()
	if started {
		<-c.done
	}
	c.rejectAll(ErrClosed)
	c.handlers.Wait()
	return err
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnRequest registers the handler for requests of method. It panics if
// one is already registered.
func (c *Connection) OnRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.requestHandlers[method]; exists {
		panic(fmt.Sprintf("connection: duplicate request handler for %q", method))
	}
	c.requestHandlers[method] = handler
}

// OnNotification registers the handler for notifications of method.
func (c *Connection) OnNotification(method string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.notificationHandlers[method]; exists {
		panic(fmt.Sprintf("connection: duplicate notification handler for %q", method))
	}
	c.notificationHandlers[method] = handler
}

// OnBroadcast registers the handler for broadcasts of method.
func (c *Connection) OnBroadcast(method string, handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.broadcastHandlers[method]; exists {
		panic(fmt.Sprintf("connection: duplicate broadcast handler for %q", method))
	}
	c.broadcastHandlers[method] = handler
}

// OnUnhandledRequest sets the fallback for requests with no handler.
func (c *Connection) OnUnhandledRequest(handler UnhandledRequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhandledRequest != nil {
		panic("connection: unhandled request hook already set")
	}
	c.unhandledRequest = handler
}

// OnUnhandledNotification sets the fallback for notifications with no
// handler.
func (c *Connection) OnUnhandledNotification(handler UnhandledMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhandledNotification != nil {
		panic("connection: unhandled notification hook already set")
	}
	c.unhandledNotification = handler
}

// OnUnhandledBroadcast sets the fallback for broadcasts with no handler.
func (c *Connection) OnUnhandledBroadcast(handler UnhandledMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unhandledBroadcast != nil {
		panic("connection: unhandled broadcast hook already set")
	}
	c.unhandledBroadcast = handler
}

// MarkReady opens the readiness gate and flushes queued sends in order.
// Idempotent.
func (c *Connection) MarkReady() {
	c.mu.Lock()
	if c.ready || c.closed {
		c.mu.Unlock()
		return
	}
	c.ready = true
	queued := c.queued
	c.queued = nil
	close(c.readyChannel)
	c.mu.Unlock()

	for _, message := range queued {
		c.write(message)
	}
}

// Ready is closed once MarkReady has been called.
func (c *Connection) Ready() <-chan struct{} { return c.readyChannel }

// IsReady reports whether MarkReady has been called.
func (c *Connection) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// SendRequest sends a request to target and waits for its response.
// It fails with ErrTimeout after the request timeout, ErrDisconnected
// if the link drops first, a *protocol.RemoteError if the remote
// handler failed, or an encoding or transport error. Before MarkReady
// it waits for readiness, bounded by ctx.
func (c *Connection) SendRequest(ctx context.Context, method, target string, params ...any) (codec.RawMessage, error) {
	if target == "" {
		return nil, fmt.Errorf("connection: request %s needs a target", method)
	}
	encoded, err := codec.MarshalAll(params)
	if err != nil {
		return nil, fmt.Errorf("encoding %s params: %w", method, err)
	}
	if target != protocol.RelayID {
		select {
		case <-c.readyChannel:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	request := &pendingRequest{method: method, target: target, outcome: make(chan outcome, 1)}
	c.pending[id] = request
	c.mu.Unlock()

	timer := c.clock.AfterFunc(c.timeout, func() {
		c.resolve(id, outcome{err: fmt.Errorf("%s to %s: %w", method, target, ErrTimeout)})
	})
	c.mu.Lock()
	request.timer = timer
	c.mu.Unlock()

	message := &wire.Message{Kind: wire.KindRequest, ID: id, Target: target, Method: method, Params: encoded}
	frame, err := c.codec.Encode(message)
	if err == nil {
		err = c.transport.Write(ctx, frame)
	}
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case result := <-request.outcome:
		return result.result, result.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Call sends a request and decodes its result into T.
func Call[T any](ctx context.Context, c *Connection, method, target string, params ...any) (T, error) {
	var result T
	raw, err := c.SendRequest(ctx, method, target, params...)
	if err != nil {
		return result, err
	}
	if len(raw) == 0 {
		return result, nil
	}
	if err := codec.Unmarshal(raw, &result); err != nil {
		return result, &protocol.ProtocolError{Method: method, Reason: fmt.Sprintf("decoding result: %v", err)}
	}
	return result, nil
}

// SendNotification sends a one-way message to target, or to every
// registered peer if target is empty. Failures are logged, not returned.
func (c *Connection) SendNotification(method, target string, params ...any) {
	c.send(wire.KindNotification, method, target, params)
}

// SendBroadcast sends a one-way message to every registered peer.
// Failures are logged, not returned; with no other peers it does
// nothing.
func (c *Connection) SendBroadcast(method string, params ...any) {
	c.send(wire.KindBroadcast, method, "", params)
}

func (c *Connection) send(kind wire.Kind, method, target string, params []any) {
	encoded, err := codec.MarshalAll(params)
	if err != nil {
		c.logger.Warn("dropping message with unencodable params", "method", method, "error", err)
		return
	}
	message := &wire.Message{Kind: kind, Target: target, Method: method, Params: encoded}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("dropping message on closed connection", "method", method)
		return
	}
	if !c.ready && target != protocol.RelayID {
		c.queued = append(c.queued, message)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.write(message)
}

// write encodes and writes a one-way message or response, logging any
// failure.
func (c *Connection) write(message *wire.Message) {
	frame, err := c.codec.Encode(message)
	if errors.Is(err, wire.ErrNoRecipients) {
		c.logger.Debug("broadcast has no recipients", "method", message.Method)
		return
	}
	if err == nil {
		err = c.transport.Write(c.ctx, frame)
	}
	if err != nil {
		c.logger.Warn("message send failed",
			"method", message.Method,
			"kind", message.Kind.String(),
			"target", message.Target,
			"error", err,
		)
		c.subscriptions.emitError(err)
	}
}

// take removes a pending request, returning it with its timer.
func (c *Connection) take(id uint64) (*pendingRequest, *clock.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	request, ok := c.pending[id]
	if !ok {
		return nil, nil
	}
	delete(c.pending, id)
	return request, request.timer
}

// resolve completes a pending request exactly once.
func (c *Connection) resolve(id uint64, result outcome) bool {
	request, timer := c.take(id)
	if request == nil {
		return false
	}
	if timer != nil {
		timer.Stop()
	}
	request.outcome <- result
	return true
}

func (c *Connection) forget(id uint64) {
	if _, timer := c.take(id); timer != nil {
		timer.Stop()
	}
}

// rejectAll fails every pending request with err.
func (c *Connection) rejectAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	timers := make([]*clock.Timer, 0, len(pending))
	for _, request := range pending {
		if request.timer != nil {
			timers = append(timers, request.timer)
		}
	}
	c.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
	for _, request := range pending {
		request.outcome <- outcome{err: fmt.Errorf("%s to %s: %w", request.method, request.target, err)}
	}
}

// Pending returns the number of outstanding requests.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
