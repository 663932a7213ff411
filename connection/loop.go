// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

// run consumes transport events until the transport closes its events
// channel or the connection is closed.
func (c *Connection) run() {
	defer close(c.done)
	events := c.transport.Events()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				c.rejectAll(ErrClosed)
				return
			}
			c.handleEvent(event)
		}
	}
}

func (c *Connection) handleEvent(event transport.Event) {
	switch event.Type {
	case transport.EventFrame:
		c.handleFrame(event.Frame)
	case transport.EventDisconnect:
		c.logger.Info("transport disconnected", "pending", c.Pending())
		c.rejectAll(ErrDisconnected)
		c.subscriptions.emitDisconnect()
	case transport.EventReconnect:
		c.logger.Info("transport reconnected")
		c.subscriptions.emitReconnect()
	case transport.EventError:
		c.logger.Warn("transport error", "error", event.Err)
		c.subscriptions.emitError(event.Err)
	}
}

func (c *Connection) handleFrame(data []byte) {
	message, err := c.codec.Decode(data)
	if err != nil {
		switch {
		case protocol.IsUnknownPeer(err):
			c.logger.Warn("dropping frame from unknown peer", "error", err)
		case protocol.IsDecryptionFailure(err):
			c.logger.Warn("dropping undecryptable frame", "error", err)
		default:
			c.logger.Warn("dropping malformed frame", "error", err)
		}
		c.subscriptions.emitError(err)
		return
	}

	switch message.Kind {
	case wire.KindResponse:
		c.handleResponse(message)
	case wire.KindRequest:
		c.handleRequest(message)
	case wire.KindNotification:
		c.handleMessage(message, c.notificationHandler(message.Method))
	case wire.KindBroadcast:
		c.handleMessage(message, c.broadcastHandler(message.Method))
	}
}

func (c *Connection) handleResponse(message *wire.Message) {
	c.mu.Lock()
	request, ok := c.pending[message.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request", "id", message.ID, "origin", message.Origin)
		return
	}
	if request.target != message.Origin {
		c.logger.Warn("response from unexpected peer",
			"id", message.ID,
			"method", request.method,
			"origin", message.Origin,
			"expected", request.target,
		)
		return
	}

	var result outcome
	if message.Error != nil {
		result.err = &protocol.RemoteError{
			Method:  request.method,
			Code:    message.Error.Code,
			Message: message.Error.Message,
		}
	} else {
		result.result = message.Result
	}
	c.resolve(message.ID, result)
}

func (c *Connection) handleRequest(message *wire.Message) {
	c.mu.Lock()
	handler := c.requestHandlers[message.Method]
	fallback := c.unhandledRequest
	c.mu.Unlock()

	if handler == nil && fallback != nil {
		method := message.Method
		handler = func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
			return fallback(ctx, origin, method, params)
		}
	}
	if handler == nil {
		c.logger.Warn("no handler for request", "method", message.Method, "origin", message.Origin)
		c.respond(message, nil, &protocol.ApplicationError{
			Code:    protocol.CodeUnhandledMethod,
			Message: fmt.Sprintf("no handler for %s", message.Method),
		})
		return
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		result, err := handler(c.ctx, message.Origin, message.Params)
		c.respond(message, result, err)
	}()
}

// respond sends the response to request. Responses bypass the readiness
// gate since a peer that received a request is already reachable.
func (c *Connection) respond(request *wire.Message, result any, handlerErr error) {
	response := &wire.Message{
		Kind:   wire.KindResponse,
		ID:     request.ID,
		Target: request.Origin,
		Method: request.Method,
	}
	if handlerErr != nil {
		payload := &wire.ErrorPayload{Message: handlerErr.Error()}
		var applicationError *protocol.ApplicationError
		if errors.As(handlerErr, &applicationError) {
			payload.Code = applicationError.Code
			payload.Message = applicationError.Message
		}
		response.Error = payload
	} else {
		encoded, err := codec.Marshal(result)
		if err != nil {
			c.logger.Error("encoding response result", "method", request.Method, "error", err)
			response.Error = &wire.ErrorPayload{Message: fmt.Sprintf("encoding result: %v", err)}
		} else {
			response.Result = encoded
		}
	}
	if c.isClosed() {
		return
	}
	c.write(response)
}

func (c *Connection) handleMessage(message *wire.Message, handler MessageHandler) {
	if handler != nil {
		handler(message.Origin, message.Params)
		return
	}
	var fallback UnhandledMessageHandler
	c.mu.Lock()
	if message.Kind == wire.KindBroadcast {
		fallback = c.unhandledBroadcast
	} else {
		fallback = c.unhandledNotification
	}
	c.mu.Unlock()
	if fallback == nil {
		c.logger.Warn("no handler for message",
			"kind", message.Kind.String(),
			"method", message.Method,
			"origin", message.Origin,
		)
		return
	}
	fallback(message.Origin, message.Method, message.Params)
}

func (c *Connection) notificationHandler(method string) MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notificationHandlers[method]
}

func (c *Connection) broadcastHandler(method string) MessageHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broadcastHandlers[method]
}
