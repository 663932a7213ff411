// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/cowork/protocol"
)

// Compile-time interface check.
var _ Transport = (*PipeEnd)(nil)

var pipeCounter atomic.Uint64

// Pipe returns two connected in-memory transports. Writes never block:
// each end buffers inbound events without bound and delivers them in
// order on its events channel.
func Pipe() (*PipeEnd, *PipeEnd) {
	number := pipeCounter.Add(1)
	link := &pipeLink{connected: true}
	link.ends[0] = newPipeEnd(link, 0, number)
	link.ends[1] = newPipeEnd(link, 1, number)
	return link.ends[0], link.ends[1]
}

type pipeLink struct {
	mu        sync.Mutex
	connected bool
	ends      [2]*PipeEnd
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	id   string
	link *pipeLink
	side int

	mu     sync.Mutex
	queue  []Event
	closed bool
	notify chan struct{}
	done   chan struct{}
	events chan Event
}

func newPipeEnd(link *pipeLink, side int, number uint64) *PipeEnd {
	end := &PipeEnd{
		id:     fmt.Sprintf("pipe-%d%c", number, 'a'+side),
		link:   link,
		side:   side,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		events: make(chan Event),
	}
	go end.pump()
	return end
}

// ID implements Transport.
func (e *PipeEnd) ID() string { return e.id }

// Events implements Transport.
func (e *PipeEnd) Events() <-chan Event { return e.events }

// Write implements Transport.
func (e *PipeEnd) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.link.mu.Lock()
	defer e.link.mu.Unlock()

	if e.isClosed() {
		return ErrClosed
	}
	if !e.link.connected {
		return &protocol.TransportError{Op: "write", Err: ErrNotConnected}
	}
	other := e.link.ends[1-e.side]
	if other.isClosed() {
		return &protocol.TransportError{Op: "write", Err: ErrNotConnected}
	}
	other.enqueue(Event{Type: EventFrame, Frame: append([]byte(nil), frame...)})
	return nil
}

// Disconnect simulates link loss: both ends receive EventDisconnect,
// frames not yet delivered are dropped, and writes fail until
// Reconnect.
func (e *PipeEnd) Disconnect() {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	if !e.link.connected {
		return
	}
	e.link.connected = false
	for _, end := range e.link.ends {
		end.mu.Lock()
		kept := end.queue[:0]
		for _, event := range end.queue {
			if event.Type != EventFrame {
				kept = append(kept, event)
			}
		}
		end.queue = kept
		end.mu.Unlock()
		end.enqueue(Event{Type: EventDisconnect})
	}
}

// Reconnect restores the link after Disconnect. Both ends receive
// EventReconnect.
func (e *PipeEnd) Reconnect() {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()
	if e.link.connected || e.link.ends[0].isClosed() || e.link.ends[1].isClosed() {
		return
	}
	e.link.connected = true
	for _, end := range e.link.ends {
		end.enqueue(Event{Type: EventReconnect})
	}
}

// Close implements Transport. The other end receives EventDisconnect.
func (e *PipeEnd) Close() error {
	e.link.mu.Lock()
	defer e.link.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.queue = nil
	e.mu.Unlock()
	close(e.done)

	if e.link.connected {
		e.link.connected = false
		e.link.ends[1-e.side].enqueue(Event{Type: EventDisconnect})
	}
	return nil
}

func (e *PipeEnd) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *PipeEnd) enqueue(event Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, event)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// pump moves queued events to the events channel. It owns the channel
// and closes it on Close.
func (e *PipeEnd) pump() {
	defer close(e.events)
	for {
		select {
		case <-e.notify:
		case <-e.done:
			return
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			event := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()

			select {
			case e.events <- event:
			case <-e.done:
				return
			}
		}
	}
}
