// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
)

// Transport is a framed channel between two endpoints.
type Transport interface {
	// ID identifies the transport in logs.
	ID() string

	// Write sends one frame. It fails with a *protocol.TransportError
	// while the link is down, and with ErrClosed after Close.
	Write(ctx context.Context, frame []byte) error

	// Events delivers inbound frames and link state changes in order.
	// The channel is closed after Close.
	Events() <-chan Event

	// Close releases the transport. It is idempotent.
	Close() error
}

// EventType classifies an Event.
type EventType int

const (
	// EventFrame carries one inbound frame.
	EventFrame EventType = iota + 1

	// EventDisconnect reports link loss. Frames written before it may
	// not have been delivered.
	EventDisconnect

	// EventReconnect reports that the link is usable again.
	EventReconnect

	// EventError reports a non-fatal transport problem, for example a
	// failed redial attempt.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventFrame:
		return "frame"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item from Transport.Events.
type Event struct {
	Type  EventType
	Frame []byte
	Err   error
}

var (
	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is the cause of a TransportError returned by Write
	// while the link is down.
	ErrNotConnected = errors.New("transport: not connected")
)
