// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection is the message bus between a peer and the rest of
// its room: request/response correlation, notifications, and broadcasts
// over one [transport.Transport], sealed and opened by a [wire.Codec].
//
// A [Connection] runs a single event loop goroutine that consumes the
// transport's events. Responses resolve pending requests, notifications
// and broadcasts are dispatched to their handlers in arrival order on
// the loop goroutine, and request handlers each run on their own
// goroutine so a slow handler cannot stall the loop. A transport
// disconnect rejects every outstanding request with [ErrDisconnected]
// before the loop reads the next event.
//
// Handlers are keyed by method and kind. Messages for methods nobody
// registered go to the unhandled hooks, which is how higher layers (and
// editor integrations) extend the protocol without this package knowing
// their vocabulary. An unhandled request with no hook is answered with
// an error response so the caller does not wait for its timeout.
//
// Until [Connection.MarkReady] is called, notifications and broadcasts
// are queued and requests wait; they are flushed in order once the
// local identity (and, for guests, the roster) is known. Traffic
// addressed to the relay bypasses the gate.
//
// The connection never resends application messages after a reconnect.
// Dependents subscribe with [Connection.OnReconnect] and re-establish
// their own state.
package connection
