// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries opaque frames between a peer and the relay.
//
// A [Transport] is a framed, ordered, bidirectional channel. Inbound
// frames and link state changes arrive on one event channel so that a
// consumer can handle both in a single select loop without racing a
// disconnect against a frame. Link loss is reported as
// [EventDisconnect]; a transport that can redial reports
// [EventReconnect] once the link is back. The events channel is closed
// after Close.
//
// Three implementations are provided:
//
//   - [Pipe] returns two connected in-memory ends with Disconnect and
//     Reconnect controls, for tests and for in-process relays.
//   - [DialWebSocket] is the peer side of a relay connection. It redials
//     with exponential backoff (cenkalti/backoff) after link loss.
//   - [NewWebSocketServer] wraps an accepted gorilla/websocket
//     connection on the relay side. It does not redial; the peer does.
//
// [Listener] runs the relay's HTTP handler on a TCP address with
// context-driven shutdown.
package transport
