// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay is the intermediary every peer connects to. The relay
// holds no keys and never sees content: it assigns peer identities,
// routes sealed frames by target, fans broadcasts out to their key
// slot holders, and speaks a small plaintext control vocabulary with
// peers (peer/info, peer/join, room/joined, room/left, room/closed,
// room/roster, room/leave).
//
// [Hub] is the room registry and router. It implements [room.Service]
// directly, connecting peers through in-memory pipes, which is how
// in-process tests and embedded deployments use it. [NewHandler]
// exposes the same operations over HTTP with a WebSocket endpoint, and
// [Client] is the peer-side [room.Service] for that API.
//
// A peer whose link drops keeps its roster slot for the reconnect grace
// period. Reattaching with the same room token within the grace period
// is invisible to other peers, and the returning peer receives a
// room/roster snapshot covering announcements it missed. Otherwise the
// relay announces room/left, or room/closed if the peer was the host.
package relay
