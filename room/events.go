// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"sort"
	"sync"

	"github.com/bureau-foundation/cowork/protocol"
)

// EventType classifies a roster Event.
type EventType int

const (
	EventPeerJoined EventType = iota + 1
	EventPeerLeft
	EventInitialized
	EventPermissionsChanged
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	case EventInitialized:
		return "initialized"
	case EventPermissionsChanged:
		return "permissions_changed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a change to the session's observable state. Peer is set for
// joins and leaves, Init for EventInitialized, Permissions for
// EventPermissionsChanged.
type Event struct {
	Type        EventType
	Peer        protocol.Peer
	Init        *protocol.InitData
	Permissions protocol.Permissions
}

type subscribers struct {
	mu        sync.Mutex
	nextKey   uint64
	listeners map[uint64]func(Event)
}

// Subscribe registers fn for session events, delivered in subscription
// order. The returned func unsubscribes.
func (s *Session) Subscribe(fn func(Event)) (cancel func()) {
	list := &s.subscribers
	list.mu.Lock()
	defer list.mu.Unlock()
	if list.listeners == nil {
		list.listeners = make(map[uint64]func(Event))
	}
	key := list.nextKey
	list.nextKey++
	list.listeners[key] = fn
	return func() {
		list.mu.Lock()
		defer list.mu.Unlock()
		delete(list.listeners, key)
	}
}

func (l *subscribers) emit(event Event) {
	l.mu.Lock()
	keys := make([]uint64, 0, len(l.listeners))
	for key := range l.listeners {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	listeners := make([]func(Event), 0, len(keys))
	for _, key := range keys {
		listeners = append(listeners, l.listeners[key])
	}
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}
