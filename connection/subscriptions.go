// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import "sync"

// subscriptions holds the link-state listeners. Each registration gets a
// key so the returned unsubscribe func removes exactly that listener.
type subscriptions struct {
	mu         sync.Mutex
	nextKey    uint64
	reconnect  map[uint64]func()
	disconnect map[uint64]func()
	errors     map[uint64]func(error)
}

// OnReconnect registers fn to run, on its own goroutine, each time the
// transport reconnects. The returned func unregisters it.
func (c *Connection) OnReconnect(fn func()) (unsubscribe func()) {
	s := &c.subscriptions
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconnect == nil {
		s.reconnect = make(map[uint64]func())
	}
	key := s.nextKey
	s.nextKey++
	s.reconnect[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reconnect, key)
	}
}

// OnDisconnect registers fn to run on the event loop after outstanding
// requests have been rejected.
func (c *Connection) OnDisconnect(fn func()) (unsubscribe func()) {
	s := &c.subscriptions
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnect == nil {
		s.disconnect = make(map[uint64]func())
	}
	key := s.nextKey
	s.nextKey++
	s.disconnect[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.disconnect, key)
	}
}

// OnError registers fn for transport, codec, and send failures that
// have no caller to return to.
func (c *Connection) OnError(fn func(error)) (unsubscribe func()) {
	s := &c.subscriptions
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errors == nil {
		s.errors = make(map[uint64]func(error))
	}
	key := s.nextKey
	s.nextKey++
	s.errors[key] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.errors, key)
	}
}

func (s *subscriptions) emitReconnect() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.reconnect))
	for _, fn := range s.reconnect {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		go fn()
	}
}

func (s *subscriptions) emitDisconnect() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.disconnect))
	for _, fn := range s.disconnect {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (s *subscriptions) emitError(err error) {
	s.mu.Lock()
	listeners := make([]func(error), 0, len(s.errors))
	for _, fn := range s.errors {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}
