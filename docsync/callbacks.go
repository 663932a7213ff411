// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"maps"
	"slices"
	"sync"
)

// callbacks is a keyed set of listeners called in registration order.
type callbacks[F any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]F
}

func (c *callbacks[F]) add(fn F) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fns == nil {
		c.fns = make(map[uint64]F)
	}
	key := c.next
	c.next++
	c.fns[key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.fns, key)
	}
}

func (c *callbacks[F]) list() []F {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := make([]F, 0, len(c.fns))
	for _, key := range slices.Sorted(maps.Keys(c.fns)) {
		fns = append(fns, c.fns[key])
	}
	return fns
}
