// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"maps"
	"slices"
	"sync"
)

// observers is a set of callbacks invoked in registration order.
type observers[E any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(E)
}

func (o *observers[E]) add(fn func(E)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[uint64]func(E))
	}
	key := o.next
	o.next++
	o.fns[key] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, key)
	}
}

func (o *observers[E]) emit(event E) {
	o.mu.Lock()
	keys := slices.Sorted(maps.Keys(o.fns))
	fns := make([]func(E), 0, len(keys))
	for _, key := range keys {
		fns = append(fns, o.fns[key])
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(event)
	}
}
