// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/bureau-foundation/cowork/lib/codec"
)

// AwarenessEntry is one peer's state in an awareness update. A nil
// State announces that the peer is gone.
type AwarenessEntry struct {
	Peer  string           `cbor:"1,keyasint"`
	Clock uint64           `cbor:"2,keyasint"`
	State codec.RawMessage `cbor:"3,keyasint,omitempty"`
}

// AwarenessUpdate is the wire form exchanged between peers.
type AwarenessUpdate struct {
	Entries []AwarenessEntry `cbor:"1,keyasint"`
}

// AwarenessChange lists the peers whose state changed. Peer lists are
// sorted.
type AwarenessChange struct {
	Added   []string
	Updated []string
	Removed []string
	Origin  any
	// Local is true when the change is to the local peer's own state.
	Local bool
}

// Peers returns every peer named in the change.
func (c AwarenessChange) Peers() []string {
	peers := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	peers = append(peers, c.Added...)
	peers = append(peers, c.Updated...)
	peers = append(peers, c.Removed...)
	return peers
}

type awarenessState struct {
	clock uint64
	state codec.RawMessage
}

// Awareness is a last-writer-wins map from peer id to ephemeral state.
// A peer's entries are ordered by the clock the peer stamps them with;
// removed peers keep their clock so stale updates cannot resurrect
// them.
type Awareness struct {
	local  string
	logger *slog.Logger

	mu       sync.Mutex
	states   map[string]awarenessState
	emitting sync.Mutex
	watchers observers[AwarenessChange]
}

// NewAwareness creates the awareness map for local.
func NewAwareness(local string, logger *slog.Logger) *Awareness {
	if local == "" || logger == nil {
		panic("crdt.NewAwareness: local peer id and Logger are required")
	}
	return &Awareness{
		local:  local,
		logger: logger,
		states: make(map[string]awarenessState),
	}
}

// LocalID returns the peer id whose state SetLocalState writes.
func (a *Awareness) LocalID() string { return a.local }

// Observe registers fn for state changes.
func (a *Awareness) Observe(fn func(AwarenessChange)) (cancel func()) {
	return a.watchers.add(fn)
}

// SetLocalState replaces the local peer's state. A nil state removes
// it.
func (a *Awareness) SetLocalState(state any) error {
	var encoded codec.RawMessage
	if state != nil {
		data, err := codec.Marshal(state)
		if err != nil {
			return fmt.Errorf("crdt: encoding awareness state: %w", err)
		}
		encoded = data
	}

	a.mu.Lock()
	previous, existed := a.states[a.local]
	a.states[a.local] = awarenessState{clock: previous.clock + 1, state: encoded}
	change := AwarenessChange{Origin: a.local, Local: true}
	switch {
	case encoded == nil && previous.state != nil:
		change.Removed = []string{a.local}
	case encoded != nil && (!existed || previous.state == nil):
		change.Added = []string{a.local}
	case encoded != nil && !bytes.Equal(encoded, previous.state):
		change.Updated = []string{a.local}
	}
	a.deliver(change)
	return nil
}

// LocalState returns the local peer's encoded state, nil if unset.
func (a *Awareness) LocalState() codec.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.local].state
}

// State returns the encoded state of peer.
func (a *Awareness) State(peer string) (codec.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.states[peer]
	if !ok || entry.state == nil {
		return nil, false
	}
	return entry.state, true
}

// States returns the encoded state of every present peer.
func (a *Awareness) States() map[string]codec.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[string]codec.RawMessage, len(a.states))
	for peer, entry := range a.states {
		if entry.state != nil {
			states[peer] = entry.state
		}
	}
	return states
}

// Apply merges a remote update. Entries for the local peer and entries
// not newer than what is held are ignored. Malformed updates are
// logged and dropped.
func (a *Awareness) Apply(data []byte, origin any) {
	var update AwarenessUpdate
	if err := codec.Unmarshal(data, &update); err != nil {
		a.logger.Warn("discarding malformed awareness update", "origin", origin, "error", err)
		return
	}

	a.mu.Lock()
	change := AwarenessChange{Origin: origin}
	for _, entry := range update.Entries {
		if entry.Peer == "" || entry.Peer == a.local {
			continue
		}
		current, known := a.states[entry.Peer]
		if known && entry.Clock <= current.clock {
			continue
		}
		a.states[entry.Peer] = awarenessState{clock: entry.Clock, state: entry.State}
		switch {
		case entry.State == nil && current.state != nil:
			change.Removed = append(change.Removed, entry.Peer)
		case entry.State != nil && current.state == nil:
			change.Added = append(change.Added, entry.Peer)
		case entry.State != nil && !bytes.Equal(entry.State, current.state):
			change.Updated = append(change.Updated, entry.Peer)
		}
	}
	slices.Sort(change.Added)
	slices.Sort(change.Updated)
	slices.Sort(change.Removed)
	a.deliver(change)
}

// Remove drops the state of peers that left. Their clocks are kept.
func (a *Awareness) Remove(peers ...string) {
	a.mu.Lock()
	change := AwarenessChange{}
	for _, peer := range peers {
		current, known := a.states[peer]
		if !known || current.state == nil || peer == a.local {
			continue
		}
		a.states[peer] = awarenessState{clock: current.clock}
		change.Removed = append(change.Removed, peer)
	}
	slices.Sort(change.Removed)
	a.deliver(change)
}

// Encode builds an update carrying the given peers, or every known
// peer when none are named. Unknown peers are omitted.
func (a *Awareness) Encode(peers ...string) ([]byte, error) {
	a.mu.Lock()
	if len(peers) == 0 {
		peers = slices.Sorted(maps.Keys(a.states))
	}
	update := AwarenessUpdate{Entries: make([]AwarenessEntry, 0, len(peers))}
	for _, peer := range peers {
		entry, ok := a.states[peer]
		if !ok {
			continue
		}
		update.Entries = append(update.Entries, AwarenessEntry{Peer: peer, Clock: entry.clock, State: entry.state})
	}
	a.mu.Unlock()
	return codec.Marshal(update)
}

// deliver releases a.mu and notifies observers if change is non-empty.
func (a *Awareness) deliver(change AwarenessChange) {
	if len(change.Added)+len(change.Updated)+len(change.Removed) == 0 {
		a.mu.Unlock()
		return
	}
	a.emitting.Lock()
	defer a.emitting.Unlock()
	a.mu.Unlock()
	a.watchers.emit(change)
}
