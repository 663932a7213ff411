// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bureau-foundation/cowork/protocol"
)

// Registry holds the public keys and compression capabilities of every
// peer the local peer may exchange sealed frames with. No frame is
// sealed to, or opened from, a peer that is not registered.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]registeredPeer
}

type registeredPeer struct {
	peer      protocol.Peer
	publicKey [KeySize]byte
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]registeredPeer)}
}

// Register records peer's key and capabilities. Registering the same
// peer again is a no-op; registering an id with a different key or
// capabilities replaces the entry. It reports whether anything changed.
func (r *Registry) Register(peer protocol.Peer) (bool, error) {
	if peer.ID == "" {
		return false, fmt.Errorf("registering peer: empty id")
	}
	publicKey, err := ParsePublicKey(peer.Metadata.Encryption.PublicKey)
	if err != nil {
		return false, fmt.Errorf("registering peer %q: %w", peer.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[peer.ID]; ok && samePeer(existing.peer, peer) {
		return false, nil
	}
	r.peers[peer.ID] = registeredPeer{peer: peer, publicKey: publicKey}
	return true, nil
}

func samePeer(a, b protocol.Peer) bool {
	if a.ID != b.ID || a.Host != b.Host || a.Name != b.Name || a.Email != b.Email ||
		a.Metadata.Encryption.PublicKey != b.Metadata.Encryption.PublicKey {
		return false
	}
	if len(a.Metadata.Compression.Supported) != len(b.Metadata.Compression.Supported) {
		return false
	}
	for index, name := range a.Metadata.Compression.Supported {
		if b.Metadata.Compression.Supported[index] != name {
			return false
		}
	}
	return true
}

// Unregister removes a peer. Later sends to it fail with UnknownPeer.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[id]
	delete(r.peers, id)
	return ok
}

// Lookup returns the registered peer.
func (r *Registry) Lookup(id string) (protocol.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.peers[id]
	return entry.peer, ok
}

func (r *Registry) entry(id string) (registeredPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.peers[id]
	return entry, ok
}

// Recipients returns the ids of all registered peers except exclude,
// sorted.
func (r *Registry) Recipients(exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Fingerprint returns the key fingerprint of a registered peer.
func (r *Registry) Fingerprint(id string) (string, bool) {
	entry, ok := r.entry(id)
	if !ok {
		return "", false
	}
	return Fingerprint(entry.publicKey), true
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Clear removes every peer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = make(map[string]registeredPeer)
}
