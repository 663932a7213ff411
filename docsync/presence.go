// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/crdt"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
)

// presence is the awareness state a peer publishes.
type presence struct {
	Path       string          `cbor:"path"`
	Selections []anchoredRange `cbor:"selections"`
}

type anchoredRange struct {
	Start     crdt.Anchor                 `cbor:"start"`
	End       crdt.Anchor                 `cbor:"end"`
	Direction protocol.SelectionDirection `cbor:"direction"`
}

func decodePresence(raw codec.RawMessage) (presence, bool) {
	if raw == nil {
		return presence{}, false
	}
	var value presence
	if err := codec.Unmarshal(raw, &value); err != nil {
		return presence{}, false
	}
	return value, true
}

// UpdateSelection publishes the local selections in path. The offsets
// are converted to anchors so peers can place them correctly while
// concurrent edits are in flight. The state is sent even when it did
// not change, which doubles as a presence heartbeat.
func (s *Synchronizer) UpdateSelection(path string, ranges []protocol.SelectionRange) error {
	conn, awareness := s.link()
	if conn == nil {
		return s.notRunning()
	}
	document := s.document(path)
	if document == nil {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	state := presence{Path: path, Selections: make([]anchoredRange, 0, len(ranges))}
	for _, selection := range ranges {
		start, err := document.text.Anchor(selection.Start)
		if err != nil {
			return fmt.Errorf("selection start: %w", err)
		}
		end, err := document.text.Anchor(selection.End)
		if err != nil {
			return fmt.Errorf("selection end: %w", err)
		}
		state.Selections = append(state.Selections, anchoredRange{Start: start, End: end, Direction: selection.Direction})
	}
	if err := awareness.SetLocalState(state); err != nil {
		return err
	}
	s.broadcastPresence(conn, awareness)
	return nil
}

func (s *Synchronizer) broadcastPresence(conn *connection.Connection, awareness *crdt.Awareness) {
	update, err := awareness.Encode(awareness.LocalID())
	if err != nil {
		s.logger.Error("encoding presence", "error", err)
		return
	}
	conn.SendBroadcast(protocol.MethodSyncAwarenessUpdate, update)
}

// handleAwarenessChange re-resolves selections after remote presence
// changed.
func (s *Synchronizer) handleAwarenessChange(change crdt.AwarenessChange) {
	if change.Local {
		return
	}
	s.refreshSelections()
}

// refreshSelections resolves the other peers' selections in paths, or
// in every document with selections when paths is empty, and reports
// the documents whose resolved selections differ from the last report.
func (s *Synchronizer) refreshSelections(paths ...string) {
	_, awareness := s.link()
	if awareness == nil {
		return
	}
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	current := s.resolveAll(awareness)
	if len(paths) == 0 {
		seen := make(map[string]bool)
		for path := range current {
			seen[path] = true
		}
		for path := range s.resolved {
			seen[path] = true
		}
		paths = slices.Sorted(maps.Keys(seen))
	}

	for _, path := range paths {
		next := current[path]
		if equalSelections(s.resolved[path], next) {
			continue
		}
		if len(next) == 0 {
			delete(s.resolved, path)
		} else {
			s.resolved[path] = next
		}
		report := s.peerSelections(next)
		for _, fn := range s.selections.list() {
			fn(path, report)
		}
	}
}

// resolveAll maps path to peer to that peer's selections in local
// offsets. Peers whose anchors reference text not received yet are
// left out until it arrives.
func (s *Synchronizer) resolveAll(awareness *crdt.Awareness) map[string]map[string][]protocol.SelectionRange {
	resolved := make(map[string]map[string][]protocol.SelectionRange)
	for peer, raw := range awareness.States() {
		if peer == awareness.LocalID() {
			continue
		}
		state, ok := decodePresence(raw)
		if !ok {
			s.logger.Debug("ignoring undecodable presence", "peer_id", peer)
			continue
		}
		document := s.document(state.Path)
		if document == nil {
			continue
		}
		ranges := make([]protocol.SelectionRange, 0, len(state.Selections))
		complete := true
		for _, selection := range state.Selections {
			start, startOK := document.text.Resolve(selection.Start)
			end, endOK := document.text.Resolve(selection.End)
			if !startOK || !endOK {
				complete = false
				break
			}
			ranges = append(ranges, protocol.SelectionRange{Start: start, End: end, Direction: selection.Direction})
		}
		if !complete {
			continue
		}
		if resolved[state.Path] == nil {
			resolved[state.Path] = make(map[string][]protocol.SelectionRange)
		}
		resolved[state.Path][peer] = ranges
	}
	return resolved
}

func (s *Synchronizer) peerSelections(resolved map[string][]protocol.SelectionRange) []protocol.PeerSelection {
	report := make([]protocol.PeerSelection, 0, len(resolved))
	for _, peer := range slices.Sorted(maps.Keys(resolved)) {
		name := ""
		if info, ok := s.session.Peer(peer); ok {
			name = info.Name
		}
		report = append(report, protocol.PeerSelection{PeerID: peer, Name: name, Selections: resolved[peer]})
	}
	return report
}

func equalSelections(a, b map[string][]protocol.SelectionRange) bool {
	return maps.EqualFunc(a, b, func(x, y []protocol.SelectionRange) bool {
		return slices.Equal(x, y)
	})
}
