// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"github.com/bureau-foundation/cowork/crdt"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/wire"
)

// handleDataUpdate merges a peer's broadcast transaction. While the room
// is read-only only the host's updates are accepted.
func (s *Synchronizer) handleDataUpdate(origin string, params []codec.RawMessage) {
	if !s.mayEdit(origin) {
		s.logger.Warn("dropping update from read-only peer", "origin", origin)
		return
	}
	var update []byte
	if err := wire.DecodeParam(params, 0, &update); err != nil {
		s.logger.Warn("malformed data update", "origin", origin, "error", err)
		return
	}
	s.doc.ApplyUpdate(update, origin)
}

// handleDataQuery answers a peer's state vector with what it lacks.
func (s *Synchronizer) handleDataQuery(origin string, params []codec.RawMessage) {
	var vector crdt.StateVector
	if err := wire.DecodeParam(params, 0, &vector); err != nil {
		s.logger.Warn("malformed data query", "origin", origin, "error", err)
		return
	}
	conn, _ := s.link()
	if conn == nil {
		return
	}
	update, err := s.doc.EncodeStateAsUpdate(vector)
	if err != nil {
		s.logger.Error("encoding state for peer", "peer_id", origin, "error", err)
		return
	}
	conn.SendNotification(protocol.MethodSyncDataNotify, origin, update)
}

// handleDataNotify merges state sent to this peer alone. A second
// parameter names the document the host is answering an editor/open
// for.
func (s *Synchronizer) handleDataNotify(origin string, params []codec.RawMessage) {
	if !s.mayEdit(origin) {
		s.logger.Warn("dropping state from read-only peer", "origin", origin)
		return
	}
	var update []byte
	if err := wire.DecodeParam(params, 0, &update); err != nil {
		s.logger.Warn("malformed data notify", "origin", origin, "error", err)
		return
	}
	s.doc.ApplyUpdate(update, origin)

	if len(params) < 2 || origin != s.session.Host().ID {
		return
	}
	var path string
	if err := wire.DecodeParam(params, 1, &path); err != nil {
		s.logger.Warn("malformed data notify path", "origin", origin, "error", err)
		return
	}
	if document := s.document(path); document != nil {
		document.markPopulated()
	}
}

func (s *Synchronizer) handleAwareness(origin string, params []codec.RawMessage) {
	_, awareness := s.link()
	if awareness == nil {
		return
	}
	var update []byte
	if err := wire.DecodeParam(params, 0, &update); err != nil {
		s.logger.Warn("malformed awareness update", "origin", origin, "error", err)
		return
	}
	awareness.Apply(update, origin)
}

func (s *Synchronizer) handleAwarenessQuery(origin string, params []codec.RawMessage) {
	conn, awareness := s.link()
	if conn == nil {
		return
	}
	update, err := awareness.Encode(awareness.LocalID())
	if err != nil {
		s.logger.Error("encoding presence", "error", err)
		return
	}
	conn.SendNotification(protocol.MethodSyncAwarenessNotify, origin, update)
}

// handleEditorOpen lets the host's integration seed the document, then
// sends the guest the document state tagged with the path.
func (s *Synchronizer) handleEditorOpen(origin string, params []codec.RawMessage) {
	if !s.session.IsHost() {
		s.logger.Warn("ignoring editor/open on a guest", "origin", origin)
		return
	}
	var path string
	if err := wire.DecodeParam(params, 0, &path); err != nil {
		s.logger.Warn("malformed editor/open", "origin", origin, "error", err)
		return
	}
	if _, known := s.session.Peer(origin); !known {
		s.logger.Warn("editor/open from unknown peer", "origin", origin)
		return
	}
	s.logger.Debug("guest opened document", "peer_id", origin, "path", path)
	for _, fn := range s.opened.list() {
		fn(path, origin)
	}
	s.sendState(origin, path)
}

func (s *Synchronizer) handleEditorClose(origin string, params []codec.RawMessage) {
	if !s.session.IsHost() {
		return
	}
	var path string
	if err := wire.DecodeParam(params, 0, &path); err != nil {
		s.logger.Warn("malformed editor/close", "origin", origin, "error", err)
		return
	}
	for _, fn := range s.editorClosed.list() {
		fn(path, origin)
	}
}

// sendState sends peer the complete document state. A non-empty path
// marks the answer to that peer's editor/open.
func (s *Synchronizer) sendState(peer, path string) {
	conn, _ := s.link()
	if conn == nil {
		return
	}
	update, err := s.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		s.logger.Error("encoding state for peer", "peer_id", peer, "error", err)
		return
	}
	if path == "" {
		conn.SendNotification(protocol.MethodSyncDataNotify, peer, update)
		return
	}
	conn.SendNotification(protocol.MethodSyncDataNotify, peer, update, path)
}

// mayEdit reports whether changes from peer are accepted under the
// room's permissions.
func (s *Synchronizer) mayEdit(peer string) bool {
	return !s.session.Permissions().ReadOnly || peer == s.session.Host().ID
}

// handleUpdateEvent broadcasts the updates of local transactions.
func (s *Synchronizer) handleUpdateEvent(event crdt.UpdateEvent) {
	if !event.Local {
		return
	}
	conn, _ := s.link()
	if conn == nil {
		// Peers pick the change up on their next resync.
		return
	}
	conn.SendBroadcast(protocol.MethodSyncDataUpdate, event.Update)
}

// handleTextEvent forwards remote changes of open documents to the
// editor integration and re-resolves selections in the changed text.
// Local changes are not forwarded.
func (s *Synchronizer) handleTextEvent(event crdt.TextEvent) {
	document := s.document(event.Text)
	if !event.Local && document != nil {
		edits := crdt.DeltaToEdits(event.Delta)
		for _, fn := range s.remoteEdits.list() {
			fn(event.Text, edits)
		}
		if origin, ok := event.Origin.(string); ok && origin == s.session.Host().ID {
			document.markPopulated()
		}
	}
	s.refreshSelections(event.Text)
}
