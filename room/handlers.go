// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/wire"
)

// register installs the room's handlers on conn.
func (s *Session) register(conn *connection.Connection) {
	conn.OnNotification(protocol.MethodPeerInfo, s.relayOnly(protocol.MethodPeerInfo, s.handlePeerInfo))
	conn.OnNotification(protocol.MethodRoomJoined, s.relayOnly(protocol.MethodRoomJoined, s.handleJoined))
	conn.OnNotification(protocol.MethodRoomLeft, s.relayOnly(protocol.MethodRoomLeft, s.handleLeft))
	conn.OnNotification(protocol.MethodRoomClosed, s.relayOnly(protocol.MethodRoomClosed, s.handleClosed))
	conn.OnNotification(protocol.MethodRoomRoster, s.relayOnly(protocol.MethodRoomRoster, s.handleRoster))
	conn.OnNotification(protocol.MethodPeerInit, s.handleInit)
	conn.OnBroadcast(protocol.MethodRoomPermissions, s.handlePermissions)
	conn.OnRequest(protocol.MethodPeerJoin, s.handleJoinRequest)
}

// relayOnly drops control messages that did not come from the relay.
func (s *Session) relayOnly(method string, handler connection.MessageHandler) connection.MessageHandler {
	return func(origin string, params []codec.RawMessage) {
		if origin != protocol.RelayID {
			s.logger.Warn("ignoring relay control message from peer", "method", method, "origin", origin)
			return
		}
		handler(origin, params)
	}
}

func (s *Session) handlePeerInfo(origin string, params []codec.RawMessage) {
	var info protocol.PeerInfo
	if err := wire.DecodeParam(params, 0, &info); err != nil {
		s.logger.Warn("malformed peer info", "error", err)
		return
	}

	s.mu.Lock()
	if s.local.ID != "" && s.local.ID != info.Peer.ID {
		s.mu.Unlock()
		s.logger.Warn("relay reassigned local identity",
			"peer_id", s.local.ID,
			"new_peer_id", info.Peer.ID,
		)
		return
	}
	first := s.local.ID == ""
	s.local = info.Peer
	if info.Peer.Host {
		s.host = info.Peer
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Codec().SetLocalID(info.Peer.ID)
	}
	if first {
		close(s.info)
	}
}

// handleJoined adds a newly attached peer. The host also sends it the
// room snapshot.
func (s *Session) handleJoined(origin string, params []codec.RawMessage) {
	var peer protocol.Peer
	if err := wire.DecodeParam(params, 0, &peer); err != nil {
		s.logger.Warn("malformed room/joined", "error", err)
		return
	}
	if _, err := s.registry.Register(peer); err != nil {
		s.logger.Warn("cannot register joined peer", "peer_id", peer.ID, "error", err)
		return
	}

	s.mu.Lock()
	_, known := s.guests[peer.ID]
	isLocal := peer.ID == s.local.ID
	if !isLocal && !peer.Host {
		s.guests[peer.ID] = peer
	}
	isHost := s.local.Host
	conn := s.conn
	s.mu.Unlock()
	if isLocal || peer.Host {
		return
	}

	if isHost && conn != nil {
		conn.SendNotification(protocol.MethodPeerInit, peer.ID, s.InitData())
	}
	if !known {
		s.logger.Info("peer joined", "peer_id", peer.ID, "name", peer.Name)
		s.subscribers.emit(Event{Type: EventPeerJoined, Peer: peer})
	}
}

func (s *Session) handleLeft(origin string, params []codec.RawMessage) {
	var peer protocol.Peer
	if err := wire.DecodeParam(params, 0, &peer); err != nil {
		s.logger.Warn("malformed room/left", "error", err)
		return
	}
	if peer.Host || peer.ID == s.Host().ID {
		s.close("host left")
		s.closeConnection()
		return
	}

	s.mu.Lock()
	_, known := s.guests[peer.ID]
	delete(s.guests, peer.ID)
	s.mu.Unlock()
	s.registry.Unregister(peer.ID)

	if known {
		s.logger.Info("peer left", "peer_id", peer.ID)
		s.subscribers.emit(Event{Type: EventPeerLeft, Peer: peer})
	}
}

// handleRoster reconciles the roster with the relay's snapshot after the
// local link came back. Peers that joined meanwhile are added and peers
// that left are removed.
func (s *Session) handleRoster(origin string, params []codec.RawMessage) {
	var roster []protocol.Peer
	if err := wire.DecodeParam(params, 0, &roster); err != nil {
		s.logger.Warn("malformed room/roster", "error", err)
		return
	}

	s.mu.Lock()
	localID := s.local.ID
	s.mu.Unlock()

	present := make(map[string]bool, len(roster))
	var joined []protocol.Peer
	for _, peer := range roster {
		present[peer.ID] = true
		if peer.ID == localID {
			continue
		}
		if _, err := s.registry.Register(peer); err != nil {
			s.logger.Warn("cannot register peer from roster", "peer_id", peer.ID, "error", err)
			continue
		}
		s.mu.Lock()
		if peer.Host {
			s.host = peer
		} else if _, known := s.guests[peer.ID]; !known {
			s.guests[peer.ID] = peer
			joined = append(joined, peer)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	var left []protocol.Peer
	for id, guest := range s.guests {
		if !present[id] {
			delete(s.guests, id)
			left = append(left, guest)
		}
	}
	s.mu.Unlock()

	for _, peer := range left {
		s.registry.Unregister(peer.ID)
		s.logger.Info("peer left while disconnected", "peer_id", peer.ID)
		s.subscribers.emit(Event{Type: EventPeerLeft, Peer: peer})
	}
	for _, peer := range joined {
		s.logger.Info("peer joined while disconnected", "peer_id", peer.ID, "name", peer.Name)
		s.subscribers.emit(Event{Type: EventPeerJoined, Peer: peer})
	}
}

func (s *Session) handleClosed(origin string, params []codec.RawMessage) {
	s.close("room closed")
	s.closeConnection()
}

// handleInit applies the host's snapshot. Only the host may send it.
func (s *Session) handleInit(origin string, params []codec.RawMessage) {
	host := s.Host()
	if host.ID == "" || origin != host.ID {
		s.logger.Warn("ignoring peer/init from non-host", "origin", origin)
		return
	}
	var snapshot protocol.InitData
	if err := wire.DecodeParam(params, 0, &snapshot); err != nil {
		s.logger.Warn("malformed peer/init", "error", err)
		return
	}
	s.InitPeers(snapshot)
}

// InitPeers merges a room snapshot into the roster: the host and every
// guest other than the local peer are registered and added. Merging is
// additive and idempotent. The first call marks a guest session ready.
func (s *Session) InitPeers(snapshot protocol.InitData) {
	s.mu.Lock()
	localID := s.local.ID
	s.mu.Unlock()

	var added []protocol.Peer
	for _, peer := range append([]protocol.Peer{snapshot.Host}, snapshot.Guests...) {
		if peer.ID == "" || peer.ID == localID {
			continue
		}
		if _, err := s.registry.Register(peer); err != nil {
			s.logger.Warn("cannot register peer from snapshot", "peer_id", peer.ID, "error", err)
			continue
		}
		s.mu.Lock()
		if peer.Host {
			s.host = peer
		} else if _, known := s.guests[peer.ID]; !known {
			s.guests[peer.ID] = peer
			added = append(added, peer)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.permissions = snapshot.Permissions
	s.capabilities = snapshot.Capabilities
	s.workspace = snapshot.Workspace
	conn := s.conn
	first := false
	select {
	case <-s.initialized:
	default:
		close(s.initialized)
		first = true
	}
	s.mu.Unlock()

	for _, peer := range added {
		s.subscribers.emit(Event{Type: EventPeerJoined, Peer: peer})
	}
	if first {
		if conn != nil {
			conn.MarkReady()
		}
		s.subscribers.emit(Event{Type: EventInitialized, Init: &snapshot})
	}
}

func (s *Session) handlePermissions(origin string, params []codec.RawMessage) {
	if origin != s.Host().ID {
		s.logger.Warn("ignoring permissions from non-host", "origin", origin)
		return
	}
	var permissions protocol.Permissions
	if err := wire.DecodeParam(params, 0, &permissions); err != nil {
		s.logger.Warn("malformed room/permissions", "error", err)
		return
	}
	s.mu.Lock()
	changed := s.permissions != permissions
	s.permissions = permissions
	s.mu.Unlock()
	if changed {
		s.subscribers.emit(Event{Type: EventPermissionsChanged, Permissions: permissions})
	}
}

// handleJoinRequest asks the approver whether a user may join. The
// relay holds the joining peer's HTTP call open until this returns.
func (s *Session) handleJoinRequest(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
	if origin != protocol.RelayID {
		return nil, &protocol.ApplicationError{Code: protocol.CodePermissionDenied, Message: "join requests come from the relay"}
	}
	if !s.IsHost() {
		return nil, &protocol.ApplicationError{Code: protocol.CodeNotHost, Message: "not the host"}
	}
	var request protocol.JoinRequest
	if err := wire.DecodeParam(params, 0, &request); err != nil {
		return nil, &protocol.ProtocolError{Method: protocol.MethodPeerJoin, Reason: err.Error()}
	}
	if s.approver == nil {
		s.logger.Info("declining join, no approver", "name", request.User.Name)
		return protocol.JoinResponse{}, nil
	}
	workspace, err := s.approver(ctx, request.User)
	if err != nil {
		s.logger.Warn("join approver failed", "name", request.User.Name, "error", err)
		return protocol.JoinResponse{}, nil
	}
	s.logger.Info("join decided", "name", request.User.Name, "accepted", workspace != nil)
	return protocol.JoinResponse{Workspace: workspace}, nil
}
