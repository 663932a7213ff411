// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/wire"
)

// Create claims a new room for workspace and connects as its host. It
// returns once the relay has announced the host's identity.
func (s *Session) Create(ctx context.Context, workspace protocol.Workspace) (*protocol.RoomClaim, error) {
	if err := s.transition("create", StateCreating, StateIdle); err != nil {
		return nil, err
	}
	claim, err := s.service.CreateRoom(ctx, protocol.CreateRoomRequest{
		User:      s.user,
		Metadata:  s.metadata(),
		Workspace: workspace,
	})
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("creating room: %w", err)
	}

	s.mu.Lock()
	s.claim = claim
	s.workspace = claim.Workspace
	s.mu.Unlock()

	conn, err := s.connect(ctx, claim)
	if err != nil {
		return nil, err
	}
	if err := s.await(ctx, s.info); err != nil {
		return nil, fmt.Errorf("waiting for peer info: %w", err)
	}

	conn.MarkReady()
	if err := s.transition("create", StateActive, StateCreating); err != nil {
		return nil, err
	}
	s.logger.Info("room created", "room_id", claim.RoomID, "peer_id", s.LocalPeer().ID)
	return claim, nil
}

// Join asks the host of roomID for admission and, if accepted, connects
// and waits for the host's peer/init snapshot. A decline returns a
// *protocol.ApplicationError with code join_declined and leaves the
// session idle; no transport is opened.
func (s *Session) Join(ctx context.Context, roomID string) (*protocol.RoomClaim, error) {
	if err := s.transition("join", StateJoining, StateIdle); err != nil {
		return nil, err
	}
	claim, err := s.service.JoinRoom(ctx, roomID, protocol.JoinRoomRequest{
		User:     s.user,
		Metadata: s.metadata(),
	})
	if err != nil {
		s.reset()
		return nil, fmt.Errorf("joining room %s: %w", roomID, err)
	}
	if claim.Host == nil {
		s.reset()
		return nil, &protocol.ProtocolError{Reason: "join claim has no host"}
	}
	if _, err := s.registry.Register(*claim.Host); err != nil {
		s.reset()
		return nil, fmt.Errorf("registering host key: %w", err)
	}

	s.mu.Lock()
	s.claim = claim
	s.host = *claim.Host
	s.workspace = claim.Workspace
	s.mu.Unlock()

	if _, err := s.connect(ctx, claim); err != nil {
		return nil, err
	}
	if err := s.await(ctx, s.info); err != nil {
		return nil, fmt.Errorf("waiting for peer info: %w", err)
	}
	if err := s.await(ctx, s.initialized); err != nil {
		return nil, fmt.Errorf("waiting for room snapshot: %w", err)
	}

	if err := s.transition("join", StateActive, StateJoining); err != nil {
		return nil, err
	}
	s.logger.Info("room joined",
		"room_id", claim.RoomID,
		"peer_id", s.LocalPeer().ID,
		"host_id", claim.Host.ID,
	)
	return claim, nil
}

// reset returns a session whose claim failed to Idle.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateIdle
	}
	s.registry.Clear()
}

// connect opens the transport for claim and starts the connection.
func (s *Session) connect(ctx context.Context, claim *protocol.RoomClaim) (*connection.Connection, error) {
	link, err := s.service.Connect(ctx, claim.RoomToken)
	if err != nil {
		s.close("connect failed")
		return nil, fmt.Errorf("connecting to room %s: %w", claim.RoomID, err)
	}

	codec := wire.NewCodec(s.keypair, s.registry, s.preference)
	conn := connection.New(connection.Config{
		Transport:      link,
		Codec:          codec,
		Clock:          s.clock,
		Logger:         s.logger.With("room_id", claim.RoomID),
		RequestTimeout: s.timeout,
	})
	s.register(conn)
	if s.onConnection != nil {
		s.onConnection(conn)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	conn.Start()
	go func() {
		<-conn.Done()
		s.close("connection closed")
	}()
	return conn, nil
}

// await waits for ready, giving up when ctx ends or the session closes.
// Giving up closes the session.
func (s *Session) await(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		s.close("gave up waiting")
		s.closeConnection()
		return ctx.Err()
	}
}

// UpdatePermissions changes the room's permissions and broadcasts them
// to every guest. Only the host may call it.
func (s *Session) UpdatePermissions(permissions protocol.Permissions) error {
	s.mu.Lock()
	state, isHost, conn := s.state, s.local.Host, s.conn
	if state == StateActive && isHost {
		s.permissions = permissions
	}
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrClosed
	case state != StateActive:
		return &StateError{Op: "update permissions", State: state}
	case !isHost:
		return &protocol.ApplicationError{Code: protocol.CodeNotHost, Message: "only the host can change permissions"}
	}
	conn.SendBroadcast(protocol.MethodRoomPermissions, permissions)
	s.subscribers.emit(Event{Type: EventPermissionsChanged, Permissions: permissions})
	return nil
}

// Leave tells the relay this peer is leaving and closes the session. A
// host leaving closes the room for every peer. Leave on an idle session
// just closes it.
func (s *Session) Leave(ctx context.Context) error {
	conn := s.Connection()
	if conn == nil || s.State() == StateClosed {
		s.close("left")
		return nil
	}
	conn.SendNotification(protocol.MethodRoomLeave, protocol.RelayID)
	s.close("left")
	return conn.Close()
}

// close moves the session to Closed once. It may run on the connection's
// event loop, so the connection itself is closed by closeConnection.
func (s *Session) close(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	roomID := ""
	if s.claim != nil {
		roomID = s.claim.RoomID
	}
	close(s.closed)
	s.mu.Unlock()

	s.registry.Clear()
	s.logger.Info("session closed", "room_id", roomID, "reason", reason)
	s.subscribers.emit(Event{Type: EventClosed})
}

// closeConnection closes the connection without blocking the caller,
// which may be the connection's own event loop.
func (s *Session) closeConnection() {
	if conn := s.Connection(); conn != nil {
		go conn.Close()
	}
}
