// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/room"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

// Compile-time interface check.
var _ room.Service = (*Hub)(nil)

// Defaults applied when HubConfig fields are zero.
const (
	DefaultJoinTimeout    = 2 * time.Minute
	DefaultReconnectGrace = 30 * time.Second
)

// ErrJoinTimeout is returned by JoinRoom when the host does not answer
// within the join timeout.
var ErrJoinTimeout = errors.New("relay: host did not answer the join request")

// HubConfig holds the dependencies of a Hub.
type HubConfig struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// Metrics receives routing and membership counts. Nil creates
	// unregistered collectors.
	Metrics *Metrics

	JoinTimeout time.Duration

	// ReconnectGrace is how long a detached peer keeps its slot.
	// Negative means no grace: a detached peer leaves immediately.
	ReconnectGrace time.Duration
}

// Hub is the relay's room registry and frame router.
type Hub struct {
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *Metrics
	joinTimeout time.Duration
	grace       time.Duration

	mu          sync.Mutex
	rooms       map[string]*hubRoom
	tokens      map[string]*member
	joins       map[uint64]*pendingJoin
	nextRequest uint64
	closed      bool
}

type hubRoom struct {
	id        string
	workspace protocol.Workspace
	host      *member
	members   map[string]*member
}

// member is one roster slot. link is nil until the first attach and
// after the slot is removed.
type member struct {
	peer      protocol.Peer
	room      *hubRoom
	token     string
	link      transport.Transport
	announced bool
	removed   bool

	// epoch increments on every attach, detach, and reconnect so a
	// stale grace timer can tell it was superseded.
	epoch uint64
	grace *clock.Timer
}

type pendingJoin struct {
	hostID   string
	response chan *wire.Message
}

// NewHub creates an empty hub.
func NewHub(config HubConfig) *Hub {
	if config.Clock == nil || config.Logger == nil {
		panic("relay.NewHub: Clock and Logger are required")
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil)
	}
	if config.JoinTimeout == 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	if config.ReconnectGrace == 0 {
		config.ReconnectGrace = DefaultReconnectGrace
	}
	return &Hub{
		clock:       config.Clock,
		logger:      config.Logger,
		metrics:     config.Metrics,
		joinTimeout: config.JoinTimeout,
		grace:       config.ReconnectGrace,
		rooms:       make(map[string]*hubRoom),
		tokens:      make(map[string]*member),
		joins:       make(map[uint64]*pendingJoin),
	}
}

func validateMetadata(metadata protocol.PeerMetadata) error {
	if _, err := wire.ParsePublicKey(metadata.Encryption.PublicKey); err != nil {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("invalid public key: %v", err)}
	}
	return nil
}

// addMember creates a slot in room. The caller holds h.mu.
func (h *Hub) addMember(room *hubRoom, peer protocol.Peer) *member {
	m := &member{peer: peer, room: room, token: uuid.NewString()}
	room.members[peer.ID] = m
	h.tokens[m.token] = m
	h.metrics.peers.Inc()
	return m
}

// CreateRoom opens a room with the caller as host.
func (h *Hub) CreateRoom(ctx context.Context, request protocol.CreateRoomRequest) (*protocol.RoomClaim, error) {
	if err := validateMetadata(request.Metadata); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, &protocol.ApplicationError{Code: protocol.CodeRoomClosed, Message: "relay is shutting down"}
	}
	created := &hubRoom{
		id:        uuid.NewString(),
		workspace: request.Workspace,
		members:   make(map[string]*member),
	}
	created.host = h.addMember(created, protocol.Peer{
		ID:       uuid.NewString(),
		Host:     true,
		Name:     request.User.Name,
		Email:    request.User.Email,
		Metadata: request.Metadata,
	})
	h.rooms[created.id] = created
	h.metrics.rooms.Inc()

	h.logger.Info("room created",
		"room_id", created.id,
		"host_id", created.host.peer.ID,
		"workspace", request.Workspace.Name,
	)
	return &protocol.RoomClaim{
		RoomID:    created.id,
		RoomToken: created.host.token,
		Workspace: request.Workspace,
	}, nil
}

// JoinRoom forwards a join request to the room's host and waits for its
// decision.
func (h *Hub) JoinRoom(ctx context.Context, roomID string, request protocol.JoinRoomRequest) (*protocol.RoomClaim, error) {
	if err := validateMetadata(request.Metadata); err != nil {
		return nil, err
	}

	h.mu.Lock()
	target, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return nil, &protocol.ApplicationError{Code: protocol.CodeRoomNotFound, Message: fmt.Sprintf("no room %q", roomID)}
	}
	host := target.host
	hostLink := host.link
	if hostLink == nil {
		h.mu.Unlock()
		h.metrics.joins.WithLabelValues(joinFailed).Inc()
		return nil, &protocol.ApplicationError{Code: protocol.CodeRoomClosed, Message: "host is not connected"}
	}
	h.nextRequest++
	id := h.nextRequest
	pending := &pendingJoin{hostID: host.peer.ID, response: make(chan *wire.Message, 1)}
	h.joins[id] = pending
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.joins, id)
		h.mu.Unlock()
	}()

	if err := h.sendControl(hostLink, wire.KindRequest, id, host.peer.ID, protocol.MethodPeerJoin,
		protocol.JoinRequest{User: request.User}); err != nil {
		h.metrics.joins.WithLabelValues(joinFailed).Inc()
		return nil, fmt.Errorf("forwarding join request to host: %w", err)
	}

	expired := make(chan struct{})
	timer := h.clock.AfterFunc(h.joinTimeout, func() { close(expired) })
	defer timer.Stop()

	var response *wire.Message
	select {
	case response = <-pending.response:
	case <-expired:
		h.metrics.joins.WithLabelValues(joinTimeout).Inc()
		return nil, ErrJoinTimeout
	case <-ctx.Done():
		h.metrics.joins.WithLabelValues(joinFailed).Inc()
		return nil, ctx.Err()
	}

	if response == nil {
		h.metrics.joins.WithLabelValues(joinFailed).Inc()
		return nil, &protocol.ApplicationError{Code: protocol.CodeRoomClosed, Message: "room closed while joining"}
	}
	var decision protocol.JoinResponse
	if response.Error != nil || codec.Unmarshal(response.Result, &decision) != nil || decision.Workspace == nil {
		h.metrics.joins.WithLabelValues(joinDeclined).Inc()
		h.logger.Info("join declined", "room_id", roomID, "name", request.User.Name)
		return nil, &protocol.ApplicationError{Code: protocol.CodeJoinDeclined, Message: "the host declined the join request"}
	}

	h.mu.Lock()
	if _, open := h.rooms[roomID]; !open {
		h.mu.Unlock()
		h.metrics.joins.WithLabelValues(joinFailed).Inc()
		return nil, &protocol.ApplicationError{Code: protocol.CodeRoomClosed, Message: "room closed while joining"}
	}
	guest := h.addMember(target, protocol.Peer{
		ID:       uuid.NewString(),
		Name:     request.User.Name,
		Email:    request.User.Email,
		Metadata: request.Metadata,
	})
	hostPeer := host.peer
	h.mu.Unlock()

	h.metrics.joins.WithLabelValues(joinAccepted).Inc()
	h.logger.Info("join accepted", "room_id", roomID, "peer_id", guest.peer.ID, "name", request.User.Name)
	return &protocol.RoomClaim{
		RoomID:    roomID,
		RoomToken: guest.token,
		Workspace: *decision.Workspace,
		Host:      &hostPeer,
	}, nil
}
