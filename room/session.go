// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/compress"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

// Service issues room claims and opens transports to the relay.
type Service interface {
	CreateRoom(ctx context.Context, request protocol.CreateRoomRequest) (*protocol.RoomClaim, error)

	// JoinRoom blocks until the host accepts or declines. A decline is a
	// *protocol.ApplicationError with code join_declined.
	JoinRoom(ctx context.Context, roomID string, request protocol.JoinRoomRequest) (*protocol.RoomClaim, error)

	Connect(ctx context.Context, roomToken string) (transport.Transport, error)
}

// JoinApprover decides a join request on the host. Returning a nil
// workspace declines.
type JoinApprover func(ctx context.Context, user protocol.User) (*protocol.Workspace, error)

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the dependencies and identity of a session.
type Config struct {
	Service Service
	Keypair *wire.Keypair
	User    protocol.User
	Clock   clock.Clock
	Logger  *slog.Logger

	// Compression is the local preference order. Nil uses
	// compress.DefaultPreference.
	Compression []string

	// RequestTimeout is passed to the connection.
	RequestTimeout time.Duration

	// Approver decides join requests when hosting. Nil declines all.
	Approver JoinApprover

	// Permissions and Capabilities are what the host advertises to
	// guests in peer/init.
	Permissions  protocol.Permissions
	Capabilities protocol.Capabilities

	// OnConnection runs after the connection is created and before it
	// starts, so callers can register handlers that must not miss
	// early traffic.
	OnConnection func(*connection.Connection)
}

// Session is one peer's view of a room.
type Session struct {
	service      Service
	keypair      *wire.Keypair
	user         protocol.User
	clock        clock.Clock
	logger       *slog.Logger
	preference   []string
	timeout      time.Duration
	approver     JoinApprover
	capabilities protocol.Capabilities
	onConnection func(*connection.Connection)

	registry *wire.Registry

	mu          sync.Mutex
	state       State
	claim       *protocol.RoomClaim
	conn        *connection.Connection
	local       protocol.Peer
	host        protocol.Peer
	guests      map[string]protocol.Peer
	permissions protocol.Permissions
	workspace   protocol.Workspace
	info        chan struct{}
	initialized chan struct{}
	closed      chan struct{}

	subscribers subscribers
}

// New creates an idle session.
func New(config Config) *Session {
	if config.Service == nil || config.Keypair == nil || config.Clock == nil || config.Logger == nil {
		panic("room.New: Service, Keypair, Clock, and Logger are required")
	}
	preference := config.Compression
	if preference == nil {
		preference = compress.DefaultPreference
	}
	return &Session{
		service:      config.Service,
		keypair:      config.Keypair,
		user:         config.User,
		clock:        config.Clock,
		logger:       config.Logger,
		preference:   preference,
		timeout:      config.RequestTimeout,
		approver:     config.Approver,
		permissions:  config.Permissions,
		capabilities: config.Capabilities,
		onConnection: config.OnConnection,
		registry:     wire.NewRegistry(),
		guests:       make(map[string]protocol.Peer),
		info:         make(chan struct{}),
		initialized:  make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// metadata is the capability advertisement sent with create and join.
func (s *Session) metadata() protocol.PeerMetadata {
	return protocol.PeerMetadata{
		Encryption:  protocol.EncryptionMetadata{PublicKey: s.keypair.PublicKeyString()},
		Compression: protocol.CompressionMetadata{Supported: compress.Supported()},
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed is closed when the session reaches StateClosed.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Connection returns the session's connection, nil before Create or
// Join has connected.
func (s *Session) Connection() *connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Registry returns the peer key registry the session's codec seals with.
func (s *Session) Registry() *wire.Registry { return s.registry }

// Claim returns the room claim, nil before Create or Join succeeded.
func (s *Session) Claim() *protocol.RoomClaim {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claim
}

// LocalPeer returns the identity the relay assigned to this peer.
func (s *Session) LocalPeer() protocol.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Host returns the room's host.
func (s *Session) Host() protocol.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// IsHost reports whether this session hosts the room.
func (s *Session) IsHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.Host
}

// Guests returns the known guests other than the local peer, sorted by
// id.
func (s *Session) Guests() []protocol.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guestsLocked()
}

func (s *Session) guestsLocked() []protocol.Peer {
	guests := make([]protocol.Peer, 0, len(s.guests))
	for _, guest := range s.guests {
		guests = append(guests, guest)
	}
	sort.Slice(guests, func(i, j int) bool { return guests[i].ID < guests[j].ID })
	return guests
}

// Peers returns every known peer other than the local one: the host
// (when the local peer is a guest) followed by the guests.
func (s *Session) Peers() []protocol.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var peers []protocol.Peer
	if s.host.ID != "" && s.host.ID != s.local.ID {
		peers = append(peers, s.host)
	}
	return append(peers, s.guestsLocked()...)
}

// Peer looks up a known peer by id, including the local peer.
func (s *Session) Peer(id string) (protocol.Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch id {
	case s.local.ID:
		return s.local, id != ""
	case s.host.ID:
		return s.host, id != ""
	}
	peer, ok := s.guests[id]
	return peer, ok
}

// Permissions returns the room's current permissions.
func (s *Session) Permissions() protocol.Permissions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions
}

// Workspace returns the shared workspace description.
func (s *Session) Workspace() protocol.Workspace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspace
}

// Capabilities returns the protocol features the host enabled.
func (s *Session) Capabilities() protocol.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// InitData builds the snapshot the host sends to a new guest.
func (s *Session) InitData() protocol.InitData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.InitData{
		Protocol:     protocol.Version,
		Host:         s.host,
		Guests:       s.guestsLocked(),
		Permissions:  s.permissions,
		Capabilities: s.capabilities,
		Workspace:    s.workspace,
	}
}

// transition moves from one of the allowed states to next.
func (s *Session) transition(op string, next State, allowed ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range allowed {
		if s.state == state {
			s.state = next
			return nil
		}
	}
	if s.state == StateClosed {
		return ErrClosed
	}
	return &StateError{Op: op, State: s.state}
}
