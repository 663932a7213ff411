// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/crdt"
	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/room"
)

// RemoteEditsHandler receives edits another peer made to an open
// document, in the order they must be applied. It runs while the
// document's change is being delivered and must not call
// ApplyLocalEdit synchronously.
type RemoteEditsHandler func(path string, edits []protocol.TextEdit)

// EditorHandler is told that peerID opened or closed path. Only the
// host receives these.
type EditorHandler func(path, peerID string)

// SelectionsHandler receives the resolved selections of every other
// peer in path whenever they change.
type SelectionsHandler func(path string, selections []protocol.PeerSelection)

// Config holds the dependencies of a Synchronizer.
type Config struct {
	Session *room.Session
	Clock   clock.Clock
	Logger  *slog.Logger

	// ResyncInterval is how often peers compare state vectors to catch
	// missed updates. Zero resyncs only on start and reconnect.
	ResyncInterval time.Duration
}

// Synchronizer replicates a session's documents and presence.
type Synchronizer struct {
	session  *room.Session
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	doc      *crdt.Doc

	mu        sync.Mutex
	conn      *connection.Connection
	awareness *crdt.Awareness
	documents map[string]*Document
	started   bool
	closed    bool
	stop      chan struct{}
	cancels   []func()

	// selectionMu serializes resolving and reporting selections.
	selectionMu sync.Mutex
	resolved    map[string]map[string][]protocol.SelectionRange

	remoteEdits  callbacks[RemoteEditsHandler]
	opened       callbacks[EditorHandler]
	editorClosed callbacks[EditorHandler]
	selections   callbacks[SelectionsHandler]
}

// New creates a synchronizer for session. Register it on the session's
// connection through room.Config.OnConnection so no early traffic is
// missed, then call Start once the session is active.
func New(config Config) *Synchronizer {
	if config.Session == nil || config.Clock == nil || config.Logger == nil {
		panic("docsync.New: Session, Clock, and Logger are required")
	}
	s := &Synchronizer{
		session:   config.Session,
		clock:     config.Clock,
		logger:    config.Logger,
		interval:  config.ResyncInterval,
		doc:       crdt.New(crdt.Config{Logger: config.Logger}),
		documents: make(map[string]*Document),
		stop:      make(chan struct{}),
		resolved:  make(map[string]map[string][]protocol.SelectionRange),
	}
	s.doc.Observe(s.handleTextEvent)
	s.doc.OnUpdate(s.handleUpdateEvent)
	return s
}

// Doc returns the underlying replicated document.
func (s *Synchronizer) Doc() *crdt.Doc { return s.doc }

// OnRemoteEdits registers fn for edits made by other peers.
func (s *Synchronizer) OnRemoteEdits(fn RemoteEditsHandler) (cancel func()) {
	return s.remoteEdits.add(fn)
}

// OnEditorOpened registers fn for guests opening documents. A handler
// may seed the document by calling OpenDocument before the host answers
// the guest.
func (s *Synchronizer) OnEditorOpened(fn EditorHandler) (cancel func()) {
	return s.opened.add(fn)
}

// OnEditorClosed registers fn for guests closing documents.
func (s *Synchronizer) OnEditorClosed(fn EditorHandler) (cancel func()) {
	return s.editorClosed.add(fn)
}

// OnSelectionsChanged registers fn for changes to other peers'
// selections.
func (s *Synchronizer) OnSelectionsChanged(fn SelectionsHandler) (cancel func()) {
	return s.selections.add(fn)
}

// Register installs the synchronizer's message handlers on conn. Start
// calls it with the session's connection if it was not called before.
func (s *Synchronizer) Register(conn *connection.Connection) {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		panic("docsync: Register called twice")
	}
	s.conn = conn
	s.mu.Unlock()

	conn.OnBroadcast(protocol.MethodSyncDataUpdate, s.handleDataUpdate)
	conn.OnBroadcast(protocol.MethodSyncDataQuery, s.handleDataQuery)
	conn.OnNotification(protocol.MethodSyncDataNotify, s.handleDataNotify)
	conn.OnBroadcast(protocol.MethodSyncAwarenessUpdate, s.handleAwareness)
	conn.OnBroadcast(protocol.MethodSyncAwarenessQuery, s.handleAwarenessQuery)
	conn.OnNotification(protocol.MethodSyncAwarenessQuery, s.handleAwarenessQuery)
	conn.OnNotification(protocol.MethodSyncAwarenessNotify, s.handleAwareness)
	conn.OnNotification(protocol.MethodEditorOpen, s.handleEditorOpen)
	conn.OnNotification(protocol.MethodEditorClose, s.handleEditorClose)
}

// Start begins replication. The session must be active.
func (s *Synchronizer) Start() error {
	if state := s.session.State(); state != room.StateActive {
		return &room.StateError{Op: "start document sync", State: state}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	registered := s.conn != nil
	s.mu.Unlock()
	if !registered {
		s.Register(s.session.Connection())
	}

	awareness := crdt.NewAwareness(s.session.LocalPeer().ID, s.logger)
	s.mu.Lock()
	conn := s.conn
	s.awareness = awareness
	s.started = true
	s.cancels = append(s.cancels,
		awareness.Observe(s.handleAwarenessChange),
		s.session.Subscribe(s.handleSessionEvent),
		conn.OnReconnect(s.resync),
	)
	s.mu.Unlock()

	if s.interval > 0 {
		go s.resyncLoop()
	}
	s.resync()
	s.logger.Info("document sync started", "peer_id", awareness.LocalID(), "host", s.session.IsHost())
	return nil
}

// Close stops replication and withdraws the local peer's presence. It
// does not close the session.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	cancels := s.cancels
	s.cancels = nil
	awareness := s.awareness
	conn := s.conn
	s.mu.Unlock()

	close(s.stop)
	for _, cancel := range cancels {
		cancel()
	}
	if started {
		if err := awareness.SetLocalState(nil); err == nil {
			s.broadcastPresence(conn, awareness)
		}
	}
	return nil
}

func (s *Synchronizer) resyncLoop() {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.queryData()
		case <-s.stop:
			return
		}
	}
}

// resync asks every peer for document state and presence this peer is
// missing.
func (s *Synchronizer) resync() {
	s.queryData()
	if conn, _ := s.link(); conn != nil {
		conn.SendBroadcast(protocol.MethodSyncAwarenessQuery)
	}
}

// exchangePresence sends peer the local presence and asks for its own.
// A peer can appear after the broadcast query went out, for example when
// the roster is replayed after a reconnect.
func (s *Synchronizer) exchangePresence(peer string) {
	conn, awareness := s.link()
	if conn == nil {
		return
	}
	update, err := awareness.Encode(awareness.LocalID())
	if err != nil {
		s.logger.Error("encoding presence", "error", err)
		return
	}
	conn.SendNotification(protocol.MethodSyncAwarenessNotify, peer, update)
	conn.SendNotification(protocol.MethodSyncAwarenessQuery, peer)
}

func (s *Synchronizer) queryData() {
	if conn, _ := s.link(); conn != nil {
		conn.SendBroadcast(protocol.MethodSyncDataQuery, s.doc.StateVector())
	}
}

// link returns the connection and awareness once started.
func (s *Synchronizer) link() (*connection.Connection, *crdt.Awareness) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return nil, nil
	}
	return s.conn, s.awareness
}

func (s *Synchronizer) handleSessionEvent(event room.Event) {
	switch event.Type {
	case room.EventPeerJoined:
		if s.session.IsHost() {
			s.sendState(event.Peer.ID, "")
		}
		s.exchangePresence(event.Peer.ID)
	case room.EventPeerLeft:
		if _, awareness := s.link(); awareness != nil {
			awareness.Remove(event.Peer.ID)
		}
	case room.EventClosed:
		s.Close()
	}
}
