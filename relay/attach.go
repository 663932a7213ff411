// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

// Connect attaches a new in-memory link for roomToken and returns the
// peer's end.
func (h *Hub) Connect(ctx context.Context, roomToken string) (transport.Transport, error) {
	if !h.HasToken(roomToken) {
		return nil, unknownToken()
	}
	peerEnd, relayEnd := transport.Pipe()
	if err := h.Attach(roomToken, relayEnd); err != nil {
		peerEnd.Close()
		relayEnd.Close()
		return nil, err
	}
	return peerEnd, nil
}

func unknownToken() error {
	return &protocol.ApplicationError{Code: protocol.CodeRoomNotFound, Message: "unknown room token"}
}

// HasToken reports whether roomToken names a live roster slot.
func (h *Hub) HasToken(roomToken string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tokens[roomToken]
	return ok
}

// Attach binds link to the slot named by roomToken. The first attach
// announces the peer to the room; a later one replaces the previous
// link and sends the peer the current roster, since announcements made
// while it was away went to a dead link. The hub owns link from here on.
func (h *Hub) Attach(roomToken string, link transport.Transport) error {
	h.mu.Lock()
	m, ok := h.tokens[roomToken]
	if !ok {
		h.mu.Unlock()
		return unknownToken()
	}
	previous := m.link
	m.link = link
	m.epoch++
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	first := !m.announced
	m.announced = true
	var others []transport.Transport
	var roster []protocol.Peer
	if first && !m.peer.Host {
		others = h.attachedLocked(m.room, m.peer.ID)
	}
	if !first {
		roster = rosterLocked(m.room)
	}
	peer, roomID := m.peer, m.room.id
	h.mu.Unlock()

	if previous != nil && previous != link {
		previous.Close()
	}
	if !first {
		h.metrics.reattachment.Inc()
	}
	h.logger.Info("peer attached", "room_id", roomID, "peer_id", peer.ID, "transport", link.ID(), "first", first)

	if err := h.sendControl(link, wire.KindNotification, 0, peer.ID, protocol.MethodPeerInfo,
		protocol.PeerInfo{Peer: peer, RoomID: roomID}); err != nil {
		h.logger.Warn("sending peer info", "peer_id", peer.ID, "error", err)
	}
	if roster != nil {
		h.sendRoster(link, peer.ID, roster)
	}
	for _, other := range others {
		if err := h.sendControl(other, wire.KindNotification, 0, "", protocol.MethodRoomJoined, peer); err != nil {
			h.logger.Warn("announcing joined peer", "peer_id", peer.ID, "error", err)
		}
	}

	go h.serve(m, link)
	return nil
}

// attachedLocked returns the links of room's attached members other
// than exclude. The caller holds h.mu.
func (h *Hub) attachedLocked(room *hubRoom, exclude string) []transport.Transport {
	links := make([]transport.Transport, 0, len(room.members))
	for id, other := range room.members {
		if id != exclude && other.link != nil {
			links = append(links, other.link)
		}
	}
	return links
}

// rosterLocked returns every member of room sorted by id. The caller
// holds h.mu.
func rosterLocked(room *hubRoom) []protocol.Peer {
	roster := make([]protocol.Peer, 0, len(room.members))
	for _, m := range room.members {
		roster = append(roster, m.peer)
	}
	slices.SortFunc(roster, func(a, b protocol.Peer) int { return strings.Compare(a.ID, b.ID) })
	return roster
}

func (h *Hub) sendRoster(link transport.Transport, peerID string, roster []protocol.Peer) {
	if err := h.sendControl(link, wire.KindNotification, 0, peerID, protocol.MethodRoomRoster, roster); err != nil {
		h.logger.Warn("sending roster", "peer_id", peerID, "error", err)
	}
}

// serve routes frames from link until it closes.
func (h *Hub) serve(m *member, link transport.Transport) {
	for event := range link.Events() {
		switch event.Type {
		case transport.EventFrame:
			h.route(m, event.Frame)
		case transport.EventDisconnect:
			h.detach(m, link)
		case transport.EventReconnect:
			h.reconnect(m, link)
		case transport.EventError:
			h.logger.Debug("link error", "peer_id", m.peer.ID, "error", event.Err)
		}
	}
	h.detach(m, link)
}

// detach starts the grace period for a member whose current link
// dropped.
func (h *Hub) detach(m *member, link transport.Transport) {
	h.mu.Lock()
	if m.removed || m.link != link || m.grace != nil {
		h.mu.Unlock()
		return
	}
	m.epoch++
	epoch := m.epoch
	h.mu.Unlock()

	if h.grace < 0 {
		h.expire(m, epoch)
		return
	}
	h.logger.Info("peer detached", "peer_id", m.peer.ID, "grace", h.grace)
	timer := h.clock.AfterFunc(h.grace, func() { h.expire(m, epoch) })

	h.mu.Lock()
	if m.epoch == epoch && !m.removed {
		m.grace = timer
	} else {
		timer.Stop()
	}
	h.mu.Unlock()
}

// reconnect cancels the grace period when a link recovers by itself
// and resends the roster the peer may have missed.
func (h *Hub) reconnect(m *member, link transport.Transport) {
	h.mu.Lock()
	if m.removed || m.link != link {
		h.mu.Unlock()
		return
	}
	m.epoch++
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	roster := rosterLocked(m.room)
	h.mu.Unlock()

	h.metrics.reattachment.Inc()
	h.logger.Info("peer reconnected", "peer_id", m.peer.ID)
	h.sendRoster(link, m.peer.ID, roster)
}

func (h *Hub) expire(m *member, epoch uint64) {
	h.mu.Lock()
	current := m.epoch == epoch && !m.removed
	h.mu.Unlock()
	if current {
		h.remove(m, "reconnect grace expired")
	}
}

// remove releases a member's slot and tells the rest of the room. A
// host leaving closes the room.
func (h *Hub) remove(m *member, reason string) {
	h.mu.Lock()
	if m.removed {
		h.mu.Unlock()
		return
	}
	target := m.room
	if m.peer.Host {
		members := h.closeRoomLocked(target)
		h.mu.Unlock()
		h.logger.Info("room closed", "room_id", target.id, "reason", reason)
		h.closeMembers(members, m)
		return
	}

	m.removed = true
	delete(target.members, m.peer.ID)
	delete(h.tokens, m.token)
	link := m.link
	m.link = nil
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	others := h.attachedLocked(target, m.peer.ID)
	h.metrics.peers.Dec()
	h.mu.Unlock()

	h.logger.Info("peer left", "room_id", target.id, "peer_id", m.peer.ID, "reason", reason)
	for _, other := range others {
		if err := h.sendControl(other, wire.KindNotification, 0, "", protocol.MethodRoomLeft, m.peer); err != nil {
			h.logger.Warn("announcing left peer", "peer_id", m.peer.ID, "error", err)
		}
	}
	if link != nil {
		link.Close()
	}
}

// closeRoomLocked removes room and every member from the hub and
// returns the members. The caller holds h.mu.
func (h *Hub) closeRoomLocked(target *hubRoom) []*member {
	members := make([]*member, 0, len(target.members))
	for _, m := range target.members {
		m.removed = true
		m.epoch++
		if m.grace != nil {
			m.grace.Stop()
			m.grace = nil
		}
		delete(h.tokens, m.token)
		members = append(members, m)
	}
	for _, pending := range h.joins {
		if pending.hostID == target.host.peer.ID {
			select {
			case pending.response <- nil:
			default:
			}
		}
	}
	target.members = map[string]*member{}
	delete(h.rooms, target.id)
	h.metrics.rooms.Dec()
	h.metrics.peers.Sub(float64(len(members)))
	return members
}

// closeMembers sends room/closed to every attached member except
// leaver and closes all their links.
func (h *Hub) closeMembers(members []*member, leaver *member) {
	for _, m := range members {
		h.mu.Lock()
		link := m.link
		m.link = nil
		h.mu.Unlock()
		if link == nil {
			continue
		}
		if m != leaver {
			if err := h.sendControl(link, wire.KindNotification, 0, m.peer.ID, protocol.MethodRoomClosed); err != nil {
				h.logger.Debug("announcing room closed", "peer_id", m.peer.ID, "error", err)
			}
		}
		link.Close()
	}
}

// Close closes every room and rejects further creates.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	var members []*member
	for _, open := range h.rooms {
		members = append(members, h.closeRoomLocked(open)...)
	}
	h.mu.Unlock()
	h.closeMembers(members, nil)
	return nil
}

// sendControl writes a plaintext relay control message to link.
func (h *Hub) sendControl(link transport.Transport, kind wire.Kind, id uint64, target, method string, params ...any) error {
	encoded, err := codec.MarshalAll(params)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	frame, err := wire.EncodeControl(&wire.Message{Kind: kind, ID: id, Target: target, Method: method, Params: encoded})
	if err != nil {
		return err
	}
	return h.deliver(link, kind, frame)
}

func (h *Hub) deliver(link transport.Transport, kind wire.Kind, frame []byte) error {
	if err := link.Write(context.Background(), frame); err != nil {
		return err
	}
	label := kind.String()
	h.metrics.frames.WithLabelValues(label).Inc()
	h.metrics.bytes.WithLabelValues(label).Add(float64(len(frame)))
	return nil
}
