// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"sort"

	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

// route delivers one inbound frame from m. The origin must be m's own
// id: it is bound into the payload's associated data, so the relay
// checks it instead of rewriting it.
func (h *Hub) route(m *member, data []byte) {
	frame, err := wire.ParseFrame(data)
	if err != nil {
		h.drop(m, dropMalformed, "error", err)
		return
	}
	if frame.Origin != m.peer.ID {
		h.drop(m, dropSpoofedOrigin, "claimed_origin", frame.Origin)
		return
	}
	if frame.Target == protocol.RelayID {
		h.control(m, frame)
		return
	}
	if frame.Plain != nil {
		h.drop(m, dropPlaintext, "target", frame.Target)
		return
	}

	if frame.Target != "" {
		link := h.link(m.room, frame.Target)
		if link == nil {
			h.drop(m, dropUnknownTarget, "target", frame.Target)
			return
		}
		if err := h.deliver(link, frame.Kind, data); err != nil {
			h.logger.Debug("delivery failed", "target", frame.Target, "error", err)
		}
		return
	}

	for _, recipient := range frame.Recipients() {
		if recipient == m.peer.ID {
			continue
		}
		link := h.link(m.room, recipient)
		if link == nil {
			continue
		}
		trimmed, err := frame.SlotFor(recipient).Marshal()
		if err != nil {
			h.logger.Warn("re-encoding broadcast frame", "error", err)
			return
		}
		if err := h.deliver(link, frame.Kind, trimmed); err != nil {
			h.logger.Debug("delivery failed", "target", recipient, "error", err)
		}
	}
}

func (h *Hub) drop(m *member, reason string, args ...any) {
	h.metrics.dropped.WithLabelValues(reason).Inc()
	h.logger.Warn("dropping frame", append([]any{"peer_id", m.peer.ID, "reason", reason}, args...)...)
}

// link returns the current link of peerID in room, nil if the peer is
// unknown or detached.
func (h *Hub) link(target *hubRoom, peerID string) transport.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if other, ok := target.members[peerID]; ok && !other.removed {
		return other.link
	}
	return nil
}

// control handles plaintext messages addressed to the relay.
func (h *Hub) control(m *member, frame *wire.Frame) {
	message, err := wire.DecodeControl(frame)
	if err != nil {
		h.drop(m, dropMalformed, "error", err)
		return
	}
	switch {
	case message.Kind == wire.KindResponse:
		h.mu.Lock()
		pending, ok := h.joins[message.ID]
		h.mu.Unlock()
		if !ok || pending.hostID != m.peer.ID {
			h.logger.Warn("unexpected response to relay", "peer_id", m.peer.ID, "id", message.ID)
			return
		}
		select {
		case pending.response <- message:
		default:
		}
	case message.Method == protocol.MethodRoomLeave:
		h.remove(m, "left")
	default:
		h.logger.Warn("unknown relay control method", "peer_id", m.peer.ID, "method", message.Method)
	}
}

// RoomInfo describes an open room.
type RoomInfo struct {
	ID        string
	Workspace protocol.Workspace
	Host      protocol.Peer

	// Peers holds every roster slot, sorted by id, host included.
	Peers []protocol.Peer

	// Attached counts peers with a live link.
	Attached int
}

// Room reports on an open room.
func (h *Hub) Room(roomID string) (RoomInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	open, ok := h.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	info := RoomInfo{ID: open.id, Workspace: open.workspace, Host: open.host.peer}
	for _, m := range open.members {
		info.Peers = append(info.Peers, m.peer)
		if m.link != nil && m.grace == nil {
			info.Attached++
		}
	}
	sort.Slice(info.Peers, func(i, j int) bool { return info.Peers[i].ID < info.Peers[j].ID })
	return info, true
}

// RoomCount returns the number of open rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
