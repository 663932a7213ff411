// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Methods carried in message envelopes. The connection layer treats
// these as opaque strings; the room, docsync, and workspacefs packages
// register handlers for them.
const (
	// Relay control. Sent in plaintext with origin or target RelayID.
	MethodPeerInfo        = "peer/info"        // relay -> peer: PeerInfo
	MethodPeerJoin        = "peer/join"        // relay -> host request: JoinRequest -> JoinResponse
	MethodRoomJoined      = "room/joined"      // relay -> peers: Peer
	MethodRoomLeft        = "room/left"        // relay -> peers: Peer
	MethodRoomClosed      = "room/closed"      // relay -> peers
	MethodRoomLeave       = "room/leave"       // peer -> relay
	MethodRoomRoster      = "room/roster"      // relay -> returning peer: []Peer
	MethodRoomPermissions = "room/permissions" // host broadcast: Permissions

	// Sealed peer traffic.
	MethodPeerInit = "peer/init" // host -> new guest: InitData

	MethodFSStat      = "fs/stat"
	MethodFSReadFile  = "fs/readFile"
	MethodFSReadDir   = "fs/readdir"
	MethodFSMkdir     = "fs/mkdir"
	MethodFSWriteFile = "fs/writeFile"
	MethodFSDelete    = "fs/delete"
	MethodFSRename    = "fs/rename"
	MethodFSChange    = "fs/change"

	MethodEditorOpen  = "editor/open"
	MethodEditorClose = "editor/close"

	MethodSyncDataUpdate      = "sync/dataUpdate"
	MethodSyncDataNotify      = "sync/dataNotify"
	MethodSyncDataQuery       = "sync/dataQuery"
	MethodSyncAwarenessUpdate = "sync/awarenessUpdate"
	MethodSyncAwarenessNotify = "sync/awarenessNotify"
	MethodSyncAwarenessQuery  = "sync/awarenessQuery"
)
