// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Version is the protocol revision spoken by this build. Frames with a
// different version are rejected by the codec.
const Version = 1

// RelayID is the pseudo peer id the relay uses as origin for the
// control messages it sends, and that peers use as target for messages
// meant for the relay itself. Traffic to and from RelayID is not sealed;
// it carries roster bookkeeping only, never workspace content.
const RelayID = "relay"

// User is the authenticated identity of a participant. Authentication
// itself happens outside cowork.
type User struct {
	Name         string `cbor:"name" json:"name"`
	Email        string `cbor:"email,omitempty" json:"email,omitempty"`
	AuthProvider string `cbor:"auth_provider,omitempty" json:"auth_provider,omitempty"`
}

// EncryptionMetadata carries a peer's public key as a base64 Curve25519
// point.
type EncryptionMetadata struct {
	PublicKey string `cbor:"public_key" json:"public_key"`
}

// CompressionMetadata lists the algorithm names a peer can decode.
type CompressionMetadata struct {
	Supported []string `cbor:"supported" json:"supported"`
}

// PeerMetadata is the capability advertisement attached to every peer.
type PeerMetadata struct {
	Encryption  EncryptionMetadata  `cbor:"encryption" json:"encryption"`
	Compression CompressionMetadata `cbor:"compression" json:"compression"`
}

// Peer is one participant in a room.
type Peer struct {
	ID       string       `cbor:"id" json:"id"`
	Host     bool         `cbor:"host" json:"host"`
	Name     string       `cbor:"name" json:"name"`
	Email    string       `cbor:"email,omitempty" json:"email,omitempty"`
	Metadata PeerMetadata `cbor:"metadata" json:"metadata"`
}

// Folder is one root of a shared workspace.
type Folder struct {
	Name string `cbor:"name" json:"name"`
	URI  string `cbor:"uri" json:"uri"`
}

// Workspace describes what the host shares.
type Workspace struct {
	Name    string   `cbor:"name" json:"name"`
	Folders []Folder `cbor:"folders,omitempty" json:"folders,omitempty"`
}

// Permissions are advisory; consumers decide how to enforce them.
type Permissions struct {
	ReadOnly bool `cbor:"read_only" json:"read_only"`
}

// Capabilities lists optional protocol features the host enables.
type Capabilities struct {
	FileSystem bool `cbor:"file_system" json:"file_system"`
	Documents  bool `cbor:"documents" json:"documents"`
	Awareness  bool `cbor:"awareness" json:"awareness"`
}

// InitData is the complete room snapshot the host sends to a newly
// joined peer in peer/init.
type InitData struct {
	Protocol     int          `cbor:"protocol" json:"protocol"`
	Host         Peer         `cbor:"host" json:"host"`
	Guests       []Peer       `cbor:"guests" json:"guests"`
	Permissions  Permissions  `cbor:"permissions" json:"permissions"`
	Capabilities Capabilities `cbor:"capabilities" json:"capabilities"`
	Workspace    Workspace    `cbor:"workspace" json:"workspace"`
}

// JoinRequest is relayed to the host as the single param of peer/join.
type JoinRequest struct {
	User User `cbor:"user" json:"user"`
}

// JoinResponse is the host's answer to peer/join. A nil Workspace
// declines the join.
type JoinResponse struct {
	Workspace *Workspace `cbor:"workspace,omitempty" json:"workspace,omitempty"`
}

// RoomClaim is returned to the application by create and join. Host is
// set on join claims so the guest can register the host's key before
// any sealed traffic arrives.
type RoomClaim struct {
	RoomID     string    `cbor:"room_id" json:"room_id"`
	RoomToken  string    `cbor:"room_token" json:"room_token"`
	LoginToken string    `cbor:"login_token,omitempty" json:"login_token,omitempty"`
	Workspace  Workspace `cbor:"workspace" json:"workspace"`
	Host       *Peer     `cbor:"host,omitempty" json:"host,omitempty"`
}

// CreateRoomRequest is the body of the relay's create call.
type CreateRoomRequest struct {
	User      User         `json:"user"`
	Metadata  PeerMetadata `json:"metadata"`
	Workspace Workspace    `json:"workspace"`
}

// JoinRoomRequest is the body of the relay's join call.
type JoinRoomRequest struct {
	User     User         `json:"user"`
	Metadata PeerMetadata `json:"metadata"`
}

// PeerInfo is the relay's peer/info notification: the local peer's
// assigned identity.
type PeerInfo struct {
	Peer   Peer   `cbor:"peer" json:"peer"`
	RoomID string `cbor:"room_id" json:"room_id"`
}

// FileType classifies a workspace entry.
type FileType int

const (
	FileTypeUnknown   FileType = 0
	FileTypeFile      FileType = 1
	FileTypeDirectory FileType = 2
	FileTypeSymlink   FileType = 64
)

// FileSystemStat describes a workspace entry. Times are Unix
// milliseconds.
type FileSystemStat struct {
	Type  FileType `cbor:"type" json:"type"`
	Mtime int64    `cbor:"mtime" json:"mtime"`
	Ctime int64    `cbor:"ctime" json:"ctime"`
	Size  int64    `cbor:"size" json:"size"`
}

// DirectoryEntries maps entry names to their types.
type DirectoryEntries map[string]FileType

// FileData is the payload of fs/readFile and fs/writeFile.
type FileData struct {
	Content []byte `cbor:"content" json:"content"`
}

// FileChangeType describes a workspace change.
type FileChangeType int

const (
	FileChanged FileChangeType = 1
	FileCreated FileChangeType = 2
	FileDeleted FileChangeType = 3
)

// FileChangeEvent is broadcast by the host in fs/change.
type FileChangeEvent struct {
	Type FileChangeType `cbor:"type" json:"type"`
	Path string         `cbor:"path" json:"path"`
}

// WriteOptions qualify fs/writeFile.
type WriteOptions struct {
	Create    bool `cbor:"create" json:"create"`
	Overwrite bool `cbor:"overwrite" json:"overwrite"`
}

// DeleteOptions qualify fs/delete.
type DeleteOptions struct {
	Recursive bool `cbor:"recursive" json:"recursive"`
}

// RenameOptions qualify fs/rename.
type RenameOptions struct {
	Overwrite bool `cbor:"overwrite" json:"overwrite"`
}

// TextEdit replaces the runes in [StartOffset, EndOffset) with Text.
// Offsets count Unicode code points. An EndOffset less than or equal to
// StartOffset (including the zero value) makes the edit a pure
// insertion at StartOffset; an empty Text with a non-empty range is a
// pure deletion.
type TextEdit struct {
	StartOffset int    `cbor:"start" json:"start"`
	EndOffset   int    `cbor:"end,omitempty" json:"end,omitempty"`
	Text        string `cbor:"text,omitempty" json:"text,omitempty"`
}

// End returns the effective end of the replaced range.
func (e TextEdit) End() int {
	if e.EndOffset < e.StartOffset {
		return e.StartOffset
	}
	return e.EndOffset
}

// SelectionDirection records which end of a selection holds the caret.
type SelectionDirection int

const (
	SelectionForward  SelectionDirection = 0
	SelectionBackward SelectionDirection = 1
)

// SelectionRange is a selection in absolute rune offsets.
type SelectionRange struct {
	Start     int                `cbor:"start" json:"start"`
	End       int                `cbor:"end" json:"end"`
	Direction SelectionDirection `cbor:"direction" json:"direction"`
}

// PeerSelection is one remote peer's resolved selections in a document.
type PeerSelection struct {
	PeerID     string           `json:"peer_id"`
	Name       string           `json:"name"`
	Selections []SelectionRange `json:"selections"`
}
