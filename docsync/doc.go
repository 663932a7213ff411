// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package docsync keeps the open documents of a room consistent across
// peers and publishes each peer's selections.
//
// A [Synchronizer] binds one [crdt.Doc] to a [room.Session]. Each open
// document path is a text in that doc. Local edits from the editor
// integration go through [Synchronizer.ApplyLocalEdit], which applies a
// batch atomically and broadcasts the resulting update. Remote updates
// are merged into the doc and reported to [Synchronizer.OnRemoteEdits]
// as offset edits in the local coordinate space; the synchronizer never
// reports a peer's own edits back to it.
//
// The host owns document contents: it seeds a document the first time
// it opens it, and a guest opening a document asks the host for it and
// treats it as populated once the host's state arrives.
//
// Selections travel through [crdt.Awareness] as anchors into the text
// so they stay attached to the right characters while edits are in
// flight. Every peer resolves the anchors of the others into its own
// offsets and reports a document's selections only when the resolved
// result changed.
//
// Peers recover from missed broadcasts by exchanging state vectors:
// on start, on reconnect, and optionally on a timer.
package docsync
