// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package crdt implements the replicated text that shared documents are
// built on, plus the ephemeral awareness map used for presence.
//
// A [Doc] holds any number of named [Text] sequences. Each text is a
// replicated growable array (RGA): every inserted rune is an item with a
// globally unique [ID], a Lamport timestamp, and a left origin (the item
// it was inserted after). Deleted items stay in the sequence as
// tombstones so that positions referenced by concurrent operations and
// by [Anchor] values remain resolvable. Concurrent inserts after the
// same origin are ordered by (Lamport, Client) descending, which makes
// integration deterministic on every replica.
//
// All mutation happens inside [Doc.Transact] (local edits) or
// [Doc.ApplyUpdate] (remote edits). Observers registered with
// [Doc.Observe] receive one [TextEvent] per touched text after the
// transaction commits, with the change expressed as a [Delta] of
// retain/insert/delete runs relative to the text before the
// transaction. [DeltaToEdits] turns a delta into offset edits an editor
// can apply.
//
// Replicas exchange [Update] values encoded with lib/codec. Applying an
// update is idempotent and never fails: duplicates are skipped,
// operations whose dependencies have not arrived yet are buffered until
// they do, and malformed operations are logged and dropped.
//
// [Awareness] is a last-writer-wins map from peer id to an opaque state
// value. It is not part of the document and is never persisted.
package crdt
