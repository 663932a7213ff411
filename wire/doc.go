// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire converts logical messages into authenticated frames and
// back, and keeps the registry of peer public keys that makes that
// possible.
//
// # Frames
//
// A [Frame] is a CBOR map with a cleartext header (version, kind, id,
// origin, target) that the relay reads for routing, and either a sealed
// body or, for relay control traffic only, a plaintext body.
//
// # Sealing
//
// Each sealed frame has a fresh random 32-byte content key. The
// CBOR-encoded (and possibly compressed) content is encrypted with
// XChaCha20-Poly1305 under that key, with the encoded header as
// associated data so the relay cannot reroute or relabel a frame. The
// content key is then sealed once per recipient with NaCl box (the
// sender's Curve25519 private key and the recipient's public key),
// giving each recipient a key slot. A targeted frame has one slot; a
// broadcast has one slot per registered peer except the sender.
//
// Opening a frame requires the origin's public key in the [Registry]
// ([protocol.ErrUnknownPeer] otherwise) and a slot for the local peer.
// Any authentication failure is [protocol.ErrDecryptionFailure]; there is
// no fallback to unauthenticated content.
//
// # Compression
//
// The sender compresses with the first algorithm in its preference list
// that every recipient advertises (see lib/compress). Small payloads
// are sent uncompressed.
package wire
