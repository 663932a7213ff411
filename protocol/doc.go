// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the vocabulary shared by cowork peers and the
// relay: participant and room types, the method names carried in message
// envelopes, and the error taxonomy.
//
// Types carry both cbor and json tags. Peers exchange them as CBOR inside
// sealed frames; the relay's HTTP API and editor integrations use JSON.
//
// Errors fall into four families:
//
//   - [TransportError]: the underlying channel failed. Triggers
//     disconnect handling; never fatal to the process.
//   - [EncryptionError]: wraps [ErrUnknownPeer] or [ErrDecryptionFailure].
//     Always surfaced to the caller of the failing send or receive.
//   - [ProtocolError]: a malformed envelope or a method nobody handles.
//     The offending message is dropped and the connection stays up.
//   - [ApplicationError]: a typed outcome such as a declined join or a
//     denied write, returned as a value the UI can present directly.
//
// A request handler that fails on the far side surfaces locally as a
// [RemoteError].
package protocol
