// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every cowork
// wire structure: relay frames, sealed message content, CRDT updates
// and awareness updates.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2). Sealed
// frames authenticate their header bytes as additional data, so the
// same header must always serialize to the same bytes on every peer.
//
//	data, err := codec.Marshal(frame)
//	err = codec.Unmarshal(data, &frame)
//
// Message parameters travel as [RawMessage] values so the connection
// layer can route a message without knowing the parameter types; the
// handler that owns a method decodes them.
//
// Types that only ever travel inside the protocol use `cbor` tags.
// Types that are also handed to editor integrations as JSON use `json`
// tags, which fxamacker/cbor reads as a fallback.
package codec
