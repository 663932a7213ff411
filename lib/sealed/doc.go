// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed protects peer identity files at rest with
// filippo.io/age.
//
// A peer's Curve25519 private key is long-lived: the same identity is
// reused across rooms so that hosts can recognise returning guests by
// key fingerprint. The identity file on disk is an ASCII-armored age
// file sealed either to a passphrase (scrypt) or to one or more age
// X25519 recipients, for example an operator escrow key.
//
// Decrypted plaintext is returned in a [secret.Buffer] and the caller
// must Close it.
package sealed
