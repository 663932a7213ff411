// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds a peer's Curve25519 private key and the
// passphrases that unlock sealed identity files.
//
// A [Buffer] lives in an anonymous mmap region outside the Go heap, so
// the garbage collector never copies it. The region is locked against
// swap and excluded from core dumps where the kernel allows it, and it
// is zeroed and unmapped on Close. Access after Close panics.
package secret
