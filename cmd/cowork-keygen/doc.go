// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cowork-keygen creates the long-lived identity a peer advertises in
// its metadata. The private key is sealed with a passphrase and written
// to a file; the public key and its fingerprint are printed so they can
// be compared out of band. With --inspect it opens an existing identity
// and prints the same information.
package main
