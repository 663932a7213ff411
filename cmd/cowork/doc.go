// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cowork is a headless collaboration peer. "cowork host" opens a room
// through a relay and shares a directory: guests can browse and edit
// its files and co-edit documents. "cowork join" enters a room, lists
// the shared workspace, and follows a document, printing every remote
// change and peer selection as it arrives.
package main
