// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Cowork-relay routes sealed frames between the peers of collaboration
// rooms. It serves the room HTTP API, upgrades peer connections to
// WebSockets, and exports Prometheus metrics. It never sees message
// content: everything but its own control messages is encrypted to the
// receiving peers.
package main
