// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for cowork packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the timeout
// safety valve pattern (select with a wall-clock fallback) so individual
// tests do not call time.After directly. Protocol timing in tests goes
// through lib/clock's Fake; these helpers only stop a broken test from
// hanging forever.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation: room names, workspace paths, message bodies.
//
// [TempWorkspace] creates a populated directory tree for the workspace
// filesystem tests.
//
// All helpers call t.Fatalf on failure.
package testutil
