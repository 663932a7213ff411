// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspacefs shares the host's workspace directory with guests
// over the fs/* methods.
//
// The host calls [Serve] with its session connection and the directory
// to expose. Every request path is slash-separated and relative to that
// directory; resolution goes through an [os.Root], so a path can never
// reach outside it, including through symlinks. While the room is
// read-only every mutating request fails with permission_denied.
// Successful mutations are broadcast to all peers as fs/change.
//
// Guests use [Client], which wraps each method in a typed call to the
// host and delivers fs/change batches to [Client.OnChange] subscribers.
// Remote failures keep their protocol error code, so callers test them
// with [protocol.IsApplicationError]:
//
//	data, err := client.ReadFile(ctx, "src/main.go")
//	if protocol.IsApplicationError(err, protocol.CodeNotFound) {
//	    ...
//	}
package workspacefs
