// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import "errors"

var (
	// ErrTimeout rejects a request that got no response within the
	// request timeout.
	ErrTimeout = errors.New("connection: request timed out")

	// ErrDisconnected rejects requests outstanding when the transport
	// reported link loss.
	ErrDisconnected = errors.New("connection: transport disconnected")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("connection: closed")
)
