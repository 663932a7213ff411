// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import "errors"

var (
	// ErrNotStarted is returned by operations that need a started
	// synchronizer.
	ErrNotStarted = errors.New("docsync: synchronizer not started")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("docsync: synchronizer closed")

	// ErrNotOpen is returned for a path that was not opened.
	ErrNotOpen = errors.New("docsync: document not open")

	// ErrNotPopulated is returned when a guest edits a document whose
	// content has not arrived from the host yet.
	ErrNotPopulated = errors.New("docsync: document not populated yet")

	// ErrInvalidEdit is returned for edits outside the document or
	// overlapping another edit of the same batch.
	ErrInvalidEdit = errors.New("docsync: invalid edit")
)
