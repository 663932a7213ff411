// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package room

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("room: session closed")

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("room: cannot %s in state %s", e.Op, e.State)
}
