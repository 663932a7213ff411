// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"cmp"
	"fmt"
)

// ID identifies one inserted rune. Clock counts the items a client has
// created, starting at zero, so a client's items form a gapless
// sequence.
type ID struct {
	Client uint64 `cbor:"1,keyasint"`
	Clock  uint64 `cbor:"2,keyasint"`
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func compareIDs(a, b ID) int {
	if c := cmp.Compare(a.Client, b.Client); c != 0 {
		return c
	}
	return cmp.Compare(a.Clock, b.Clock)
}

// StateVector records, per client, how many of its items a replica has
// integrated.
type StateVector map[uint64]uint64

// Contains reports whether the item id is covered by the vector.
func (sv StateVector) Contains(id ID) bool {
	return id.Clock < sv[id.Client]
}

// item is one rune in a text sequence.
type item struct {
	id      ID
	lamport uint64
	origin  *ID
	value   rune
	deleted bool
	text    *Text
}

// outranks reports whether a sorts before b when both were inserted
// after the same origin.
func (a *item) outranks(b *item) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Client > b.id.Client
}
