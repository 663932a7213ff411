// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"unicode/utf8"

	"github.com/bureau-foundation/cowork/lib/codec"
)

// OpKind distinguishes insert and delete operations.
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// maxDeleteRun bounds Op.Length so a hostile update cannot make a
// replica expand one op into an unbounded number of deletions.
const maxDeleteRun = 1 << 20

// Op is one run-length encoded operation.
//
// An insert carries a run of runes in Content created by one client
// with consecutive clocks and Lamport timestamps starting at ID and
// Lamport; the first rune follows Origin (nil for the start of the
// text) and each later rune follows its predecessor.
//
// A delete removes Length items of one client with consecutive clocks
// starting at ID.
type Op struct {
	Kind    OpKind `cbor:"1,keyasint"`
	Text    string `cbor:"2,keyasint"`
	ID      ID     `cbor:"3,keyasint"`
	Lamport uint64 `cbor:"4,keyasint,omitempty"`
	Origin  *ID    `cbor:"5,keyasint,omitempty"`
	Content string `cbor:"6,keyasint,omitempty"`
	Length  int    `cbor:"7,keyasint,omitempty"`
}

// Update is a batch of operations exchanged between replicas.
type Update struct {
	Ops []Op `cbor:"1,keyasint"`
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool { return len(u.Ops) == 0 }

// EncodeUpdate serializes an update.
func EncodeUpdate(update Update) ([]byte, error) {
	return codec.Marshal(update)
}

// DecodeUpdate parses an update. It checks the encoding only; op
// validity is checked when the update is applied.
func DecodeUpdate(data []byte) (Update, error) {
	var update Update
	if err := codec.Unmarshal(data, &update); err != nil {
		return Update{}, fmt.Errorf("crdt: decoding update: %w", err)
	}
	return update, nil
}

var errMalformedOp = errors.New("malformed op")

func validate(op Op) error {
	if op.Text == "" {
		return fmt.Errorf("%w: empty text name", errMalformedOp)
	}
	switch op.Kind {
	case OpInsert:
		if op.Content == "" {
			return fmt.Errorf("%w: insert without content", errMalformedOp)
		}
		if !utf8.ValidString(op.Content) {
			return fmt.Errorf("%w: insert content is not UTF-8", errMalformedOp)
		}
		if op.Lamport == 0 {
			return fmt.Errorf("%w: insert without timestamp", errMalformedOp)
		}
		if op.Origin != nil && op.Origin.Client == op.ID.Client && op.Origin.Clock >= op.ID.Clock {
			return fmt.Errorf("%w: insert follows its own future", errMalformedOp)
		}
	case OpDelete:
		if op.Length <= 0 || op.Length > maxDeleteRun {
			return fmt.Errorf("%w: delete length %d", errMalformedOp, op.Length)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", errMalformedOp, op.Kind)
	}
	return nil
}

// unit is a single-item operation waiting to be integrated.
type unit struct {
	kind    OpKind
	text    string
	id      ID
	lamport uint64
	origin  *ID
	value   rune
}

// expand splits a validated op into single-item units.
func expand(op Op) []unit {
	switch op.Kind {
	case OpInsert:
		units := make([]unit, 0, utf8.RuneCountInString(op.Content))
		origin := op.Origin
		offset := uint64(0)
		for _, value := range op.Content {
			id := ID{Client: op.ID.Client, Clock: op.ID.Clock + offset}
			units = append(units, unit{
				kind:    OpInsert,
				text:    op.Text,
				id:      id,
				lamport: op.Lamport + offset,
				origin:  origin,
				value:   value,
			})
			origin = &id
			offset++
		}
		return units
	case OpDelete:
		units := make([]unit, op.Length)
		for offset := range op.Length {
			units[offset] = unit{
				kind: OpDelete,
				text: op.Text,
				id:   ID{Client: op.ID.Client, Clock: op.ID.Clock + uint64(offset)},
			}
		}
		return units
	}
	return nil
}

// insertOps run-length encodes items, which must be in an order that
// integrates cleanly (each item after its origin).
func insertOps(items []*item) []Op {
	var ops []Op
	var previous *item
	for _, it := range items {
		if previous != nil && extends(&ops[len(ops)-1], previous, it) {
			ops[len(ops)-1].Content += string(it.value)
			previous = it
			continue
		}
		op := Op{
			Kind:    OpInsert,
			Text:    it.text.name,
			ID:      it.id,
			Lamport: it.lamport,
			Content: string(it.value),
		}
		if it.origin != nil {
			origin := *it.origin
			op.Origin = &origin
		}
		ops = append(ops, op)
		previous = it
	}
	return ops
}

func extends(op *Op, previous, next *item) bool {
	return op.Text == next.text.name &&
		next.id.Client == previous.id.Client &&
		next.id.Clock == previous.id.Clock+1 &&
		next.lamport == previous.lamport+1 &&
		next.origin != nil && *next.origin == previous.id
}

// deleteOps run-length encodes deleted item ids per text.
func deleteOps(deleted map[string][]ID) []Op {
	var ops []Op
	for _, name := range slices.Sorted(maps.Keys(deleted)) {
		ids := slices.Clone(deleted[name])
		slices.SortFunc(ids, compareIDs)
		for _, id := range ids {
			if last := len(ops) - 1; last >= 0 {
				op := &ops[last]
				if op.Text == name && op.ID.Client == id.Client && op.ID.Clock+uint64(op.Length) == id.Clock {
					op.Length++
					continue
				}
			}
			ops = append(ops, Op{Kind: OpDelete, Text: name, ID: id, Length: 1})
		}
	}
	return ops
}
