// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"fmt"
	"strings"
)

// Text is one named replicated sequence of runes inside a Doc. Reads
// lock the document; inside a transaction use the Transaction methods
// instead.
type Text struct {
	doc     *Doc
	name    string
	items   []*item
	visible int

	// last is the slice index of the most recently integrated item, a
	// hint that makes appending a run linear instead of quadratic.
	last int
}

// Name returns the text's name within its document.
func (t *Text) Name() string { return t.name }

// String returns the current content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.content()
}

// Len returns the current length in runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.visible
}

// Anchor is a position that follows the item it references as the
// text changes around it. A nil Item anchors the end of the text.
type Anchor struct {
	Text string `cbor:"1,keyasint"`
	Item *ID    `cbor:"2,keyasint,omitempty"`
}

// Anchor returns an anchor for offset index. The anchor references the
// rune currently at index, or the end of the text when index equals
// the length.
func (t *Text) Anchor(index int) (Anchor, error) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	if index < 0 || index > t.visible {
		return Anchor{}, &RangeError{Text: t.name, Offset: index, Length: t.visible}
	}
	if index == t.visible {
		return Anchor{Text: t.name}, nil
	}
	id := t.items[t.position(index)].id
	return Anchor{Text: t.name, Item: &id}, nil
}

// Resolve returns the current offset of anchor. An anchor whose rune
// was deleted resolves to where the rune would be. It reports false
// when the anchor belongs to another text or references a rune this
// replica has not received yet.
func (t *Text) Resolve(anchor Anchor) (int, bool) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	if anchor.Text != t.name {
		return 0, false
	}
	if anchor.Item == nil {
		return t.visible, true
	}
	offset := 0
	for _, it := range t.items {
		if it.id == *anchor.Item {
			return offset, true
		}
		if !it.deleted {
			offset++
		}
	}
	return 0, false
}

func (t *Text) content() string {
	var builder strings.Builder
	builder.Grow(t.visible)
	for _, it := range t.items {
		if !it.deleted {
			builder.WriteRune(it.value)
		}
	}
	return builder.String()
}

// position returns the slice index of the visible rune at offset, or
// len(items) when offset is the length.
func (t *Text) position(offset int) int {
	seen := 0
	for index, it := range t.items {
		if it.deleted {
			continue
		}
		if seen == offset {
			return index
		}
		seen++
	}
	return len(t.items)
}

func (t *Text) indexOf(id ID) int {
	for index, it := range t.items {
		if it.id == id {
			return index
		}
	}
	return -1
}

// integrate places it after its origin, skipping concurrent siblings
// that outrank it.
func (t *Text) integrate(it *item) {
	index := 0
	if it.origin != nil {
		if t.last < len(t.items) && t.items[t.last].id == *it.origin {
			index = t.last + 1
		} else {
			index = t.indexOf(*it.origin) + 1
		}
	}
	for index < len(t.items) && t.items[index].outranks(it) {
		index++
	}
	t.items = append(t.items, nil)
	copy(t.items[index+1:], t.items[index:])
	t.items[index] = it
	t.last = index
	it.text = t
	if !it.deleted {
		t.visible++
	}
}

// RangeError reports an offset outside a text.
type RangeError struct {
	Text   string
	Offset int
	Length int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("crdt: offset %d out of range for %q (length %d)", e.Offset, e.Text, e.Length)
}
