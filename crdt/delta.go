// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"unicode/utf8"

	"github.com/bureau-foundation/cowork/protocol"
)

// DeltaOp is one run of a Delta. Exactly one field is non-zero.
type DeltaOp struct {
	Retain int    `json:"retain,omitempty"`
	Insert string `json:"insert,omitempty"`
	Delete int    `json:"delete,omitempty"`
}

// Delta describes a change to a text as runs walked from offset zero
// of the text before the change. Trailing retains are omitted.
type Delta []DeltaOp

func (d Delta) retain(n int) Delta {
	if last := len(d) - 1; last >= 0 && d[last].Retain > 0 {
		d[last].Retain += n
		return d
	}
	return append(d, DeltaOp{Retain: n})
}

func (d Delta) insert(s string) Delta {
	if last := len(d) - 1; last >= 0 && d[last].Insert != "" {
		d[last].Insert += s
		return d
	}
	return append(d, DeltaOp{Insert: s})
}

func (d Delta) delete(n int) Delta {
	if last := len(d) - 1; last >= 0 && d[last].Delete > 0 {
		d[last].Delete += n
		return d
	}
	return append(d, DeltaOp{Delete: n})
}

func (d Delta) trim() Delta {
	if last := len(d) - 1; last >= 0 && d[last].Retain > 0 {
		return d[:last]
	}
	return d
}

// DeltaToEdits translates a delta into edits against the text as it
// was before the change. The edits must be applied in list order: each
// edit's offsets account for the edits before it. A delete immediately
// followed by an insert, or the reverse, becomes one replacing
// edit.
func DeltaToEdits(delta Delta) []protocol.TextEdit {
	var edits []protocol.TextEdit
	cursor := 0
	for index := 0; index < len(delta); index++ {
		op := delta[index]
		switch {
		case op.Retain > 0:
			cursor += op.Retain
		case op.Delete > 0:
			edit := protocol.TextEdit{StartOffset: cursor, EndOffset: cursor + op.Delete}
			if index+1 < len(delta) && delta[index+1].Insert != "" {
				index++
				edit.Text = delta[index].Insert
				cursor += utf8.RuneCountInString(edit.Text)
			}
			edits = append(edits, edit)
		case op.Insert != "":
			edit := protocol.TextEdit{StartOffset: cursor, EndOffset: cursor, Text: op.Insert}
			if index+1 < len(delta) && delta[index+1].Delete > 0 {
				index++
				edit.EndOffset = cursor + delta[index].Delete
			}
			edits = append(edits, edit)
			cursor += utf8.RuneCountInString(op.Insert)
		}
	}
	return edits
}

// ApplyEdits applies edits in list order to text, with offsets in
// runes. Out-of-range offsets are clamped. Editor integrations and
// tests use it to mirror a remote change into a plain string.
func ApplyEdits(text string, edits []protocol.TextEdit) string {
	runes := []rune(text)
	for _, edit := range edits {
		start := min(max(edit.StartOffset, 0), len(runes))
		end := min(max(edit.End(), start), len(runes))
		replaced := make([]rune, 0, len(runes)-(end-start)+utf8.RuneCountInString(edit.Text))
		replaced = append(replaced, runes[:start]...)
		replaced = append(replaced, []rune(edit.Text)...)
		replaced = append(replaced, runes[end:]...)
		runes = replaced
	}
	return string(runes)
}
