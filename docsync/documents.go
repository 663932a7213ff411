// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bureau-foundation/cowork/crdt"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/room"
)

// Document is an open document.
type Document struct {
	path      string
	text      *crdt.Text
	once      sync.Once
	populated chan struct{}
}

// Path returns the document's workspace path.
func (d *Document) Path() string { return d.path }

// Populated is closed once the document holds the host's content. On
// the host it is closed when the document is opened.
func (d *Document) Populated() <-chan struct{} { return d.populated }

// IsPopulated reports whether Populated is closed.
func (d *Document) IsPopulated() bool {
	select {
	case <-d.populated:
		return true
	default:
		return false
	}
}

// Text returns the current content.
func (d *Document) Text() string { return d.text.String() }

func (d *Document) markPopulated() {
	d.once.Do(func() { close(d.populated) })
}

func (s *Synchronizer) document(path string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documents[path]
}

// OpenDocument opens path for editing. On the host the document is
// seeded with initialText the first time it is opened, unless it
// already has content. On a guest initialText is ignored: the host is
// asked for the document and OpenDocument waits until its content
// arrives or ctx ends. The document stays open if the wait is cut
// short.
func (s *Synchronizer) OpenDocument(ctx context.Context, path, initialText string) (*Document, error) {
	conn, _ := s.link()
	if conn == nil {
		return nil, s.notRunning()
	}

	s.mu.Lock()
	document, existing := s.documents[path]
	if !existing {
		document = &Document{path: path, text: s.doc.Text(path), populated: make(chan struct{})}
		s.documents[path] = document
	}
	s.mu.Unlock()

	if s.session.IsHost() {
		if !existing {
			err := s.doc.Transact(s.session.LocalPeer().ID, func(tx *crdt.Transaction) error {
				if tx.Len(document.text) > 0 {
					return nil
				}
				return tx.Insert(document.text, 0, initialText)
			})
			if err != nil {
				return nil, fmt.Errorf("seeding %s: %w", path, err)
			}
		}
		document.markPopulated()
		return document, nil
	}

	if !existing {
		conn.SendNotification(protocol.MethodEditorOpen, s.session.Host().ID, path)
	}
	select {
	case <-document.populated:
		return document, nil
	case <-s.session.Closed():
		return document, room.ErrClosed
	case <-ctx.Done():
		return document, ctx.Err()
	}
}

// CloseDocument stops tracking path. A guest tells the host; its
// presence in the document is withdrawn.
func (s *Synchronizer) CloseDocument(path string) error {
	conn, awareness := s.link()
	if conn == nil {
		return s.notRunning()
	}
	s.mu.Lock()
	_, open := s.documents[path]
	delete(s.documents, path)
	s.mu.Unlock()
	if !open {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}

	if !s.session.IsHost() {
		conn.SendNotification(protocol.MethodEditorClose, s.session.Host().ID, path)
	}
	if current, ok := decodePresence(awareness.LocalState()); ok && current.Path == path {
		if err := awareness.SetLocalState(nil); err != nil {
			return err
		}
		s.broadcastPresence(conn, awareness)
	}
	return nil
}

// Documents returns the paths of open documents, sorted.
func (s *Synchronizer) Documents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.documents))
	for path := range s.documents {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

// Text returns the content of an open document.
func (s *Synchronizer) Text(path string) (string, bool) {
	document := s.document(path)
	if document == nil {
		return "", false
	}
	return document.Text(), true
}

// ApplyLocalEdit applies a batch of edits made by the local editor to
// path as one transaction and broadcasts it. Offsets refer to the
// document before the batch. Edits are applied in descending start
// order so earlier edits do not shift later ones; each becomes a delete
// of its range followed by an insert of its text. Edits must not
// overlap. Zero-length edits and empty documents are valid.
func (s *Synchronizer) ApplyLocalEdit(path string, edits []protocol.TextEdit) error {
	conn, _ := s.link()
	if conn == nil {
		return s.notRunning()
	}
	document := s.document(path)
	if document == nil {
		return fmt.Errorf("%w: %s", ErrNotOpen, path)
	}
	if !document.IsPopulated() {
		return fmt.Errorf("%w: %s", ErrNotPopulated, path)
	}
	if !s.session.IsHost() && s.session.Permissions().ReadOnly {
		return &protocol.ApplicationError{Code: protocol.CodePermissionDenied, Message: "the room is read-only"}
	}

	ordered := orderEdits(edits)
	return s.doc.Transact(s.session.LocalPeer().ID, func(tx *crdt.Transaction) error {
		text := document.text
		length := tx.Len(text)
		limit := length
		for _, edit := range ordered {
			if edit.StartOffset < 0 || edit.End() > limit {
				if edit.End() <= length && edit.StartOffset >= 0 {
					return fmt.Errorf("%w: [%d, %d) overlaps another edit", ErrInvalidEdit, edit.StartOffset, edit.End())
				}
				return fmt.Errorf("%w: [%d, %d) outside %s (length %d)", ErrInvalidEdit, edit.StartOffset, edit.End(), path, length)
			}
			limit = edit.StartOffset
		}
		for _, edit := range ordered {
			if err := tx.Delete(text, edit.StartOffset, edit.End()-edit.StartOffset); err != nil {
				return err
			}
			if err := tx.Insert(text, edit.StartOffset, edit.Text); err != nil {
				return err
			}
		}
		return nil
	})
}

// orderEdits sorts edits for back-to-front application: descending start,
// then ranges before insertions at the same start, then later edits
// first so insertions at one offset end up in batch order.
func orderEdits(edits []protocol.TextEdit) []protocol.TextEdit {
	indexes := make([]int, len(edits))
	for i := range indexes {
		indexes[i] = i
	}
	slices.SortFunc(indexes, func(i, j int) int {
		a, b := edits[i], edits[j]
		return cmp.Or(
			cmp.Compare(b.StartOffset, a.StartOffset),
			cmp.Compare(b.End(), a.End()),
			cmp.Compare(j, i),
		)
	})
	ordered := make([]protocol.TextEdit, len(edits))
	for position, index := range indexes {
		ordered[position] = edits[index]
	}
	return ordered
}

func (s *Synchronizer) notRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ErrNotStarted
}
