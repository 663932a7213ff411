// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package crdt

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/zeebo/blake3"
)

var (
	// ErrTransactionDone is returned by Transaction methods called after
	// the transaction committed.
	ErrTransactionDone = errors.New("crdt: transaction already committed")

	// ErrForeignText is returned when a transaction is given a Text that
	// belongs to another document.
	ErrForeignText = errors.New("crdt: text belongs to another document")
)

// maxPending bounds the buffer of operations waiting for their
// dependencies. The oldest are dropped first; a later resync delivers
// them again.
const maxPending = 1 << 16

// Config holds the dependencies of a Doc.
type Config struct {
	// Client identifies the items this replica creates. Zero picks a
	// random id.
	Client uint64
	Logger *slog.Logger
}

// TextEvent reports the committed change to one text.
type TextEvent struct {
	Text   string
	Delta  Delta
	Origin any
	// Local is true for changes made through Transact and false for
	// changes applied from remote updates.
	Local bool
}

// UpdateEvent carries the encoded operations a transaction integrated.
type UpdateEvent struct {
	Update []byte
	Origin any
	Local  bool
}

// Doc is a set of named replicated texts. It is safe for concurrent
// use.
type Doc struct {
	client uint64
	logger *slog.Logger

	mu      sync.Mutex
	texts   map[string]*Text
	index   map[ID]*item
	clocks  StateVector
	lamport uint64
	log     []*item
	pending []unit

	// emitting serializes observer delivery in commit order. It is
	// acquired before mu is released so events never overtake each
	// other.
	emitting        sync.Mutex
	textObservers   observers[TextEvent]
	updateObservers observers[UpdateEvent]
}

// New creates an empty document.
func New(config Config) *Doc {
	if config.Logger == nil {
		panic("crdt.New: Logger is required")
	}
	client := config.Client
	for client == 0 {
		client = rand.Uint64()
	}
	return &Doc{
		client: client,
		logger: config.Logger.With("client", client),
		texts:  make(map[string]*Text),
		index:  make(map[ID]*item),
		clocks: make(StateVector),
	}
}

// Client returns the replica's client id.
func (d *Doc) Client() uint64 { return d.client }

// Text returns the text called name, creating it if needed.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text(name)
}

func (d *Doc) text(name string) *Text {
	text, ok := d.texts[name]
	if !ok {
		text = &Text{doc: d, name: name}
		d.texts[name] = text
	}
	return text
}

// Texts returns the names of all texts, sorted.
func (d *Doc) Texts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.texts))
}

// Observe registers fn for text changes. Observers run after commit,
// one call per changed text in name order, and must not start
// transactions on the same document synchronously.
func (d *Doc) Observe(fn func(TextEvent)) (cancel func()) {
	return d.textObservers.add(fn)
}

// OnUpdate registers fn for the encoded operations of each transaction
// that integrated any.
func (d *Doc) OnUpdate(fn func(UpdateEvent)) (cancel func()) {
	return d.updateObservers.add(fn)
}

// Transaction groups mutations so observers see them as one change.
type Transaction struct {
	doc    *Doc
	origin any
	local  bool
	done   bool

	inserted      map[ID]bool
	deleted       map[ID]bool // visible before the transaction began
	touched       map[string]*Text
	insertedOrder []*item
	deletedIDs    map[string][]ID
}

// Origin returns the value passed to Transact or ApplyUpdate.
func (tx *Transaction) Origin() any { return tx.origin }

// Transact runs fn with the document locked and commits its mutations
// atomically. Mutations made before fn returns an error are kept; fn
// should validate before mutating.
func (d *Doc) Transact(origin any, fn func(*Transaction) error) error {
	d.mu.Lock()
	tx := d.begin(origin, true)
	committed := false
	defer func() {
		if !committed {
			tx.done = true
			d.mu.Unlock()
		}
	}()
	err := fn(tx)
	committed = true
	d.commit(tx)
	return err
}

func (d *Doc) begin(origin any, local bool) *Transaction {
	return &Transaction{
		doc:        d,
		origin:     origin,
		local:      local,
		inserted:   make(map[ID]bool),
		deleted:    make(map[ID]bool),
		touched:    make(map[string]*Text),
		deletedIDs: make(map[string][]ID),
	}
}

// commit releases d.mu and delivers the transaction's events.
func (d *Doc) commit(tx *Transaction) {
	tx.done = true
	var events []TextEvent
	for _, name := range slices.Sorted(maps.Keys(tx.touched)) {
		delta := tx.touched[name].delta(tx)
		if len(delta) == 0 {
			continue
		}
		events = append(events, TextEvent{Text: name, Delta: delta, Origin: tx.origin, Local: tx.local})
	}
	var encoded []byte
	ops := append(insertOps(tx.insertedOrder), deleteOps(tx.deletedIDs)...)
	if len(ops) > 0 {
		var err error
		encoded, err = EncodeUpdate(Update{Ops: ops})
		if err != nil {
			d.logger.Error("encoding transaction update", "error", err)
			encoded = nil
		}
	}

	d.emitting.Lock()
	defer d.emitting.Unlock()
	d.mu.Unlock()

	for _, event := range events {
		d.textObservers.emit(event)
	}
	if encoded != nil {
		d.updateObservers.emit(UpdateEvent{Update: encoded, Origin: tx.origin, Local: tx.local})
	}
}

func (tx *Transaction) check(text *Text) error {
	if tx.done {
		return ErrTransactionDone
	}
	if text.doc != tx.doc {
		return ErrForeignText
	}
	return nil
}

// Text returns the text called name, creating it if needed. Use it
// instead of Doc.Text inside a transaction.
func (tx *Transaction) Text(name string) *Text { return tx.doc.text(name) }

// Len returns the length of text in runes as seen inside the
// transaction.
func (tx *Transaction) Len(text *Text) int { return text.visible }

// String returns the content of text as seen inside the transaction.
func (tx *Transaction) String(text *Text) string { return text.content() }

// Insert inserts content at rune offset index.
func (tx *Transaction) Insert(text *Text, index int, content string) error {
	if err := tx.check(text); err != nil {
		return err
	}
	if index < 0 || index > text.visible {
		return &RangeError{Text: text.name, Offset: index, Length: text.visible}
	}
	if content == "" {
		return nil
	}
	d := tx.doc
	var origin *ID
	if index > 0 {
		id := text.items[text.position(index-1)].id
		origin = &id
	}
	for _, value := range content {
		d.lamport++
		it := &item{
			id:      ID{Client: d.client, Clock: d.clocks[d.client]},
			lamport: d.lamport,
			origin:  origin,
			value:   value,
		}
		d.clocks[d.client]++
		text.integrate(it)
		tx.record(it)
		id := it.id
		origin = &id
	}
	return nil
}

// Delete removes length runes starting at rune offset index.
func (tx *Transaction) Delete(text *Text, index, length int) error {
	if err := tx.check(text); err != nil {
		return err
	}
	if index < 0 || index > text.visible || length < 0 || length > text.visible-index {
		return &RangeError{Text: text.name, Offset: index, Length: text.visible}
	}
	if length == 0 {
		return nil
	}
	for position, removed := text.position(index), 0; removed < length; position++ {
		it := text.items[position]
		if it.deleted {
			continue
		}
		tx.remove(it)
		removed++
	}
	return nil
}

func (tx *Transaction) record(it *item) {
	d := tx.doc
	d.index[it.id] = it
	d.log = append(d.log, it)
	tx.inserted[it.id] = true
	tx.insertedOrder = append(tx.insertedOrder, it)
	tx.touched[it.text.name] = it.text
}

func (tx *Transaction) remove(it *item) {
	it.deleted = true
	it.text.visible--
	if !tx.inserted[it.id] {
		tx.deleted[it.id] = true
	}
	tx.deletedIDs[it.text.name] = append(tx.deletedIDs[it.text.name], it.id)
	tx.touched[it.text.name] = it.text
}

// delta describes the transaction's change to t relative to the text
// before the transaction.
func (t *Text) delta(tx *Transaction) Delta {
	var delta Delta
	for _, it := range t.items {
		switch {
		case tx.inserted[it.id]:
			if !it.deleted {
				delta = delta.insert(string(it.value))
			}
		case tx.deleted[it.id]:
			delta = delta.delete(1)
		case !it.deleted:
			delta = delta.retain(1)
		}
	}
	return delta.trim()
}

// ApplyUpdate integrates a remote update. It never fails: malformed
// input is logged and skipped, operations already integrated are
// ignored, and operations whose dependencies are missing wait until a
// later update supplies them.
func (d *Doc) ApplyUpdate(data []byte, origin any) {
	update, err := DecodeUpdate(data)
	if err != nil {
		d.logger.Warn("discarding malformed update", "origin", origin, "error", err)
		return
	}
	var units []unit
	for _, op := range update.Ops {
		if err := validate(op); err != nil {
			d.logger.Warn("skipping malformed op", "origin", origin, "op_id", op.ID.String(), "error", err)
			continue
		}
		units = append(units, expand(op)...)
	}

	d.mu.Lock()
	tx := d.begin(origin, false)
	d.integrateUnits(tx, units)
	d.commit(tx)
}

type unitOutcome int

const (
	unitApplied unitOutcome = iota
	unitSkipped
	unitBlocked
)

func (d *Doc) integrateUnits(tx *Transaction, units []unit) {
	queue := append(d.pending, units...)
	d.pending = nil
	for len(queue) > 0 {
		progress := false
		remaining := queue[:0]
		for _, u := range queue {
			switch d.applyUnit(tx, u) {
			case unitApplied:
				progress = true
			case unitBlocked:
				remaining = append(remaining, u)
			}
		}
		queue = remaining
		if !progress {
			break
		}
	}
	if len(queue) > maxPending {
		d.logger.Warn("dropping buffered ops with missing dependencies", "dropped", len(queue)-maxPending)
		queue = slices.Clone(queue[len(queue)-maxPending:])
	}
	d.pending = queue
}

func (d *Doc) applyUnit(tx *Transaction, u unit) unitOutcome {
	switch u.kind {
	case OpInsert:
		next := d.clocks[u.id.Client]
		if u.id.Clock < next {
			return unitSkipped
		}
		if u.id.Clock > next {
			return unitBlocked
		}
		text := d.text(u.text)
		if u.origin != nil {
			origin, ok := d.index[*u.origin]
			if !ok {
				return unitBlocked
			}
			if origin.text != text {
				d.logger.Warn("skipping insert anchored in another text", "op_id", u.id.String(), "text", u.text)
				return unitSkipped
			}
		}
		it := &item{id: u.id, lamport: u.lamport, origin: u.origin, value: u.value}
		text.integrate(it)
		d.clocks[u.id.Client]++
		d.lamport = max(d.lamport, u.lamport)
		tx.record(it)
		return unitApplied
	case OpDelete:
		it, ok := d.index[u.id]
		if !ok {
			return unitBlocked
		}
		if it.text.name != u.text {
			d.logger.Warn("skipping delete of item in another text", "op_id", u.id.String(), "text", u.text)
			return unitSkipped
		}
		if it.deleted {
			return unitSkipped
		}
		tx.remove(it)
		return unitApplied
	}
	return unitSkipped
}

// Pending returns the number of buffered operations waiting for their
// dependencies.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// StateVector returns a copy of the replica's state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.clocks)
}

// EncodeStateAsUpdate encodes every insert not covered by remote plus
// the complete delete set. A nil remote encodes the whole document.
func (d *Doc) EncodeStateAsUpdate(remote StateVector) ([]byte, error) {
	d.mu.Lock()
	var items []*item
	for _, it := range d.log {
		if !remote.Contains(it.id) {
			items = append(items, it)
		}
	}
	deleted := make(map[string][]ID)
	for name, text := range d.texts {
		for _, it := range text.items {
			if it.deleted {
				deleted[name] = append(deleted[name], it.id)
			}
		}
	}
	ops := append(insertOps(items), deleteOps(deleted)...)
	d.mu.Unlock()
	return EncodeUpdate(Update{Ops: ops})
}

// Digest returns a BLAKE3 hash of the visible content of every
// non-empty text. Replicas that converged have equal digests.
func (d *Doc) Digest() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	hasher := blake3.New()
	for _, name := range slices.Sorted(maps.Keys(d.texts)) {
		text := d.texts[name]
		if text.visible == 0 {
			continue
		}
		hasher.Write([]byte(name))
		hasher.Write([]byte{0})
		hasher.Write([]byte(text.content()))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
