// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/crdt"
	"github.com/bureau-foundation/cowork/docsync"
	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/testutil"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/relay"
	"github.com/bureau-foundation/cowork/room"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

const (
	wait  = 5 * time.Second
	quiet = 200 * time.Millisecond
	path  = "notes.txt"
)

var workspace = protocol.Workspace{Name: "shared"}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type remoteEdit struct {
	path  string
	edits []protocol.TextEdit
}

type selectionReport struct {
	path       string
	selections []protocol.PeerSelection
}

type peer struct {
	session    *room.Session
	sync       *docsync.Synchronizer
	remote     chan remoteEdit
	selections chan selectionReport
}

// newPeer creates a session and its synchronizer. With register set the
// synchronizer's handlers are installed before the connection starts.
func newPeer(t *testing.T, hub *relay.Hub, name string, register bool, configure func(*room.Config)) *peer {
	t.Helper()
	keypair, err := wire.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	p := &peer{
		remote:     make(chan remoteEdit, 64),
		selections: make(chan selectionReport, 64),
	}
	config := room.Config{
		Service: hub,
		Keypair: keypair,
		User:    protocol.User{Name: name},
		Clock:   clock.Real(),
		Logger:  discard(),
		Approver: func(ctx context.Context, user protocol.User) (*protocol.Workspace, error) {
			shared := workspace
			return &shared, nil
		},
	}
	if register {
		config.OnConnection = func(conn *connection.Connection) { p.sync.Register(conn) }
	}
	if configure != nil {
		configure(&config)
	}
	p.session = room.New(config)
	p.sync = docsync.New(docsync.Config{Session: p.session, Clock: clock.Real(), Logger: discard()})
	p.sync.OnRemoteEdits(func(path string, edits []protocol.TextEdit) {
		p.remote <- remoteEdit{path: path, edits: edits}
	})
	p.sync.OnSelectionsChanged(func(path string, selections []protocol.PeerSelection) {
		p.selections <- selectionReport{path: path, selections: selections}
	})
	t.Cleanup(func() {
		p.sync.Close()
		p.session.Leave(context.Background())
		keypair.Close()
	})
	return p
}

func newHub(t *testing.T) *relay.Hub {
	t.Helper()
	hub := relay.NewHub(relay.HubConfig{Clock: clock.Real(), Logger: discard()})
	t.Cleanup(func() { hub.Close() })
	return hub
}

// newRoom starts a host and one joined guest, both synchronizing.
func newRoom(t *testing.T, configureHost func(*room.Config)) (host, guest *peer) {
	t.Helper()
	hub := newHub(t)
	host = newPeer(t, hub, "host", true, configureHost)
	claim, err := host.session.Create(context.Background(), workspace)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := host.sync.Start(); err != nil {
		t.Fatalf("host Start: %v", err)
	}
	guest = newPeer(t, hub, "guest", true, nil)
	if _, err := guest.session.Join(context.Background(), claim.RoomID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := guest.sync.Start(); err != nil {
		t.Fatalf("guest Start: %v", err)
	}
	return host, guest
}

func open(t *testing.T, p *peer, name, initial string) *docsync.Document {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	document, err := p.sync.OpenDocument(ctx, name, initial)
	if err != nil {
		t.Fatalf("OpenDocument(%s): %v", name, err)
	}
	return document
}

func edit(t *testing.T, p *peer, name string, edits ...protocol.TextEdit) {
	t.Helper()
	if err := p.sync.ApplyLocalEdit(name, edits); err != nil {
		t.Fatalf("ApplyLocalEdit(%+v): %v", edits, err)
	}
}

// openShared opens path on the host with content and then on the guest.
func openShared(t *testing.T, host, guest *peer, content string) {
	t.Helper()
	open(t, host, path, content)
	if got := open(t, guest, path, "ignored").Text(); got != content {
		t.Fatalf("guest opened %q, want %q", got, content)
	}
	// The host's seeding may have reached the guest as a remote edit.
	for {
		select {
		case <-guest.remote:
		default:
			return
		}
	}
}

func TestGuestOpenWaitsForHostContent(t *testing.T) {
	host, guest := newRoom(t, nil)

	opened := make(chan [2]string, 4)
	host.sync.OnEditorOpened(func(name, peerID string) {
		opened <- [2]string{name, peerID}
		if name == "seeded.txt" {
			host.sync.OpenDocument(context.Background(), name, "seeded by host")
		}
	})

	open(t, host, path, "HELLO WORLD!")
	document := open(t, guest, path, "guest text is ignored")
	if got := document.Text(); got != "HELLO WORLD!" {
		t.Errorf("guest text = %q, want HELLO WORLD!", got)
	}
	if !document.IsPopulated() {
		t.Error("document not populated after OpenDocument returned")
	}
	got := testutil.RequireReceive(t, opened, wait, "host sees editor/open")
	if got != [2]string{path, guest.session.LocalPeer().ID} {
		t.Errorf("editor opened = %v", got)
	}

	seeded := open(t, guest, "seeded.txt", "")
	if got := seeded.Text(); got != "seeded by host" {
		t.Errorf("seeded text = %q, want %q", got, "seeded by host")
	}

	// A document the host never opens is populated empty.
	empty := open(t, guest, "empty.txt", "")
	if empty.Text() != "" {
		t.Errorf("empty document = %q", empty.Text())
	}

	if got, want := guest.sync.Documents(), []string{"empty.txt", path, "seeded.txt"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Documents = %v, want %v", got, want)
	}
}

func TestHostSeedsOnce(t *testing.T) {
	host, _ := newRoom(t, nil)
	name := testutil.UniqueID("seeded") + ".txt"
	open(t, host, name, "first")
	open(t, host, name, "second")
	if text, _ := host.sync.Text(name); text != "first" {
		t.Errorf("text = %q, want first", text)
	}
}

func TestOffsetFidelityAndNoSelfEcho(t *testing.T) {
	host, guest := newRoom(t, nil)
	openShared(t, host, guest, "HELLO WORLD!")

	edit(t, guest, path, protocol.TextEdit{StartOffset: 5, Text: " NEW"})
	if text, _ := guest.sync.Text(path); text != "HELLO NEW WORLD!" {
		t.Fatalf("guest text = %q, want HELLO NEW WORLD!", text)
	}

	received := testutil.RequireReceive(t, host.remote, wait, "host receives guest edit")
	want := []protocol.TextEdit{{StartOffset: 5, EndOffset: 5, Text: " NEW"}}
	if received.path != path || !reflect.DeepEqual(received.edits, want) {
		t.Errorf("host received %s %+v, want %+v", received.path, received.edits, want)
	}
	if got := crdt.ApplyEdits("HELLO WORLD!", received.edits); got != "HELLO NEW WORLD!" {
		t.Errorf("splicing received edits gives %q", got)
	}
	if text, _ := host.sync.Text(path); text != "HELLO NEW WORLD!" {
		t.Errorf("host text = %q", text)
	}

	// The first remote change the guest sees is the host's, not an echo
	// of its own edit.
	edit(t, host, path, protocol.TextEdit{StartOffset: 0, Text: ">> "})
	echo := testutil.RequireReceive(t, guest.remote, wait, "guest receives host edit")
	if want := []protocol.TextEdit{{StartOffset: 0, EndOffset: 0, Text: ">> "}}; !reflect.DeepEqual(echo.edits, want) {
		t.Errorf("guest received %+v, want the host's edit %+v", echo.edits, want)
	}
	testutil.RequireNoReceive(t, host.remote, quiet, "host must not see its own edit")
	testutil.RequireNoReceive(t, guest.remote, quiet, "guest must not see its own edit")
}

func TestBatchEditsApplyInDescendingOrder(t *testing.T) {
	host, guest := newRoom(t, nil)
	openShared(t, host, guest, "HELLO WORLD!")

	edit(t, host, path,
		protocol.TextEdit{StartOffset: 0, Text: "A"},
		protocol.TextEdit{StartOffset: 12, Text: "Z"},
		protocol.TextEdit{StartOffset: 6, EndOffset: 11, Text: "THERE"},
		protocol.TextEdit{StartOffset: 2, EndOffset: 4},
	)
	want := "AHEO THERE!Z"
	if text, _ := host.sync.Text(path); text != want {
		t.Fatalf("host text = %q, want %q", text, want)
	}

	// The batch arrives as one change.
	received := testutil.RequireReceive(t, guest.remote, wait, "guest receives batch")
	if got := crdt.ApplyEdits("HELLO WORLD!", received.edits); got != want {
		t.Errorf("guest mirror = %q, want %q (edits %+v)", got, want, received.edits)
	}
	if text, _ := guest.sync.Text(path); text != want {
		t.Errorf("guest text = %q, want %q", text, want)
	}
}

func TestApplyLocalEditValidation(t *testing.T) {
	host, guest := newRoom(t, nil)
	openShared(t, host, guest, "0123456789")
	open(t, host, "empty.txt", "")

	tests := []struct {
		name    string
		path    string
		edits   []protocol.TextEdit
		wantErr error
		want    string
	}{
		{name: "past end", path: path, edits: []protocol.TextEdit{{StartOffset: 11, Text: "x"}}, wantErr: docsync.ErrInvalidEdit, want: "0123456789"},
		{name: "negative", path: path, edits: []protocol.TextEdit{{StartOffset: -1, EndOffset: 2}}, wantErr: docsync.ErrInvalidEdit, want: "0123456789"},
		{name: "range past end", path: path, edits: []protocol.TextEdit{{StartOffset: 8, EndOffset: 12}}, wantErr: docsync.ErrInvalidEdit, want: "0123456789"},
		{
			name:    "overlap",
			path:    path,
			edits:   []protocol.TextEdit{{StartOffset: 0, EndOffset: 5}, {StartOffset: 3, EndOffset: 8, Text: "x"}},
			wantErr: docsync.ErrInvalidEdit,
			want:    "0123456789",
		},
		{name: "zero length", path: path, edits: []protocol.TextEdit{{StartOffset: 3, EndOffset: 3}}, want: "0123456789"},
		{name: "empty batch", path: path, edits: nil, want: "0123456789"},
		{name: "pure deletion", path: path, edits: []protocol.TextEdit{{StartOffset: 8, EndOffset: 10}}, want: "01234567"},
		{name: "insert at end", path: path, edits: []protocol.TextEdit{{StartOffset: 8, Text: "89"}}, want: "0123456789"},
		{
			name:  "deletion then insertion at one offset",
			path:  path,
			edits: []protocol.TextEdit{{StartOffset: 5, EndOffset: 8}, {StartOffset: 5, Text: "A"}},
			want:  "01234A89",
		},
		{
			name:  "insertion then deletion at one offset",
			path:  path,
			edits: []protocol.TextEdit{{StartOffset: 5, Text: "B"}, {StartOffset: 5, EndOffset: 6}},
			want:  "01234B89",
		},
		{
			name:  "insertions at one offset keep batch order",
			path:  path,
			edits: []protocol.TextEdit{{StartOffset: 0, Text: "x"}, {StartOffset: 0, Text: "y"}},
			want:  "xy01234B89",
		},
		{name: "empty document", path: "empty.txt", edits: []protocol.TextEdit{{StartOffset: 0, Text: "x"}}, want: "x"},
		{name: "not open", path: "missing.txt", edits: []protocol.TextEdit{{StartOffset: 0, Text: "x"}}, wantErr: docsync.ErrNotOpen},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := host.sync.ApplyLocalEdit(test.path, test.edits)
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Fatalf("err = %v, want %v", err, test.wantErr)
				}
			} else if err != nil {
				t.Fatalf("err = %v", err)
			}
			if test.want == "" {
				return
			}
			if text, _ := host.sync.Text(test.path); text != test.want {
				t.Errorf("text = %q, want %q", text, test.want)
			}
		})
	}
}

func TestReadOnlyGuestCannotEdit(t *testing.T) {
	host, guest := newRoom(t, func(config *room.Config) {
		config.Permissions = protocol.Permissions{ReadOnly: true}
	})
	openShared(t, host, guest, "locked")

	err := guest.sync.ApplyLocalEdit(path, []protocol.TextEdit{{StartOffset: 0, Text: "x"}})
	if !protocol.IsApplicationError(err, protocol.CodePermissionDenied) {
		t.Fatalf("err = %v, want permission_denied", err)
	}
	edit(t, host, path, protocol.TextEdit{StartOffset: 6, Text: "!"})
	testutil.RequireReceive(t, guest.remote, wait, "host edits still reach the guest")
	if text, _ := guest.sync.Text(path); text != "locked!" {
		t.Errorf("guest text = %q, want locked!", text)
	}
}

func TestSelectionsResolveAndSuppressDuplicates(t *testing.T) {
	host, guest := newRoom(t, nil)
	openShared(t, host, guest, "HELLO WORLD!")
	guestID := guest.session.LocalPeer().ID

	selection := []protocol.SelectionRange{{Start: 6, End: 11, Direction: protocol.SelectionBackward}}
	if err := guest.sync.UpdateSelection(path, selection); err != nil {
		t.Fatalf("UpdateSelection: %v", err)
	}
	report := testutil.RequireReceive(t, host.selections, wait, "host sees guest selection")
	want := []protocol.PeerSelection{{PeerID: guestID, Name: "guest", Selections: selection}}
	if report.path != path || !reflect.DeepEqual(report.selections, want) {
		t.Fatalf("report = %s %+v, want %+v", report.path, report.selections, want)
	}

	// The same selection again is not a change.
	if err := guest.sync.UpdateSelection(path, selection); err != nil {
		t.Fatalf("UpdateSelection: %v", err)
	}
	testutil.RequireNoReceive(t, host.selections, quiet, "identical selection reported twice")

	// Editing after the selection leaves its offsets alone.
	edit(t, host, path, protocol.TextEdit{StartOffset: 12, Text: "?"})
	testutil.RequireNoReceive(t, host.selections, quiet, "unchanged selection reported after edit")

	// Editing before it shifts it.
	edit(t, host, path, protocol.TextEdit{StartOffset: 0, Text: "> "})
	report = testutil.RequireReceive(t, host.selections, wait, "shifted selection")
	shifted := []protocol.SelectionRange{{Start: 8, End: 13, Direction: protocol.SelectionBackward}}
	if len(report.selections) != 1 || !reflect.DeepEqual(report.selections[0].Selections, shifted) {
		t.Errorf("shifted report = %+v, want %+v", report.selections, shifted)
	}

	// The guest does not report its own selection.
	testutil.RequireNoReceive(t, guest.selections, quiet, "guest saw its own selection")
}

func TestPeerLeaveWithdrawsSelections(t *testing.T) {
	host, guest := newRoom(t, nil)
	openShared(t, host, guest, "text")
	if err := guest.sync.UpdateSelection(path, []protocol.SelectionRange{{Start: 1, End: 2}}); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, host.selections, wait, "guest selection")

	if err := guest.session.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	report := testutil.RequireReceive(t, host.selections, wait, "selection withdrawn")
	if report.path != path || len(report.selections) != 0 {
		t.Errorf("report after leave = %s %+v, want none", report.path, report.selections)
	}
}

// pipeService hands out the peer end of each link so a test can drop it.
type pipeService struct {
	*relay.Hub
	links chan *transport.PipeEnd
}

func (s *pipeService) Connect(ctx context.Context, roomToken string) (transport.Transport, error) {
	link, err := s.Hub.Connect(ctx, roomToken)
	if err == nil {
		s.links <- link.(*transport.PipeEnd)
	}
	return link, err
}

func TestReconnectedPeerSeesPresenceOfNewcomer(t *testing.T) {
	hub := newHub(t)
	host := newPeer(t, hub, "host", true, nil)
	claim, err := host.session.Create(context.Background(), workspace)
	if err != nil {
		t.Fatal(err)
	}
	if err := host.sync.Start(); err != nil {
		t.Fatal(err)
	}

	service := &pipeService{Hub: hub, links: make(chan *transport.PipeEnd, 1)}
	away := newPeer(t, hub, "away", true, func(config *room.Config) { config.Service = service })
	if _, err := away.session.Join(context.Background(), claim.RoomID); err != nil {
		t.Fatal(err)
	}
	link := testutil.RequireReceive(t, service.links, wait, "away link")
	if err := away.sync.Start(); err != nil {
		t.Fatal(err)
	}
	openShared(t, host, away, "shared text")

	link.Disconnect()
	late := newPeer(t, hub, "late", true, nil)
	if _, err := late.session.Join(context.Background(), claim.RoomID); err != nil {
		t.Fatal(err)
	}
	if err := late.sync.Start(); err != nil {
		t.Fatal(err)
	}
	open(t, late, path, "ignored")
	selection := []protocol.SelectionRange{{Start: 0, End: 6}}
	if err := late.sync.UpdateSelection(path, selection); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, host.selections, wait, "host sees the newcomer's selection")

	link.Reconnect()
	want := []protocol.PeerSelection{{PeerID: late.session.LocalPeer().ID, Name: "late", Selections: selection}}
	for {
		report := testutil.RequireReceive(t, away.selections, wait, "away sees the newcomer's selection")
		if report.path == path && reflect.DeepEqual(report.selections, want) {
			break
		}
	}
}

func TestResyncRecoversMissedUpdates(t *testing.T) {
	hub := newHub(t)
	host := newPeer(t, hub, "host", true, nil)
	claim, err := host.session.Create(context.Background(), workspace)
	if err != nil {
		t.Fatal(err)
	}
	if err := host.sync.Start(); err != nil {
		t.Fatal(err)
	}
	open(t, host, path, "before join")

	// The guest's synchronizer is not registered until Start, so traffic
	// sent while it joins is lost.
	guest := newPeer(t, hub, "guest", false, nil)
	if _, err := guest.session.Join(context.Background(), claim.RoomID); err != nil {
		t.Fatal(err)
	}
	edit(t, host, path, protocol.TextEdit{StartOffset: 11, Text: ", after join"})

	changed := make(chan struct{}, 16)
	guest.sync.Doc().Observe(func(event crdt.TextEvent) {
		if event.Text == path {
			changed <- struct{}{}
		}
	})
	if err := guest.sync.Start(); err != nil {
		t.Fatal(err)
	}
	want := "before join, after join"
	deadline := time.After(wait)
	for guest.sync.Doc().Text(path).String() != want {
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("guest has %q after resync, want %q", guest.sync.Doc().Text(path).String(), want)
		}
	}
}

func TestLifecycleErrors(t *testing.T) {
	hub := newHub(t)
	idle := newPeer(t, hub, "idle", false, nil)

	var stateErr *room.StateError
	if err := idle.sync.Start(); !errors.As(err, &stateErr) {
		t.Errorf("Start on idle session = %v, want StateError", err)
	}
	if _, err := idle.sync.OpenDocument(context.Background(), path, ""); !errors.Is(err, docsync.ErrNotStarted) {
		t.Errorf("OpenDocument before Start = %v, want ErrNotStarted", err)
	}
	if err := idle.sync.UpdateSelection(path, nil); !errors.Is(err, docsync.ErrNotStarted) {
		t.Errorf("UpdateSelection before Start = %v, want ErrNotStarted", err)
	}

	host, _ := newRoom(t, nil)
	open(t, host, path, "x")
	if err := host.sync.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := host.sync.ApplyLocalEdit(path, nil); !errors.Is(err, docsync.ErrClosed) {
		t.Errorf("ApplyLocalEdit after Close = %v, want ErrClosed", err)
	}
	if err := host.sync.Start(); !errors.Is(err, docsync.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}
