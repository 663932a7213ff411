// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/lib/testutil"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

const wait = 5 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestHub(t *testing.T, configure func(*HubConfig)) *Hub {
	t.Helper()
	config := HubConfig{Clock: clock.Real(), Logger: discard()}
	if configure != nil {
		configure(&config)
	}
	hub := NewHub(config)
	t.Cleanup(func() { hub.Close() })
	return hub
}

// rawPeer drives the hub at the frame level.
type rawPeer struct {
	keypair *wire.Keypair
	codec   *wire.Codec
	link    transport.Transport
	token   string
	id      string
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	keypair, err := wire.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return &rawPeer{keypair: keypair, codec: wire.NewCodec(keypair, wire.NewRegistry(), nil)}
}

func (p *rawPeer) metadata() protocol.PeerMetadata {
	return protocol.PeerMetadata{
		Encryption:  protocol.EncryptionMetadata{PublicKey: p.keypair.PublicKeyString()},
		Compression: protocol.CompressionMetadata{Supported: []string{"zstd"}},
	}
}

// connect attaches p with token and consumes its peer/info.
func (p *rawPeer) connect(t *testing.T, hub *Hub, token string) {
	t.Helper()
	link, err := hub.Connect(context.Background(), token)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { link.Close() })
	p.link = link
	p.token = token

	message := p.expectControl(t, protocol.MethodPeerInfo)
	var info protocol.PeerInfo
	if err := wire.DecodeParam(message.Params, 0, &info); err != nil {
		t.Fatalf("decoding peer info: %v", err)
	}
	p.id = info.Peer.ID
	p.codec.SetLocalID(p.id)
}

// nextFrame returns the next frame event, failing on anything else.
func (p *rawPeer) nextFrame(t *testing.T) *wire.Frame {
	t.Helper()
	event := testutil.RequireReceive(t, p.link.Events(), wait, "waiting for a frame")
	if event.Type != transport.EventFrame {
		t.Fatalf("got %s event, want frame", event.Type)
	}
	frame, err := wire.ParseFrame(event.Frame)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	return frame
}

func (p *rawPeer) expectControl(t *testing.T, method string) *wire.Message {
	t.Helper()
	message, err := p.readControl(method)
	if err != nil {
		t.Fatal(err)
	}
	return message
}

// readControl waits for a relay control message with method. It does
// not take a *testing.T so goroutines can use it.
func (p *rawPeer) readControl(method string) (*wire.Message, error) {
	var event transport.Event
	select {
	case event = <-p.link.Events():
	case <-time.After(wait):
		return nil, fmt.Errorf("timed out waiting for %s", method)
	}
	if event.Type != transport.EventFrame {
		return nil, fmt.Errorf("got %s event, want %s", event.Type, method)
	}
	message, err := p.codec.Decode(event.Frame)
	if err != nil {
		return nil, fmt.Errorf("opening control frame: %w", err)
	}
	if message.Origin != protocol.RelayID || message.Method != method {
		return nil, fmt.Errorf("got %s from %q, want %s from the relay", message.Method, message.Origin, method)
	}
	return message, nil
}

func (p *rawPeer) expectNothing(t *testing.T) {
	t.Helper()
	testutil.RequireNoReceive(t, p.link.Events(), 50*time.Millisecond, "unexpected event")
}

// sendControl writes a plaintext message to the relay.
func (p *rawPeer) sendControl(t *testing.T, message *wire.Message) {
	t.Helper()
	if err := p.writeControl(message); err != nil {
		t.Fatal(err)
	}
}

func (p *rawPeer) writeControl(message *wire.Message) error {
	frame := &wire.Frame{
		Version: protocol.Version,
		Kind:    message.Kind,
		ID:      message.ID,
		Origin:  p.id,
		Target:  protocol.RelayID,
	}
	data, err := wire.EncodePlain(frame, message)
	if err != nil {
		return err
	}
	return p.link.Write(context.Background(), data)
}

// answerJoin reads one peer/join request and answers it with
// workspace; nil declines.
func (p *rawPeer) answerJoin(workspace *protocol.Workspace) error {
	request, err := p.readControl(protocol.MethodPeerJoin)
	if err != nil {
		return err
	}
	result, err := codec.Marshal(protocol.JoinResponse{Workspace: workspace})
	if err != nil {
		return err
	}
	return p.writeControl(&wire.Message{Kind: wire.KindResponse, ID: request.ID, Result: result})
}

// introduce registers each peer's key with every other.
func introduce(t *testing.T, peers ...*rawPeer) {
	t.Helper()
	for _, a := range peers {
		for _, b := range peers {
			if a == b {
				continue
			}
			peer := protocol.Peer{ID: b.id, Metadata: b.metadata()}
			if _, err := a.codec.Registry().Register(peer); err != nil {
				t.Fatalf("Register: %v", err)
			}
		}
	}
}

// setupRoom creates a room with a connected host and joins guests.
func setupRoom(t *testing.T, hub *Hub, guests int) (string, *rawPeer, []*rawPeer) {
	t.Helper()
	host := newRawPeer(t)
	claim, err := hub.CreateRoom(context.Background(), protocol.CreateRoomRequest{
		User:      protocol.User{Name: "host"},
		Metadata:  host.metadata(),
		Workspace: protocol.Workspace{Name: "shared"},
	})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	host.connect(t, hub, claim.RoomToken)

	var joined []*rawPeer
	for range guests {
		guest := joinGuest(t, hub, claim.RoomID, host)
		for _, existing := range append([]*rawPeer{host}, joined...) {
			announcement := existing.expectControl(t, protocol.MethodRoomJoined)
			var peer protocol.Peer
			if err := wire.DecodeParam(announcement.Params, 0, &peer); err != nil {
				t.Fatal(err)
			}
			if peer.ID != guest.id {
				t.Fatalf("room/joined for %q, want %q", peer.ID, guest.id)
			}
		}
		joined = append(joined, guest)
	}
	introduce(t, append([]*rawPeer{host}, joined...)...)
	return claim.RoomID, host, joined
}

// joinGuest joins a new guest through host's approval and connects it.
func joinGuest(t *testing.T, hub *Hub, roomID string, host *rawPeer) *rawPeer {
	t.Helper()
	guest := newRawPeer(t)
	answered := make(chan error, 1)
	go func() { answered <- host.answerJoin(&protocol.Workspace{Name: "shared"}) }()
	claim, err := hub.JoinRoom(context.Background(), roomID, protocol.JoinRoomRequest{
		User:     protocol.User{Name: "guest"},
		Metadata: guest.metadata(),
	})
	if answerErr := <-answered; answerErr != nil {
		t.Fatalf("answering join: %v", answerErr)
	}
	if err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if claim.Host == nil || claim.Host.ID != host.id {
		t.Fatalf("claim host = %+v, want %s", claim.Host, host.id)
	}
	guest.connect(t, hub, claim.RoomToken)
	return guest
}

func TestHubRoutesSealedFrames(t *testing.T) {
	hub := newTestHub(t, nil)
	_, host, guests := setupRoom(t, hub, 1)
	guest := guests[0]

	params, err := codec.MarshalAll([]any{"hello"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := host.codec.Encode(&wire.Message{
		Kind: wire.KindNotification, Target: guest.id, Method: "test/note", Params: params,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := host.link.Write(context.Background(), data); err != nil {
		t.Fatal(err)
	}

	message, err := guest.codec.Open(guest.nextFrame(t))
	if err != nil {
		t.Fatalf("guest Open: %v", err)
	}
	var text string
	if err := wire.DecodeParam(message.Params, 0, &text); err != nil || text != "hello" {
		t.Errorf("guest got %q (%v), want hello", text, err)
	}
	if message.Origin != host.id {
		t.Errorf("origin = %q, want %q", message.Origin, host.id)
	}
}

func TestHubBroadcastTrimsSlots(t *testing.T) {
	hub := newTestHub(t, nil)
	_, host, guests := setupRoom(t, hub, 2)

	data, err := host.codec.Encode(&wire.Message{Kind: wire.KindBroadcast, Method: "test/all"})
	if err != nil {
		t.Fatal(err)
	}
	if err := host.link.Write(context.Background(), data); err != nil {
		t.Fatal(err)
	}
	for _, guest := range guests {
		frame := guest.nextFrame(t)
		if len(frame.Sealed.Slots) != 1 || frame.Sealed.Slots[0].Recipient != guest.id {
			t.Errorf("guest %s got slots %+v, want only its own", guest.id, frame.Sealed.Slots)
		}
		if _, err := guest.codec.Open(frame); err != nil {
			t.Errorf("guest %s cannot open trimmed broadcast: %v", guest.id, err)
		}
	}
	host.expectNothing(t)
}

func TestHubDropsSpoofedOrigin(t *testing.T) {
	hub := newTestHub(t, nil)
	_, host, guests := setupRoom(t, hub, 2)

	forged, err := guests[0].codec.Encode(&wire.Message{Kind: wire.KindNotification, Target: guests[1].id, Method: "x"})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := wire.ParseFrame(forged)
	if err != nil {
		t.Fatal(err)
	}
	frame.Origin = host.id
	data, err := frame.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := guests[0].link.Write(context.Background(), data); err != nil {
		t.Fatal(err)
	}
	guests[1].expectNothing(t)

	if err := guests[0].link.Write(context.Background(), []byte("not cbor")); err != nil {
		t.Fatal(err)
	}
	host.expectNothing(t)
}

func TestHubUnknownTarget(t *testing.T) {
	hub := newTestHub(t, nil)
	_, host, _ := setupRoom(t, hub, 0)
	stranger := newRawPeer(t)
	stranger.id = "stranger"
	introduce(t, host, stranger)

	data, err := host.codec.Encode(&wire.Message{Kind: wire.KindNotification, Target: "stranger", Method: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if err := host.link.Write(context.Background(), data); err != nil {
		t.Fatal(err)
	}
	host.expectNothing(t)
}

func TestHubGuestLeave(t *testing.T) {
	hub := newTestHub(t, nil)
	roomID, host, guests := setupRoom(t, hub, 2)

	guests[0].sendControl(t, &wire.Message{Kind: wire.KindNotification, Method: protocol.MethodRoomLeave})
	for _, remaining := range []*rawPeer{host, guests[1]} {
		message := remaining.expectControl(t, protocol.MethodRoomLeft)
		var peer protocol.Peer
		if err := wire.DecodeParam(message.Params, 0, &peer); err != nil || peer.ID != guests[0].id {
			t.Errorf("room/left for %q (%v), want %q", peer.ID, err, guests[0].id)
		}
	}
	info, ok := hub.Room(roomID)
	if !ok || len(info.Peers) != 2 {
		t.Errorf("roster after leave = %+v", info.Peers)
	}
	if hub.HasToken(guests[0].token) {
		t.Error("departed guest's token still valid")
	}
}

func TestHubHostLeaveClosesRoom(t *testing.T) {
	hub := newTestHub(t, nil)
	roomID, host, guests := setupRoom(t, hub, 2)

	host.sendControl(t, &wire.Message{Kind: wire.KindNotification, Method: protocol.MethodRoomLeave})
	for _, guest := range guests {
		guest.expectControl(t, protocol.MethodRoomClosed)
		event := testutil.RequireReceive(t, guest.link.Events(), wait)
		if event.Type != transport.EventDisconnect {
			t.Errorf("after room/closed got %s, want disconnect", event.Type)
		}
	}
	if _, ok := hub.Room(roomID); ok {
		t.Error("room still open after host left")
	}
	if hub.RoomCount() != 0 {
		t.Errorf("RoomCount = %d, want 0", hub.RoomCount())
	}
}

func TestHubJoinDeclined(t *testing.T) {
	hub := newTestHub(t, nil)
	roomID, host, _ := setupRoom(t, hub, 0)

	answered := make(chan error, 1)
	go func() { answered <- host.answerJoin(nil) }()
	guest := newRawPeer(t)
	_, err := hub.JoinRoom(context.Background(), roomID, protocol.JoinRoomRequest{Metadata: guest.metadata()})
	if answerErr := <-answered; answerErr != nil {
		t.Fatalf("answering join: %v", answerErr)
	}
	if !protocol.IsApplicationError(err, protocol.CodeJoinDeclined) {
		t.Fatalf("JoinRoom = %v, want %s", err, protocol.CodeJoinDeclined)
	}
	if info, _ := hub.Room(roomID); len(info.Peers) != 1 {
		t.Errorf("roster after decline = %+v", info.Peers)
	}
}

func TestHubJoinTimeout(t *testing.T) {
	fake := clock.Fake(epoch)
	hub := newTestHub(t, func(config *HubConfig) {
		config.Clock = fake
		config.JoinTimeout = time.Minute
	})
	roomID, _, _ := setupRoom(t, hub, 0)

	guest := newRawPeer(t)
	result := make(chan error, 1)
	go func() {
		_, err := hub.JoinRoom(context.Background(), roomID, protocol.JoinRoomRequest{Metadata: guest.metadata()})
		result <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(time.Minute)
	if err := testutil.RequireReceive(t, result, wait); !errors.Is(err, ErrJoinTimeout) {
		t.Errorf("JoinRoom = %v, want ErrJoinTimeout", err)
	}
}

func TestHubJoinErrors(t *testing.T) {
	hub := newTestHub(t, nil)
	host := newRawPeer(t)
	claim, err := hub.CreateRoom(context.Background(), protocol.CreateRoomRequest{Metadata: host.metadata()})
	if err != nil {
		t.Fatal(err)
	}

	guest := newRawPeer(t)
	tests := []struct {
		name    string
		roomID  string
		request protocol.JoinRoomRequest
		check   func(error) bool
	}{
		{
			name:    "unknown room",
			roomID:  "missing",
			request: protocol.JoinRoomRequest{Metadata: guest.metadata()},
			check:   func(err error) bool { return protocol.IsApplicationError(err, protocol.CodeRoomNotFound) },
		},
		{
			name:    "host never connected",
			roomID:  claim.RoomID,
			request: protocol.JoinRoomRequest{Metadata: guest.metadata()},
			check:   func(err error) bool { return protocol.IsApplicationError(err, protocol.CodeRoomClosed) },
		},
		{
			name:   "bad key",
			roomID: claim.RoomID,
			check: func(err error) bool {
				var protocolError *protocol.ProtocolError
				return errors.As(err, &protocolError)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := hub.JoinRoom(context.Background(), test.roomID, test.request)
			if !test.check(err) {
				t.Errorf("JoinRoom = %v", err)
			}
		})
	}

	if _, err := hub.Connect(context.Background(), "bogus"); !protocol.IsApplicationError(err, protocol.CodeRoomNotFound) {
		t.Errorf("Connect with bogus token = %v, want %s", err, protocol.CodeRoomNotFound)
	}
}

func TestHubGraceExpiryAnnouncesLeft(t *testing.T) {
	fake := clock.Fake(epoch)
	hub := newTestHub(t, func(config *HubConfig) {
		config.Clock = fake
		config.ReconnectGrace = 10 * time.Second
	})
	_, host, guests := setupRoom(t, hub, 1)
	guest := guests[0]

	guest.link.(*transport.PipeEnd).Disconnect()
	fake.WaitForTimers(1)
	fake.Advance(9 * time.Second)
	host.expectNothing(t)

	fake.Advance(time.Second)
	message := host.expectControl(t, protocol.MethodRoomLeft)
	var peer protocol.Peer
	if err := wire.DecodeParam(message.Params, 0, &peer); err != nil || peer.ID != guest.id {
		t.Errorf("room/left for %q (%v), want %q", peer.ID, err, guest.id)
	}
}

func TestHubReattachWithinGrace(t *testing.T) {
	fake := clock.Fake(epoch)
	hub := newTestHub(t, func(config *HubConfig) {
		config.Clock = fake
		config.ReconnectGrace = 10 * time.Second
	})
	roomID, host, guests := setupRoom(t, hub, 1)
	guest := guests[0]
	oldID := guest.id

	guest.link.(*transport.PipeEnd).Disconnect()
	fake.WaitForTimers(1)

	guest.connect(t, hub, guest.token)
	if guest.id != oldID {
		t.Errorf("reattached as %q, want %q", guest.id, oldID)
	}
	fake.Advance(time.Minute)
	host.expectNothing(t)

	info, _ := hub.Room(roomID)
	if len(info.Peers) != 2 || info.Attached != 2 {
		t.Errorf("room after reattach = %+v", info)
	}
}

func TestHubCloseNotifiesEveryone(t *testing.T) {
	hub := newTestHub(t, nil)
	_, host, guests := setupRoom(t, hub, 1)

	hub.Close()
	for _, peer := range []*rawPeer{host, guests[0]} {
		peer.expectControl(t, protocol.MethodRoomClosed)
	}
	if _, err := hub.CreateRoom(context.Background(), protocol.CreateRoomRequest{Metadata: host.metadata()}); !protocol.IsApplicationError(err, protocol.CodeRoomClosed) {
		t.Errorf("CreateRoom after Close = %v, want %s", err, protocol.CodeRoomClosed)
	}
}

// logBuffer collects log output written from hub goroutines.
type logBuffer struct {
	mu      sync.Mutex
	data    []byte
	written chan struct{}
}

func newLogBuffer() *logBuffer {
	return &logBuffer{written: make(chan struct{}, 1)}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	select {
	case b.written <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (b *logBuffer) contains(substring string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.data), substring)
}

// requireLogged waits until substring has been logged.
func (b *logBuffer) requireLogged(t *testing.T, substring string) {
	t.Helper()
	deadline := time.After(wait)
	for !b.contains(substring) {
		select {
		case <-b.written:
		case <-deadline:
			t.Fatalf("%q was never logged", substring)
		}
	}
}

// expectRoster skips the link events a reconnect produces and returns
// the ids in the next room/roster.
func (p *rawPeer) expectRoster(t *testing.T) []string {
	t.Helper()
	deadline := time.After(wait)
	for {
		var event transport.Event
		select {
		case event = <-p.link.Events():
		case <-deadline:
			t.Fatal("timed out waiting for room/roster")
		}
		if event.Type != transport.EventFrame {
			continue
		}
		message, err := p.codec.Decode(event.Frame)
		if err != nil {
			t.Fatalf("opening frame: %v", err)
		}
		if message.Method != protocol.MethodRoomRoster {
			t.Fatalf("got %s, want %s", message.Method, protocol.MethodRoomRoster)
		}
		var roster []protocol.Peer
		if err := wire.DecodeParam(message.Params, 0, &roster); err != nil {
			t.Fatalf("decoding roster: %v", err)
		}
		ids := make([]string, len(roster))
		for i, peer := range roster {
			ids[i] = peer.ID
		}
		return ids
	}
}

func sortedIDs(peers ...*rawPeer) []string {
	ids := make([]string, len(peers))
	for i, peer := range peers {
		ids[i] = peer.id
	}
	slices.Sort(ids)
	return ids
}

func TestHubReconnectReplaysJoinDuringGrace(t *testing.T) {
	fake := clock.Fake(epoch)
	logs := newLogBuffer()
	hub := newTestHub(t, func(config *HubConfig) {
		config.Clock = fake
		config.ReconnectGrace = 10 * time.Second
		config.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	})
	roomID, host, guests := setupRoom(t, hub, 1)
	away := guests[0]
	link := away.link.(*transport.PipeEnd)

	link.Disconnect()
	fake.WaitForTimers(1)

	late := joinGuest(t, hub, roomID, host)
	host.expectControl(t, protocol.MethodRoomJoined)
	logs.requireLogged(t, "announcing joined peer")

	link.Reconnect()
	if got, want := away.expectRoster(t), sortedIDs(host, away, late); !slices.Equal(got, want) {
		t.Errorf("roster after reconnect = %v, want %v", got, want)
	}
}

func TestHubReconnectReplaysLeaveDuringGrace(t *testing.T) {
	fake := clock.Fake(epoch)
	logs := newLogBuffer()
	hub := newTestHub(t, func(config *HubConfig) {
		config.Clock = fake
		config.ReconnectGrace = 10 * time.Second
		config.Logger = slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	})
	_, host, guests := setupRoom(t, hub, 2)
	away, leaver := guests[0], guests[1]
	link := away.link.(*transport.PipeEnd)

	link.Disconnect()
	fake.WaitForTimers(1)

	leaver.sendControl(t, &wire.Message{Kind: wire.KindNotification, Method: protocol.MethodRoomLeave})
	host.expectControl(t, protocol.MethodRoomLeft)
	logs.requireLogged(t, "announcing left peer")

	link.Reconnect()
	if got, want := away.expectRoster(t), sortedIDs(host, away); !slices.Equal(got, want) {
		t.Errorf("roster after reconnect = %v, want %v", got, want)
	}
}

func TestHubReattachSendsRoster(t *testing.T) {
	fake := clock.Fake(epoch)
	hub := newTestHub(t, func(config *HubConfig) {
		config.Clock = fake
		config.ReconnectGrace = 10 * time.Second
	})
	_, host, guests := setupRoom(t, hub, 1)
	guest := guests[0]

	guest.link.(*transport.PipeEnd).Disconnect()
	fake.WaitForTimers(1)

	guest.connect(t, hub, guest.token)
	if got, want := guest.expectRoster(t), sortedIDs(host, guest); !slices.Equal(got, want) {
		t.Errorf("roster after reattach = %v, want %v", got, want)
	}
}
