// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/lib/compress"
	"github.com/bureau-foundation/cowork/lib/testutil"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/transport"
	"github.com/bureau-foundation/cowork/wire"
)

const wait = 5 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testPeer struct {
	id      string
	keypair *wire.Keypair
	codec   *wire.Codec
}

func newTestPeer(t *testing.T, id string) *testPeer {
	t.Helper()
	keypair, err := wire.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	peerCodec := wire.NewCodec(keypair, wire.NewRegistry(), compress.DefaultPreference)
	peerCodec.SetLocalID(id)
	return &testPeer{id: id, keypair: keypair, codec: peerCodec}
}

func (p *testPeer) peer() protocol.Peer {
	return protocol.Peer{
		ID:   p.id,
		Name: p.id,
		Metadata: protocol.PeerMetadata{
			Encryption:  protocol.EncryptionMetadata{PublicKey: p.keypair.PublicKeyString()},
			Compression: protocol.CompressionMetadata{Supported: compress.Supported()},
		},
	}
}

// pair returns two started, ready connections joined by a pipe, with
// each peer registered in the other's registry.
type pair struct {
	alice, bob       *Connection
	aliceEnd, bobEnd *transport.PipeEnd
	aliceClock       *clock.FakeClock
}

func newPair(t *testing.T, ready bool) *pair {
	t.Helper()
	alice := newTestPeer(t, "alice")
	bob := newTestPeer(t, "bob")
	if _, err := alice.codec.Registry().Register(bob.peer()); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.codec.Registry().Register(alice.peer()); err != nil {
		t.Fatal(err)
	}
	aliceEnd, bobEnd := transport.Pipe()
	fake := clock.Fake(epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p := &pair{
		alice: New(Config{Transport: aliceEnd, Codec: alice.codec, Clock: fake, Logger: logger}),
		bob: New(Config{
			Transport: bobEnd, Codec: bob.codec, Clock: clock.Real(), Logger: logger,
		}),
		aliceEnd:   aliceEnd,
		bobEnd:     bobEnd,
		aliceClock: fake,
	}
	t.Cleanup(func() {
		p.alice.Close()
		p.bob.Close()
	})
	if ready {
		p.alice.MarkReady()
		p.bob.MarkReady()
	}
	return p
}

func (p *pair) start() {
	p.alice.Start()
	p.bob.Start()
}

func TestRequestResponse(t *testing.T) {
	p := newPair(t, true)
	p.bob.OnRequest("math/add", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		if origin != "alice" {
			t.Errorf("origin = %q, want alice", origin)
		}
		var a, b int
		if err := wire.DecodeParam(params, 0, &a); err != nil {
			return nil, err
		}
		if err := wire.DecodeParam(params, 1, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	})
	p.start()

	sum, err := Call[int](context.Background(), p.alice, "math/add", "bob", 2, 3)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if sum != 5 {
		t.Errorf("sum = %d, want 5", sum)
	}
	if pending := p.alice.Pending(); pending != 0 {
		t.Errorf("Pending after response = %d, want 0", pending)
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	p := newPair(t, true)
	p.bob.OnRequest("echo", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		var value int
		err := wire.DecodeParam(params, 0, &value)
		return value, err
	})
	p.start()

	var group sync.WaitGroup
	for index := range 20 {
		group.Add(1)
		go func() {
			defer group.Done()
			got, err := Call[int](context.Background(), p.alice, "echo", "bob", index)
			if err != nil {
				t.Errorf("Call(%d): %v", index, err)
				return
			}
			if got != index {
				t.Errorf("Call(%d) = %d", index, got)
			}
		}()
	}
	group.Wait()
}

func TestRemoteErrorCarriesCode(t *testing.T) {
	p := newPair(t, true)
	p.bob.OnRequest("fs/stat", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		return nil, &protocol.ApplicationError{Code: protocol.CodeNotFound, Message: "no such file"}
	})
	p.bob.OnRequest("fs/broken", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	p.start()

	_, err := p.alice.SendRequest(context.Background(), "fs/stat", "bob", "/missing")
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("error = %v, want *protocol.RemoteError", err)
	}
	if remote.Method != "fs/stat" || remote.Code != protocol.CodeNotFound || remote.Message != "no such file" {
		t.Errorf("remote error = %+v", remote)
	}
	if !protocol.IsApplicationError(err, protocol.CodeNotFound) {
		t.Error("IsApplicationError(not_found) = false")
	}

	_, err = p.alice.SendRequest(context.Background(), "fs/broken", "bob")
	if !errors.As(err, &remote) || remote.Code != "" || remote.Message != "disk on fire" {
		t.Errorf("error = %v, want uncoded remote error", err)
	}
}

func TestUnhandledRequestGetsErrorResponse(t *testing.T) {
	p := newPair(t, true)
	p.start()

	_, err := p.alice.SendRequest(context.Background(), "nobody/home", "bob")
	if !protocol.IsApplicationError(err, protocol.CodeUnhandledMethod) {
		t.Fatalf("error = %v, want %s", err, protocol.CodeUnhandledMethod)
	}
}

func TestUnhandledHooks(t *testing.T) {
	p := newPair(t, true)
	p.bob.OnUnhandledRequest(func(ctx context.Context, origin, method string, params []codec.RawMessage) (any, error) {
		return "handled " + method, nil
	})
	notifications := make(chan string, 1)
	p.bob.OnUnhandledNotification(func(origin, method string, params []codec.RawMessage) {
		notifications <- origin + ":" + method
	})
	broadcasts := make(chan string, 1)
	p.bob.OnUnhandledBroadcast(func(origin, method string, params []codec.RawMessage) {
		broadcasts <- origin + ":" + method
	})
	p.start()

	got, err := Call[string](context.Background(), p.alice, "editor/custom", "bob")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "handled editor/custom" {
		t.Errorf("result = %q", got)
	}

	p.alice.SendNotification("editor/ping", "bob")
	if got := testutil.RequireReceive(t, notifications, wait); got != "alice:editor/ping" {
		t.Errorf("notification hook got %q", got)
	}
	p.alice.SendBroadcast("editor/wave")
	if got := testutil.RequireReceive(t, broadcasts, wait); got != "alice:editor/wave" {
		t.Errorf("broadcast hook got %q", got)
	}
}

func TestNotificationsArriveInOrder(t *testing.T) {
	p := newPair(t, true)
	received := make(chan int, 10)
	p.bob.OnNotification("count", func(origin string, params []codec.RawMessage) {
		var value int
		if err := wire.DecodeParam(params, 0, &value); err != nil {
			t.Errorf("DecodeParam: %v", err)
		}
		received <- value
	})
	p.start()

	for value := range 10 {
		p.alice.SendNotification("count", "bob", value)
	}
	for want := range 10 {
		if got := testutil.RequireReceive(t, received, wait); got != want {
			t.Fatalf("notification %d carried %d", want, got)
		}
	}
}

func TestRequestTimeout(t *testing.T) {
	p := newPair(t, true)
	release := make(chan struct{})
	p.bob.OnRequest("slow", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	p.start()
	defer close(release)

	result := make(chan error, 1)
	go func() {
		_, err := p.alice.SendRequest(context.Background(), "slow", "bob")
		result <- err
	}()
	p.aliceClock.WaitForTimers(1)
	p.aliceClock.Advance(DefaultRequestTimeout - time.Second)
	testutil.RequireNoReceive(t, result, 50*time.Millisecond, "request failed before its timeout")

	p.aliceClock.Advance(time.Second)
	err := testutil.RequireReceive(t, result, wait)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	p := newPair(t, true)
	started := make(chan struct{})
	p.bob.OnRequest("slow", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	disconnected := make(chan struct{})
	p.alice.OnDisconnect(func() {
		if pending := p.alice.Pending(); pending != 0 {
			t.Errorf("Pending during disconnect handler = %d, want 0", pending)
		}
		close(disconnected)
	})
	reconnected := make(chan struct{})
	p.alice.OnReconnect(func() { close(reconnected) })
	p.start()

	result := make(chan error, 1)
	go func() {
		_, err := p.alice.SendRequest(context.Background(), "slow", "bob")
		result <- err
	}()
	testutil.RequireClosed(t, started, wait)

	p.aliceEnd.Disconnect()
	err := testutil.RequireReceive(t, result, wait)
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("error = %v, want ErrDisconnected", err)
	}
	testutil.RequireClosed(t, disconnected, wait)

	p.aliceEnd.Reconnect()
	testutil.RequireClosed(t, reconnected, wait)
}

func TestReadinessGate(t *testing.T) {
	p := newPair(t, false)
	p.bob.MarkReady()
	received := make(chan string, 4)
	p.bob.OnNotification("note", func(origin string, params []codec.RawMessage) {
		var text string
		if err := wire.DecodeParam(params, 0, &text); err != nil {
			t.Errorf("DecodeParam: %v", err)
		}
		received <- text
	})
	p.bob.OnRequest("ping", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		return "pong", nil
	})
	p.start()

	p.alice.SendNotification("note", "bob", "first")
	p.alice.SendNotification("note", "bob", "second")
	testutil.RequireNoReceive(t, received, 50*time.Millisecond, "notification sent before ready")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := p.alice.SendRequest(ctx, "ping", "bob")
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("request before ready: error = %v, want DeadlineExceeded", err)
	}
	if p.alice.IsReady() {
		t.Fatal("IsReady before MarkReady")
	}

	p.alice.MarkReady()
	p.alice.MarkReady()
	testutil.RequireClosed(t, p.alice.Ready(), wait)
	for _, want := range []string{"first", "second"} {
		if got := testutil.RequireReceive(t, received, wait); got != want {
			t.Errorf("flushed %q, want %q", got, want)
		}
	}
	got, err := Call[string](context.Background(), p.alice, "ping", "bob")
	if err != nil || got != "pong" {
		t.Errorf("Call after ready = %q, %v", got, err)
	}
}

func TestResponseFromWrongPeerIgnored(t *testing.T) {
	p := newPair(t, true)
	p.start()

	result := make(chan error, 1)
	go func() {
		_, err := p.alice.SendRequest(context.Background(), "wait", protocol.RelayID)
		result <- err
	}()
	p.aliceClock.WaitForTimers(1)
	// Bob drops the plaintext request, then answers its id anyway.
	frame, err := p.bob.Codec().Encode(&wire.Message{Kind: wire.KindResponse, ID: 1, Target: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.bobEnd.Write(context.Background(), frame); err != nil {
		t.Fatal(err)
	}
	testutil.RequireNoReceive(t, result, 50*time.Millisecond, "response from bob resolved a request to the relay")
	p.aliceClock.Advance(DefaultRequestTimeout)
	if err := testutil.RequireReceive(t, result, wait); !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestBroadcastWithoutPeersIsNoop(t *testing.T) {
	keypair, err := wire.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	defer keypair.Close()
	lonely := wire.NewCodec(keypair, wire.NewRegistry(), nil)
	lonely.SetLocalID("lonely")
	end, other := transport.Pipe()
	defer other.Close()

	conn := New(Config{
		Transport: end,
		Codec:     lonely,
		Clock:     clock.Real(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	errs := make(chan error, 1)
	conn.OnError(func(err error) { errs <- err })
	conn.MarkReady()
	conn.Start()
	defer conn.Close()

	conn.SendBroadcast("presence", "hi")
	testutil.RequireNoReceive(t, errs, 50*time.Millisecond)
	testutil.RequireNoReceive(t, other.Events(), 50*time.Millisecond)
}

func TestDuplicateHandlerPanics(t *testing.T) {
	p := newPair(t, true)
	handler := func(origin string, params []codec.RawMessage) {}
	p.alice.OnNotification("x", handler)
	p.alice.OnBroadcast("x", handler)

	defer func() {
		if recover() == nil {
			t.Error("second OnNotification did not panic")
		}
	}()
	p.alice.OnNotification("x", handler)
}

func TestCloseRejectsPendingAndStopsSends(t *testing.T) {
	p := newPair(t, true)
	p.bob.OnRequest("slow", func(ctx context.Context, origin string, params []codec.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p.start()

	result := make(chan error, 1)
	go func() {
		_, err := p.alice.SendRequest(context.Background(), "slow", "bob")
		result <- err
	}()
	p.aliceClock.WaitForTimers(1)
	if err := p.alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := testutil.RequireReceive(t, result, wait); !errors.Is(err, ErrClosed) {
		t.Errorf("error = %v, want ErrClosed", err)
	}
	testutil.RequireClosed(t, p.alice.Done(), wait)

	if _, err := p.alice.SendRequest(context.Background(), "slow", "bob"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendRequest after Close: %v, want ErrClosed", err)
	}
	if err := p.alice.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	p := newPair(t, true)
	calls := 0
	unsubscribe := p.alice.OnDisconnect(func() { calls++ })
	unsubscribe()
	done := make(chan struct{})
	p.alice.OnDisconnect(func() { close(done) })
	p.start()

	p.aliceEnd.Disconnect()
	testutil.RequireClosed(t, done, wait)
	if calls != 0 {
		t.Errorf("unsubscribed handler ran %d times", calls)
	}
}
