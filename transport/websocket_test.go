// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/cowork/lib/testutil"
)

// echoRelay upgrades every request and echoes frames back through a
// WebSocketServer. It records the server transports so tests can kill
// them.
type echoRelay struct {
	mu      sync.Mutex
	servers []*WebSocketServer
}

func (r *echoRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	server := NewWebSocketServer(conn, 1<<20)
	r.mu.Lock()
	r.servers = append(r.servers, server)
	r.mu.Unlock()
	go func() {
		for event := range server.Events() {
			if event.Type == EventFrame {
				server.Write(context.Background(), event.Frame)
			}
		}
	}()
}

func (r *echoRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, server := range r.servers {
		server.Close()
	}
	r.servers = nil
}

func websocketURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testOptions() WebSocketOptions {
	return WebSocketOptions{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
	}
}

func TestWebSocketEcho(t *testing.T) {
	relay := &echoRelay{}
	server := httptest.NewServer(relay)
	defer server.Close()

	client, err := DialWebSocket(context.Background(), websocketURL(server), testOptions())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer client.Close()

	if err := client.Write(context.Background(), []byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	event := testutil.RequireReceive(t, client.Events(), 5*time.Second, "echo")
	if event.Type != EventFrame || string(event.Frame) != "ping" {
		t.Fatalf("event = %v %q", event.Type, event.Frame)
	}
}

func TestWebSocketRedialsAfterLinkLoss(t *testing.T) {
	relay := &echoRelay{}
	server := httptest.NewServer(relay)
	defer server.Close()

	client, err := DialWebSocket(context.Background(), websocketURL(server), testOptions())
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	defer client.Close()

	relay.dropAll()

	sawDisconnect := false
	for {
		event := testutil.RequireReceive(t, client.Events(), 5*time.Second, "waiting for reconnect")
		if event.Type == EventDisconnect {
			sawDisconnect = true
		}
		if event.Type == EventReconnect {
			break
		}
	}
	if !sawDisconnect {
		t.Error("reconnect without a preceding disconnect")
	}

	if err := client.Write(context.Background(), []byte("again")); err != nil {
		t.Fatalf("Write after reconnect: %v", err)
	}
	event := testutil.RequireReceive(t, client.Events(), 5*time.Second, "echo after reconnect")
	if string(event.Frame) != "again" {
		t.Errorf("echo = %q", event.Frame)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	if _, err := DialWebSocket(context.Background(), websocketURL(server), testOptions()); err == nil {
		t.Fatal("DialWebSocket to a non-WebSocket endpoint succeeded")
	}
}

func TestWebSocketListenerServesUntilCancelled(t *testing.T) {
	listener, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- listener.Serve(ctx, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}))
	}()

	response, err := http.Get("http://" + listener.Address() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	response.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	cancel()
	if err := testutil.RequireReceive(t, served, 10*time.Second, "Serve returns"); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
}
