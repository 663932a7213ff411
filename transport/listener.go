// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Listener serves the relay's HTTP handler on a TCP address. There is
// no write timeout: join calls are held open until the host decides,
// and WebSocket upgrades hijack their connections.
type Listener struct {
	listener net.Listener
	server   *http.Server
}

// Listen binds address (for example ":7420", or "127.0.0.1:0" for a
// random port).
func Listen(address string) (*Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &Listener{listener: listener}, nil
}

// Serve dispatches connections to handler until ctx is cancelled or
// Close is called. In-flight API calls get ShutdownTimeout to finish.
// It returns nil on clean shutdown.
func (l *Listener) Serve(ctx context.Context, handler http.Handler) error {
	l.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		_ = l.server.Shutdown(shutdownCtx)
	}()

	err := l.server.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() != nil {
			<-shutdownDone
		}
		return nil
	}
	return err
}

// ShutdownTimeout bounds graceful shutdown in Serve.
var ShutdownTimeout = 5 * time.Second

// Address returns the bound "host:port".
func (l *Listener) Address() string {
	return l.listener.Addr().String()
}

// Close stops the listener immediately.
func (l *Listener) Close() error {
	if l.server != nil {
		return l.server.Close()
	}
	return l.listener.Close()
}
