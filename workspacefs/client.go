// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workspacefs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/wire"
)

// ChangeHandler receives a batch of workspace changes from the host.
type ChangeHandler func(origin string, changes []protocol.FileChangeEvent)

// Client reads and writes the host's workspace.
type Client struct {
	conn   *connection.Connection
	host   string
	logger *slog.Logger

	mu       sync.Mutex
	nextID   int
	handlers map[int]ChangeHandler
}

// NewClient returns a client for the workspace served by host and
// registers the fs/change handler on conn. At most one client may be
// created per connection.
func NewClient(conn *connection.Connection, host string, logger *slog.Logger) *Client {
	if conn == nil || logger == nil {
		panic("workspacefs.NewClient: connection and logger are required")
	}
	c := &Client{conn: conn, host: host, logger: logger, handlers: make(map[int]ChangeHandler)}
	conn.OnBroadcast(protocol.MethodFSChange, c.handleChange)
	return c
}

// OnChange registers fn for fs/change broadcasts.
func (c *Client) OnChange(fn ChangeHandler) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

func (c *Client) handleChange(origin string, params []codec.RawMessage) {
	if origin != c.host {
		c.logger.Warn("ignoring fs/change from non-host", "origin", origin)
		return
	}
	var changes []protocol.FileChangeEvent
	if err := wire.DecodeParam(params, 0, &changes); err != nil {
		c.logger.Warn("malformed fs/change", "origin", origin, "error", err)
		return
	}
	c.mu.Lock()
	handlers := make([]ChangeHandler, 0, len(c.handlers))
	for id := 1; id <= c.nextID; id++ {
		if fn, ok := c.handlers[id]; ok {
			handlers = append(handlers, fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(origin, changes)
	}
}

// Stat describes path.
func (c *Client) Stat(ctx context.Context, path string) (protocol.FileSystemStat, error) {
	return connection.Call[protocol.FileSystemStat](ctx, c.conn, protocol.MethodFSStat, c.host, path)
}

// ReadFile returns the content of path.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := connection.Call[protocol.FileData](ctx, c.conn, protocol.MethodFSReadFile, c.host, path)
	return data.Content, err
}

// ReadDir lists the entries of the directory at path.
func (c *Client) ReadDir(ctx context.Context, path string) (protocol.DirectoryEntries, error) {
	return connection.Call[protocol.DirectoryEntries](ctx, c.conn, protocol.MethodFSReadDir, c.host, path)
}

// Mkdir creates the directory path. Its parent must exist.
func (c *Client) Mkdir(ctx context.Context, path string) error {
	_, err := c.conn.SendRequest(ctx, protocol.MethodFSMkdir, c.host, path)
	return err
}

// WriteFile replaces the content of path.
func (c *Client) WriteFile(ctx context.Context, path string, content []byte, options protocol.WriteOptions) error {
	_, err := c.conn.SendRequest(ctx, protocol.MethodFSWriteFile, c.host, path, protocol.FileData{Content: content}, options)
	return err
}

// Delete removes path. Non-empty directories need options.Recursive.
func (c *Client) Delete(ctx context.Context, path string, options protocol.DeleteOptions) error {
	_, err := c.conn.SendRequest(ctx, protocol.MethodFSDelete, c.host, path, options)
	return err
}

// Rename moves from to to.
func (c *Client) Rename(ctx context.Context, from, to string, options protocol.RenameOptions) error {
	_, err := c.conn.SendRequest(ctx, protocol.MethodFSRename, c.host, from, to, options)
	return err
}
