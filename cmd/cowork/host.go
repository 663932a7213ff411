// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/room"
	"github.com/bureau-foundation/cowork/workspacefs"
)

func runHost(args []string) error {
	var (
		flags      peerFlags
		directory  string
		readOnly   bool
		approveAll bool
		save       bool
	)
	flagSet := pflag.NewFlagSet("cowork host", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.StringVar(&directory, "dir", ".", "directory to share")
	flagSet.BoolVar(&readOnly, "read-only", false, "guests may read but not change anything")
	flagSet.BoolVar(&approveAll, "approve-all", false, "admit every join request without asking")
	flagSet.BoolVar(&save, "save", false, "write documents back to disk after every remote edit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	absolute, err := filepath.Abs(directory)
	if err != nil {
		return err
	}
	workspace := protocol.Workspace{
		Name:    filepath.Base(absolute),
		Folders: []protocol.Folder{{Name: filepath.Base(absolute), URI: ""}},
	}
	root, err := os.OpenRoot(absolute)
	if err != nil {
		return fmt.Errorf("opening %s: %w", absolute, err)
	}
	defer root.Close()

	approver := promptApprover(workspace)
	if approveAll {
		approver = func(ctx context.Context, user protocol.User) (*protocol.Workspace, error) {
			shared := workspace
			return &shared, nil
		}
	}
	p, err := newPeer(&flags, func(config *room.Config) {
		config.Approver = approver
		config.Permissions = protocol.Permissions{ReadOnly: readOnly}
	})
	if err != nil {
		return err
	}
	defer p.Close()

	claim, err := p.session.Create(p.shutdown, workspace)
	if err != nil {
		return fmt.Errorf("creating room: %w", err)
	}
	server, err := workspacefs.Serve(p.session.Connection(), workspacefs.Config{
		Root:        absolute,
		Permissions: p.session.Permissions,
		Logger:      p.logger,
	})
	if err != nil {
		p.session.Leave(context.Background())
		return err
	}
	defer server.Close()

	// Guests open documents by path; seed them from disk.
	p.sync.OnEditorOpened(func(path, peerID string) {
		content, err := root.ReadFile(filepath.FromSlash(path))
		if err != nil {
			p.logger.Warn("guest opened unreadable document", "path", path, "error", err)
		}
		if _, err := p.sync.OpenDocument(context.Background(), path, string(content)); err != nil {
			p.logger.Error("opening document", "path", path, "error", err)
		}
	})
	p.sync.OnRemoteEdits(func(path string, edits []protocol.TextEdit) {
		p.logger.Info("remote edit", "path", path, "edits", len(edits))
		if !save {
			return
		}
		text, ok := p.sync.Text(path)
		if !ok {
			return
		}
		if err := root.WriteFile(filepath.FromSlash(path), []byte(text), 0o644); err != nil {
			p.logger.Error("saving document", "path", path, "error", err)
			return
		}
		server.NotifyChanges(protocol.FileChangeEvent{Type: protocol.FileChanged, Path: path})
	})
	p.logSelections()
	p.session.Subscribe(func(event room.Event) {
		switch event.Type {
		case room.EventPeerJoined, room.EventPeerLeft:
			p.logger.Info(event.Type.String(), "peer", event.Peer.Name, "peer_id", event.Peer.ID)
		}
	})
	if err := p.sync.Start(); err != nil {
		p.session.Leave(context.Background())
		return err
	}

	fmt.Printf("room %s\n", claim.RoomID)
	p.logger.Info("sharing workspace", "dir", absolute, "read_only", readOnly)
	p.wait()
	return nil
}

// promptApprover asks on the terminal before admitting each guest.
// Prompts are serialized.
func promptApprover(workspace protocol.Workspace) room.JoinApprover {
	var mu sync.Mutex
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, user protocol.User) (*protocol.Workspace, error) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(os.Stderr, "%s wants to join. Allow? [y/N] ", user.Name)
		answers := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answers <- strings.ToLower(strings.TrimSpace(line))
		}()
		select {
		case answer := <-answers:
			if answer != "y" && answer != "yes" {
				return nil, nil
			}
			shared := workspace
			return &shared, nil
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr)
			return nil, ctx.Err()
		}
	}
}
