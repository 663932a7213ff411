// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/workspacefs"
)

func runJoin(args []string) error {
	var (
		flags peerFlags
		open  string
	)
	flagSet := pflag.NewFlagSet("cowork join", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.StringVar(&open, "open", "", "document to follow")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: cowork join [flags] <room-id>")
	}
	roomID := flagSet.Arg(0)

	p, err := newPeer(&flags, nil)
	if err != nil {
		return err
	}
	defer p.Close()

	p.logger.Info("waiting for the host to admit us", "room", roomID)
	if _, err := p.session.Join(p.shutdown, roomID); err != nil {
		if protocol.IsApplicationError(err, protocol.CodeJoinDeclined) {
			return fmt.Errorf("the host declined the join request")
		}
		return fmt.Errorf("joining room: %w", err)
	}
	defer p.session.Leave(context.Background())

	host := p.session.Host()
	files := workspacefs.NewClient(p.session.Connection(), host.ID, p.logger)
	files.OnChange(func(origin string, changes []protocol.FileChangeEvent) {
		for _, change := range changes {
			p.logger.Info("workspace changed", "path", change.Path, "type", change.Type)
		}
	})
	p.logSelections()
	if err := p.sync.Start(); err != nil {
		return err
	}
	p.logger.Info("joined", "host", host.Name, "workspace", p.session.Workspace().Name,
		"read_only", p.session.Permissions().ReadOnly)

	entries, err := files.ReadDir(p.shutdown, "")
	if err != nil {
		p.logger.Warn("listing workspace", "error", err)
	}
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		suffix := ""
		if entries[name]&protocol.FileTypeDirectory != 0 {
			suffix = "/"
		}
		fmt.Printf("%s%s\n", name, suffix)
	}

	if open != "" {
		document, err := p.sync.OpenDocument(p.shutdown, open, "")
		if err != nil {
			return fmt.Errorf("opening %s: %w", open, err)
		}
		fmt.Printf("--- %s\n%s\n", open, document.Text())
		p.sync.OnRemoteEdits(func(path string, edits []protocol.TextEdit) {
			if path != open {
				return
			}
			text, _ := p.sync.Text(path)
			fmt.Printf("--- %s (%d edits)\n%s\n", path, len(edits), text)
		})
	}
	p.wait()
	return nil
}
