// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/cowork/connection"
	"github.com/bureau-foundation/cowork/docsync"
	"github.com/bureau-foundation/cowork/lib/clock"
	"github.com/bureau-foundation/cowork/lib/config"
	"github.com/bureau-foundation/cowork/lib/secret"
	"github.com/bureau-foundation/cowork/protocol"
	"github.com/bureau-foundation/cowork/relay"
	"github.com/bureau-foundation/cowork/room"
	"github.com/bureau-foundation/cowork/wire"
)

// peerFlags are shared by host and join.
type peerFlags struct {
	configPath     string
	relayURL       string
	name           string
	identity       string
	passphraseFile string
	debug          bool
}

func (f *peerFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "path to cowork.yaml (default: $"+config.EnvironmentVariable+", then built-in defaults)")
	flagSet.StringVar(&f.relayURL, "relay", "", "relay URL, overriding peer.relay_url")
	flagSet.StringVar(&f.name, "name", os.Getenv("USER"), "display name shown to other peers")
	flagSet.StringVar(&f.identity, "identity", "", "sealed identity from cowork-keygen, overriding peer.identity_file")
	flagSet.StringVar(&f.passphraseFile, "passphrase-file", "", "read the identity passphrase from this file")
	flagSet.BoolVar(&f.debug, "debug", false, "log at debug level")
}

// peer is a session with document sync wired in.
type peer struct {
	logger   *slog.Logger
	config   *config.Config
	keypair  *wire.Keypair
	session  *room.Session
	sync     *docsync.Synchronizer
	shutdown context.Context
	stop     context.CancelFunc
}

// newPeer loads configuration and identity and builds an idle session
// whose connection gets the document sync handlers before it starts.
func newPeer(flags *peerFlags, configure func(*room.Config)) (*peer, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.relayURL != "" {
		cfg.Peer.RelayURL = flags.relayURL
	}
	if flags.identity != "" {
		cfg.Peer.IdentityFile = flags.identity
	}

	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	keypair, err := loadKeypair(cfg.Peer.IdentityFile, flags.passphraseFile)
	if err != nil {
		return nil, err
	}
	logger.Info("identity", "fingerprint", keypair.Fingerprint())

	service, err := relay.NewClient(relay.ClientConfig{BaseURL: cfg.Peer.RelayURL})
	if err != nil {
		keypair.Close()
		return nil, err
	}

	p := &peer{logger: logger, config: cfg, keypair: keypair}
	roomConfig := room.Config{
		Service:        service,
		Keypair:        keypair,
		User:           protocol.User{Name: flags.name},
		Clock:          clock.Real(),
		Logger:         logger,
		Compression:    cfg.Peer.Compression,
		RequestTimeout: cfg.Peer.RequestTimeout,
		Capabilities:   protocol.Capabilities{FileSystem: true, Documents: true, Awareness: true},
		OnConnection: func(conn *connection.Connection) {
			p.sync.Register(conn)
		},
	}
	if configure != nil {
		configure(&roomConfig)
	}
	p.session = room.New(roomConfig)
	p.sync = docsync.New(docsync.Config{
		Session:        p.session,
		Clock:          clock.Real(),
		Logger:         logger,
		ResyncInterval: cfg.Peer.ResyncInterval,
	})
	p.shutdown, p.stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return p, nil
}

// wait blocks until a signal arrives or the session closes, then
// leaves the room.
func (p *peer) wait() {
	select {
	case <-p.shutdown.Done():
		p.logger.Info("leaving")
	case <-p.session.Closed():
		p.logger.Info("room closed")
	}
	p.sync.Close()
	p.session.Leave(context.Background())
}

func (p *peer) Close() {
	p.stop()
	p.keypair.Close()
}

// logSelections prints other peers' selections as they change.
func (p *peer) logSelections() {
	p.sync.OnSelectionsChanged(func(path string, selections []protocol.PeerSelection) {
		for _, selection := range selections {
			p.logger.Info("selection", "path", path, "peer", selection.Name, "ranges", selection.Selections)
		}
		if len(selections) == 0 {
			p.logger.Info("no remote selections", "path", path)
		}
	})
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv(config.EnvironmentVariable) != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// loadKeypair opens the sealed identity at path, or generates an
// ephemeral keypair when path is empty.
func loadKeypair(path, passphraseFile string) (*wire.Keypair, error) {
	if path == "" {
		return wire.GenerateKeypair()
	}
	passphrase, err := readPassphrase(passphraseFile)
	if err != nil {
		return nil, err
	}
	defer passphrase.Close()
	return wire.LoadIdentity(path, passphrase)
}

func readPassphrase(path string) (*secret.Buffer, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("passphrase file %s is empty", path)
		}
		return secret.NewFromBytes(data)
	}
	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for the passphrase prompt (use --passphrase-file)")
	}
	fmt.Fprint(os.Stderr, "Identity passphrase: ")
	passphraseBytes, err := term.ReadPassword(stdinFileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphraseBytes) == 0 {
		return nil, fmt.Errorf("the passphrase must not be empty")
	}
	buffer, err := secret.NewFromBytes(passphraseBytes)
	if err != nil {
		secret.Zero(passphraseBytes)
		return nil, err
	}
	return buffer, nil
}
